package provider

import (
	"context"
	"errors"

	"github.com/skylarryan212-maker/llm-client-1-sub003/config"
	openai_provider "github.com/skylarryan212-maker/llm-client-1-sub003/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI Client = "openai"
)

// Provider is the interface the pipeline's auxiliary model calls go through.
// Implementations must respect ctx deadlines; callers always attach one.
type Provider interface {
	// Generate produces a completion for the prompt using the named model.
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens is Generate plus input/output token usage.
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// Embed returns one vector per input text.
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)
}

// NewProvider creates an LLM client from configuration.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	pc, ok := cfg.Providers[string(OpenAI)]
	if !ok {
		return nil, errors.New("llm.providers.openai not configured")
	}
	if pc.APIKey == "" {
		return nil, errors.New("llm.providers.openai.api_key not set")
	}
	return openai_provider.NewClient(pc.APIKey, pc.BaseURL, pc.Timeout), nil
}
