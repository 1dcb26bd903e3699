package server

import (
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/router"
)

// HTTPError is the unified error body.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// RouteRequest is one inbound user message plus operator hints.
type RouteRequest struct {
	Prompt string               `json:"prompt"`
	Hints  router.OperatorHints `json:"hints"`
}

type InstructionCreateRequest struct {
	Scope          string `json:"scope"` // user | conversation
	ConversationID string `json:"conversation_id,omitempty"`
	Title          string `json:"title"`
	Content        string `json:"content"`
}

type MemorySearchRequest struct {
	Query      string   `json:"query"`
	Categories []string `json:"categories"`
	Limit      int      `json:"limit"`
}

type ArtifactUpsertRequest struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Title   string `json:"title"`
	Content string `json:"content"`
	TopicID string `json:"topic_id,omitempty"`
}
