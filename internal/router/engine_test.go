package router

import (
	"context"
	"fmt"
	"testing"

	"github.com/skylarryan212-maker/llm-client-1-sub003/config"
)

type scriptedProvider struct {
	responses []string
	errs      []error
	calls     int
}

func (s *scriptedProvider) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	out, _, _, err := s.GenerateWithTokens(ctx, prompt, model, options)
	return out, err
}

func (s *scriptedProvider) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		return "", 0, 0, fmt.Errorf("no scripted response for call %d", i)
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.responses[i], 100, 50, err
}

func (s *scriptedProvider) Embed(ctx context.Context, model string, input []string) ([][]float32, error) {
	return nil, fmt.Errorf("not implemented")
}

func testEngine(responses ...string) (*Engine, *scriptedProvider) {
	prov := &scriptedProvider{responses: responses}
	cfg := config.RouterConfig{}.Normalize()
	return NewEngine(cfg, "gpt-4o-mini", prov), prov
}

func TestDecideValidResponse(t *testing.T) {
	eng, prov := testEngine(`Here is my decision:
{
  "model_tier": "flagship",
  "reasoning_effort": "high",
  "context_strategy": "full",
  "web_search_strategy": "required",
  "memory": {"categories": "all", "use_semantic_search": true, "query": "user projects", "limit": 5},
  "memories_to_write": [{"type": "preference", "title": "Tabs", "content": "User prefers tabs over spaces"}],
  "memories_to_delete": [],
  "instructions_to_write": [],
  "instructions_to_delete": [],
  "next_turn_prediction": "likely"
}`)

	out := eng.Decide(context.Background(), Input{Prompt: "compare these two papers in depth"})
	if out.Fallback {
		t.Fatalf("unexpected fallback: %s", out.FallbackReason)
	}
	if prov.calls != 1 {
		t.Fatalf("expected 1 call, got %d", prov.calls)
	}
	d := out.Decision
	if d.ModelTier != TierFlagship || d.ReasoningEffort != EffortHigh {
		t.Fatalf("unexpected tier/effort: %s/%s", d.ModelTier, d.ReasoningEffort)
	}
	if d.ContextStrategy != ContextFull || d.WebSearchStrategy != SearchRequired {
		t.Fatalf("unexpected strategies: %s/%s", d.ContextStrategy, d.WebSearchStrategy)
	}
	if !d.Memory.AllCategories || !d.Memory.UseSemanticSearch {
		t.Fatalf("memory strategy not parsed: %+v", d.Memory)
	}
	if len(d.MemoriesToWrite) != 1 || d.MemoriesToWrite[0].Title != "Tabs" {
		t.Fatalf("memory writes not parsed: %+v", d.MemoriesToWrite)
	}
	if out.Usage.Calls != 1 || out.Usage.InputTokens != 100 || out.Usage.OutputTokens != 50 {
		t.Fatalf("usage not tracked: %+v", out.Usage)
	}
}

func TestDecideRetriesOnceThenSucceeds(t *testing.T) {
	eng, prov := testEngine(
		"I think balanced is right but I won't say so in JSON.",
		`{"model_tier": "balanced", "reasoning_effort": "medium", "context_strategy": "recent",
		  "web_search_strategy": "never", "memory": {"categories": []},
		  "next_turn_prediction": "unlikely"}`,
	)

	out := eng.Decide(context.Background(), Input{Prompt: "hello"})
	if out.Fallback {
		t.Fatalf("unexpected fallback: %s", out.FallbackReason)
	}
	if prov.calls != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", prov.calls)
	}
	if out.Decision.ModelTier != TierBalanced || out.Decision.ReasoningEffort != EffortMedium {
		t.Fatalf("unexpected decision: %+v", out.Decision)
	}
	if out.Usage.Calls != 2 || out.Usage.InputTokens != 200 {
		t.Fatalf("usage should cover both calls: %+v", out.Usage)
	}
}

func TestDecideFallbackAfterTwoFailures(t *testing.T) {
	eng, prov := testEngine("garbage", `{"model_tier": "ultra", "reasoning_effort": "low"}`)

	out := eng.Decide(context.Background(), Input{Prompt: "hello"})
	if !out.Fallback {
		t.Fatal("expected fallback outcome")
	}
	if prov.calls != 2 {
		t.Fatalf("expected exactly 2 calls before fallback, got %d", prov.calls)
	}
	d := out.Decision
	if d.ModelTier != TierBalanced || d.ReasoningEffort != EffortLow {
		t.Fatalf("fallback tier/effort wrong: %s/%s", d.ModelTier, d.ReasoningEffort)
	}
	if d.ContextStrategy != ContextRecent || d.WebSearchStrategy != SearchOptional {
		t.Fatalf("fallback strategies wrong: %s/%s", d.ContextStrategy, d.WebSearchStrategy)
	}
	if d.MemoriesToWrite == nil || d.MemoriesToDelete == nil || d.Memory.Categories == nil {
		t.Fatal("fallback arrays must be empty, never nil")
	}
	if len(d.MemoriesToWrite) != 0 || len(d.MemoriesToDelete) != 0 {
		t.Fatalf("fallback must propose no side effects: %+v", d)
	}
	if out.FallbackReason == "" {
		t.Fatal("fallback reason must be recorded")
	}
}

func TestNoneEffortOnlyLegalOnFlagship(t *testing.T) {
	eng, _ := testEngine(`{"model_tier": "compact", "reasoning_effort": "none",
		"context_strategy": "minimal", "web_search_strategy": "never",
		"memory": {"categories": []}, "next_turn_prediction": "unknown"}`)

	out := eng.Decide(context.Background(), Input{Prompt: "hi"})
	if out.Fallback {
		t.Fatalf("a repairable effort must not invalidate the decision: %s", out.FallbackReason)
	}
	if out.Decision.ReasoningEffort != EffortMinimal {
		t.Fatalf("expected lowest legal effort minimal, got %s", out.Decision.ReasoningEffort)
	}
}

func TestNoneEffortSurvivesOnFlagship(t *testing.T) {
	eng, _ := testEngine(`{"model_tier": "flagship", "reasoning_effort": "none",
		"context_strategy": "minimal", "web_search_strategy": "never",
		"memory": {"categories": []}, "next_turn_prediction": "unknown"}`)

	out := eng.Decide(context.Background(), Input{Prompt: "hi"})
	if out.Decision.ReasoningEffort != EffortNone {
		t.Fatalf("none should be legal on flagship, got %s", out.Decision.ReasoningEffort)
	}
}

func TestIncompleteSideEffectEntriesDropped(t *testing.T) {
	eng, _ := testEngine(`{"model_tier": "balanced", "reasoning_effort": "low",
		"context_strategy": "recent", "web_search_strategy": "never",
		"memory": {"categories": ["preference"]},
		"memories_to_write": [
			{"type": "preference", "title": "", "content": "missing title"},
			{"type": "fact", "title": "Job", "content": "User is a cartographer"}
		],
		"memories_to_delete": [
			{"id": "mem-1", "reason": ""},
			{"id": "mem-2", "reason": "stale"}
		],
		"next_turn_prediction": "unknown"}`)

	out := eng.Decide(context.Background(), Input{Prompt: "hi"})
	d := out.Decision
	if len(d.MemoriesToWrite) != 1 || d.MemoriesToWrite[0].Title != "Job" {
		t.Fatalf("incomplete write should be dropped: %+v", d.MemoriesToWrite)
	}
	if len(d.MemoriesToDelete) != 1 || d.MemoriesToDelete[0].ID != "mem-2" {
		t.Fatalf("delete without reason should be dropped: %+v", d.MemoriesToDelete)
	}
	if len(d.Memory.Categories) != 1 || d.Memory.Categories[0] != "preference" {
		t.Fatalf("categories not parsed: %+v", d.Memory)
	}
}

func TestForcedTierHonoredOverUsageGuard(t *testing.T) {
	eng, _ := testEngine(`{"model_tier": "compact", "reasoning_effort": "low",
		"context_strategy": "recent", "web_search_strategy": "never",
		"memory": {"categories": []}, "next_turn_prediction": "unknown"}`)

	out := eng.Decide(context.Background(), Input{
		Prompt: "hi",
		Hints:  OperatorHints{ForcedTier: TierFlagship, UsagePercent: 99},
	})
	if out.Decision.ModelTier != TierFlagship {
		t.Fatalf("forced tier must survive the usage guard, got %s", out.Decision.ModelTier)
	}
}

func TestUsageGuardForcesCheaperTier(t *testing.T) {
	eng, _ := testEngine(`{"model_tier": "flagship", "reasoning_effort": "high",
		"context_strategy": "full", "web_search_strategy": "optional",
		"memory": {"categories": []}, "next_turn_prediction": "unknown"}`)

	out := eng.Decide(context.Background(), Input{
		Prompt: "hi",
		Hints:  OperatorHints{UsagePercent: 90},
	})
	if out.Decision.ModelTier != TierBalanced {
		t.Fatalf("usage guard should downgrade flagship to balanced, got %s", out.Decision.ModelTier)
	}
}

func TestInstantSpeedDropsEffort(t *testing.T) {
	eng, _ := testEngine(`{"model_tier": "balanced", "reasoning_effort": "high",
		"context_strategy": "recent", "web_search_strategy": "never",
		"memory": {"categories": []}, "next_turn_prediction": "unknown"}`)

	out := eng.Decide(context.Background(), Input{
		Prompt: "hi",
		Hints:  OperatorHints{Speed: SpeedInstant},
	})
	if out.Decision.ReasoningEffort != EffortMinimal {
		t.Fatalf("instant should pick lowest legal effort, got %s", out.Decision.ReasoningEffort)
	}
}

func TestThinkingSpeedRaisesEffort(t *testing.T) {
	resp := `{"model_tier": "balanced", "reasoning_effort": "minimal",
		"context_strategy": "recent", "web_search_strategy": "never",
		"memory": {"categories": []}, "next_turn_prediction": "unknown"}`

	eng, _ := testEngine(resp)
	out := eng.Decide(context.Background(), Input{
		Prompt: "short question",
		Hints:  OperatorHints{Speed: SpeedThinking},
	})
	if out.Decision.ReasoningEffort != EffortMedium {
		t.Fatalf("thinking should raise effort to medium, got %s", out.Decision.ReasoningEffort)
	}

	eng, _ = testEngine(resp)
	out = eng.Decide(context.Background(), Input{
		Prompt: "please prove this bound holds",
		Hints:  OperatorHints{Speed: SpeedThinking},
	})
	if out.Decision.ReasoningEffort != EffortHigh {
		t.Fatalf("thinking keyword should raise effort to high, got %s", out.Decision.ReasoningEffort)
	}
}

func TestExtractJSONObjectSkipsBracesInStrings(t *testing.T) {
	obj, ok := extractJSONObject(`prefix {"a": "value with } brace", "b": {"c": 1}} suffix`)
	if !ok {
		t.Fatal("expected an object")
	}
	if obj != `{"a": "value with } brace", "b": {"c": 1}}` {
		t.Fatalf("wrong extraction: %s", obj)
	}

	if _, ok := extractJSONObject("no object here"); ok {
		t.Fatal("expected no object")
	}
	if _, ok := extractJSONObject(`{"unclosed": true`); ok {
		t.Fatal("unbalanced object must not extract")
	}
}
