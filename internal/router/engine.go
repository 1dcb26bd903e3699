package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/skylarryan212-maker/llm-client-1-sub003/config"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/telemetry"
	"github.com/skylarryan212-maker/llm-client-1-sub003/provider"
)

// Engine asks a compact model for a routing decision and validates what
// comes back. Decide always produces a usable Outcome: a bad model response
// costs exactly one retry before the deterministic fallback takes over.
type Engine struct {
	cfg      config.RouterConfig
	model    string
	provider provider.Provider
	logger   *log.Logger
}

func NewEngine(cfg config.RouterConfig, model string, prov provider.Provider) *Engine {
	return &Engine{
		cfg:      cfg,
		model:    model,
		provider: prov,
		logger:   log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}
}

// Decide produces a routing decision for one inbound message. Operator
// hints are applied after model-output validation, so a forced tier or
// speed preference holds even when the model disagrees.
func (e *Engine) Decide(ctx context.Context, in Input) Outcome {
	var usage telemetry.Usage

	decision, err := e.callAndParse(ctx, in, false, &usage)
	if err != nil {
		e.logger.Printf("decision attempt failed, retrying once: %v", err)
		decision, err = e.callAndParse(ctx, in, true, &usage)
	}
	if err != nil {
		e.logger.Printf("decision retry failed, using fallback: %v", err)
		fb := e.fallbackDecision()
		e.applyHints(&fb, in)
		return Outcome{Decision: fb, Fallback: true, FallbackReason: err.Error(), Usage: usage}
	}

	e.applyHints(&decision, in)
	return Outcome{Decision: decision, Usage: usage}
}

func (e *Engine) callAndParse(ctx context.Context, in Input, strict bool, usage *telemetry.Usage) (Decision, error) {
	prompt := e.buildPrompt(in, strict)
	raw, inTok, outTok, err := e.provider.GenerateWithTokens(ctx, prompt, e.model, map[string]interface{}{
		"temperature": 0.0,
	})
	usage.Add(inTok, outTok)
	if err != nil {
		return Decision{}, fmt.Errorf("decision call: %w", err)
	}
	return e.parseDecision(raw)
}

// parseDecision extracts the first balanced JSON object from the model
// output and validates it. The model tier is the one field that cannot be
// repaired: an unknown tier invalidates the whole decision.
func (e *Engine) parseDecision(raw string) (Decision, error) {
	obj, ok := extractJSONObject(raw)
	if !ok {
		return Decision{}, fmt.Errorf("no JSON object in decision output")
	}

	var w wireDecision
	if err := json.Unmarshal([]byte(obj), &w); err != nil {
		return Decision{}, fmt.Errorf("parse decision JSON: %w", err)
	}

	tier := ModelTier(strings.ToLower(strings.TrimSpace(w.ModelTier)))
	if _, ok := e.cfg.Tiers[string(tier)]; !ok {
		return Decision{}, fmt.Errorf("unknown model tier %q", w.ModelTier)
	}

	d := Decision{
		ModelTier:          tier,
		ReasoningEffort:    e.legalEffort(tier, ReasoningEffort(strings.ToLower(strings.TrimSpace(w.ReasoningEffort)))),
		ContextStrategy:    normalizeContext(w.ContextStrategy),
		WebSearchStrategy:  normalizeSearch(w.WebSearchStrategy),
		Memory:             parseMemoryStrategy(w.Memory),
		NextTurnPrediction: normalizeNextTurn(w.NextTurnPrediction),
	}

	d.MemoriesToWrite = make([]MemoryWrite, 0, len(w.MemoriesToWrite))
	for _, mw := range w.MemoriesToWrite {
		if strings.TrimSpace(mw.Type) == "" || strings.TrimSpace(mw.Title) == "" || strings.TrimSpace(mw.Content) == "" {
			continue
		}
		d.MemoriesToWrite = append(d.MemoriesToWrite, mw)
		if len(d.MemoriesToWrite) >= e.cfg.MemoryWriteMax {
			break
		}
	}

	d.MemoriesToDelete = make([]MemoryDelete, 0, len(w.MemoriesToDelete))
	for _, md := range w.MemoriesToDelete {
		if strings.TrimSpace(md.ID) == "" || strings.TrimSpace(md.Reason) == "" {
			continue
		}
		d.MemoriesToDelete = append(d.MemoriesToDelete, md)
	}

	d.InstructionsToWrite = make([]InstructionWrite, 0, len(w.InstructionsToWrite))
	for _, iw := range w.InstructionsToWrite {
		scope := strings.ToLower(strings.TrimSpace(iw.Scope))
		if scope != "user" && scope != "conversation" {
			continue
		}
		if strings.TrimSpace(iw.Title) == "" || strings.TrimSpace(iw.Content) == "" {
			continue
		}
		iw.Scope = scope
		d.InstructionsToWrite = append(d.InstructionsToWrite, iw)
	}

	d.InstructionsToDelete = make([]InstructionDelete, 0, len(w.InstructionsToDelete))
	for _, id := range w.InstructionsToDelete {
		if strings.TrimSpace(id.ID) == "" || strings.TrimSpace(id.Reason) == "" {
			continue
		}
		d.InstructionsToDelete = append(d.InstructionsToDelete, id)
	}

	return d, nil
}

// legalEffort clamps an effort to the configured set for the tier. "none"
// never survives outside flagship; an unrecognized effort becomes the
// lowest legal one rather than invalidating the decision.
func (e *Engine) legalEffort(tier ModelTier, effort ReasoningEffort) ReasoningEffort {
	legal := e.effortsFor(tier)
	for _, le := range legal {
		if le == effort {
			return effort
		}
	}
	return e.lowestEffort(tier)
}

func (e *Engine) effortsFor(tier ModelTier) []ReasoningEffort {
	tc := e.cfg.Tiers[string(tier)]
	out := make([]ReasoningEffort, 0, len(tc.Efforts))
	for _, s := range tc.Efforts {
		eff := ReasoningEffort(strings.ToLower(s))
		if eff == EffortNone && tier != TierFlagship {
			continue
		}
		if _, ok := effortRank[eff]; ok {
			out = append(out, eff)
		}
	}
	if len(out) == 0 {
		out = []ReasoningEffort{EffortLow}
	}
	return out
}

func (e *Engine) lowestEffort(tier ModelTier) ReasoningEffort {
	legal := e.effortsFor(tier)
	lowest := legal[0]
	for _, le := range legal[1:] {
		if effortRank[le] < effortRank[lowest] {
			lowest = le
		}
	}
	return lowest
}

func (e *Engine) highestEffort(tier ModelTier) ReasoningEffort {
	legal := e.effortsFor(tier)
	highest := legal[0]
	for _, le := range legal[1:] {
		if effortRank[le] > effortRank[highest] {
			highest = le
		}
	}
	return highest
}

// raiseEffort bumps the decision to at least floor, clamped to what the
// tier supports.
func (e *Engine) raiseEffort(d *Decision, floor ReasoningEffort) {
	if effortRank[d.ReasoningEffort] >= effortRank[floor] {
		return
	}
	for _, le := range e.effortsFor(d.ModelTier) {
		if le == floor {
			d.ReasoningEffort = floor
			return
		}
	}
	d.ReasoningEffort = e.highestEffort(d.ModelTier)
}

// applyHints enforces operator constraints on a validated (or fallback)
// decision. Order matters: tier first, then speed, then the usage guard.
func (e *Engine) applyHints(d *Decision, in Input) {
	h := in.Hints

	forced := h.ForcedTier != ""
	if forced {
		if _, ok := e.cfg.Tiers[string(h.ForcedTier)]; ok {
			d.ModelTier = h.ForcedTier
		} else {
			forced = false
		}
	}

	// re-legalize after any tier change
	d.ReasoningEffort = e.legalEffort(d.ModelTier, d.ReasoningEffort)

	switch h.Speed {
	case SpeedInstant:
		d.ReasoningEffort = e.lowestEffort(d.ModelTier)
	case SpeedThinking:
		floor := EffortMedium
		if len(in.Prompt) > e.cfg.LongPromptChars || e.matchesThinkingKeyword(in.Prompt) {
			floor = EffortHigh
		}
		e.raiseEffort(d, floor)
	}

	if !forced && h.UsagePercent >= e.cfg.UsageHighWater {
		switch d.ModelTier {
		case TierFlagship:
			d.ModelTier = TierBalanced
		case TierBalanced:
			d.ModelTier = TierCompact
		}
		d.ReasoningEffort = e.legalEffort(d.ModelTier, d.ReasoningEffort)
	}
}

func (e *Engine) matchesThinkingKeyword(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, kw := range e.cfg.ThinkingKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// fallbackDecision is the deterministic safe default used whenever the
// model cannot produce a valid decision. It must never fail.
func (e *Engine) fallbackDecision() Decision {
	return Decision{
		ModelTier:            TierBalanced,
		ReasoningEffort:      EffortLow,
		ContextStrategy:      ContextRecent,
		WebSearchStrategy:    SearchOptional,
		Memory:               MemoryStrategy{Categories: []string{}},
		MemoriesToWrite:      []MemoryWrite{},
		MemoriesToDelete:     []MemoryDelete{},
		InstructionsToWrite:  []InstructionWrite{},
		InstructionsToDelete: []InstructionDelete{},
		NextTurnPrediction:   NextTurnUnknown,
	}
}

func (e *Engine) buildPrompt(in Input, strict bool) string {
	var b strings.Builder
	b.WriteString("You are the routing stage of a conversational assistant. ")
	b.WriteString("Decide how the next reply should be produced. Be reliability-first: ")
	b.WriteString("pick the cheapest tier that can answer well and escalate only when you can name a concrete risk of a bad answer.\n\n")

	b.WriteString("Tiers, cheapest first:\n")
	for _, tier := range []ModelTier{TierCompact, TierBalanced, TierFlagship} {
		efforts := e.effortsFor(tier)
		names := make([]string, len(efforts))
		for i, eff := range efforts {
			names[i] = string(eff)
		}
		b.WriteString(fmt.Sprintf("- %s (efforts: %s)\n", tier, strings.Join(names, ", ")))
	}

	if len(in.StandingInstructions) > 0 {
		b.WriteString("\nStanding instructions:\n")
		for _, inst := range in.StandingInstructions {
			b.WriteString("- " + inst + "\n")
		}
	}

	if len(in.MemoryCategories) > 0 {
		b.WriteString("\nAvailable memory categories: " + strings.Join(in.MemoryCategories, ", ") + "\n")
	}

	if len(in.ContextLines) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, line := range in.ContextLines {
			b.WriteString(line + "\n")
		}
	}

	b.WriteString("\nNew user message:\n" + in.Prompt + "\n")

	b.WriteString(`
Respond with a JSON object of this exact shape:
{
  "model_tier": "compact|balanced|flagship",
  "reasoning_effort": "none|minimal|low|medium|high",
  "context_strategy": "minimal|recent|full",
  "web_search_strategy": "never|optional|required",
  "memory": {"categories": ["..."] or "all", "use_semantic_search": true|false, "query": "...", "limit": 5},
  "memories_to_write": [{"type": "...", "title": "...", "content": "..."}],
  "memories_to_delete": [{"id": "...", "reason": "..."}],
  "instructions_to_write": [{"scope": "user|conversation", "title": "...", "content": "..."}],
  "instructions_to_delete": [{"id": "...", "reason": "..."}],
  "next_turn_prediction": "likely|unlikely|unknown"
}
"none" effort is only valid on the flagship tier. Write a memory only for durable facts worth recalling weeks later.`)

	if strict {
		b.WriteString("\n\nRespond with ONLY the JSON object. No prose, no markdown fences, no commentary.")
	}
	return b.String()
}

type wireDecision struct {
	ModelTier            string              `json:"model_tier"`
	ReasoningEffort      string              `json:"reasoning_effort"`
	ContextStrategy      string              `json:"context_strategy"`
	WebSearchStrategy    string              `json:"web_search_strategy"`
	Memory               wireMemory          `json:"memory"`
	MemoriesToWrite      []MemoryWrite       `json:"memories_to_write"`
	MemoriesToDelete     []MemoryDelete      `json:"memories_to_delete"`
	InstructionsToWrite  []InstructionWrite  `json:"instructions_to_write"`
	InstructionsToDelete []InstructionDelete `json:"instructions_to_delete"`
	NextTurnPrediction   string              `json:"next_turn_prediction"`
}

// wireMemory tolerates "categories" arriving either as a list or as the
// literal string "all".
type wireMemory struct {
	Categories        json.RawMessage `json:"categories"`
	UseSemanticSearch bool            `json:"use_semantic_search"`
	Query             string          `json:"query"`
	Limit             int             `json:"limit"`
}

func parseMemoryStrategy(w wireMemory) MemoryStrategy {
	ms := MemoryStrategy{
		Categories:        []string{},
		UseSemanticSearch: w.UseSemanticSearch,
		Query:             strings.TrimSpace(w.Query),
		Limit:             w.Limit,
	}
	if len(w.Categories) > 0 {
		var all string
		if err := json.Unmarshal(w.Categories, &all); err == nil {
			if strings.EqualFold(strings.TrimSpace(all), "all") {
				ms.AllCategories = true
			}
		} else {
			var list []string
			if err := json.Unmarshal(w.Categories, &list); err == nil {
				for _, c := range list {
					c = strings.TrimSpace(c)
					if c == "" {
						continue
					}
					if strings.EqualFold(c, "all") {
						ms.AllCategories = true
						continue
					}
					ms.Categories = append(ms.Categories, c)
				}
			}
		}
	}
	return ms
}

func normalizeContext(s string) ContextStrategy {
	switch ContextStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case ContextMinimal:
		return ContextMinimal
	case ContextFull:
		return ContextFull
	default:
		return ContextRecent
	}
}

func normalizeSearch(s string) SearchStrategy {
	switch SearchStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case SearchNever:
		return SearchNever
	case SearchRequired:
		return SearchRequired
	default:
		return SearchOptional
	}
}

func normalizeNextTurn(s string) NextTurnPrediction {
	switch NextTurnPrediction(strings.ToLower(strings.TrimSpace(s))) {
	case NextTurnLikely:
		return NextTurnLikely
	case NextTurnUnlikely:
		return NextTurnUnlikely
	default:
		return NextTurnUnknown
	}
}

// extractJSONObject returns the first balanced top-level JSON object in s,
// skipping braces inside string literals.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
