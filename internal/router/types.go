package router

import (
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/telemetry"
)

// ModelTier selects the downstream generation model class.
type ModelTier string

const (
	TierCompact  ModelTier = "compact"
	TierBalanced ModelTier = "balanced"
	TierFlagship ModelTier = "flagship"
)

// ReasoningEffort hints how much deliberation the generation model performs.
// "none" is only legal on the flagship tier.
type ReasoningEffort string

const (
	EffortNone    ReasoningEffort = "none"
	EffortMinimal ReasoningEffort = "minimal"
	EffortLow     ReasoningEffort = "low"
	EffortMedium  ReasoningEffort = "medium"
	EffortHigh    ReasoningEffort = "high"
)

// effortRank orders efforts from least to most deliberation.
var effortRank = map[ReasoningEffort]int{
	EffortNone:    0,
	EffortMinimal: 1,
	EffortLow:     2,
	EffortMedium:  3,
	EffortHigh:    4,
}

// ContextStrategy controls how much prior conversation the final prompt gets.
type ContextStrategy string

const (
	ContextMinimal ContextStrategy = "minimal"
	ContextRecent  ContextStrategy = "recent"
	ContextFull    ContextStrategy = "full"
)

// SearchStrategy states whether live web lookup is required for this turn.
type SearchStrategy string

const (
	SearchNever    SearchStrategy = "never"
	SearchOptional SearchStrategy = "optional"
	SearchRequired SearchStrategy = "required"
)

// NextTurnPrediction guesses whether the user will follow up immediately.
type NextTurnPrediction string

const (
	NextTurnLikely   NextTurnPrediction = "likely"
	NextTurnUnlikely NextTurnPrediction = "unlikely"
	NextTurnUnknown  NextTurnPrediction = "unknown"
)

// MemoryStrategy describes which long-term memories to load for this turn.
type MemoryStrategy struct {
	Categories        []string `json:"categories"`
	AllCategories     bool     `json:"all_categories"`
	UseSemanticSearch bool     `json:"use_semantic_search"`
	Query             string   `json:"query,omitempty"`
	Limit             int      `json:"limit"`
}

// MemoryWrite proposes a durable memory. Entries missing any field are
// dropped during validation rather than defaulted.
type MemoryWrite struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// MemoryDelete proposes removing a memory by id.
type MemoryDelete struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// InstructionWrite proposes a standing directive.
type InstructionWrite struct {
	Scope   string `json:"scope"` // user | conversation
	Title   string `json:"title"`
	Content string `json:"content"`
}

// InstructionDelete proposes removing a standing directive by id.
type InstructionDelete struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Decision is the validated routing decision for one inbound message.
// It is computed fresh per message and never persisted; only its side
// effects (memory and instruction writes/deletes) are.
type Decision struct {
	ModelTier            ModelTier           `json:"model_tier"`
	ReasoningEffort      ReasoningEffort     `json:"reasoning_effort"`
	ContextStrategy      ContextStrategy     `json:"context_strategy"`
	WebSearchStrategy    SearchStrategy      `json:"web_search_strategy"`
	Memory               MemoryStrategy      `json:"memory"`
	MemoriesToWrite      []MemoryWrite       `json:"memories_to_write"`
	MemoriesToDelete     []MemoryDelete      `json:"memories_to_delete"`
	InstructionsToWrite  []InstructionWrite  `json:"instructions_to_write"`
	InstructionsToDelete []InstructionDelete `json:"instructions_to_delete"`
	NextTurnPrediction   NextTurnPrediction  `json:"next_turn_prediction"`
}

// Outcome is the tagged result of Decide: either a validated model decision
// or the deterministic fallback. Decide never returns an error.
type Outcome struct {
	Decision       Decision        `json:"decision"`
	Fallback       bool            `json:"fallback"`
	FallbackReason string          `json:"fallback_reason,omitempty"`
	Usage          telemetry.Usage `json:"usage"`
}

// SpeedPreference is the caller's latency/quality dial.
type SpeedPreference string

const (
	SpeedInstant  SpeedPreference = "instant"
	SpeedAuto     SpeedPreference = "auto"
	SpeedThinking SpeedPreference = "thinking"
)

// OperatorHints are caller-supplied constraints applied after validation.
type OperatorHints struct {
	ForcedTier   ModelTier       `json:"forced_tier,omitempty"` // empty when the model picks
	Speed        SpeedPreference `json:"speed,omitempty"`
	UsagePercent float64         `json:"usage_percent"`
}

// Input carries everything the engine embeds into its single prompt.
type Input struct {
	Prompt               string
	ContextLines         []string // already truncated by the caller
	MemoryCategories     []string
	StandingInstructions []string
	Hints                OperatorHints
}
