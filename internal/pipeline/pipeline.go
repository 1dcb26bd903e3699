package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/skylarryan212-maker/llm-client-1-sub003/config"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/assembler"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/memory"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/router"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/store"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/telemetry"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/topics"
)

// Store is the slice of persistence the pipeline touches directly.
type Store interface {
	EnsureConversation(ctx context.Context, id, userID string) error
	CreateMessage(ctx context.Context, rec store.Message) (string, error)
	TagMessageTopic(ctx context.Context, messageID, topicID string) error
	AddTopicTokenEstimate(ctx context.Context, topicID string, delta int) error
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	ListAllMessages(ctx context.Context, conversationID string) ([]store.Message, error)
	ListInstructions(ctx context.Context, userID, conversationID string) ([]store.PermanentInstruction, error)
	InsertInstruction(ctx context.Context, rec store.PermanentInstruction) (string, error)
	DeleteInstruction(ctx context.Context, id, userID string) error
}

// Decider produces a routing decision for one message.
type Decider interface {
	Decide(ctx context.Context, in router.Input) router.Outcome
}

// Classifier tags one message with a topic.
type Classifier interface {
	Classify(ctx context.Context, in topics.Input) topics.Decision
}

// MemoryService is the memory surface the pipeline commits against.
type MemoryService interface {
	Save(ctx context.Context, userID string, w memory.Write) (memory.WriteResult, error)
	Delete(ctx context.Context, userID, id string) error
	Fetch(ctx context.Context, userID string, strat memory.FetchStrategy) ([]store.MemoryItem, error)
	Categories(ctx context.Context, userID string) ([]string, error)
}

// TopicCache remembers the conversation's active topic between turns.
type TopicCache interface {
	SetActiveTopic(ctx context.Context, conversationID, topicID string) error
	InvalidateActiveTopic(ctx context.Context, conversationID string) error
}

// ArtifactFinder proposes loadable artifact ids for a message.
type ArtifactFinder interface {
	Relevant(text string, limit int) ([]string, error)
}

// Turn is one inbound user message.
type Turn struct {
	UserID         string               `json:"user_id"`
	ConversationID string               `json:"conversation_id"`
	Prompt         string               `json:"prompt"`
	Hints          router.OperatorHints `json:"hints"`
}

// Result is everything the caller needs to produce the actual reply:
// the validated routing decision, the resolved topic, the assembled
// context, and the memories and instructions to prepend.
type Result struct {
	MessageID    string                       `json:"message_id"`
	Model        string                       `json:"model"`
	Decision     router.Decision              `json:"decision"`
	Fallback     bool                         `json:"fallback"`
	Topic        topics.Decision              `json:"topic"`
	ContextLines []string                     `json:"context_lines"`
	Memories     []store.MemoryItem           `json:"memories"`
	Instructions []store.PermanentInstruction `json:"instructions"`
	MemoryWrites []memory.WriteResult         `json:"memory_writes"`
	Usage        telemetry.Usage              `json:"usage"`
}

// Pipeline is the single entry point: persist the message, decide routing
// and topic concurrently, commit side effects, and assemble the context.
// Only persistence of the inbound message itself is fatal; everything
// downstream degrades.
type Pipeline struct {
	cfg       *config.Config
	store     Store
	router    Decider
	topics    Classifier
	memory    MemoryService
	assembler *assembler.Assembler
	cache     TopicCache     // optional
	artifacts ArtifactFinder // optional
	logger    *log.Logger
}

func New(cfg *config.Config, st Store, dec Decider, cls Classifier, mem MemoryService, asm *assembler.Assembler, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		store:     st,
		router:    dec,
		topics:    cls,
		memory:    mem,
		assembler: asm,
		logger:    log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type Option func(*Pipeline)

func WithTopicCache(c TopicCache) Option {
	return func(p *Pipeline) { p.cache = c }
}

func WithArtifacts(a ArtifactFinder) Option {
	return func(p *Pipeline) { p.artifacts = a }
}

// Route processes one turn end to end. All side effects the decision
// implies are committed before Route returns.
func (p *Pipeline) Route(ctx context.Context, turn Turn) (*Result, error) {
	started := time.Now()

	if err := p.store.EnsureConversation(ctx, turn.ConversationID, turn.UserID); err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}

	// history is captured before the inbound message lands so the aux
	// prompts see it exactly once, appended as the new message
	windowSize := p.cfg.Router.ContextWindowLines
	if p.cfg.Context.RecentWindow > windowSize {
		windowSize = p.cfg.Context.RecentWindow
	}
	history, err := p.store.ListRecentMessages(ctx, turn.ConversationID, windowSize)
	if err != nil {
		p.logger.Printf("history load failed, continuing without: %v", err)
		history = nil
	}

	messageID, err := p.store.CreateMessage(ctx, store.Message{
		ConversationID: turn.ConversationID,
		Role:           "user",
		Content:        turn.Prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	auxWindow := p.assembler.Window(history, p.cfg.Router.ContextWindowLines, p.cfg.Router.PromptTokenCap)
	categories := p.loadCategories(ctx, turn.UserID)
	instructions := p.loadInstructions(ctx, turn)
	artifactIDs := p.loadArtifactCandidates(turn.Prompt)

	var (
		wg           sync.WaitGroup
		routeOutcome router.Outcome
		topicDec     topics.Decision
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		routeOutcome = p.router.Decide(ctx, router.Input{
			Prompt:               turn.Prompt,
			ContextLines:         auxWindow,
			MemoryCategories:     categories,
			StandingInstructions: renderInstructions(instructions),
			Hints:                turn.Hints,
		})
	}()
	go func() {
		defer wg.Done()
		topicDec = p.topics.Classify(ctx, topics.Input{
			UserID:         turn.UserID,
			ConversationID: turn.ConversationID,
			Prompt:         turn.Prompt,
			ContextLines:   auxWindow,
			ArtifactIDs:    artifactIDs,
		})
	}()
	wg.Wait()

	if topicDec.TopicID != "" {
		if err := p.store.TagMessageTopic(ctx, messageID, topicDec.TopicID); err != nil {
			p.logger.Printf("topic tagging failed for message %s: %v", messageID, err)
			// the cached active topic may now point at a topic this
			// message never got tagged with
			if p.cache != nil {
				if err := p.cache.InvalidateActiveTopic(ctx, turn.ConversationID); err != nil {
					p.logger.Printf("active topic cache invalidation failed: %v", err)
				}
			}
		} else {
			if p.cache != nil {
				if err := p.cache.SetActiveTopic(ctx, turn.ConversationID, topicDec.TopicID); err != nil {
					p.logger.Printf("active topic cache update failed: %v", err)
				}
			}
			if delta := p.assembler.EstimateTokens(turn.Prompt); delta > 0 {
				if err := p.store.AddTopicTokenEstimate(ctx, topicDec.TopicID, delta); err != nil {
					p.logger.Printf("topic token estimate update failed: %v", err)
				}
			}
		}
	}

	writeResults := p.commitSideEffects(ctx, turn, routeOutcome.Decision)
	memories := p.fetchMemories(ctx, turn.UserID, routeOutcome.Decision.Memory)
	contextLines := p.assembleContext(ctx, turn, messageID, history, routeOutcome.Decision.ContextStrategy)

	usage := routeOutcome.Usage
	usage.Merge(topicDec.Usage)
	telemetry.RecordStageUsage("router", routeOutcome.Usage)
	telemetry.RecordStageUsage("classifier", topicDec.Usage)
	if routeOutcome.Fallback {
		telemetry.Fallbacks.WithLabelValues("router").Inc()
	}
	if topicDec.Fallback {
		telemetry.Fallbacks.WithLabelValues("classifier").Inc()
	}
	outcome := "ok"
	if routeOutcome.Fallback {
		outcome = "router_fallback"
	}
	telemetry.RouteRequests.WithLabelValues(outcome).Inc()
	telemetry.RouteDuration.Observe(time.Since(started).Seconds())

	return &Result{
		MessageID:    messageID,
		Model:        p.cfg.Router.Tiers[string(routeOutcome.Decision.ModelTier)].Model,
		Decision:     routeOutcome.Decision,
		Fallback:     routeOutcome.Fallback,
		Topic:        topicDec,
		ContextLines: contextLines,
		Memories:     memories,
		Instructions: instructions,
		MemoryWrites: writeResults,
		Usage:        usage,
	}, nil
}

// commitSideEffects applies the decision's memory and instruction
// mutations. Writes run concurrently; everything completes before return.
// Individual failures are logged and dropped, never fatal to the turn.
func (p *Pipeline) commitSideEffects(ctx context.Context, turn Turn, d router.Decision) []memory.WriteResult {
	results := make([]memory.WriteResult, 0, len(d.MemoriesToWrite))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, w := range d.MemoriesToWrite {
		wg.Add(1)
		go func(w router.MemoryWrite) {
			defer wg.Done()
			res, err := p.memory.Save(ctx, turn.UserID, memory.Write{Type: w.Type, Title: w.Title, Content: w.Content})
			if err != nil {
				p.logger.Printf("memory write failed (%s): %v", w.Title, err)
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	for _, del := range d.MemoriesToDelete {
		if err := p.memory.Delete(ctx, turn.UserID, del.ID); err != nil {
			p.logger.Printf("memory delete failed (%s): %v", del.ID, err)
		}
	}

	for _, iw := range d.InstructionsToWrite {
		rec := store.PermanentInstruction{Scope: iw.Scope, Title: iw.Title, Content: iw.Content}
		if iw.Scope == "conversation" {
			rec.ConversationID = &turn.ConversationID
		} else {
			rec.UserID = &turn.UserID
		}
		if _, err := p.store.InsertInstruction(ctx, rec); err != nil {
			p.logger.Printf("instruction write failed (%s): %v", iw.Title, err)
		}
	}
	for _, id := range d.InstructionsToDelete {
		if err := p.store.DeleteInstruction(ctx, id.ID, turn.UserID); err != nil {
			p.logger.Printf("instruction delete failed (%s): %v", id.ID, err)
		}
	}
	return results
}

func (p *Pipeline) fetchMemories(ctx context.Context, userID string, strat router.MemoryStrategy) []store.MemoryItem {
	if !strat.AllCategories && len(strat.Categories) == 0 && !strat.UseSemanticSearch {
		return []store.MemoryItem{}
	}
	items, err := p.memory.Fetch(ctx, userID, memory.FetchStrategy{
		Categories:        strat.Categories,
		AllCategories:     strat.AllCategories,
		UseSemanticSearch: strat.UseSemanticSearch,
		Query:             strat.Query,
		Limit:             strat.Limit,
	})
	if err != nil {
		p.logger.Printf("memory fetch failed, continuing without: %v", err)
		return []store.MemoryItem{}
	}
	return items
}

func (p *Pipeline) assembleContext(ctx context.Context, turn Turn, messageID string, history []store.Message, strategy router.ContextStrategy) []string {
	if strategy == router.ContextFull {
		all, err := p.store.ListAllMessages(ctx, turn.ConversationID)
		if err != nil {
			p.logger.Printf("full history load failed, using recent window: %v", err)
		} else {
			trimmed := make([]store.Message, 0, len(all))
			for _, m := range all {
				if m.ID == messageID {
					continue
				}
				trimmed = append(trimmed, m)
			}
			return p.assembler.Assemble(strategy, trimmed)
		}
	}
	return p.assembler.Assemble(strategy, history)
}

func (p *Pipeline) loadCategories(ctx context.Context, userID string) []string {
	cats, err := p.memory.Categories(ctx, userID)
	if err != nil {
		p.logger.Printf("category load failed, continuing without: %v", err)
		return nil
	}
	return cats
}

func (p *Pipeline) loadInstructions(ctx context.Context, turn Turn) []store.PermanentInstruction {
	insts, err := p.store.ListInstructions(ctx, turn.UserID, turn.ConversationID)
	if err != nil {
		p.logger.Printf("instruction load failed, continuing without: %v", err)
		return []store.PermanentInstruction{}
	}
	return insts
}

func (p *Pipeline) loadArtifactCandidates(prompt string) []string {
	if p.artifacts == nil {
		return nil
	}
	ids, err := p.artifacts.Relevant(prompt, p.cfg.Topics.MaxArtifacts*3)
	if err != nil {
		p.logger.Printf("artifact lookup failed, continuing without: %v", err)
		return nil
	}
	return ids
}

func renderInstructions(insts []store.PermanentInstruction) []string {
	lines := make([]string, 0, len(insts))
	for _, inst := range insts {
		lines = append(lines, inst.Title+": "+inst.Content)
	}
	return lines
}
