package memory

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/skylarryan212-maker/llm-client-1-sub003/config"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/store"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/telemetry"
	"github.com/skylarryan212-maker/llm-client-1-sub003/provider"
)

// Store is the slice of persistence the memory service needs.
type Store interface {
	InsertMemory(ctx context.Context, rec store.MemoryItem) (string, error)
	UpdateMemory(ctx context.Context, id, title, content string, embedding []float32) error
	NearestMemory(ctx context.Context, userID, memType string, vector []float32) (store.MemorySearchResult, bool, error)
	SearchMemories(ctx context.Context, userID string, categories []string, vector []float32, limit int, maxDistance float64) ([]store.MemorySearchResult, error)
	ListMemories(ctx context.Context, userID string, categories []string, limit int) ([]store.MemoryItem, error)
	SearchMemoriesSubstring(ctx context.Context, userID string, categories []string, query string, limit int) ([]store.MemoryItem, error)
	ListMemoryCategories(ctx context.Context, userID string) ([]string, error)
	DeleteMemory(ctx context.Context, id, userID string) error
}

// Write is a proposed durable memory.
type Write struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// WriteAction tells what the similarity check decided for a write.
type WriteAction string

const (
	ActionInserted   WriteAction = "inserted"
	ActionRefined    WriteAction = "refined"
	ActionSuppressed WriteAction = "suppressed"
)

// WriteResult reports the outcome of one write. ID always names the row
// that now holds the fact: the new row, the refined row, or the existing
// near-duplicate.
type WriteResult struct {
	Action     WriteAction `json:"action"`
	ID         string      `json:"id"`
	Similarity float64     `json:"similarity"`
}

// FetchStrategy selects which memories to load for a turn.
type FetchStrategy struct {
	Categories        []string
	AllCategories     bool
	UseSemanticSearch bool
	Query             string
	Limit             int
}

// Service owns long-term memory semantics: deduplicated writes, semantic
// fetch with a recency fallback, and owner-scoped deletes.
type Service struct {
	cfg      config.MemoryConfig
	provider provider.Provider
	store    Store
	logger   *log.Logger
}

func NewService(cfg config.MemoryConfig, prov provider.Provider, st Store) *Service {
	return &Service{
		cfg:      cfg,
		provider: prov,
		store:    st,
		logger:   log.New(log.Writer(), "[MEMORY] ", log.LstdFlags),
	}
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.provider.Embed(ctx, s.cfg.EmbeddingModel, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embedding model returned no vector")
	}
	return vecs[0], nil
}

// Save writes one memory through the similarity gate. Within the same type
// for the same user: a near-duplicate suppresses the write and returns the
// existing row, a close-but-evolving fact is refined in place, anything
// else inserts a new row.
func (s *Service) Save(ctx context.Context, userID string, w Write) (WriteResult, error) {
	memType := strings.TrimSpace(w.Type)
	title := strings.TrimSpace(w.Title)
	content := strings.TrimSpace(w.Content)
	if memType == "" || title == "" || content == "" {
		return WriteResult{}, fmt.Errorf("memory write requires type, title and content")
	}

	vec, err := s.embed(ctx, title+"\n"+content)
	if err != nil {
		return WriteResult{}, fmt.Errorf("embed memory: %w", err)
	}

	nearest, found, err := s.store.NearestMemory(ctx, userID, memType, vec)
	if err != nil {
		return WriteResult{}, fmt.Errorf("nearest memory lookup: %w", err)
	}

	if found {
		similarity := 1 - nearest.Distance
		if similarity > s.cfg.DuplicateThreshold {
			telemetry.MemoryWriteResults.WithLabelValues(string(ActionSuppressed)).Inc()
			return WriteResult{Action: ActionSuppressed, ID: nearest.ID, Similarity: similarity}, nil
		}
		if similarity >= s.cfg.RefineThreshold {
			if err := s.store.UpdateMemory(ctx, nearest.ID, title, content, vec); err != nil {
				return WriteResult{}, fmt.Errorf("refine memory %s: %w", nearest.ID, err)
			}
			telemetry.MemoryWriteResults.WithLabelValues(string(ActionRefined)).Inc()
			return WriteResult{Action: ActionRefined, ID: nearest.ID, Similarity: similarity}, nil
		}
	}

	id, err := s.store.InsertMemory(ctx, store.MemoryItem{
		UserID:    userID,
		Type:      memType,
		Title:     title,
		Content:   content,
		Embedding: vec,
		Enabled:   true,
	})
	if err != nil {
		return WriteResult{}, fmt.Errorf("insert memory: %w", err)
	}
	telemetry.MemoryWriteResults.WithLabelValues(string(ActionInserted)).Inc()
	return WriteResult{Action: ActionInserted, ID: id}, nil
}

// Fetch loads memories per the strategy. Semantic search degrades to a
// substring-over-content recency scan when the embedding call fails, so a
// flaky embedding backend never blanks the context.
func (s *Service) Fetch(ctx context.Context, userID string, strat FetchStrategy) ([]store.MemoryItem, error) {
	limit := strat.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultFetchLimit
	}
	categories := strat.Categories
	if strat.AllCategories {
		categories = nil
	}

	query := strings.TrimSpace(strat.Query)
	if strat.UseSemanticSearch && query != "" {
		vec, err := s.embed(ctx, query)
		if err != nil {
			s.logger.Printf("embed failed, falling back to substring search: %v", err)
			return s.store.SearchMemoriesSubstring(ctx, userID, categories, query, limit)
		}
		maxDistance := 1 - s.cfg.SearchThreshold
		results, err := s.store.SearchMemories(ctx, userID, categories, vec, limit, maxDistance)
		if err != nil {
			return nil, fmt.Errorf("semantic memory search: %w", err)
		}
		items := make([]store.MemoryItem, len(results))
		for i, r := range results {
			items[i] = r.MemoryItem
		}
		return items, nil
	}

	return s.store.ListMemories(ctx, userID, categories, limit)
}

// Delete removes a memory owned by the user. Deleting a missing or
// foreign id is a silent no-op.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	return s.store.DeleteMemory(ctx, id, userID)
}

// Categories lists the distinct memory types the user has stored.
func (s *Service) Categories(ctx context.Context, userID string) ([]string, error) {
	return s.store.ListMemoryCategories(ctx, userID)
}
