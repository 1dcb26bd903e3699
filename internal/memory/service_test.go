package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/skylarryan212-maker/llm-client-1-sub003/config"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/store"
)

type stubEmbedder struct {
	vec  []float32
	err  error
	seen []string
}

func (s *stubEmbedder) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func (s *stubEmbedder) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	return "", 0, 0, fmt.Errorf("not implemented")
}

func (s *stubEmbedder) Embed(ctx context.Context, model string, input []string) ([][]float32, error) {
	s.seen = append(s.seen, input...)
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(input))
	for i := range input {
		out[i] = s.vec
	}
	return out, nil
}

type stubMemoryStore struct {
	nearest      store.MemorySearchResult
	nearestFound bool

	inserted  []store.MemoryItem
	updatedID string

	searchResults    []store.MemorySearchResult
	listItems        []store.MemoryItem
	substringItems   []store.MemoryItem
	substringQueries []string
	listedCategories [][]string
	deleted          []string
}

func (s *stubMemoryStore) InsertMemory(ctx context.Context, rec store.MemoryItem) (string, error) {
	s.inserted = append(s.inserted, rec)
	return "mem-new", nil
}

func (s *stubMemoryStore) UpdateMemory(ctx context.Context, id, title, content string, embedding []float32) error {
	s.updatedID = id
	return nil
}

func (s *stubMemoryStore) NearestMemory(ctx context.Context, userID, memType string, vector []float32) (store.MemorySearchResult, bool, error) {
	return s.nearest, s.nearestFound, nil
}

func (s *stubMemoryStore) SearchMemories(ctx context.Context, userID string, categories []string, vector []float32, limit int, maxDistance float64) ([]store.MemorySearchResult, error) {
	s.listedCategories = append(s.listedCategories, categories)
	return s.searchResults, nil
}

func (s *stubMemoryStore) ListMemories(ctx context.Context, userID string, categories []string, limit int) ([]store.MemoryItem, error) {
	s.listedCategories = append(s.listedCategories, categories)
	return s.listItems, nil
}

func (s *stubMemoryStore) SearchMemoriesSubstring(ctx context.Context, userID string, categories []string, query string, limit int) ([]store.MemoryItem, error) {
	s.substringQueries = append(s.substringQueries, query)
	return s.substringItems, nil
}

func (s *stubMemoryStore) ListMemoryCategories(ctx context.Context, userID string) ([]string, error) {
	return []string{"preference", "fact"}, nil
}

func (s *stubMemoryStore) DeleteMemory(ctx context.Context, id, userID string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func testService(st *stubMemoryStore, emb *stubEmbedder) *Service {
	if emb.vec == nil {
		emb.vec = []float32{0.1, 0.2, 0.3}
	}
	cfg := config.MemoryConfig{}.Normalize()
	return NewService(cfg, emb, st)
}

func TestSaveSuppressesNearDuplicate(t *testing.T) {
	st := &stubMemoryStore{
		nearest:      store.MemorySearchResult{MemoryItem: store.MemoryItem{ID: "mem-1"}, Distance: 0.05},
		nearestFound: true,
	}
	svc := testService(st, &stubEmbedder{})

	res, err := svc.Save(context.Background(), "u1", Write{Type: "preference", Title: "Tabs", Content: "prefers tabs"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionSuppressed || res.ID != "mem-1" {
		t.Fatalf("expected suppression returning the existing row: %+v", res)
	}
	if len(st.inserted) != 0 || st.updatedID != "" {
		t.Fatal("suppressed write must not touch the store")
	}
}

func TestSaveRefinesInPlace(t *testing.T) {
	st := &stubMemoryStore{
		nearest:      store.MemorySearchResult{MemoryItem: store.MemoryItem{ID: "mem-1"}, Distance: 0.13},
		nearestFound: true,
	}
	svc := testService(st, &stubEmbedder{})

	res, err := svc.Save(context.Background(), "u1", Write{Type: "preference", Title: "Tabs", Content: "prefers tabs, width 4"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionRefined || res.ID != "mem-1" {
		t.Fatalf("expected in-place refinement of the same row: %+v", res)
	}
	if st.updatedID != "mem-1" || len(st.inserted) != 0 {
		t.Fatalf("refinement must update, not insert: updated=%q inserted=%d", st.updatedID, len(st.inserted))
	}
}

func TestSaveInsertsWhenDistinct(t *testing.T) {
	st := &stubMemoryStore{
		nearest:      store.MemorySearchResult{MemoryItem: store.MemoryItem{ID: "mem-1"}, Distance: 0.40},
		nearestFound: true,
	}
	svc := testService(st, &stubEmbedder{})

	res, err := svc.Save(context.Background(), "u1", Write{Type: "fact", Title: "Job", Content: "is a cartographer"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionInserted || res.ID != "mem-new" {
		t.Fatalf("expected insert: %+v", res)
	}
	if len(st.inserted) != 1 || !st.inserted[0].Enabled {
		t.Fatalf("inserted row wrong: %+v", st.inserted)
	}
}

func TestSaveThresholdBoundaries(t *testing.T) {
	// similarity exactly at the duplicate threshold refines, it does not suppress
	st := &stubMemoryStore{
		nearest:      store.MemorySearchResult{MemoryItem: store.MemoryItem{ID: "mem-1"}, Distance: 0.10},
		nearestFound: true,
	}
	svc := testService(st, &stubEmbedder{})
	res, err := svc.Save(context.Background(), "u1", Write{Type: "fact", Title: "A", Content: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionRefined {
		t.Fatalf("similarity 0.90 should refine, got %s", res.Action)
	}

	// similarity exactly at the refine threshold still refines
	st = &stubMemoryStore{
		nearest:      store.MemorySearchResult{MemoryItem: store.MemoryItem{ID: "mem-1"}, Distance: 0.15},
		nearestFound: true,
	}
	svc = testService(st, &stubEmbedder{})
	res, err = svc.Save(context.Background(), "u1", Write{Type: "fact", Title: "A", Content: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionRefined {
		t.Fatalf("similarity 0.85 should refine, got %s", res.Action)
	}
}

func TestSaveRejectsIncompleteWrite(t *testing.T) {
	svc := testService(&stubMemoryStore{}, &stubEmbedder{})
	if _, err := svc.Save(context.Background(), "u1", Write{Type: "fact", Title: "", Content: "x"}); err == nil {
		t.Fatal("expected an error for a write with no title")
	}
}

func TestFetchSemanticSearch(t *testing.T) {
	st := &stubMemoryStore{
		searchResults: []store.MemorySearchResult{
			{MemoryItem: store.MemoryItem{ID: "mem-1", Title: "Tabs"}},
		},
	}
	svc := testService(st, &stubEmbedder{})

	items, err := svc.Fetch(context.Background(), "u1", FetchStrategy{
		UseSemanticSearch: true,
		Query:             "editor preferences",
		Categories:        []string{"preference"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "mem-1" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestFetchFallsBackToSubstringOnEmbedFailure(t *testing.T) {
	st := &stubMemoryStore{
		substringItems: []store.MemoryItem{{ID: "mem-2", Title: "Trip"}},
	}
	emb := &stubEmbedder{err: fmt.Errorf("embedding backend down")}
	svc := testService(st, emb)

	items, err := svc.Fetch(context.Background(), "u1", FetchStrategy{
		UseSemanticSearch: true,
		Query:             "alps trip",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "mem-2" {
		t.Fatalf("expected substring fallback results: %+v", items)
	}
	if len(st.substringQueries) != 1 || st.substringQueries[0] != "alps trip" {
		t.Fatalf("substring search not used: %+v", st.substringQueries)
	}
}

func TestFetchRecencyWhenNotSemantic(t *testing.T) {
	st := &stubMemoryStore{listItems: []store.MemoryItem{{ID: "mem-3"}}}
	svc := testService(st, &stubEmbedder{})

	items, err := svc.Fetch(context.Background(), "u1", FetchStrategy{AllCategories: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "mem-3" {
		t.Fatalf("unexpected items: %+v", items)
	}
	if len(st.listedCategories) != 1 || st.listedCategories[0] != nil {
		t.Fatalf("all-categories fetch must not filter by type: %+v", st.listedCategories)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	st := &stubMemoryStore{}
	svc := testService(st, &stubEmbedder{})

	if err := svc.Delete(context.Background(), "u1", "mem-1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(context.Background(), "u1", "mem-1"); err != nil {
		t.Fatal("repeat delete must be a silent no-op")
	}
	if err := svc.Delete(context.Background(), "u1", ""); err != nil {
		t.Fatal("empty id delete must be a silent no-op")
	}
	if len(st.deleted) != 2 {
		t.Fatalf("expected two store deletes, got %d", len(st.deleted))
	}
}
