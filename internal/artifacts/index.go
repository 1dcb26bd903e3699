package artifacts

import (
	"fmt"
	"strings"

	"github.com/blevesearch/bleve"
)

// Artifact is a loadable conversation attachment (a document, a code
// snippet, a table) that the classifier may pull into context by id.
type Artifact struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Title   string `json:"title"`
	Content string `json:"content"`
	TopicID string `json:"topic_id,omitempty"`
}

// Index is an in-memory full-text index over artifacts. It exists to keep
// the classifier's candidate list short: only artifacts that match the
// inbound message are offered as loadable.
type Index struct {
	idx bleve.Index
}

func NewIndex() (*Index, error) {
	mapping := bleve.NewIndexMapping()
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("create artifact index: %w", err)
	}
	return &Index{idx: idx}, nil
}

// Add indexes or re-indexes one artifact.
func (i *Index) Add(a Artifact) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("artifact id required")
	}
	return i.idx.Index(a.ID, a)
}

// Remove drops an artifact from the index.
func (i *Index) Remove(id string) error {
	return i.idx.Delete(id)
}

// Relevant returns ids of artifacts matching the message text, best first.
// An empty query or an empty index yields no candidates.
func (i *Index) Relevant(text string, limit int) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []string{}, nil
	}
	if limit <= 0 {
		limit = 10
	}
	query := bleve.NewMatchQuery(text)
	req := bleve.NewSearchRequest(query)
	req.Size = limit
	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("artifact search: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Close releases index resources.
func (i *Index) Close() error {
	return i.idx.Close()
}
