package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// DefaultEmbeddingDimensions matches the default embedding model output size.
const DefaultEmbeddingDimensions = 1536

// Store wraps the Postgres connection used by the routing pipeline.
type Store struct {
	DB *sql.DB
}

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Conversation represents ownership and recency metadata for one conversation.
type Conversation struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EnsureConversation creates the conversation row if it does not exist and
// bumps its updated_at either way.
func (s *Store) EnsureConversation(ctx context.Context, id, userID string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO conversations (id, user_id, created_at, updated_at)
VALUES ($1,$2,NOW(),NOW())
ON CONFLICT (id) DO UPDATE SET updated_at = NOW()
`, id, userID)
	return err
}

// GetConversationOwner returns the owning user of a conversation.
func (s *Store) GetConversationOwner(ctx context.Context, id string) (string, bool, error) {
	var userID string
	err := s.DB.QueryRowContext(ctx, `SELECT user_id FROM conversations WHERE id=$1`, id).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return userID, true, nil
}

// ListRecentConversations returns the user's most-recently-updated
// conversations excluding the supplied one.
func (s *Store) ListRecentConversations(ctx context.Context, userID, excludeID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, created_at, updated_at FROM conversations
WHERE user_id=$1 AND id <> $2
ORDER BY updated_at DESC
LIMIT $3`, userID, excludeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Topic is one labeled thread within a conversation. ParentTopicID, when set,
// always references a top-level topic: the hierarchy never nests deeper than
// one level and CreateTopic rejects attempts to do so.
type Topic struct {
	ID             string
	ConversationID string
	ParentTopicID  *string
	Label          string
	Description    string
	Summary        string
	TokenEstimate  int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ErrParentNested is returned when a topic parent itself has a parent.
var ErrParentNested = fmt.Errorf("parent topic is not top-level")

// CreateTopic inserts a topic row. When rec.ParentTopicID is set the parent
// is looked up first and rejected unless it is itself parentless.
func (s *Store) CreateTopic(ctx context.Context, rec Topic) (string, error) {
	if strings.TrimSpace(rec.ConversationID) == "" {
		return "", fmt.Errorf("conversation_id required")
	}
	if rec.ParentTopicID != nil {
		var grandparent sql.NullString
		err := s.DB.QueryRowContext(ctx, `SELECT parent_topic_id FROM topics WHERE id=$1`, *rec.ParentTopicID).Scan(&grandparent)
		if err == sql.ErrNoRows {
			rec.ParentTopicID = nil
		} else if err != nil {
			return "", err
		} else if grandparent.Valid {
			return "", ErrParentNested
		}
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO topics (conversation_id, parent_topic_id, label, description, summary, token_estimate, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW()) RETURNING id`,
		rec.ConversationID, rec.ParentTopicID, rec.Label, rec.Description, rec.Summary, rec.TokenEstimate).Scan(&id)
	return id, err
}

func (s *Store) GetTopic(ctx context.Context, id string) (Topic, bool, error) {
	var (
		t      Topic
		parent sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, conversation_id, parent_topic_id, label, description, summary, token_estimate, created_at, updated_at
FROM topics WHERE id=$1`, id).
		Scan(&t.ID, &t.ConversationID, &parent, &t.Label, &t.Description, &t.Summary, &t.TokenEstimate, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return Topic{}, false, nil
	}
	if err != nil {
		return Topic{}, false, err
	}
	if parent.Valid {
		v := parent.String
		t.ParentTopicID = &v
	}
	return t, true, nil
}

// UpdateTopicMeta merge-updates label/description/summary; nil fields are
// left untouched.
func (s *Store) UpdateTopicMeta(ctx context.Context, id string, label, description, summary *string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE topics SET
  label = COALESCE($2, label),
  description = COALESCE($3, description),
  summary = COALESCE($4, summary),
  updated_at = NOW()
WHERE id=$1`, id, label, description, summary)
	return err
}

// AddTopicTokenEstimate bumps a topic's running token estimate by what a
// newly tagged message contributed. The estimate gates cross-conversation
// eligibility, so it only has to grow monotonically, not be exact.
func (s *Store) AddTopicTokenEstimate(ctx context.Context, id string, delta int) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE topics SET token_estimate=token_estimate+$2, updated_at=NOW() WHERE id=$1`, id, delta)
	return err
}

func (s *Store) ListTopicsByConversation(ctx context.Context, conversationID string) ([]Topic, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, conversation_id, parent_topic_id, label, description, summary, token_estimate, created_at, updated_at
FROM topics WHERE conversation_id=$1 ORDER BY updated_at DESC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTopics(rows)
}

// ListCrossConversationTopics returns topics from the user's other
// conversations, bounded by conversation recency and per-topic token ceiling.
func (s *Store) ListCrossConversationTopics(ctx context.Context, userID, excludeConversationID string, convLimit, tokenCeiling int) ([]Topic, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT t.id, t.conversation_id, t.parent_topic_id, t.label, t.description, t.summary, t.token_estimate, t.created_at, t.updated_at
FROM topics t
JOIN (
  SELECT id FROM conversations
  WHERE user_id=$1 AND id <> $2
  ORDER BY updated_at DESC
  LIMIT $3
) c ON c.id = t.conversation_id
WHERE t.token_estimate <= $4
ORDER BY t.updated_at DESC`, userID, excludeConversationID, convLimit, tokenCeiling)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTopics(rows)
}

func scanTopics(rows *sql.Rows) ([]Topic, error) {
	var out []Topic
	for rows.Next() {
		var (
			t      Topic
			parent sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &parent, &t.Label, &t.Description, &t.Summary, &t.TokenEstimate, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if parent.Valid {
			v := parent.String
			t.ParentTopicID = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Message is a single utterance in a conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	TopicID        *string
	CreatedAt      time.Time
}

func (s *Store) CreateMessage(ctx context.Context, rec Message) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO messages (conversation_id, role, content, topic_id, created_at)
VALUES ($1,$2,$3,$4,NOW()) RETURNING id`,
		rec.ConversationID, rec.Role, rec.Content, rec.TopicID).Scan(&id)
	return id, err
}

// TagMessageTopic records which topic a message belongs to.
func (s *Store) TagMessageTopic(ctx context.Context, messageID, topicID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE messages SET topic_id=$2 WHERE id=$1`, messageID, topicID)
	return err
}

// ListRecentMessages returns up to limit messages ordered oldest to newest.
func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 15
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, conversation_id, role, content, topic_id, created_at FROM (
  SELECT id, conversation_id, role, content, topic_id, created_at
  FROM messages WHERE conversation_id=$1
  ORDER BY created_at DESC
  LIMIT $2
) sub ORDER BY created_at ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListAllMessages returns the full conversation history oldest to newest.
func (s *Store) ListAllMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, conversation_id, role, content, topic_id, created_at
FROM messages WHERE conversation_id=$1 ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// LastTaggedTopicID returns the topic carried by the most recent tagged
// message in the conversation.
func (s *Store) LastTaggedTopicID(ctx context.Context, conversationID string) (string, bool, error) {
	var topicID string
	err := s.DB.QueryRowContext(ctx, `
SELECT topic_id FROM messages
WHERE conversation_id=$1 AND topic_id IS NOT NULL
ORDER BY created_at DESC LIMIT 1`, conversationID).Scan(&topicID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return topicID, true, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var (
			m     Message
			topic sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &topic, &m.CreatedAt); err != nil {
			return nil, err
		}
		if topic.Valid {
			v := topic.String
			m.TopicID = &v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MemoryItem is a durable embedded fact about a user.
type MemoryItem struct {
	ID         string
	UserID     string
	Type       string
	Title      string
	Content    string
	Embedding  []float32
	Enabled    bool
	Importance float64
	CreatedAt  time.Time
}

// MemorySearchResult pairs an item with its cosine distance to a query vector.
type MemorySearchResult struct {
	MemoryItem
	Distance float64
}

func (s *Store) InsertMemory(ctx context.Context, rec MemoryItem) (string, error) {
	vec, err := encodeVectorLiteral(rec.Embedding)
	if err != nil {
		return "", err
	}
	var id string
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO memories (user_id, type, title, content, embedding, enabled, importance, created_at)
VALUES ($1,$2,$3,$4,$5::vector,TRUE,$6,NOW()) RETURNING id`,
		rec.UserID, rec.Type, rec.Title, rec.Content, vec, rec.Importance).Scan(&id)
	return id, err
}

// UpdateMemory replaces title/content/embedding of an existing row in place.
func (s *Store) UpdateMemory(ctx context.Context, id, title, content string, embedding []float32) error {
	vec, err := encodeVectorLiteral(embedding)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
UPDATE memories SET title=$2, content=$3, embedding=$4::vector WHERE id=$1`, id, title, content, vec)
	return err
}

// NearestMemory returns the closest enabled item of the same (user, type).
func (s *Store) NearestMemory(ctx context.Context, userID, memType string, vector []float32) (MemorySearchResult, bool, error) {
	vec, err := encodeVectorLiteral(vector)
	if err != nil {
		return MemorySearchResult{}, false, err
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, type, title, content, importance, created_at, embedding <=> $3::vector AS distance
FROM memories
WHERE user_id=$1 AND type=$2 AND enabled
ORDER BY embedding <=> $3::vector
LIMIT 1`, userID, memType, vec)
	var res MemorySearchResult
	err = row.Scan(&res.ID, &res.UserID, &res.Type, &res.Title, &res.Content, &res.Importance, &res.CreatedAt, &res.Distance)
	if err == sql.ErrNoRows {
		return MemorySearchResult{}, false, nil
	}
	if err != nil {
		return MemorySearchResult{}, false, err
	}
	res.Enabled = true
	return res, true, nil
}

// SearchMemories performs nearest-neighbor retrieval over enabled items,
// optionally filtered by category, dropping results past maxDistance.
func (s *Store) SearchMemories(ctx context.Context, userID string, categories []string, vector []float32, limit int, maxDistance float64) ([]MemorySearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	vec, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, type, title, content, importance, created_at, embedding <=> $2::vector AS distance
FROM memories
WHERE user_id=$1 AND enabled AND (cardinality($3::text[]) = 0 OR type = ANY($3::text[]))
ORDER BY embedding <=> $2::vector
LIMIT $4`, userID, vec, pqStringArray(categories), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MemorySearchResult
	for rows.Next() {
		var res MemorySearchResult
		if err := rows.Scan(&res.ID, &res.UserID, &res.Type, &res.Title, &res.Content, &res.Importance, &res.CreatedAt, &res.Distance); err != nil {
			return nil, err
		}
		if maxDistance > 0 && res.Distance > maxDistance {
			continue
		}
		res.Enabled = true
		out = append(out, res)
	}
	return out, rows.Err()
}

// ListMemories returns enabled items by recency, optionally category-filtered.
func (s *Store) ListMemories(ctx context.Context, userID string, categories []string, limit int) ([]MemoryItem, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, type, title, content, importance, created_at
FROM memories
WHERE user_id=$1 AND enabled AND (cardinality($2::text[]) = 0 OR type = ANY($2::text[]))
ORDER BY created_at DESC
LIMIT $3`, userID, pqStringArray(categories), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchMemoriesSubstring is the degraded fetch path used when embeddings are
// unavailable: case-insensitive substring over content, newest first.
func (s *Store) SearchMemoriesSubstring(ctx context.Context, userID string, categories []string, query string, limit int) ([]MemoryItem, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, type, title, content, importance, created_at
FROM memories
WHERE user_id=$1 AND enabled
  AND (cardinality($2::text[]) = 0 OR type = ANY($2::text[]))
  AND content ILIKE '%' || $3 || '%'
ORDER BY created_at DESC
LIMIT $4`, userID, pqStringArray(categories), query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

func scanMemories(rows *sql.Rows) ([]MemoryItem, error) {
	var out []MemoryItem
	for rows.Next() {
		var m MemoryItem
		if err := rows.Scan(&m.ID, &m.UserID, &m.Type, &m.Title, &m.Content, &m.Importance, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Enabled = true
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMemoryCategories returns the distinct enabled category names for a user.
func (s *Store) ListMemoryCategories(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT type FROM memories WHERE user_id=$1 AND enabled ORDER BY type`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteMemory removes a memory scoped by owner. Deleting an id the caller
// does not own affects zero rows and is not an error.
func (s *Store) DeleteMemory(ctx context.Context, id, userID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM memories WHERE id=$1 AND user_id=$2`, id, userID)
	return err
}

// PermanentInstruction is a standing directive scoped to a user or a
// single conversation.
type PermanentInstruction struct {
	ID             string
	Scope          string // user | conversation
	UserID         *string
	ConversationID *string
	Title          string
	Content        string
	CreatedAt      time.Time
}

func (s *Store) InsertInstruction(ctx context.Context, rec PermanentInstruction) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO permanent_instructions (scope, user_id, conversation_id, title, content, created_at)
VALUES ($1,$2,$3,$4,$5,NOW()) RETURNING id`,
		rec.Scope, rec.UserID, rec.ConversationID, rec.Title, rec.Content).Scan(&id)
	return id, err
}

// ListInstructions returns user-scoped plus conversation-scoped directives.
func (s *Store) ListInstructions(ctx context.Context, userID, conversationID string) ([]PermanentInstruction, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, scope, user_id, conversation_id, title, content, created_at
FROM permanent_instructions
WHERE (scope='user' AND user_id=$1) OR (scope='conversation' AND conversation_id=$2)
ORDER BY created_at ASC`, userID, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PermanentInstruction
	for rows.Next() {
		var (
			p        PermanentInstruction
			user, cv sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Scope, &user, &cv, &p.Title, &p.Content, &p.CreatedAt); err != nil {
			return nil, err
		}
		if user.Valid {
			v := user.String
			p.UserID = &v
		}
		if cv.Valid {
			v := cv.String
			p.ConversationID = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteInstruction removes a directive scoped by owner; foreign ids are a
// silent no-op.
func (s *Store) DeleteInstruction(ctx context.Context, id, userID string) error {
	_, err := s.DB.ExecContext(ctx, `
DELETE FROM permanent_instructions
WHERE id=$1 AND (user_id=$2 OR conversation_id IN (SELECT id FROM conversations WHERE user_id=$2))`, id, userID)
	return err
}

// pqStringArray renders a text[] literal; lib/pq array support without
// importing pq.Array at every call site.
func pqStringArray(values []string) string {
	if len(values) == 0 {
		return "{}"
	}
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = `"` + strings.ReplaceAll(strings.ReplaceAll(v, `\`, `\\`), `"`, `\"`) + `"`
	}
	return "{" + strings.Join(escaped, ",") + "}"
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("embedding vector must not be empty")
	}
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]", nil
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if len(lit) < 2 || lit[0] != '[' || lit[len(lit)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal")
	}
	body := lit[1 : len(lit)-1]
	if body == "" {
		return nil, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
