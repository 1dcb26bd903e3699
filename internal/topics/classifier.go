package topics

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/skylarryan212-maker/llm-client-1-sub003/config"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/store"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/telemetry"
	"github.com/skylarryan212-maker/llm-client-1-sub003/provider"
)

// Action is what the classifier decided to do with the conversation's
// topic thread for this message.
type Action string

const (
	ActionContinue Action = "continue_active"
	ActionNew      Action = "new"
	ActionReopen   Action = "reopen_existing"
)

// Store is the slice of persistence the classifier needs.
type Store interface {
	CreateTopic(ctx context.Context, rec store.Topic) (string, error)
	GetTopic(ctx context.Context, id string) (store.Topic, bool, error)
	UpdateTopicMeta(ctx context.Context, id string, label, description, summary *string) error
	ListTopicsByConversation(ctx context.Context, conversationID string) ([]store.Topic, error)
	ListCrossConversationTopics(ctx context.Context, userID, excludeConversationID string, convLimit, tokenCeiling int) ([]store.Topic, error)
	LastTaggedTopicID(ctx context.Context, conversationID string) (string, bool, error)
}

// ActiveTopicCache is an optional read-through cache for a conversation's
// active topic, consulted before postgres.
type ActiveTopicCache interface {
	ActiveTopic(ctx context.Context, conversationID string) (string, bool, error)
}

// Input is one message to classify plus the surrounding state.
type Input struct {
	UserID         string
	ConversationID string
	Prompt         string
	ContextLines   []string
	ArtifactIDs    []string // artifacts eligible for loading this turn
}

// Decision is the validated classification. TopicID always names a real
// topic row by the time Classify returns, including on the fallback path.
type Decision struct {
	Action            Action          `json:"action"`
	TopicID           string          `json:"topic_id"`
	Label             string          `json:"label"`
	CreatedTopic      bool            `json:"created_topic"`
	SecondaryTopicIDs []string        `json:"secondary_topic_ids"`
	ArtifactIDs       []string        `json:"artifact_ids"`
	Fallback          bool            `json:"fallback"`
	FallbackReason    string          `json:"fallback_reason,omitempty"`
	Usage             telemetry.Usage `json:"usage"`
}

// Classifier tags each message with a topic, creating or reopening topic
// rows as needed. Model output is advisory: every referenced id is checked
// against the candidate set before anything touches the database.
type Classifier struct {
	cfg      config.TopicsConfig
	model    string
	provider provider.Provider
	store    Store
	cache    ActiveTopicCache // optional
	logger   *log.Logger
}

func NewClassifier(cfg config.TopicsConfig, model string, prov provider.Provider, st Store, opts ...Option) *Classifier {
	c := &Classifier{
		cfg:      cfg,
		model:    model,
		provider: prov,
		store:    st,
		logger:   log.New(log.Writer(), "[TOPICS] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Option func(*Classifier)

func WithActiveTopicCache(cache ActiveTopicCache) Option {
	return func(c *Classifier) { c.cache = cache }
}

// activeTopicID resolves the conversation's active topic, checking the
// cache before falling back to the last tagged message in postgres.
func (c *Classifier) activeTopicID(ctx context.Context, conversationID string) (string, bool) {
	if c.cache != nil {
		id, ok, err := c.cache.ActiveTopic(ctx, conversationID)
		if err != nil {
			c.logger.Printf("active topic cache read failed: %v", err)
		} else if ok {
			return id, true
		}
	}
	id, ok, err := c.store.LastTaggedTopicID(ctx, conversationID)
	if err != nil {
		c.logger.Printf("last tagged topic lookup failed: %v", err)
		return "", false
	}
	return id, ok
}

// candidateSet is the closed world of topics the model may reference.
type candidateSet struct {
	active map[string]store.Topic // topics of the current conversation
	cross  map[string]store.Topic // eligible topics from other conversations
}

func (c candidateSet) lookup(id string) (store.Topic, bool) {
	if t, ok := c.active[id]; ok {
		return t, true
	}
	t, ok := c.cross[id]
	return t, ok
}

// Classify resolves the topic for one inbound message. It never returns an
// error: any failure degrades to continuing the active topic, or to a fresh
// auto-labelled topic when the conversation has none yet.
func (c *Classifier) Classify(ctx context.Context, in Input) Decision {
	var usage telemetry.Usage

	cands, err := c.loadCandidates(ctx, in)
	if err != nil {
		c.logger.Printf("candidate load failed: %v", err)
		return c.fallback(ctx, in, usage, fmt.Errorf("load candidates: %w", err))
	}

	dec, err := c.callAndResolve(ctx, in, cands, false, &usage)
	if err != nil {
		c.logger.Printf("classification attempt failed, retrying once: %v", err)
		dec, err = c.callAndResolve(ctx, in, cands, true, &usage)
	}
	if err != nil {
		c.logger.Printf("classification retry failed, using fallback: %v", err)
		return c.fallback(ctx, in, usage, err)
	}
	dec.Usage = usage
	return dec
}

func (c *Classifier) loadCandidates(ctx context.Context, in Input) (candidateSet, error) {
	cands := candidateSet{
		active: map[string]store.Topic{},
		cross:  map[string]store.Topic{},
	}
	active, err := c.store.ListTopicsByConversation(ctx, in.ConversationID)
	if err != nil {
		return cands, err
	}
	for _, t := range active {
		cands.active[t.ID] = t
	}
	cross, err := c.store.ListCrossConversationTopics(ctx, in.UserID, in.ConversationID, c.cfg.CrossConversationLimit, c.cfg.TopicTokenCeiling)
	if err != nil {
		return cands, err
	}
	for _, t := range cross {
		cands.cross[t.ID] = t
	}
	return cands, nil
}

type wireNewTopic struct {
	Label         string `json:"label"`
	Description   string `json:"description"`
	Summary       string `json:"summary"`
	ParentTopicID string `json:"parent_topic_id"`
}

type wireClassification struct {
	Action            string       `json:"action"`
	TopicID           string       `json:"topic_id"`
	NewTopic          wireNewTopic `json:"new_topic"`
	UpdatedSummary    string       `json:"updated_summary"`
	SecondaryTopicIDs []string     `json:"secondary_topic_ids"`
	ArtifactIDsToLoad []string     `json:"artifact_ids_to_load"`
}

func (c *Classifier) callAndResolve(ctx context.Context, in Input, cands candidateSet, strict bool, usage *telemetry.Usage) (Decision, error) {
	prompt := c.buildPrompt(in, cands, strict)
	raw, inTok, outTok, err := c.provider.GenerateWithTokens(ctx, prompt, c.model, map[string]interface{}{
		"temperature": 0.0,
	})
	usage.Add(inTok, outTok)
	if err != nil {
		return Decision{}, fmt.Errorf("classification call: %w", err)
	}

	obj, ok := extractJSONObject(raw)
	if !ok {
		return Decision{}, fmt.Errorf("no JSON object in classification output")
	}
	var w wireClassification
	if err := json.Unmarshal([]byte(obj), &w); err != nil {
		return Decision{}, fmt.Errorf("parse classification JSON: %w", err)
	}

	return c.resolve(ctx, in, cands, w)
}

// resolve applies the hard invariants and executes the side effects the
// decision implies. Referenced ids outside the candidate set invalidate
// the decision rather than being silently substituted.
func (c *Classifier) resolve(ctx context.Context, in Input, cands candidateSet, w wireClassification) (Decision, error) {
	dec := Decision{
		SecondaryTopicIDs: c.filterSecondaries(w.SecondaryTopicIDs, cands),
		ArtifactIDs:       c.filterArtifacts(w.ArtifactIDsToLoad, in.ArtifactIDs),
	}

	switch Action(strings.TrimSpace(w.Action)) {
	case ActionContinue:
		// continue_active always means the active topic; a different id
		// from the model is stale and gets coerced rather than tagged
		active, ok := c.activeTopicID(ctx, in.ConversationID)
		if !ok {
			return Decision{}, fmt.Errorf("continue_active with no active topic")
		}
		if id := strings.TrimSpace(w.TopicID); id != "" && id != active {
			c.logger.Printf("continue_active coerced stale topic %s to active %s", id, active)
		}
		dec.Action = ActionContinue
		dec.TopicID = active
		if t, found := cands.lookup(active); found {
			dec.Label = t.Label
		} else if t, found, err := c.store.GetTopic(ctx, active); err == nil && found {
			dec.Label = t.Label
		}
		return dec, nil

	case ActionReopen:
		id := strings.TrimSpace(w.TopicID)
		t, ok := cands.lookup(id)
		if !ok {
			return Decision{}, fmt.Errorf("reopen_existing references unknown topic %q", id)
		}
		if sum := strings.TrimSpace(w.UpdatedSummary); sum != "" {
			if err := c.store.UpdateTopicMeta(ctx, t.ID, nil, nil, &sum); err != nil {
				c.logger.Printf("topic summary update failed for %s: %v", t.ID, err)
			}
		}
		dec.Action = ActionReopen
		dec.TopicID = t.ID
		dec.Label = t.Label
		return dec, nil

	case ActionNew:
		label := strings.TrimSpace(w.NewTopic.Label)
		if label == "" {
			label = AutoLabel(in.Prompt, c.cfg.MaxLabelChars)
		}
		label = clampLabel(label, c.cfg.MaxLabelChars)

		var parent *string
		if pid := strings.TrimSpace(w.NewTopic.ParentTopicID); pid != "" {
			// only depth-0 topics from this conversation can be parents
			if t, ok := cands.active[pid]; ok && t.ParentTopicID == nil {
				parent = &t.ID
			}
		}

		id, err := c.store.CreateTopic(ctx, store.Topic{
			ConversationID: in.ConversationID,
			ParentTopicID:  parent,
			Label:          label,
			Description:    strings.TrimSpace(w.NewTopic.Description),
			Summary:        strings.TrimSpace(w.NewTopic.Summary),
		})
		if err != nil {
			return Decision{}, fmt.Errorf("create topic: %w", err)
		}
		dec.Action = ActionNew
		dec.TopicID = id
		dec.Label = label
		dec.CreatedTopic = true
		return dec, nil
	}

	return Decision{}, fmt.Errorf("unknown classification action %q", w.Action)
}

func (c *Classifier) filterSecondaries(ids []string, cands candidateSet) []string {
	out := make([]string, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		if _, ok := cands.lookup(id); !ok {
			continue
		}
		seen[id] = true
		out = append(out, id)
		if len(out) >= c.cfg.MaxSecondaryTopics {
			break
		}
	}
	return out
}

func (c *Classifier) filterArtifacts(ids, eligible []string) []string {
	allowed := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		allowed[id] = true
	}
	out := make([]string, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] || !allowed[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		if len(out) >= c.cfg.MaxArtifacts {
			break
		}
	}
	return out
}

// fallback continues the active topic, or opens a fresh auto-labelled one
// when the conversation has no tagged messages yet.
func (c *Classifier) fallback(ctx context.Context, in Input, usage telemetry.Usage, cause error) Decision {
	dec := Decision{
		SecondaryTopicIDs: []string{},
		ArtifactIDs:       []string{},
		Fallback:          true,
		FallbackReason:    cause.Error(),
		Usage:             usage,
	}

	if active, ok := c.activeTopicID(ctx, in.ConversationID); ok {
		dec.Action = ActionContinue
		dec.TopicID = active
		if t, found, err := c.store.GetTopic(ctx, active); err == nil && found {
			dec.Label = t.Label
		}
		return dec
	}

	label := AutoLabel(in.Prompt, c.cfg.MaxLabelChars)
	id, err := c.store.CreateTopic(ctx, store.Topic{
		ConversationID: in.ConversationID,
		Label:          label,
	})
	if err != nil {
		c.logger.Printf("fallback topic creation failed: %v", err)
		dec.Action = ActionContinue
		return dec
	}
	dec.Action = ActionNew
	dec.TopicID = id
	dec.Label = label
	dec.CreatedTopic = true
	return dec
}

func (c *Classifier) buildPrompt(in Input, cands candidateSet, strict bool) string {
	var b strings.Builder
	b.WriteString("You are the topic classifier of a conversational assistant. ")
	b.WriteString("Decide whether the new message continues the active topic, starts a new one, or reopens an existing one.\n")

	writeTopics := func(header string, m map[string]store.Topic) {
		if len(m) == 0 {
			return
		}
		b.WriteString("\n" + header + "\n")
		for _, t := range m {
			desc := t.Description
			if desc == "" {
				desc = t.Summary
			}
			if len(desc) > 160 {
				desc = desc[:160]
			}
			b.WriteString(fmt.Sprintf("- id=%s label=%q %s\n", t.ID, t.Label, desc))
		}
	}
	writeTopics("Topics in this conversation:", cands.active)
	writeTopics("Reopenable topics from recent conversations:", cands.cross)

	if len(in.ArtifactIDs) > 0 {
		b.WriteString("\nLoadable artifacts: " + strings.Join(in.ArtifactIDs, ", ") + "\n")
	}
	if len(in.ContextLines) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, line := range in.ContextLines {
			b.WriteString(line + "\n")
		}
	}
	b.WriteString("\nNew user message:\n" + in.Prompt + "\n")

	b.WriteString(fmt.Sprintf(`
Respond with a JSON object of this exact shape:
{
  "action": "continue_active|new|reopen_existing",
  "topic_id": "id of the continued or reopened topic",
  "new_topic": {"label": "...", "description": "...", "summary": "...", "parent_topic_id": "optional id from this conversation"},
  "updated_summary": "optional refreshed summary when reopening",
  "secondary_topic_ids": ["at most %d related ids"],
  "artifact_ids_to_load": ["at most %d ids from the loadable list"]
}
Only reference topic ids listed above. A parent topic must itself have no parent.`, c.cfg.MaxSecondaryTopics, c.cfg.MaxArtifacts))

	if strict {
		b.WriteString("\n\nRespond with ONLY the JSON object. No prose, no markdown fences, no commentary.")
	}
	return b.String()
}

// AutoLabel derives a topic label from the leading words of a message.
func AutoLabel(prompt string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = 80
	}
	words := strings.Fields(prompt)
	if len(words) == 0 {
		return "General discussion"
	}
	var b strings.Builder
	for _, word := range words {
		next := word
		if b.Len() > 0 {
			next = " " + word
		}
		if b.Len()+len(next) > maxChars {
			break
		}
		b.WriteString(next)
	}
	if b.Len() == 0 {
		return clampLabel(words[0], maxChars)
	}
	return b.String()
}

func clampLabel(label string, maxChars int) string {
	if maxChars > 0 && len(label) > maxChars {
		cut := maxChars
		for cut > 0 && !utf8.RuneStart(label[cut]) {
			cut--
		}
		return strings.TrimSpace(label[:cut])
	}
	return label
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
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
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
