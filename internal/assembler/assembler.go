package assembler

import (
	"strings"
	"unicode/utf8"

	"github.com/skylarryan212-maker/llm-client-1-sub003/config"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/router"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/store"
)

// Assembler renders conversation history into prompt lines under a hard
// token budget. Token counts are estimated as characters over
// CharsPerToken; the estimate only has to be stable, not exact.
type Assembler struct {
	cfg config.ContextConfig
}

func New(cfg config.ContextConfig) *Assembler {
	return &Assembler{cfg: cfg}
}

// Assemble selects history per the routing strategy and bounds it to the
// hard token cap. minimal carries no history at all; recent carries the
// trailing window; full carries everything that fits.
func (a *Assembler) Assemble(strategy router.ContextStrategy, msgs []store.Message) []string {
	switch strategy {
	case router.ContextMinimal:
		return []string{}
	case router.ContextRecent:
		if len(msgs) > a.cfg.RecentWindow {
			msgs = msgs[len(msgs)-a.cfg.RecentWindow:]
		}
	}
	return a.evictToCap(a.Lines(msgs), a.cfg.HardTokenCap)
}

// Window renders the trailing maxLines of history under capTokens, for
// the auxiliary decision prompts.
func (a *Assembler) Window(msgs []store.Message, maxLines, capTokens int) []string {
	if maxLines > 0 && len(msgs) > maxLines {
		msgs = msgs[len(msgs)-maxLines:]
	}
	return a.evictToCap(a.Lines(msgs), capTokens)
}

// Lines renders messages as truncated "role: content" lines.
func (a *Assembler) Lines(msgs []store.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Role+": "+a.Truncate(m.Role, m.Content))
	}
	return out
}

// Truncate applies the per-role truncation rule: user messages keep a
// prefix and a suffix (the ask usually sits at one of the ends), assistant
// messages keep only a prefix.
func (a *Assembler) Truncate(role, content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if role == "user" {
		limit := a.cfg.UserPrefixChars + a.cfg.UserSuffixChars
		if len(content) <= limit {
			return content
		}
		return runePrefix(content, a.cfg.UserPrefixChars) + " ... " + runeSuffix(content, a.cfg.UserSuffixChars)
	}
	if len(content) <= a.cfg.AssistantPrefixChars {
		return content
	}
	return runePrefix(content, a.cfg.AssistantPrefixChars) + " ..."
}

// runePrefix keeps at most n bytes of s, backing off so a multi-byte rune
// is never split at the cut.
func runePrefix(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func runeSuffix(s string, n int) string {
	if n >= len(s) {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

// EstimateTokens estimates the token cost of a single piece of text.
func (a *Assembler) EstimateTokens(s string) int {
	return len(s) / a.cfg.CharsPerToken
}

// evictToCap drops the oldest lines until the estimate fits capTokens.
// At least one line always survives so the prompt never loses the most
// recent exchange entirely.
func (a *Assembler) evictToCap(lines []string, capTokens int) []string {
	if capTokens <= 0 {
		return lines
	}
	for len(lines) > 1 && a.estimateTokens(lines) > capTokens {
		lines = lines[1:]
	}
	return lines
}

func (a *Assembler) estimateTokens(lines []string) int {
	chars := 0
	for _, l := range lines {
		chars += len(l) + 1
	}
	return chars / a.cfg.CharsPerToken
}
