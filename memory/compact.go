package memory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/circuitide/circuit/session"
)

// Compactor collapses everything but a recent tail of a conversation
// into one summary message. Unlike the optimizer it rewrites history
// unconditionally when asked, so it backs the explicit compact command.
type Compactor struct {
	MaxMessages    int // ceiling at which callers should force a compact
	KeepRecent     int // messages kept verbatim at the tail
	SummaryTrigger int // length at which compaction is recommended
}

// NewCompactor returns a compactor with the default policy.
func NewCompactor() *Compactor {
	return &Compactor{
		MaxMessages:    50,
		KeepRecent:     10,
		SummaryTrigger: 40,
	}
}

// NeedsCompaction reports whether the history has grown past the
// summary trigger.
func (c *Compactor) NeedsCompaction(history []session.Message) bool {
	return len(history) >= c.SummaryTrigger
}

// EstimateTokens approximates history size at four characters per
// token, counting tool-call function payloads.
func (c *Compactor) EstimateTokens(history []session.Message) int {
	chars := 0
	for _, msg := range history {
		chars += len(msg.Content)
		for _, tc := range msg.ToolCalls {
			b, _ := json.Marshal(tc.Function)
			chars += len(b)
		}
	}
	return chars / 4
}

// SummaryPrompt builds the instruction handed to the model when the
// old messages are summarized by an LLM call.
func (c *Compactor) SummaryPrompt(messages []session.Message) string {
	var formatted []string
	for _, msg := range messages {
		role := strings.ToUpper(msg.Role)
		switch {
		case msg.Content != "":
			content := msg.Content
			if len(content) > 500 {
				content = content[:500]
			}
			formatted = append(formatted, fmt.Sprintf("[%s]: %s", role, content))
		case len(msg.ToolCalls) > 0:
			formatted = append(formatted, fmt.Sprintf("[%s]: Called tools: %s",
				role, strings.Join(msg.ToolNames(), ", ")))
		}
	}
	return fmt.Sprintf(`Summarize this conversation history concisely, preserving:
1. Key decisions and actions taken
2. Files that were created, edited, or discussed
3. Important context about the project/task
4. Any unresolved issues or pending tasks

Keep the summary under 500 words. Focus on what's important for continuing the conversation.

CONVERSATION:
%s

SUMMARY:`, strings.Join(formatted, "\n"))
}

// Compact replaces everything but the recent tail with one system
// summary message and returns the new history plus a status note. A
// nil summarize falls back to the built-in summary instead of calling
// the model.
func (c *Compactor) Compact(history []session.Message, summarize func(string) string) ([]session.Message, string) {
	if len(history) <= c.KeepRecent {
		return history, "History too short to compact"
	}

	old := history[:len(history)-c.KeepRecent]
	recent := history[len(history)-c.KeepRecent:]

	var summary string
	if summarize != nil {
		summary = summarize(c.SummaryPrompt(old))
	} else {
		summary = simpleSummary(old)
	}

	out := make([]session.Message, 0, len(recent)+1)
	out = append(out, session.Message{
		Role:    "system",
		Content: fmt.Sprintf("[CONVERSATION SUMMARY - %d messages compacted]\n\n%s", len(old), summary),
	})
	out = append(out, recent...)

	note := fmt.Sprintf("Compacted %d messages into summary. Kept %d recent messages.",
		len(old), len(recent))
	return out, note
}

var compactActionWords = []string{
	"created", "edited", "fixed", "added", "removed", "implemented",
}

// simpleSummary builds a markdown digest of the old messages without
// calling the model: files touched, tools used, key action sentences.
func simpleSummary(messages []session.Message) string {
	files := map[string]bool{}
	tools := map[string]bool{}
	var actions []string

	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			tools[tc.Function.Name] = true
			if path, ok := tc.Function.ParsedArguments()["path"].(string); ok && path != "" {
				files[path] = true
			}
		}
		if msg.Role != "assistant" || msg.Content == "" {
			continue
		}
		lower := strings.ToLower(msg.Content)
		for _, word := range compactActionWords {
			if strings.Contains(lower, word) {
				first, _, _ := strings.Cut(msg.Content, ".")
				if len(first) > 100 {
					first = first[:100]
				}
				if first != "" {
					actions = append(actions, first)
				}
				break
			}
		}
	}

	var parts []string
	if len(files) > 0 {
		names := sortedKeys(files)
		if len(names) > 10 {
			names = names[:10]
		}
		parts = append(parts, "**Files worked on:** "+strings.Join(names, ", "))
	}
	if len(tools) > 0 {
		parts = append(parts, "**Tools used:** "+strings.Join(sortedKeys(tools), ", "))
	}
	if len(actions) > 0 {
		parts = append(parts, "**Key actions:**")
		if len(actions) > 5 {
			actions = actions[:5]
		}
		for _, action := range actions {
			parts = append(parts, "- "+action)
		}
	}
	parts = append(parts, fmt.Sprintf("\n*%d messages summarized*", len(messages)))
	return strings.Join(parts, "\n")
}

// CompactionStats reports how a Compact call would land on the
// current history.
type CompactionStats struct {
	MessageCount    int  `json:"message_count"`
	EstimatedTokens int  `json:"estimated_tokens"`
	NeedsCompaction bool `json:"needs_compaction"`
	WouldCompact    int  `json:"would_compact"`
	WouldKeep       int  `json:"would_keep"`
}

// Report summarizes the current history against the compaction policy.
func (c *Compactor) Report(history []session.Message) CompactionStats {
	wouldCompact := len(history) - c.KeepRecent
	if wouldCompact < 0 {
		wouldCompact = 0
	}
	wouldKeep := len(history)
	if wouldKeep > c.KeepRecent {
		wouldKeep = c.KeepRecent
	}
	return CompactionStats{
		MessageCount:    len(history),
		EstimatedTokens: c.EstimateTokens(history),
		NeedsCompaction: c.NeedsCompaction(history),
		WouldCompact:    wouldCompact,
		WouldKeep:       wouldKeep,
	}
}
