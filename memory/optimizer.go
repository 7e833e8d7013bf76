// Package memory keeps conversation histories inside the model's
// context window. The Optimizer shrinks an in-flight history through a
// staged pipeline; the Compactor rewrites a long session into one
// summary message plus a recent tail.
package memory

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/circuitide/circuit/session"
)

const (
	DefaultMaxTokens   = 100000
	DefaultReserve     = 10000
	DefaultResultLimit = 8000
	DefaultKeepRecent  = 20

	// Flat per-message overhead added on top of the content estimate.
	messageOverheadTokens = 10

	supersededNote = "[File content superseded by later read]"
	summaryPrefix  = "[Earlier conversation summary]"
)

// Options tunes the optimizer. Zero-valued sizes fall back to the
// defaults; every stage runs unless explicitly disabled.
type Options struct {
	MaxTokens   int // total context budget
	Reserve     int // kept free for the model's reply
	ResultLimit int // per-result size cap for compression
	KeepRecent  int // tail window preserved by truncation

	DisableErrorCollapse     bool
	DisableReadDedup         bool
	DisableResultCompression bool
	DisableTruncation        bool
}

// Stats describes one Optimize pass.
type Stats struct {
	OriginalMessages int     `json:"original_messages"`
	FinalMessages    int     `json:"final_messages"`
	OriginalTokens   int     `json:"original_tokens"`
	FinalTokens      int     `json:"final_tokens"`
	TokensSaved      int     `json:"tokens_saved"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// Optimizer reduces a conversation history to fit a token budget while
// keeping the messages the model still needs. All methods are pure:
// they return new or unchanged slices and never modify the input.
type Optimizer struct {
	opts Options
}

// NewOptimizer builds an optimizer, filling zero-valued Options fields
// with the defaults.
func NewOptimizer(opts Options) *Optimizer {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Reserve <= 0 {
		opts.Reserve = DefaultReserve
	}
	if opts.ResultLimit <= 0 {
		opts.ResultLimit = DefaultResultLimit
	}
	if opts.KeepRecent <= 0 {
		opts.KeepRecent = DefaultKeepRecent
	}
	return &Optimizer{opts: opts}
}

// Available returns the usable budget: MaxTokens minus the reserve.
func (o *Optimizer) Available() int {
	return o.opts.MaxTokens - o.opts.Reserve
}

// NeedsOptimization reports whether the history estimate exceeds the
// usable budget.
func (o *Optimizer) NeedsOptimization(history []session.Message) bool {
	return o.EstimateTokens(history) > o.Available()
}

// EstimateTokens approximates the token footprint of a history at four
// characters per token, charging a flat per-message overhead and the
// serialized tool-call payloads.
func (o *Optimizer) EstimateTokens(history []session.Message) int {
	total := 0
	for _, msg := range history {
		total += estimateMessageTokens(msg)
	}
	return total
}

func estimateMessageTokens(msg session.Message) int {
	tokens := len(msg.Content) / 4
	if len(msg.ToolCalls) > 0 {
		b, _ := json.Marshal(msg.ToolCalls)
		tokens += len(b) / 4
	}
	return tokens + messageOverheadTokens
}

// Optimize runs the enabled stages in order and reports before and
// after sizes. Running it again on its own output changes nothing.
func (o *Optimizer) Optimize(history []session.Message) ([]session.Message, Stats) {
	stats := Stats{
		OriginalMessages: len(history),
		OriginalTokens:   o.EstimateTokens(history),
	}

	out := history
	if !o.opts.DisableErrorCollapse {
		out = o.CollapseErrors(out)
	}
	if !o.opts.DisableReadDedup {
		out = o.DedupeReads(out)
	}
	if !o.opts.DisableResultCompression {
		out = o.CompressResults(out)
	}
	if !o.opts.DisableTruncation {
		out = o.TruncateHistory(out)
	}

	stats.FinalMessages = len(out)
	stats.FinalTokens = o.EstimateTokens(out)
	stats.TokensSaved = stats.OriginalTokens - stats.FinalTokens
	stats.CompressionRatio = 1.0
	if stats.OriginalTokens > 0 {
		stats.CompressionRatio = math.Round(float64(stats.FinalTokens)/float64(stats.OriginalTokens)*100) / 100
	}
	return out, stats
}

var (
	errorMarkRe = regexp.MustCompile(`(?i)error:|exception:`)
	digitRunRe  = regexp.MustCompile(`\d+`)
	fileReadRe  = regexp.MustCompile(`^\s*\d+\|`)
)

// errorSignature reduces an error message to its first line with digit
// runs collapsed, so "line 42" and "line 57" land in the same group.
func errorSignature(content string) string {
	first, _, _ := strings.Cut(content, "\n")
	if len(first) > 100 {
		first = first[:100]
	}
	return digitRunRe.ReplaceAllString(first, "N")
}

// CollapseErrors keeps the first and last of every group of three or
// more messages sharing an error signature, replacing the middle with a
// single omitted-count marker inserted after the first occurrence.
func (o *Optimizer) CollapseErrors(history []session.Message) []session.Message {
	groups := map[string][]int{}
	for i, msg := range history {
		if !errorMarkRe.MatchString(msg.Content) {
			continue
		}
		sig := errorSignature(msg.Content)
		groups[sig] = append(groups[sig], i)
	}

	drop := map[int]bool{}
	markerAfter := map[int]string{}
	for _, indices := range groups {
		if len(indices) < 3 {
			continue
		}
		for _, idx := range indices[1 : len(indices)-1] {
			drop[idx] = true
		}
		markerAfter[indices[0]] = fmt.Sprintf("[%d similar errors omitted]", len(indices)-2)
	}
	if len(drop) == 0 {
		return history
	}

	out := make([]session.Message, 0, len(history))
	for i, msg := range history {
		if drop[i] {
			continue
		}
		out = append(out, msg)
		if marker, ok := markerAfter[i]; ok {
			out = append(out, session.Message{Role: "system", Content: marker})
		}
	}
	return out
}

// looksLikeFileRead reports whether a tool result carries numbered file
// content from read_file.
func looksLikeFileRead(content string) bool {
	return fileReadRe.MatchString(content) || strings.HasPrefix(content, "[Lines")
}

// readPathFor recovers the path behind the file-read result at index i
// from the read_file call on the nearest preceding assistant message,
// matching the correlation id when the ids line up.
func readPathFor(history []session.Message, i int) string {
	for j := i - 1; j > i-5 && j > 0; j-- {
		if history[j].Role != "assistant" {
			continue
		}
		first := ""
		for _, tc := range history[j].ToolCalls {
			if tc.Function.Name != "read_file" {
				continue
			}
			path, _ := tc.Function.ParsedArguments()["path"].(string)
			if tc.ID == history[i].ToolCallID {
				return path
			}
			if first == "" {
				first = path
			}
		}
		return first
	}
	return ""
}

// DedupeReads blanks every file-read result superseded by a later read
// of the same path, preserving role and correlation id so the
// transcript stays well-formed.
func (o *Optimizer) DedupeReads(history []session.Message) []session.Message {
	reads := map[string][]int{}
	for i, msg := range history {
		if msg.Role != "tool" || !looksLikeFileRead(msg.Content) {
			continue
		}
		if path := readPathFor(history, i); path != "" {
			reads[path] = append(reads[path], i)
		}
	}

	superseded := map[int]bool{}
	for _, indices := range reads {
		for _, idx := range indices[:len(indices)-1] {
			superseded[idx] = true
		}
	}
	if len(superseded) == 0 {
		return history
	}

	out := make([]session.Message, len(history))
	copy(out, history)
	for idx := range superseded {
		out[idx].Content = supersededNote
	}
	return out
}

// toolNameFor resolves which tool produced the result at index i by
// matching its correlation id against a nearby assistant message.
func toolNameFor(history []session.Message, i int) string {
	for j := i - 1; j > i-3 && j > 0; j-- {
		if len(history[j].ToolCalls) == 0 {
			continue
		}
		for _, tc := range history[j].ToolCalls {
			if tc.ID == history[i].ToolCallID {
				return tc.Function.Name
			}
		}
		return ""
	}
	return ""
}

// CompressResults rewrites every tool result longer than ResultLimit
// using a per-tool strategy. Compressed output never exceeds the
// limit, so a second pass leaves it alone.
func (o *Optimizer) CompressResults(history []session.Message) []session.Message {
	out := history
	copied := false
	for i, msg := range history {
		if msg.Role != "tool" || len(msg.Content) <= o.opts.ResultLimit {
			continue
		}
		if !copied {
			out = make([]session.Message, len(history))
			copy(out, history)
			copied = true
		}
		out[i].Content = compressToolResult(toolNameFor(history, i), msg.Content, o.opts.ResultLimit)
	}
	return out
}

// compressToolResult shrinks an oversized tool result to at most limit
// bytes, keeping the part of the output that matters for the tool that
// produced it.
func compressToolResult(tool, result string, limit int) string {
	if len(result) <= limit {
		return result
	}
	switch tool {
	case "read_file":
		marker := fmt.Sprintf("\n\n... [%d chars truncated] ...\n\n", len(result)-limit)
		half := (limit - len(marker)) / 2
		return result[:half] + marker + result[len(result)-half:]
	case "search_files", "list_files":
		return compressLines(result, limit)
	case "run_command":
		return compressCommand(result, limit)
	case "web_fetch", "web_search":
		return clipWith(result, "\n\n[content truncated]", limit)
	default:
		return clipWith(result, "\n[truncated]", limit)
	}
}

// clipWith keeps the head of s and appends marker, staying within
// limit bytes.
func clipWith(s, marker string, limit int) string {
	keep := limit - len(marker)
	if keep < 0 {
		keep = 0
	}
	return s[:keep] + marker
}

// compressCommand keeps stderr mostly intact and truncates stdout
// first, splitting on the "[stderr]" divider the command tool emits.
func compressCommand(result string, limit int) string {
	stdout, stderr, found := strings.Cut(result, "[stderr]")
	if !found {
		return clipWith(result, "\n[truncated]", limit)
	}
	if len(stdout) > limit/3 {
		stdout = stdout[:limit/3]
	}
	budget := limit - len(stdout) - len("[stderr]")
	if len(stderr) > budget {
		stderr = clipWith(stderr, "\n[truncated]", budget)
	}
	return stdout + "[stderr]" + stderr
}

// compressLines keeps whole leading lines within the limit and reports
// how many were dropped. Lines are given back until the marker itself
// fits inside the limit.
func compressLines(result string, limit int) string {
	lines := strings.Split(result, "\n")
	kept := 0
	size := 0
	for _, line := range lines {
		if size+len(line) > limit {
			break
		}
		size += len(line) + 1
		kept++
	}
	remaining := len(lines) - kept
	marker := fmt.Sprintf("\n... [%d more results truncated]", remaining)
	for kept > 0 && size+len(marker) > limit {
		kept--
		size -= len(lines[kept]) + 1
		remaining = len(lines) - kept
		marker = fmt.Sprintf("\n... [%d more results truncated]", remaining)
	}
	out := make([]string, 0, kept+1)
	out = append(out, lines[:kept]...)
	out = append(out, marker)
	return strings.Join(out, "\n")
}

// TruncateHistory summarizes the middle of an over-budget history into
// one system message. The leading system prompt, the most recent user
// message and the recent tail always survive; a middle that is already
// a single summary marker is left alone.
func (o *Optimizer) TruncateHistory(history []session.Message) []session.Message {
	if o.EstimateTokens(history) <= o.Available() {
		return history
	}

	head := 0
	for head < len(history) && history[head].Role == "system" &&
		!strings.HasPrefix(history[head].Content, summaryPrefix) {
		head++
	}

	cut := len(history) - o.opts.KeepRecent
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			if i < cut {
				cut = i
			}
			break
		}
	}
	if cut <= head {
		return history
	}

	middle := history[head:cut]
	if len(middle) == 1 && middle[0].Role == "system" &&
		strings.HasPrefix(middle[0].Content, summaryPrefix) {
		return history
	}

	out := make([]session.Message, 0, head+1+len(history)-cut)
	out = append(out, history[:head]...)
	out = append(out, session.Message{
		Role:    "system",
		Content: summaryPrefix + "\n" + summarizeMessages(middle),
	})
	out = append(out, history[cut:]...)
	return out
}

var actionWords = []string{
	"created", "edited", "fixed", "added",
	"removed", "updated", "implemented", "refactored",
}

// summarizeMessages reduces a run of messages to the files touched,
// the tools called and the standout action sentences.
func summarizeMessages(messages []session.Message) string {
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
		if msg.Role == "assistant" && msg.Content != "" {
			if action := firstAction(msg.Content); action != "" {
				actions = append(actions, action)
			}
		}
	}

	var parts []string
	if len(files) > 0 {
		names := sortedKeys(files)
		if len(names) > 10 {
			names = names[:10]
		}
		parts = append(parts, "Files: "+strings.Join(names, ", "))
	}
	if len(tools) > 0 {
		parts = append(parts, "Tools used: "+strings.Join(sortedKeys(tools), ", "))
	}
	if len(actions) > 0 {
		if len(actions) > 5 {
			actions = actions[:5]
		}
		parts = append(parts, "Actions: "+strings.Join(actions, "; "))
	}
	parts = append(parts, fmt.Sprintf("(%d messages summarized)", len(messages)))
	return strings.Join(parts, "\n")
}

// firstAction extracts the first sentence mentioning an action verb,
// trying the verbs in a fixed order and stopping at the first hit.
func firstAction(content string) string {
	lower := strings.ToLower(content)
	for _, word := range actionWords {
		if !strings.Contains(lower, word) {
			continue
		}
		for _, sentence := range strings.Split(content, ".") {
			if strings.Contains(strings.ToLower(sentence), word) {
				s := strings.TrimSpace(sentence)
				if len(s) > 100 {
					s = s[:100]
				}
				return s
			}
		}
		return ""
	}
	return ""
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
