package memory

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/circuitide/circuit/session"
)

func readCall(id, path string) session.Message {
	return session.Message{
		Role: "assistant",
		ToolCalls: []session.ToolCall{{
			ID:   id,
			Type: "function",
			Function: session.FunctionCall{
				Name:      "read_file",
				Arguments: fmt.Sprintf(`{"path":%q}`, path),
			},
		}},
	}
}

func toolExchange(tool, content string) []session.Message {
	return []session.Message{
		{Role: "user", Content: "go ahead"},
		{Role: "assistant", ToolCalls: []session.ToolCall{{
			ID:       "call_1",
			Type:     "function",
			Function: session.FunctionCall{Name: tool, Arguments: "{}"},
		}}},
		{Role: "tool", ToolCallID: "call_1", Content: content},
	}
}

func TestEstimateTokens(t *testing.T) {
	opt := NewOptimizer(Options{})
	history := []session.Message{
		{Role: "user", Content: strings.Repeat("x", 400)},
		{Role: "assistant", Content: strings.Repeat("y", 40)},
	}
	if got := opt.EstimateTokens(history); got != 130 {
		t.Errorf("EstimateTokens = %d, want 130", got)
	}

	withCall := append(history, session.Message{
		Role: "assistant",
		ToolCalls: []session.ToolCall{{
			ID:       "call_1",
			Type:     "function",
			Function: session.FunctionCall{Name: "read_file", Arguments: `{"path":"main.go"}`},
		}},
	})
	if got := opt.EstimateTokens(withCall); got <= 140 {
		t.Errorf("EstimateTokens with tool call = %d, want > 140", got)
	}
}

func TestNeedsOptimization(t *testing.T) {
	opt := NewOptimizer(Options{MaxTokens: 200, Reserve: 100})
	if got := opt.Available(); got != 100 {
		t.Errorf("Available = %d, want 100", got)
	}
	small := []session.Message{{Role: "user", Content: "hi"}}
	if opt.NeedsOptimization(small) {
		t.Errorf("small history should not need optimization")
	}
	big := []session.Message{{Role: "user", Content: strings.Repeat("x", 800)}}
	if !opt.NeedsOptimization(big) {
		t.Errorf("big history should need optimization")
	}
}

func TestCollapseErrors(t *testing.T) {
	opt := NewOptimizer(Options{})
	history := []session.Message{
		{Role: "user", Content: "run the tests"},
		{Role: "tool", ToolCallID: "call_1", Content: "Error: test failed at line 12"},
		{Role: "tool", ToolCallID: "call_2", Content: "Error: test failed at line 45"},
		{Role: "tool", ToolCallID: "call_3", Content: "Error: test failed at line 78"},
		{Role: "tool", ToolCallID: "call_4", Content: "Error: test failed at line 90"},
		{Role: "assistant", Content: "All attempts failed."},
	}
	out := opt.CollapseErrors(history)
	if len(out) != 5 {
		t.Fatalf("len = %d, want 5", len(out))
	}
	if out[1].Content != "Error: test failed at line 12" {
		t.Errorf("first error = %q", out[1].Content)
	}
	if out[2].Role != "system" || out[2].Content != "[2 similar errors omitted]" {
		t.Errorf("marker = %+v", out[2])
	}
	if out[3].Content != "Error: test failed at line 90" {
		t.Errorf("last error = %q", out[3].Content)
	}
	if len(history) != 6 {
		t.Errorf("input history modified")
	}
}

func TestCollapseErrorsBelowThreshold(t *testing.T) {
	opt := NewOptimizer(Options{})
	history := []session.Message{
		{Role: "tool", Content: "Error: connection refused"},
		{Role: "tool", Content: "Error: connection refused"},
		{Role: "tool", Content: "Exception: timeout in handler"},
	}
	out := opt.CollapseErrors(history)
	if !reflect.DeepEqual(out, history) {
		t.Errorf("groups below three occurrences should stay untouched")
	}
}

func TestDedupeReads(t *testing.T) {
	opt := NewOptimizer(Options{})
	history := []session.Message{
		{Role: "user", Content: "show me main.go"},
		readCall("call_1", "main.go"),
		{Role: "tool", ToolCallID: "call_1", Content: "  1|package main\n  2|func main() {}"},
		readCall("call_2", "util.go"),
		{Role: "tool", ToolCallID: "call_2", Content: "  1|package util"},
		readCall("call_3", "main.go"),
		{Role: "tool", ToolCallID: "call_3", Content: "[Lines 1-2 of 2]\n  1|package main\n  2|func main() { run() }"},
	}
	out := opt.DedupeReads(history)
	if out[2].Content != "[File content superseded by later read]" {
		t.Errorf("first read = %q, want superseded placeholder", out[2].Content)
	}
	if out[2].Role != "tool" || out[2].ToolCallID != "call_1" {
		t.Errorf("placeholder lost role or id: %+v", out[2])
	}
	if out[4].Content != "  1|package util" {
		t.Errorf("only read of util.go was touched: %q", out[4].Content)
	}
	if out[6].Content != history[6].Content {
		t.Errorf("latest read of main.go was touched")
	}
	if strings.HasPrefix(history[2].Content, "[File content") {
		t.Errorf("input history modified")
	}
}

func TestCompressResultsReadFile(t *testing.T) {
	content := strings.Repeat("abcdefghij", 50)
	history := []session.Message{
		{Role: "user", Content: "read it"},
		readCall("call_1", "big.go"),
		{Role: "tool", ToolCallID: "call_1", Content: content},
	}
	opt := NewOptimizer(Options{ResultLimit: 200})
	out := opt.CompressResults(history)
	got := out[2].Content
	if len(got) > 200 {
		t.Errorf("len = %d, want <= 200", len(got))
	}
	if !strings.Contains(got, "... [300 chars truncated] ...") {
		t.Errorf("missing truncation marker: %q", got)
	}
	if !strings.HasPrefix(got, content[:50]) {
		t.Errorf("head not preserved")
	}
	if !strings.HasSuffix(got, content[len(content)-50:]) {
		t.Errorf("tail not preserved")
	}
	if history[2].Content != content {
		t.Errorf("input history modified")
	}
}

func TestCompressResultsCommand(t *testing.T) {
	result := strings.Repeat("o", 300) + "[stderr]" + strings.Repeat("e", 300)
	history := toolExchange("run_command", result)
	opt := NewOptimizer(Options{ResultLimit: 200})
	out := opt.CompressResults(history)
	got := out[2].Content
	if len(got) > 200 {
		t.Errorf("len = %d, want <= 200", len(got))
	}
	if !strings.Contains(got, "[stderr]eeee") {
		t.Errorf("stderr head not preserved: %q", got)
	}
	if !strings.HasSuffix(got, "\n[truncated]") {
		t.Errorf("missing truncation marker: %q", got)
	}
}

func TestCompressResultsSearchLines(t *testing.T) {
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, fmt.Sprintf("src/file_%02d.go:12: match found here", i))
	}
	history := toolExchange("search_files", strings.Join(lines, "\n"))
	opt := NewOptimizer(Options{ResultLimit: 300})
	out := opt.CompressResults(history)
	got := out[2].Content
	if len(got) > 300 {
		t.Errorf("len = %d, want <= 300", len(got))
	}
	if !strings.HasPrefix(got, lines[0]) {
		t.Errorf("first line not preserved: %q", got)
	}
	if !strings.Contains(got, "more results truncated]") {
		t.Errorf("missing remainder marker: %q", got)
	}
}

func TestCompressResultsByTool(t *testing.T) {
	cases := []struct {
		tool       string
		wantSuffix string
	}{
		{"web_fetch", "\n\n[content truncated]"},
		{"web_search", "\n\n[content truncated]"},
		{"run_command", "\n[truncated]"},
		{"deploy_service", "\n[truncated]"},
	}
	opt := NewOptimizer(Options{ResultLimit: 200})
	for _, tc := range cases {
		history := toolExchange(tc.tool, strings.Repeat("w", 500))
		out := opt.CompressResults(history)
		got := out[2].Content
		if len(got) > 200 {
			t.Errorf("%s: len = %d, want <= 200", tc.tool, len(got))
		}
		if !strings.HasSuffix(got, tc.wantSuffix) {
			t.Errorf("%s: suffix = %q, want %q", tc.tool, got, tc.wantSuffix)
		}
	}
}

func TestCompressResultsLeavesSmall(t *testing.T) {
	history := []session.Message{
		{Role: "user", Content: "go ahead"},
		readCall("call_1", "main.go"),
		{Role: "tool", ToolCallID: "call_1", Content: strings.Repeat("a", 200)},
		{Role: "assistant", Content: strings.Repeat("b", 4000)},
	}
	opt := NewOptimizer(Options{ResultLimit: 200})
	out := opt.CompressResults(history)
	if !reflect.DeepEqual(out, history) {
		t.Errorf("results at or under the limit should stay untouched")
	}
}

func TestTruncateHistoryOverBudget(t *testing.T) {
	history := []session.Message{{Role: "system", Content: "You are a coding assistant."}}
	for i := 0; i < 15; i++ {
		history = append(history,
			session.Message{Role: "user", Content: fmt.Sprintf("request %d", i)},
			session.Message{Role: "assistant", Content: fmt.Sprintf("response %d", i)},
		)
	}
	history[2].Content = "I fixed the tokenizer. The tests pass now."

	opt := NewOptimizer(Options{MaxTokens: 200, Reserve: 100})
	out := opt.TruncateHistory(history)
	if len(out) != 22 {
		t.Fatalf("len = %d, want 22", len(out))
	}
	if out[0].Content != "You are a coding assistant." {
		t.Errorf("system prompt lost: %q", out[0].Content)
	}
	if out[1].Role != "system" || !strings.HasPrefix(out[1].Content, "[Earlier conversation summary]") {
		t.Errorf("summary marker = %+v", out[1])
	}
	if !strings.Contains(out[1].Content, "(10 messages summarized)") {
		t.Errorf("summary count missing: %q", out[1].Content)
	}
	if !strings.Contains(out[1].Content, "I fixed the tokenizer") {
		t.Errorf("action sentence missing: %q", out[1].Content)
	}
	if !reflect.DeepEqual(out[2:], history[11:]) {
		t.Errorf("recent tail altered")
	}
}

func TestTruncateHistoryUnderBudget(t *testing.T) {
	opt := NewOptimizer(Options{})
	history := []session.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	}
	out := opt.TruncateHistory(history)
	if !reflect.DeepEqual(out, history) {
		t.Errorf("under-budget history should pass through unchanged")
	}
}

func TestTruncateHistoryKeepsLastUser(t *testing.T) {
	history := []session.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "first question"},
	}
	for i := 0; i < 14; i++ {
		history = append(history, session.Message{Role: "assistant", Content: fmt.Sprintf("step %d", i)})
	}
	history = append(history, session.Message{Role: "user", Content: "second question"})
	for i := 0; i < 24; i++ {
		history = append(history, session.Message{Role: "assistant", Content: fmt.Sprintf("later step %d", i)})
	}

	opt := NewOptimizer(Options{MaxTokens: 300, Reserve: 100})
	out := opt.TruncateHistory(history)
	if len(out) != 27 {
		t.Fatalf("len = %d, want 27", len(out))
	}
	if out[2].Role != "user" || out[2].Content != "second question" {
		t.Errorf("most recent user message dropped: %+v", out[2])
	}
	if !strings.Contains(out[1].Content, "(15 messages summarized)") {
		t.Errorf("summary count missing: %q", out[1].Content)
	}
}

func TestTruncateHistoryStableOnOwnOutput(t *testing.T) {
	history := []session.Message{{Role: "system", Content: "You are a coding assistant."}}
	for i := 0; i < 15; i++ {
		history = append(history,
			session.Message{Role: "user", Content: fmt.Sprintf("request %d", i)},
			session.Message{Role: "assistant", Content: fmt.Sprintf("response %d", i)},
		)
	}
	opt := NewOptimizer(Options{MaxTokens: 150, Reserve: 100})
	once := opt.TruncateHistory(history)
	twice := opt.TruncateHistory(once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("second truncation changed an already truncated history")
	}
}

func messyHistory() []session.Message {
	bigRead := "  1|" + strings.Repeat("package main; funcs and vars galore\n", 30)
	history := []session.Message{
		{Role: "system", Content: "You are a coding assistant."},
		{Role: "user", Content: "fix the build"},
		readCall("call_1", "main.go"),
		{Role: "tool", ToolCallID: "call_1", Content: bigRead},
		readCall("call_2", "main.go"),
		{Role: "tool", ToolCallID: "call_2", Content: bigRead + " 99|updated"},
	}
	for i := 0; i < 4; i++ {
		history = append(history, session.Message{
			Role:       "tool",
			ToolCallID: fmt.Sprintf("call_e%d", i),
			Content:    fmt.Sprintf("Error: build failed with code %d", i),
		})
	}
	for i := 0; i < 24; i++ {
		role := "assistant"
		if i%2 == 0 {
			role = "user"
		}
		history = append(history, session.Message{
			Role:    role,
			Content: fmt.Sprintf("intermediate step %d of the build investigation", i),
		})
	}
	return history
}

func TestOptimizeIdempotent(t *testing.T) {
	history := messyHistory()
	opt := NewOptimizer(Options{MaxTokens: 600, Reserve: 100, ResultLimit: 400})

	once, stats1 := opt.Optimize(history)
	if stats1.TokensSaved <= 0 {
		t.Errorf("first pass saved %d tokens, want > 0", stats1.TokensSaved)
	}
	if len(once) >= len(history) {
		t.Errorf("first pass did not shrink: %d -> %d", len(history), len(once))
	}

	twice, stats2 := opt.Optimize(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("optimize is not idempotent:\nonce:  %d messages\ntwice: %d messages", len(once), len(twice))
	}
	if stats2.TokensSaved != 0 {
		t.Errorf("second pass saved %d tokens, want 0", stats2.TokensSaved)
	}
	if stats2.CompressionRatio != 1.0 {
		t.Errorf("second pass ratio = %v, want 1.0", stats2.CompressionRatio)
	}
}

func TestOptimizeStageToggles(t *testing.T) {
	history := messyHistory()

	off := NewOptimizer(Options{
		MaxTokens: 600, Reserve: 100, ResultLimit: 400,
		DisableErrorCollapse:     true,
		DisableReadDedup:         true,
		DisableResultCompression: true,
		DisableTruncation:        true,
	})
	out, stats := off.Optimize(history)
	if !reflect.DeepEqual(out, history) {
		t.Errorf("all stages disabled should be the identity")
	}
	if stats.TokensSaved != 0 || stats.CompressionRatio != 1.0 {
		t.Errorf("identity pass stats = %+v", stats)
	}

	onlyErrors := NewOptimizer(Options{
		DisableReadDedup:         true,
		DisableResultCompression: true,
		DisableTruncation:        true,
	})
	out, _ = onlyErrors.Optimize(history)
	if len(out) != len(history)-1 {
		t.Errorf("error collapse: len = %d, want %d", len(out), len(history)-1)
	}
	if out[3].Content != history[3].Content {
		t.Errorf("read dedup ran while disabled")
	}
}

func TestOptimizeEmptyHistory(t *testing.T) {
	out, stats := NewOptimizer(Options{}).Optimize(nil)
	if len(out) != 0 {
		t.Errorf("len = %d, want 0", len(out))
	}
	if stats.OriginalTokens != 0 || stats.CompressionRatio != 1.0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestOptimizeKeepsAnchors(t *testing.T) {
	history := []session.Message{{Role: "system", Content: "You are a coding assistant."}}
	for i := 0; i < 59; i++ {
		role := "assistant"
		if i%2 == 0 {
			role = "user"
		}
		history = append(history, session.Message{Role: role, Content: fmt.Sprintf("note %d", i)})
	}

	opt := NewOptimizer(Options{MaxTokens: 300, Reserve: 100})
	out, stats := opt.Optimize(history)
	if len(out) >= len(history) {
		t.Errorf("message count did not decrease: %d -> %d", len(history), len(out))
	}
	if stats.FinalTokens >= stats.OriginalTokens {
		t.Errorf("token estimate did not decrease: %d -> %d", stats.OriginalTokens, stats.FinalTokens)
	}
	if !reflect.DeepEqual(out[0], history[0]) {
		t.Errorf("system prompt altered: %+v", out[0])
	}
	if !reflect.DeepEqual(out[len(out)-20:], history[len(history)-20:]) {
		t.Errorf("recent window altered")
	}
}
