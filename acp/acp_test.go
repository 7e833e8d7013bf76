package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/circuitide/circuit/agent"
	"github.com/circuitide/circuit/config"
	"github.com/circuitide/circuit/llm"
)

type frame map[string]any

// dig walks nested JSON objects, returning nil when any step is
// missing.
func dig(f frame, path ...string) any {
	var cur any = map[string]any(f)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func newTestAgent(t *testing.T, client llm.Client) *agent.Agent {
	t.Helper()
	return agent.New(agent.Options{
		Config:       config.Default(),
		Client:       client,
		WorkingDir:   t.TempDir(),
		SessionDir:   t.TempDir(),
		DisableAudit: true,
	})
}

// startServer runs the ACP server over in-memory pipes and returns a
// writer for client frames plus a channel of everything the server
// writes.
func startServer(t *testing.T, a *agent.Agent) (io.Writer, <-chan frame) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	frames := make(chan frame, 64)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(outR)
		for scanner.Scan() {
			var f frame
			if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
				t.Errorf("server wrote invalid JSON: %v", err)
				return
			}
			frames <- f
		}
	}()
	go func() {
		if err := Run(context.Background(), a, inR, outW, nil); err != nil {
			t.Errorf("Run: %v", err)
		}
		outW.Close()
	}()
	t.Cleanup(func() { inW.Close() })
	return inW, frames
}

func send(t *testing.T, w io.Writer, obj any) {
	t.Helper()
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func await(t *testing.T, frames <-chan frame, what string, pred func(frame) bool) frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("stream closed while waiting for %s", what)
			}
			if pred(f) {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func awaitResponse(t *testing.T, frames <-chan frame, id float64) frame {
	t.Helper()
	return await(t, frames, "response", func(f frame) bool {
		got, ok := f["id"].(float64)
		return ok && got == id && f["method"] == nil
	})
}

// newSession drives initialize and session/new, returning the session
// id.
func newSession(t *testing.T, w io.Writer, frames <-chan frame) string {
	t.Helper()
	send(t, w, frame{"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": frame{"protocolVersion": 1}})
	init := awaitResponse(t, frames, 1)
	if dig(init, "result", "agentCapabilities", "loadSession") != true {
		t.Fatalf("initialize result = %v", init["result"])
	}

	send(t, w, frame{"jsonrpc": "2.0", "id": 2, "method": "session/new", "params": frame{"cwd": ""}})
	resp := awaitResponse(t, frames, 2)
	sid, _ := dig(resp, "result", "sessionId").(string)
	if !strings.HasPrefix(sid, "sess_") {
		t.Fatalf("sessionId = %q", sid)
	}
	return sid
}

func TestPromptStreamsChunksAndStops(t *testing.T) {
	mock := &llm.MockClient{Queue: []*llm.StreamingResponse{{
		Content:      "Hello.",
		FinishReason: "stop",
	}}}
	a := newTestAgent(t, mock)
	w, frames := startServer(t, a)
	sid := newSession(t, w, frames)

	send(t, w, frame{"jsonrpc": "2.0", "id": 3, "method": "session/prompt", "params": frame{
		"sessionId": sid,
		"prompt":    []frame{{"type": "text", "text": "hi"}},
	}})

	chunk := await(t, frames, "agent_message_chunk", func(f frame) bool {
		return dig(f, "params", "update", "sessionUpdate") == "agent_message_chunk"
	})
	if got := dig(chunk, "params", "update", "content", "text"); got != "Hello." {
		t.Errorf("chunk text = %v, want Hello.", got)
	}
	if got := dig(chunk, "params", "sessionId"); got != sid {
		t.Errorf("chunk sessionId = %v, want %s", got, sid)
	}

	resp := awaitResponse(t, frames, 3)
	if got := dig(resp, "result", "stopReason"); got != "end_turn" {
		t.Errorf("stopReason = %v, want end_turn", got)
	}
}

func TestPromptUnknownSession(t *testing.T) {
	a := newTestAgent(t, &llm.MockClient{})
	w, frames := startServer(t, a)
	newSession(t, w, frames)

	send(t, w, frame{"jsonrpc": "2.0", "id": 9, "method": "session/prompt", "params": frame{
		"sessionId": "sess_bogus",
		"prompt":    []frame{{"type": "text", "text": "hi"}},
	}})
	resp := awaitResponse(t, frames, 9)
	if got := dig(resp, "error", "code"); got != float64(-32602) {
		t.Errorf("error code = %v, want -32602", got)
	}
}

func TestPermissionRoundTripApproved(t *testing.T) {
	mock := &llm.MockClient{Queue: []*llm.StreamingResponse{
		{
			ToolCalls: []*llm.StreamingToolCall{{
				ID:        "call_1",
				Name:      "write_file",
				Arguments: `{"path":"out.txt","content":"data\n"}`,
			}},
			FinishReason: "tool_calls",
		},
		{Content: "Done.", FinishReason: "stop"},
	}}
	a := newTestAgent(t, mock)
	w, frames := startServer(t, a)
	sid := newSession(t, w, frames)

	send(t, w, frame{"jsonrpc": "2.0", "id": 3, "method": "session/prompt", "params": frame{
		"sessionId": sid,
		"prompt":    []frame{{"type": "text", "text": "write it"}},
	}})

	call := await(t, frames, "tool_call", func(f frame) bool {
		return dig(f, "params", "update", "sessionUpdate") == "tool_call"
	})
	if got := dig(call, "params", "update", "toolCall", "name"); got != "write_file" {
		t.Errorf("tool_call name = %v", got)
	}

	perm := await(t, frames, "session/request_permission", func(f frame) bool {
		return f["method"] == "session/request_permission"
	})
	if got := dig(perm, "params", "toolCall", "name"); got != "write_file" {
		t.Errorf("permission tool = %v", got)
	}
	if got := dig(perm, "params", "toolCall", "dangerous"); got != false {
		t.Errorf("permission dangerous = %v", got)
	}
	permID, ok := perm["id"].(float64)
	if !ok {
		t.Fatalf("permission request has no id: %v", perm)
	}

	send(t, w, frame{"jsonrpc": "2.0", "id": permID, "result": frame{
		"outcome": frame{"outcome": "selected", "optionId": "allow"},
	}})

	result := await(t, frames, "tool_result", func(f frame) bool {
		return dig(f, "params", "update", "sessionUpdate") == "tool_result"
	})
	if got, _ := dig(result, "params", "update", "toolResult", "result").(string); !strings.Contains(got, "Successfully wrote") {
		t.Errorf("tool_result = %q", got)
	}

	resp := awaitResponse(t, frames, 3)
	if got := dig(resp, "result", "stopReason"); got != "end_turn" {
		t.Errorf("stopReason = %v", got)
	}

	data, err := os.ReadFile(filepath.Join(a.WorkingDir(), "out.txt"))
	if err != nil {
		t.Fatalf("approved write did not land: %v", err)
	}
	if string(data) != "data\n" {
		t.Errorf("file content = %q", data)
	}
}

func TestPermissionRejectedBlocksWrite(t *testing.T) {
	mock := &llm.MockClient{Queue: []*llm.StreamingResponse{
		{
			ToolCalls: []*llm.StreamingToolCall{{
				ID:        "call_1",
				Name:      "write_file",
				Arguments: `{"path":"out.txt","content":"data\n"}`,
			}},
			FinishReason: "tool_calls",
		},
		{Content: "Understood.", FinishReason: "stop"},
	}}
	a := newTestAgent(t, mock)
	w, frames := startServer(t, a)
	sid := newSession(t, w, frames)

	send(t, w, frame{"jsonrpc": "2.0", "id": 3, "method": "session/prompt", "params": frame{
		"sessionId": sid,
		"prompt":    []frame{{"type": "text", "text": "write it"}},
	}})

	perm := await(t, frames, "session/request_permission", func(f frame) bool {
		return f["method"] == "session/request_permission"
	})
	send(t, w, frame{"jsonrpc": "2.0", "id": perm["id"], "result": frame{
		"outcome": frame{"outcome": "selected", "optionId": "reject"},
	}})

	result := await(t, frames, "tool_result", func(f frame) bool {
		return dig(f, "params", "update", "sessionUpdate") == "tool_result"
	})
	if got := dig(result, "params", "update", "toolResult", "result"); got != "Action cancelled by user" {
		t.Errorf("tool_result = %v, want cancellation notice", got)
	}
	awaitResponse(t, frames, 3)

	if _, err := os.Stat(filepath.Join(a.WorkingDir(), "out.txt")); !os.IsNotExist(err) {
		t.Error("rejected write landed on disk")
	}
}

func TestThoughtChunksSeparated(t *testing.T) {
	mock := &llm.MockClient{Queue: []*llm.StreamingResponse{{
		Content:      "<thinking>check the file list first</thinking>Here is the plan.",
		FinishReason: "stop",
	}}}
	a := newTestAgent(t, mock)
	w, frames := startServer(t, a)
	sid := newSession(t, w, frames)

	send(t, w, frame{"jsonrpc": "2.0", "id": 3, "method": "session/prompt", "params": frame{
		"sessionId": sid,
		"prompt":    []frame{{"type": "text", "text": "plan"}},
	}})

	thought := await(t, frames, "agent_thought_chunk", func(f frame) bool {
		return dig(f, "params", "update", "sessionUpdate") == "agent_thought_chunk"
	})
	if got := dig(thought, "params", "update", "content", "text"); got != "check the file list first" {
		t.Errorf("thought text = %v", got)
	}

	visible := await(t, frames, "agent_message_chunk", func(f frame) bool {
		return dig(f, "params", "update", "sessionUpdate") == "agent_message_chunk"
	})
	if got := dig(visible, "params", "update", "content", "text"); got != "Here is the plan." {
		t.Errorf("visible text = %v", got)
	}
	awaitResponse(t, frames, 3)
}

func TestThoughtSplitterAcrossChunks(t *testing.T) {
	sp := &thoughtSplitter{}

	got := sp.feed("Hello <thi")
	want := []segment{{thought: false, text: "Hello "}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("first feed = %+v, want %+v", got, want)
	}

	got = sp.feed("nking>secret</thin")
	want = []segment{{thought: true, text: "secret"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("second feed = %+v, want %+v", got, want)
	}

	got = sp.feed("king> world")
	want = []segment{{thought: false, text: " world"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("third feed = %+v, want %+v", got, want)
	}

	if rest := sp.flush(); rest != nil {
		t.Errorf("flush = %+v, want nil", rest)
	}
}

func TestThoughtSplitterUnterminated(t *testing.T) {
	sp := &thoughtSplitter{}
	got := sp.feed("<thinking>never closed")
	want := []segment{{thought: true, text: "never closed"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("feed = %+v, want %+v", got, want)
	}
	if rest := sp.flush(); rest != nil {
		t.Errorf("flush = %+v, want nil", rest)
	}

	sp = &thoughtSplitter{}
	sp.feed("text<think")
	rest := sp.flush()
	want = []segment{{thought: false, text: "<think"}}
	if !reflect.DeepEqual(rest, want) {
		t.Errorf("flush = %+v, want %+v", rest, want)
	}
}

func TestPartialSuffix(t *testing.T) {
	cases := []struct {
		s, tag string
		want   int
	}{
		{"abc", "<thinking>", 0},
		{"abc<", "<thinking>", 1},
		{"abc<thinking", "<thinking>", 9},
		{"<thinking", "<thinking>", 9},
		{"", "<thinking>", 0},
		{"x</t", "</thinking>", 3},
	}
	for _, tc := range cases {
		if got := partialSuffix(tc.s, tc.tag); got != tc.want {
			t.Errorf("partialSuffix(%q, %q) = %d, want %d", tc.s, tc.tag, got, tc.want)
		}
	}
}
