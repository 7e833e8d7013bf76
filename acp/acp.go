package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/circuitide/circuit/agent"
	"github.com/circuitide/circuit/errors"
)

// JSON-RPC error codes used by the server.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// inboundMessage is either a request (Method set), a notification
// (Method set, no ID), or a response to one of our outgoing requests
// (Result or Error set). IDs are kept raw and echoed back verbatim.
type inboundMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Server speaks the Agent Client Protocol over a newline-delimited
// JSON-RPC stream, usually stdio. One Server drives one Agent; the
// client owns which editor session is active.
type Server struct {
	agent  *agent.Agent
	logger *slog.Logger

	ctx context.Context
	in  *bufio.Reader
	out *bufio.Writer

	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]bool
	cancels  map[string]context.CancelFunc
	seq      int64
	replies  map[int64]chan inboundMessage
	calls    map[string][]string
}

// Run serves ACP on in/out until EOF. Nothing but JSON-RPC is ever
// written to out; diagnostics go to the logger, which must not share
// the out stream.
func Run(ctx context.Context, a *agent.Agent, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		agent:    a,
		logger:   logger,
		ctx:      ctx,
		in:       bufio.NewReader(in),
		out:      bufio.NewWriter(out),
		sessions: make(map[string]bool),
		cancels:  make(map[string]context.CancelFunc),
		replies:  make(map[int64]chan inboundMessage),
		calls:    make(map[string][]string),
	}

	// Gated tool actions become permission requests to the client.
	a.SetConfirmationProvider(s)

	logger.Info("acp server started", "working_dir", a.WorkingDir())
	return s.readLoop()
}

func (s *Server) readLoop() error {
	for {
		line, err := s.in.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if err == io.EOF {
				s.logger.Info("acp client closed the stream")
				return nil
			}
			return errors.Wrap(err, "acp read")
		}
		payload := strings.TrimSpace(string(line))
		if payload == "" {
			if err == io.EOF {
				return nil
			}
			continue
		}

		var msg inboundMessage
		if jsonErr := json.Unmarshal([]byte(payload), &msg); jsonErr != nil {
			s.logger.Warn("acp parse error", "error", jsonErr)
			_ = s.writeError(nil, codeParseError, "Parse error", nil)
			continue
		}

		if msg.Method == "" {
			s.routeResponse(msg)
		} else {
			s.dispatch(msg)
		}

		if err == io.EOF {
			return nil
		}
	}
}

func (s *Server) dispatch(msg inboundMessage) {
	s.logger.Debug("acp request", "method", msg.Method)
	switch msg.Method {
	case "initialize":
		s.handleInitialize(msg)
	case "session/new":
		s.handleSessionNew(msg)
	case "session/load":
		s.handleSessionLoad(msg)
	case "session/prompt":
		s.handleSessionPrompt(msg)
	case "session/cancel":
		s.handleSessionCancel(msg)
	default:
		_ = s.writeError(msg.ID, codeMethodNotFound, "Method not found", msg.Method)
	}
}

// routeResponse hands a client response to whichever outgoing request
// is waiting on it.
func (s *Server) routeResponse(msg inboundMessage) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		s.logger.Warn("acp response with unusable id", "id", string(msg.ID))
		return
	}
	s.mu.Lock()
	ch, ok := s.replies[id]
	if ok {
		delete(s.replies, id)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("acp response for unknown request", "id", id)
		return
	}
	ch <- msg
}

// ---- outgoing frames ----

func (s *Server) writeFrame(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrap(err, "marshaling frame")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	if err := s.out.WriteByte('\n'); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Server) writeResult(id json.RawMessage, result any) error {
	return s.writeFrame(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

func (s *Server) writeError(id json.RawMessage, code int, message string, data any) error {
	return s.writeFrame(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   rpcError{Code: code, Message: message, Data: data},
	})
}

func (s *Server) notify(method string, params any) error {
	return s.writeFrame(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

// request sends a server-to-client request and waits for the matching
// response.
func (s *Server) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	s.seq++
	id := s.seq
	ch := make(chan inboundMessage, 1)
	s.replies[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.replies, id)
		s.mu.Unlock()
	}()

	if err := s.writeFrame(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, errors.New("client error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---- handlers ----

func (s *Server) handleInitialize(msg inboundMessage) {
	var p struct {
		ProtocolVersion int `json:"protocolVersion"`
	}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			s.logger.Warn("acp initialize params", "error", err)
		}
	}
	s.logger.Info("acp initialize", "client_protocol", p.ProtocolVersion)

	_ = s.writeResult(msg.ID, map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

func (s *Server) handleSessionNew(msg inboundMessage) {
	var p struct {
		Cwd string `json:"cwd"`
	}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			_ = s.writeError(msg.ID, codeInvalidParams, "Invalid params", err.Error())
			return
		}
	}
	if p.Cwd != "" && p.Cwd != s.agent.WorkingDir() {
		s.logger.Warn("acp session cwd differs from agent root", "cwd", p.Cwd, "root", s.agent.WorkingDir())
	}

	sid := "sess_" + uuid.NewString()
	s.mu.Lock()
	s.sessions[sid] = true
	s.mu.Unlock()
	s.agent.ClearHistory()

	s.logger.Info("acp session created", "session", sid)
	_ = s.writeResult(msg.ID, map[string]any{"sessionId": sid})
}

func (s *Server) handleSessionLoad(msg inboundMessage) {
	var p struct {
		SessionID string `json:"sessionId"`
		Cwd       string `json:"cwd"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		_ = s.writeError(msg.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}

	n, err := s.agent.LoadSession(p.SessionID)
	if err != nil {
		_ = s.writeError(msg.ID, codeInvalidParams, "Invalid params", "session not found: "+err.Error())
		return
	}
	s.mu.Lock()
	s.sessions[p.SessionID] = true
	s.mu.Unlock()

	s.logger.Info("acp session loaded", "session", p.SessionID, "messages", n)
	s.replayHistory(p.SessionID)
	_ = s.writeResult(msg.ID, nil)
}

// replayHistory streams the loaded conversation back to the client as
// session/update notifications, the way a live turn would have.
func (s *Server) replayHistory(sid string) {
	for _, m := range s.agent.History() {
		switch m.Role {
		case "user":
			_ = s.notify("session/update", map[string]any{
				"sessionId": sid,
				"update": map[string]any{
					"sessionUpdate": "user_message_chunk",
					"content":       map[string]any{"type": "text", "text": m.Content},
				},
			})
		case "assistant":
			if m.Content != "" {
				s.sendContent(sid, m.Content)
			}
			for _, tc := range m.ToolCalls {
				s.sendToolCall(sid, tc.ID, tc.Function.Name, "")
			}
		case "tool":
			s.sendToolResult(sid, m.ToolCallID, "", m.Content)
		}
	}
}

func (s *Server) handleSessionPrompt(msg inboundMessage) {
	var p struct {
		SessionID string `json:"sessionId"`
		Prompt    []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"prompt"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		_ = s.writeError(msg.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}

	s.mu.Lock()
	known := s.sessions[p.SessionID]
	_, running := s.cancels[p.SessionID]
	s.mu.Unlock()
	if !known {
		_ = s.writeError(msg.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
		return
	}
	if running {
		_ = s.writeError(msg.ID, codeInternalError, "Internal error", "a prompt is already running for this session")
		return
	}

	var parts []string
	for _, b := range p.Prompt {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	text := strings.Join(parts, "\n")

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.cancels[p.SessionID] = cancel
	s.mu.Unlock()

	// The prompt runs off the read loop so cancel notifications and
	// permission responses keep flowing while the turn is in flight.
	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.cancels, p.SessionID)
			s.mu.Unlock()
		}()
		s.runPrompt(ctx, msg.ID, p.SessionID, text)
	}()
}

func (s *Server) runPrompt(ctx context.Context, id json.RawMessage, sid, text string) {
	splitter := &thoughtSplitter{}
	cb := agent.ProcessCallbacks{
		OnContent: func(chunk string) {
			for _, seg := range splitter.feed(chunk) {
				s.sendSegment(sid, seg)
			}
		},
		OnToolCall: func(name, detail string) {
			callID := uuid.NewString()
			s.mu.Lock()
			s.calls[name] = append(s.calls[name], callID)
			s.mu.Unlock()
			s.sendToolCall(sid, callID, name, detail)
		},
		OnToolResult: func(name, result string) {
			var callID string
			s.mu.Lock()
			if q := s.calls[name]; len(q) > 0 {
				callID = q[0]
				s.calls[name] = q[1:]
			}
			s.mu.Unlock()
			s.sendToolResult(sid, callID, name, result)
		},
		OnWarning: func(w string) {
			s.logger.Warn("agent warning", "session", sid, "warning", w)
		},
	}

	_, err := s.agent.ProcessUserInput(ctx, text, cb)
	for _, seg := range splitter.flush() {
		s.sendSegment(sid, seg)
	}

	if err != nil {
		if ctx.Err() != nil {
			s.logger.Info("acp prompt cancelled", "session", sid)
			_ = s.writeResult(id, map[string]any{"stopReason": "cancelled"})
			return
		}
		s.logger.Error("acp prompt failed", "session", sid, "error", err)
		_ = s.writeError(id, codeInternalError, "Internal error", err.Error())
		return
	}
	_ = s.writeResult(id, map[string]any{"stopReason": "end_turn"})
}

func (s *Server) handleSessionCancel(msg inboundMessage) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		s.logger.Warn("acp cancel params", "error", err)
		return
	}
	s.mu.Lock()
	cancel := s.cancels[p.SessionID]
	s.mu.Unlock()
	if cancel != nil {
		s.logger.Info("acp cancelling prompt", "session", p.SessionID)
		cancel()
	}
}

// ---- notifications ----

func (s *Server) sendSegment(sid string, seg segment) {
	update := "agent_message_chunk"
	if seg.thought {
		update = "agent_thought_chunk"
	}
	_ = s.notify("session/update", map[string]any{
		"sessionId": sid,
		"update": map[string]any{
			"sessionUpdate": update,
			"content":       map[string]any{"type": "text", "text": seg.text},
		},
	})
}

func (s *Server) sendContent(sid, text string) {
	s.sendSegment(sid, segment{text: text})
}

func (s *Server) sendToolCall(sid, callID, name, detail string) {
	_ = s.notify("session/update", map[string]any{
		"sessionId": sid,
		"update": map[string]any{
			"sessionUpdate": "tool_call",
			"toolCall": map[string]any{
				"id":     callID,
				"name":   name,
				"detail": detail,
			},
		},
	})
}

func (s *Server) sendToolResult(sid, callID, name, result string) {
	_ = s.notify("session/update", map[string]any{
		"sessionId": sid,
		"update": map[string]any{
			"sessionUpdate": "tool_result",
			"toolResult": map[string]any{
				"toolCallId": callID,
				"name":       name,
				"result":     result,
			},
		},
	})
}

// ---- permission requests ----

// Ask routes a confirmation to the client as a session/request_permission
// request and maps the selected option back to approve or reject. Client
// errors and cancellation deny the action.
func (s *Server) Ask(ctx context.Context, req agent.ConfirmationRequest) (bool, error) {
	params := map[string]any{
		"toolCall": map[string]any{
			"name":      req.Tool,
			"action":    req.Action,
			"detail":    req.Detail,
			"dangerous": req.Dangerous,
		},
		"options": []map[string]any{
			{"optionId": "allow", "name": "Allow", "kind": "allow_once"},
			{"optionId": "reject", "name": "Reject", "kind": "reject_once"},
		},
	}

	raw, err := s.request(ctx, "session/request_permission", params)
	if err != nil {
		return false, err
	}

	var resp struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, errors.Wrap(err, "parsing permission response")
	}
	return resp.Outcome.Outcome == "selected" && resp.Outcome.OptionID == "allow", nil
}

// ---- thought splitting ----

const (
	thoughtOpen  = "<thinking>"
	thoughtClose = "</thinking>"
)

// segment is a run of streamed text that is either visible content or
// private reasoning.
type segment struct {
	thought bool
	text    string
}

// thoughtSplitter carves a chunk stream into message and thought
// segments. Tags may arrive split across chunk boundaries; a partial
// tag at the end of the buffer is held back until the next chunk
// settles it.
type thoughtSplitter struct {
	inThought bool
	buf       string
}

func (t *thoughtSplitter) feed(chunk string) []segment {
	t.buf += chunk
	var segs []segment
	for {
		tag := thoughtOpen
		if t.inThought {
			tag = thoughtClose
		}
		if i := strings.Index(t.buf, tag); i >= 0 {
			if i > 0 {
				segs = append(segs, segment{thought: t.inThought, text: t.buf[:i]})
			}
			t.buf = t.buf[i+len(tag):]
			t.inThought = !t.inThought
			continue
		}
		keep := partialSuffix(t.buf, tag)
		if cut := len(t.buf) - keep; cut > 0 {
			segs = append(segs, segment{thought: t.inThought, text: t.buf[:cut]})
			t.buf = t.buf[cut:]
		}
		return segs
	}
}

// flush drains whatever is buffered, including a held-back partial tag.
func (t *thoughtSplitter) flush() []segment {
	if t.buf == "" {
		return nil
	}
	seg := segment{thought: t.inThought, text: t.buf}
	t.buf = ""
	return []segment{seg}
}

// partialSuffix reports the length of the longest suffix of s that is
// a proper prefix of tag.
func partialSuffix(s, tag string) int {
	n := len(tag) - 1
	if n > len(s) {
		n = len(s)
	}
	for ; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
