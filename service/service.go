package service

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/circuitide/circuit/agent"
	"github.com/circuitide/circuit/config"
	"github.com/circuitide/circuit/errors"
	"github.com/circuitide/circuit/llm"
	"github.com/circuitide/circuit/mcp"
	"github.com/circuitide/circuit/session"
)

// DefaultConfirmationTimeout bounds how long a gated action waits for
// an answer before it is treated as rejected.
const DefaultConfirmationTimeout = 60 * time.Second

// Guard conditions frontends check with errors.Is.
var (
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyProcessing = errors.New("already processing a message")

	// ErrConfirmationTimeout names an expired confirmation. The turn
	// itself treats the expiry as a rejection, not an error.
	ErrConfirmationTimeout = errors.New("confirmation timed out")
)

// Options configures a Service.
type Options struct {
	Config     *config.Config
	WorkingDir string
	Logger     *slog.Logger

	// ConfirmationTimeout overrides DefaultConfirmationTimeout.
	ConfirmationTimeout time.Duration

	// SessionDir and AuditDir pass through to the agent.
	SessionDir   string
	AuditDir     string
	DisableAudit bool
}

// Service wraps one Agent behind an event stream so that frontends
// without a terminal (websocket bridges, editors) can drive a
// conversation. Frontends subscribe through Events, send turns with
// SendMessage, and answer gated actions with Confirm.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger
	events *Emitter

	sessionDir   string
	auditDir     string
	disableAudit bool

	mu             sync.Mutex
	agent          *agent.Agent
	gateway        *llm.GatewayClient
	workingDir     string
	status         ConnectionStatus
	lastError      string
	processing     bool
	pending        *PendingConfirmation
	confirmTimeout time.Duration
	waiters        map[string]chan bool
}

// New builds a disconnected service rooted at opts.WorkingDir.
func New(opts Options) *Service {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dir, err := filepath.Abs(opts.WorkingDir)
	if err != nil {
		dir = opts.WorkingDir
	}
	timeout := opts.ConfirmationTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	return &Service{
		cfg:            cfg,
		logger:         logger,
		events:         NewEmitter(),
		sessionDir:     opts.SessionDir,
		auditDir:       opts.AuditDir,
		disableAudit:   opts.DisableAudit,
		workingDir:     dir,
		status:         StatusDisconnected,
		confirmTimeout: timeout,
		waiters:        make(map[string]chan bool),
	}
}

// Events exposes the emitter for subscribing.
func (s *Service) Events() *Emitter { return s.events }

// Agent returns the connected agent, or nil before Connect.
func (s *Service) Agent() *agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// Connect builds the gateway client from config, proves the
// credentials by acquiring a token, and stands up the agent.
func (s *Service) Connect(ctx context.Context) error {
	s.setStatus(StatusConnecting, "")
	s.events.Emit(EventConnecting, map[string]any{"working_dir": s.workingDir})

	gw, err := llm.NewGatewayClient(s.cfg.Gateway, s.cfg.SSL, s.logger)
	if err != nil {
		return s.failConnect(err)
	}
	gw.SetRetryPolicy(s.cfg.MaxRetries, 0)
	if _, err := gw.Token(ctx); err != nil {
		return s.failConnect(err)
	}

	s.mu.Lock()
	s.gateway = gw
	s.mu.Unlock()
	s.attach(gw)
	return nil
}

// ConnectWith attaches a prebuilt model client, skipping the gateway
// credential check. Provider-direct installs and tests use this.
func (s *Service) ConnectWith(client llm.Client) {
	s.setStatus(StatusConnecting, "")
	s.events.Emit(EventConnecting, map[string]any{"working_dir": s.workingDir})
	s.attach(client)
}

func (s *Service) failConnect(err error) error {
	s.setStatus(StatusError, err.Error())
	s.events.Emit(EventConnectionError, map[string]any{"error": err.Error()})
	return errors.Wrap(err, "connect failed")
}

func (s *Service) attach(client llm.Client) {
	a := agent.New(agent.Options{
		Config:       s.cfg,
		Client:       client,
		WorkingDir:   s.workingDir,
		Logger:       s.logger,
		Confirm:      eventConfirmer{s},
		SessionDir:   s.sessionDir,
		AuditDir:     s.auditDir,
		DisableAudit: s.disableAudit,
	})
	a.Plugins().SetCallbacks(mcp.Callbacks{
		OnConnected: func(serverID string, toolCount int) {
			s.events.Emit(EventPluginConnected, map[string]any{"server": serverID, "tools": toolCount})
		},
		OnDisconnected: func(serverID string) {
			s.events.Emit(EventPluginDisconnected, map[string]any{"server": serverID})
		},
		OnError: func(serverID, message string) {
			s.events.Emit(EventPluginError, map[string]any{"server": serverID, "error": message})
		},
	})

	s.mu.Lock()
	s.agent = a
	s.status = StatusConnected
	s.lastError = ""
	s.mu.Unlock()

	s.events.Emit(EventConnected, map[string]any{"model": a.Model(), "working_dir": s.workingDir})
}

// Disconnect tears down the agent and its plugin connections. History
// not saved to a session is gone; the rolling auto-save usually has it.
func (s *Service) Disconnect() {
	s.mu.Lock()
	a := s.agent
	s.agent = nil
	s.gateway = nil
	s.status = StatusDisconnected
	s.mu.Unlock()

	if a != nil {
		a.Close()
	}
	s.events.Emit(EventDisconnected, nil)
}

// SendMessage runs one conversation turn, converting agent callbacks
// into events. It blocks until the turn completes. A second call while
// one is in flight is rejected immediately and the running turn is
// unaffected.
func (s *Service) SendMessage(ctx context.Context, content string) (string, error) {
	s.mu.Lock()
	if s.agent == nil || s.status != StatusConnected {
		s.mu.Unlock()
		s.events.Emit(EventMessageError, map[string]any{"error": "not connected"})
		return "", ErrNotConnected
	}
	if s.processing {
		s.mu.Unlock()
		s.events.Emit(EventMessageError, map[string]any{"error": "already processing a message"})
		return "", ErrAlreadyProcessing
	}
	s.processing = true
	a := s.agent
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
	}()

	id := uuid.NewString()
	s.events.Emit(EventMessageStarted, map[string]any{"message_id": id, "content": content})

	var accumulated strings.Builder
	cb := agent.ProcessCallbacks{
		OnContent: func(chunk string) {
			accumulated.WriteString(chunk)
			s.events.Emit(EventMessageChunk, map[string]any{
				"message_id": id,
				"chunk":      chunk,
				"content":    accumulated.String(),
			})
		},
		OnToolCall: func(name, detail string) {
			s.events.Emit(EventToolCallStarted, map[string]any{
				"message_id": id,
				"tool":       name,
				"detail":     detail,
			})
		},
		OnToolResult: func(name, result string) {
			s.events.Emit(EventToolCallCompleted, map[string]any{
				"message_id": id,
				"tool":       name,
				"result":     result,
			})
		},
		OnWarning: func(warning string) {
			s.logger.Warn("agent warning", "warning", warning)
		},
	}

	thinking := a.Thinking()
	if thinking {
		s.events.Emit(EventThinkingStarted, map[string]any{"message_id": id})
	}
	response, err := a.ProcessUserInput(ctx, content, cb)
	if thinking {
		s.events.Emit(EventThinkingCompleted, map[string]any{"message_id": id})
	}

	if err != nil {
		s.events.Emit(EventMessageError, map[string]any{"message_id": id, "error": err.Error()})
		return "", err
	}

	s.events.Emit(EventTokensUpdated, intMap(a.TokenStats()))
	cost := a.CostStats()
	s.events.Emit(EventCostUpdated, map[string]any{
		"total_tokens":       cost.TotalTokens,
		"estimated_cost_usd": cost.EstimatedCostUSD,
	})
	s.events.Emit(EventMessageCompleted, map[string]any{"message_id": id, "content": response})
	return response, nil
}

// Confirm answers an outstanding confirmation request by id. It
// reports whether a request with that id was still waiting.
func (s *Service) Confirm(id string, approved bool) bool {
	s.mu.Lock()
	ch, ok := s.waiters[id]
	if ok {
		delete(s.waiters, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- approved
	return true
}

// eventConfirmer round-trips gate confirmations through the event
// stream: confirmation_needed out, Confirm back in, with a timeout
// counting as rejection.
type eventConfirmer struct{ s *Service }

func (p eventConfirmer) Ask(ctx context.Context, req agent.ConfirmationRequest) (bool, error) {
	s := p.s
	id := uuid.NewString()
	ch := make(chan bool, 1)

	pending := &PendingConfirmation{
		ID:        id,
		Tool:      req.Tool,
		Message:   "Allow " + req.Tool + "?",
		Detail:    req.Detail,
		Dangerous: req.Dangerous,
		Arguments: req.Arguments,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.waiters[id] = ch
	s.pending = pending
	timeout := s.confirmTimeout
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiters, id)
		if s.pending != nil && s.pending.ID == id {
			s.pending = nil
		}
		s.mu.Unlock()
	}()

	s.events.Emit(EventConfirmationNeeded, map[string]any{
		"id":        id,
		"tool":      req.Tool,
		"message":   pending.Message,
		"detail":    req.Detail,
		"dangerous": req.Dangerous,
		"arguments": req.Arguments,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case approved := <-ch:
		s.events.Emit(EventConfirmationReceived, map[string]any{"id": id, "approved": approved})
		return approved, nil
	case <-timer.C:
		s.logger.Warn("confirmation request expired", "id", id, "tool", req.Tool, "error", ErrConfirmationTimeout)
		s.events.Emit(EventConfirmationTimeout, map[string]any{"id": id, "tool": req.Tool})
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ExecuteTool runs a single tool outside a conversation turn, with
// tool_call events around it. Gated tools still go through the
// confirmation round-trip.
func (s *Service) ExecuteTool(ctx context.Context, name string, args map[string]any) (string, error) {
	a := s.Agent()
	if a == nil {
		return "", ErrNotConnected
	}

	id := uuid.NewString()
	cb := agent.ProcessCallbacks{
		OnToolCall: func(tool, detail string) {
			s.events.Emit(EventToolCallStarted, map[string]any{"call_id": id, "tool": tool, "detail": detail})
		},
	}
	result := a.ExecuteTool(ctx, name, args, cb)
	if strings.HasPrefix(result, "Error") || strings.HasPrefix(result, "Unknown tool:") {
		s.events.Emit(EventToolCallError, map[string]any{"call_id": id, "tool": name, "error": result})
		return "", errors.New("%s", result)
	}
	s.events.Emit(EventToolCallCompleted, map[string]any{"call_id": id, "tool": name, "result": result})
	return result, nil
}

// SetModel switches the conversation model.
func (s *Service) SetModel(model string) {
	if a := s.Agent(); a != nil {
		a.SetModel(model)
		s.events.Emit(EventModelChanged, map[string]any{"model": model})
	}
}

// SetAutoApprove toggles session auto-approve for ordinary mutations.
func (s *Service) SetAutoApprove(enabled bool) {
	if a := s.Agent(); a != nil {
		a.SetAutoApprove(enabled)
		s.events.Emit(EventStatusChanged, map[string]any{"auto_approve": enabled})
	}
}

// SetThinking toggles extended thinking mode.
func (s *Service) SetThinking(enabled bool) {
	if a := s.Agent(); a != nil {
		a.SetThinking(enabled)
		s.events.Emit(EventStatusChanged, map[string]any{"thinking": enabled})
	}
}

// SetStream toggles streaming responses.
func (s *Service) SetStream(enabled bool) {
	if a := s.Agent(); a != nil {
		a.SetStream(enabled)
		s.events.Emit(EventStatusChanged, map[string]any{"stream": enabled})
	}
}

// ClearHistory drops the conversation history.
func (s *Service) ClearHistory() {
	if a := s.Agent(); a != nil {
		a.ClearHistory()
		s.events.Emit(EventHistoryCleared, nil)
	}
}

// CompactHistory compacts the conversation history and returns the
// compactor's note.
func (s *Service) CompactHistory() (string, error) {
	a := s.Agent()
	if a == nil {
		return "", ErrNotConnected
	}
	return a.CompactHistory(), nil
}

// SaveSession persists the conversation under a name.
func (s *Service) SaveSession(name string) error {
	a := s.Agent()
	if a == nil {
		return ErrNotConnected
	}
	if err := a.SaveSession(name); err != nil {
		return err
	}
	s.events.Emit(EventSessionSaved, map[string]any{"name": name})
	return nil
}

// LoadSession replaces the conversation with a saved one.
func (s *Service) LoadSession(name string) error {
	a := s.Agent()
	if a == nil {
		return ErrNotConnected
	}
	n, err := a.LoadSession(name)
	if err != nil {
		return err
	}
	s.events.Emit(EventSessionLoaded, map[string]any{"name": name, "messages": n})
	return nil
}

// ListSessions lists saved sessions.
func (s *Service) ListSessions() []session.Summary {
	a := s.Agent()
	if a == nil {
		return nil
	}
	return a.ListSessions()
}

// ConnectPlugins connects every enabled plugin server from config and
// reports how many came up.
func (s *Service) ConnectPlugins(ctx context.Context) int {
	a := s.Agent()
	if a == nil {
		return 0
	}
	n := a.ConnectPlugins(ctx)
	st := a.Plugins().Status()
	s.events.Emit(EventPluginToolsUpdated, map[string]any{
		"connected_servers": st.ConnectedServers,
		"total_tools":       st.TotalTools,
	})
	return n
}

// ConnectGitHub connects the remote GitHub plugin server with a
// personal access token.
func (s *Service) ConnectGitHub(ctx context.Context, pat string, toolsets []string) error {
	a := s.Agent()
	if a == nil {
		return ErrNotConnected
	}
	if !mcp.ValidGitHubPAT(pat) {
		return errors.New("invalid GitHub personal access token")
	}

	s.events.Emit(EventPluginConnecting, map[string]any{"server": mcp.GitHubServerID})
	if !a.Plugins().Connect(ctx, mcp.GitHubRemoteConfig(pat, toolsets)) {
		return errors.New("GitHub MCP connection failed")
	}
	st := a.Plugins().Status()
	s.events.Emit(EventPluginToolsUpdated, map[string]any{
		"connected_servers": st.ConnectedServers,
		"total_tools":       st.TotalTools,
	})
	return nil
}

// DisconnectPlugin disconnects one plugin server.
func (s *Service) DisconnectPlugin(serverID string) {
	if a := s.Agent(); a != nil {
		a.Plugins().Disconnect(serverID)
	}
}

// PluginStatus snapshots the plugin connections.
func (s *Service) PluginStatus() mcp.Status {
	a := s.Agent()
	if a == nil {
		return mcp.Status{Servers: map[string]mcp.ServerStatus{}}
	}
	return a.Plugins().Status()
}

// State snapshots the service.
func (s *Service) State() State {
	s.mu.Lock()
	st := State{
		Connection: s.status,
		LastError:  s.lastError,
		WorkingDir: s.workingDir,
		Processing: s.processing,
	}
	if s.pending != nil {
		p := *s.pending
		if p.Arguments != nil {
			args := make(map[string]any, len(p.Arguments))
			for k, v := range p.Arguments {
				args[k] = v
			}
			p.Arguments = args
		}
		st.Pending = &p
	}
	a := s.agent
	s.mu.Unlock()

	if a != nil {
		st.Model = a.Model()
		st.Stream = a.Stream()
		st.AutoApprove = a.AutoApprove()
		st.Thinking = a.Thinking()
		st.Messages = a.History()
		tok := a.TokenStats()
		st.LastTokens = TokenUsage{Prompt: tok["last_prompt"], Completion: tok["last_completion"]}
		st.SessionTokens = TokenUsage{Prompt: tok["session_prompt"], Completion: tok["session_completion"]}
		st.SessionCost = a.CostStats().EstimatedCostUSD
	}
	return st
}

func (s *Service) setStatus(status ConnectionStatus, lastError string) {
	s.mu.Lock()
	s.status = status
	s.lastError = lastError
	s.mu.Unlock()
}

func intMap(m map[string]int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
