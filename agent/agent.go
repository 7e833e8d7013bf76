package agent

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/circuitide/circuit/config"
	"github.com/circuitide/circuit/errors"
	"github.com/circuitide/circuit/llm"
	"github.com/circuitide/circuit/mcp"
	"github.com/circuitide/circuit/memory"
	"github.com/circuitide/circuit/security"
	"github.com/circuitide/circuit/session"
	"github.com/circuitide/circuit/tools"
)

// maxIterationsNotice closes a turn that hit the iteration ceiling.
const maxIterationsNotice = "Maximum iterations reached. Please try a simpler request."

// Options configure a new Agent. Client is required; everything else
// falls back to a sensible default.
type Options struct {
	Config     *config.Config
	Client     llm.Client
	WorkingDir string
	Logger     *slog.Logger

	// Confirm answers confirmation requests from gated tools. With no
	// provider installed, every gated action is denied.
	Confirm ConfirmationProvider

	// SessionDir and AuditDir override the storage locations, which
	// default to the user config directory.
	SessionDir string
	AuditDir   string

	// DisableAudit turns the audit trail off entirely.
	DisableAudit bool
}

// Agent owns one conversation: the durable history, the tool surface,
// and the model client. One ProcessUserInput runs at a time; settings
// and history accessors are safe from other goroutines.
type Agent struct {
	cfg       *config.Config
	client    llm.Client
	toolset   *tools.Toolset
	plugins   *mcp.Manager
	store     *session.Store
	audit     *security.AuditLogger
	costs     *security.CostTracker
	optimizer *memory.Optimizer
	compactor *memory.Compactor
	logger    *slog.Logger

	workingDir    string
	githubEnabled bool
	maxIterations int

	mu          sync.Mutex
	prompt      string
	history     []session.Message
	model       string
	stream      bool
	autoApprove bool
	thinking    bool
	confirm     ConfirmationProvider
	autoName    string

	lastPrompt        int
	lastCompletion    int
	sessionPrompt     int
	sessionCompletion int
}

// New builds an agent rooted at opts.WorkingDir.
func New(opts Options) *Agent {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir = "."
	}
	if abs, err := filepath.Abs(workingDir); err == nil {
		workingDir = abs
	}

	var github *tools.GitHubTools
	if cfg.GitHubPAT != "" {
		github = &tools.GitHubTools{PAT: cfg.GitHubPAT}
	}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 25
	}

	var audit *security.AuditLogger
	if !opts.DisableAudit {
		audit = security.NewAuditLogger(opts.AuditDir)
	}

	a := &Agent{
		cfg:     cfg,
		client:  opts.Client,
		toolset: tools.NewToolset(workingDir, github),
		plugins: mcp.NewManager(logger),
		store:   session.NewStore(opts.SessionDir),
		audit:   audit,
		costs:   security.NewCostTracker(),
		optimizer: memory.NewOptimizer(memory.Options{
			MaxTokens: cfg.Context.MaxTokens,
			Reserve:   cfg.Context.ReserveTokens,
		}),
		compactor: memory.NewCompactor(),
		logger:    logger,

		workingDir:    workingDir,
		githubEnabled: github != nil,
		maxIterations: maxIterations,

		model:       cfg.Model,
		stream:      cfg.Stream,
		autoApprove: cfg.AutoApprove,
		thinking:    cfg.Thinking,
		confirm:     opts.Confirm,
	}
	a.prompt = systemPrompt(workingDir, a.githubEnabled, a.thinking)
	return a
}

// ProcessUserInput runs one full turn: send the user message, execute
// any tool calls the model issues, and repeat until the model answers
// in plain text or the iteration ceiling is hit. The returned string is
// the assistant's final answer.
//
// The user message lands in the durable history only after the first
// successful API call, so a failed request leaves the history
// untouched. Tool transcripts stay in the request scratch; the durable
// history records a compact "[Used tools: ...]" marker instead.
func (a *Agent) ProcessUserInput(ctx context.Context, userInput string, cb ProcessCallbacks) (string, error) {
	a.audit.LogUserInput(userInput)

	a.mu.Lock()
	scratch := make([]session.Message, 0, len(a.history)+2)
	scratch = append(scratch, session.Message{Role: "system", Content: a.prompt})
	scratch = append(scratch, session.CloneHistory(a.history)...)
	scratch = append(scratch, session.Message{Role: "user", Content: userInput})
	model := a.model
	stream := a.stream
	a.lastPrompt, a.lastCompletion = 0, 0
	a.mu.Unlock()

	userAdded := false
	accumulated := ""

	for iteration := 1; iteration <= a.maxIterations; iteration++ {
		if a.optimizer.NeedsOptimization(scratch) {
			var stats memory.Stats
			scratch, stats = a.optimizer.Optimize(scratch)
			a.logger.Debug("context optimized",
				"tokens_saved", stats.TokensSaved,
				"messages", stats.FinalMessages)
		}

		resp, err := a.client.Chat(ctx, llm.Request{
			Model:     model,
			Messages:  scratch,
			Tools:     a.toolCatalog(),
			Stream:    stream,
			OnContent: cb.OnContent,
		})
		if err != nil {
			a.audit.LogError("api_call", err.Error(), map[string]any{
				"model":     model,
				"iteration": iteration,
			})
			return accumulated, errors.Wrap(err, "chat request failed")
		}

		a.recordUsage(model, resp.PromptTokens, resp.CompletionTokens)

		if !userAdded {
			a.appendHistory(session.Message{Role: "user", Content: userInput})
			userAdded = true
		}

		accumulated += resp.Content

		if !resp.HasToolCalls() {
			if accumulated != "" {
				a.appendHistory(session.Message{Role: "assistant", Content: accumulated})
			}
			a.autoSave(cb)
			return accumulated, nil
		}

		calls := resp.ToolCallsPayload()
		scratch = append(scratch, session.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: calls,
		})

		results := a.dispatchBatch(ctx, calls, cb)
		names := make([]string, len(calls))
		for i, call := range calls {
			names[i] = call.Function.Name
			scratch = append(scratch, session.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    results[i],
			})
		}

		a.appendHistory(session.Message{
			Role:    "assistant",
			Content: "[Used tools: " + strings.Join(names, ", ") + "]",
		})
		cb.content("\n")
	}

	if accumulated != "" {
		accumulated += "\n\n"
	}
	accumulated += maxIterationsNotice
	a.appendHistory(session.Message{Role: "assistant", Content: accumulated})
	a.autoSave(cb)
	return accumulated, nil
}

// toolCatalog merges local tool definitions with whatever the plugin
// servers expose right now. Re-read before every request so
// mid-conversation plugin changes are visible to the model.
func (a *Agent) toolCatalog() []map[string]any {
	defs := a.toolset.Registry.Definitions()
	return append(defs, a.plugins.ListTools("openai")...)
}

func (a *Agent) recordUsage(model string, prompt, completion int) {
	a.mu.Lock()
	a.lastPrompt += prompt
	a.lastCompletion += completion
	a.sessionPrompt += prompt
	a.sessionCompletion += completion
	a.mu.Unlock()

	a.costs.Track(model, prompt, completion)
	a.audit.LogAPICall(model, prompt, completion)
}

func (a *Agent) appendHistory(msg session.Message) {
	a.mu.Lock()
	a.history = append(a.history, msg)
	a.mu.Unlock()
}

// autoSave persists the running conversation after each completed turn
// under one rolling per-conversation name.
func (a *Agent) autoSave(cb ProcessCallbacks) {
	a.mu.Lock()
	name := a.autoName
	a.mu.Unlock()

	if name == "" {
		saved, err := a.store.AutoSave(a.envelope(""))
		if err != nil {
			cb.warning("Failed to autosave session: " + err.Error())
			return
		}
		a.mu.Lock()
		a.autoName = saved
		a.mu.Unlock()
		return
	}

	env := a.envelope(name)
	env.Metadata = map[string]any{"auto_saved": true}
	if err := a.store.Save(env); err != nil {
		cb.warning("Failed to autosave session: " + err.Error())
	}
}

func (a *Agent) envelope(name string) *session.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &session.Envelope{
		Name:        name,
		Model:       a.model,
		WorkingDir:  a.workingDir,
		AutoApprove: a.autoApprove,
		History:     session.CloneHistory(a.history),
	}
}

// ConnectPlugins connects every enabled plugin server from the config.
// Returns how many connected.
func (a *Agent) ConnectPlugins(ctx context.Context) int {
	connected := 0
	for _, srv := range a.cfg.MCPServers {
		if !srv.IsEnabled() {
			continue
		}
		if a.plugins.Connect(ctx, srv) {
			connected++
		}
	}
	return connected
}

// Close disconnects all plugin servers.
func (a *Agent) Close() {
	a.plugins.DisconnectAll()
}

func (a *Agent) WorkingDir() string { return a.workingDir }

// Plugins exposes the plugin manager for status display and manual
// connect or disconnect.
func (a *Agent) Plugins() *mcp.Manager { return a.plugins }

// ToolNames lists every tool the model can currently call.
func (a *Agent) ToolNames() []string {
	names := a.toolset.Registry.Names()
	for _, def := range a.plugins.ListTools("openai") {
		if fn, ok := def["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

func (a *Agent) Model() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model
}

func (a *Agent) SetModel(model string) {
	a.mu.Lock()
	a.model = model
	a.mu.Unlock()
}

func (a *Agent) Stream() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream
}

func (a *Agent) SetStream(enabled bool) {
	a.mu.Lock()
	a.stream = enabled
	a.mu.Unlock()
}

func (a *Agent) AutoApprove() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.autoApprove
}

func (a *Agent) SetAutoApprove(enabled bool) {
	a.mu.Lock()
	a.autoApprove = enabled
	a.mu.Unlock()
}

func (a *Agent) Thinking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.thinking
}

// SetThinking toggles extended thinking and rebuilds the system prompt
// to match.
func (a *Agent) SetThinking(enabled bool) {
	a.mu.Lock()
	a.thinking = enabled
	a.prompt = systemPrompt(a.workingDir, a.githubEnabled, enabled)
	a.mu.Unlock()
}

func (a *Agent) SetConfirmationProvider(p ConfirmationProvider) {
	a.mu.Lock()
	a.confirm = p
	a.mu.Unlock()
}

// History returns a deep copy of the durable conversation history.
func (a *Agent) History() []session.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return session.CloneHistory(a.history)
}

func (a *Agent) ClearHistory() {
	a.mu.Lock()
	a.history = nil
	a.mu.Unlock()
}

// TokenStats reports token usage for the last turn and the session.
func (a *Agent) TokenStats() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]int{
		"last_prompt":        a.lastPrompt,
		"last_completion":    a.lastCompletion,
		"last_total":         a.lastPrompt + a.lastCompletion,
		"session_prompt":     a.sessionPrompt,
		"session_completion": a.sessionCompletion,
		"session_total":      a.sessionPrompt + a.sessionCompletion,
	}
}

// CostStats reports the estimated API spend for the session.
func (a *Agent) CostStats() security.CostStats { return a.costs.Stats() }

// CostReport formats the session spend for display.
func (a *Agent) CostReport() string { return a.costs.FormatStats() }

// AuditStats reports the audit trail for the current session, or a zero
// value when auditing is off.
func (a *Agent) AuditStats() security.AuditStats { return a.audit.Stats() }

// UndoLast restores the most recently modified file from its backup.
func (a *Agent) UndoLast() (string, error) {
	path := a.toolset.Backups.LastModified()
	if path == "" {
		return "", errors.New("no file modifications to undo")
	}
	return a.toolset.Backups.Restore(path)
}

// LastModified reports the most recently changed file, or "" when
// nothing has been modified this session.
func (a *Agent) LastModified() string {
	return a.toolset.Backups.LastModified()
}

// RestoreFile restores a specific file from its most recent backup.
func (a *Agent) RestoreFile(path string) (string, error) {
	return a.toolset.Backups.Restore(path)
}

// ModifiedFiles maps each file changed this session to its backup count.
func (a *Agent) ModifiedFiles() map[string]int {
	return a.toolset.Backups.ListBackups()
}

// AuditRecent returns the last count entries of the session audit log.
func (a *Agent) AuditRecent(count int) []security.AuditEntry {
	return a.audit.RecentEntries(count)
}

// SaveSession persists the conversation under the given name.
func (a *Agent) SaveSession(name string) error {
	return a.store.Save(a.envelope(name))
}

// LoadSession replaces the conversation with a stored one, adopting its
// model and auto-approve setting. Returns the message count.
func (a *Agent) LoadSession(name string) (int, error) {
	env, err := a.store.Load(name)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	a.history = env.History
	if env.Model != "" {
		a.model = env.Model
	}
	a.autoApprove = env.AutoApprove
	n := len(a.history)
	a.mu.Unlock()
	return n, nil
}

// ListSessions lists stored sessions, newest first.
func (a *Agent) ListSessions() []session.Summary {
	return a.store.List()
}

// DeleteSession removes a stored session.
func (a *Agent) DeleteSession(name string) error {
	return a.store.Delete(name)
}

// Resume loads the most recent session saved from this working
// directory. Returns its name and whether one was found.
func (a *Agent) Resume() (string, bool) {
	env := a.store.Latest(a.workingDir)
	if env == nil {
		return "", false
	}

	a.mu.Lock()
	a.history = env.History
	if env.Model != "" {
		a.model = env.Model
	}
	a.autoApprove = env.AutoApprove
	a.mu.Unlock()
	return env.Name, true
}

// CompactHistory rewrites a long history into one summary message plus
// the recent tail. Returns a note describing what happened.
func (a *Agent) CompactHistory() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.compactor.NeedsCompaction(a.history) {
		return "History doesn't need compaction yet"
	}
	var note string
	a.history, note = a.compactor.Compact(a.history, nil)
	return note
}

// CompactionReport sizes up the current history against the compaction
// policy.
func (a *Agent) CompactionReport() memory.CompactionStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.compactor.Report(a.history)
}
