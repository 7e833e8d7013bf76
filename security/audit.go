package security

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/circuitide/circuit/config"
)

// AuditEntry is one line of a session audit log.
type AuditEntry struct {
	Timestamp string         `json:"timestamp"`
	Session   string         `json:"session"`
	Action    string         `json:"action"`
	Success   bool           `json:"success"`
	Details   map[string]any `json:"details"`
}

// AuditStats summarizes the current session's log.
type AuditStats struct {
	SessionID    string
	LogFile      string
	Entries      int
	ActionCounts map[string]int
}

// SessionInfo describes one audit log file on disk.
type SessionInfo struct {
	SessionID string
	File      string
	SizeKB    float64
	Modified  time.Time
}

// AuditLogger appends one JSON line per action to a per-session file.
// String values in entry details are redacted before writing, and a
// failed write never surfaces: audit logging must not break the agent.
// A nil *AuditLogger is valid and records nothing.
type AuditLogger struct {
	mu       sync.Mutex
	detector *Detector
	dir      string
	session  string
	path     string
	count    int
}

// NewAuditLogger creates a logger writing under dir, or under
// <config dir>/audit when dir is empty.
func NewAuditLogger(dir string) *AuditLogger {
	if dir == "" {
		dir = filepath.Join(config.Dir(), "audit")
	}
	_ = os.MkdirAll(dir, 0o700)
	session := time.Now().Format("20060102-150405")
	return &AuditLogger{
		detector: NewDetector(),
		dir:      dir,
		session:  session,
		path:     filepath.Join(dir, "session-"+session+".jsonl"),
	}
}

func (l *AuditLogger) log(action string, details map[string]any, success bool) {
	if l == nil {
		return
	}
	entry := AuditEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Session:   l.session,
		Action:    action,
		Success:   success,
		Details:   details,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return
	}
	l.count++
}

// redactValue strips secrets from strings, recursing into maps and
// slices produced by JSON decoding.
func (l *AuditLogger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		redacted, _ := l.detector.Redact(val)
		return redacted
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = l.redactValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = l.redactValue(inner)
		}
		return out
	default:
		return v
	}
}

// LogToolCall records a tool invocation with redacted arguments and a
// redacted 500 character result preview.
func (l *AuditLogger) LogToolCall(tool string, args map[string]any, result string, success bool) {
	if l == nil {
		return
	}
	if args == nil {
		args = map[string]any{}
	}
	if len(result) > 500 {
		result = result[:500] + "..."
	}
	result, _ = l.detector.Redact(result)
	l.log("tool_call", map[string]any{
		"tool":           tool,
		"args":           l.redactValue(args),
		"result_preview": result,
	}, success)
}

// LogAPICall records one model request with its token usage.
func (l *AuditLogger) LogAPICall(model string, promptTokens, completionTokens int) {
	l.log("api_call", map[string]any{
		"model":             model,
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
	}, true)
}

// LogUserInput records a 100 character preview of what the user typed.
func (l *AuditLogger) LogUserInput(input string) {
	if len(input) > 100 {
		input = input[:100] + "..."
	}
	l.log("user_input", map[string]any{"preview": input}, true)
}

// LogFileOperation records a read, write or edit of a path.
func (l *AuditLogger) LogFileOperation(operation, path string, success bool) {
	l.log("file_operation", map[string]any{
		"operation": operation,
		"path":      path,
	}, success)
}

// LogError records a failure with optional context.
func (l *AuditLogger) LogError(errorType, message string, context map[string]any) {
	if context == nil {
		context = map[string]any{}
	}
	l.log("error", map[string]any{
		"error_type": errorType,
		"message":    message,
		"context":    context,
	}, false)
}

// Stats reports entry counts for the current session.
func (l *AuditLogger) Stats() AuditStats {
	if l == nil {
		return AuditStats{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := AuditStats{
		SessionID: l.session,
		LogFile:   l.path,
		Entries:   l.count,
	}
	f, err := os.Open(l.path)
	if err != nil {
		return stats
	}
	defer f.Close()

	counts := map[string]int{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		action := entry.Action
		if action == "" {
			action = "unknown"
		}
		counts[action]++
	}
	stats.ActionCounts = counts
	return stats
}

// RecentEntries returns up to count entries from the end of the
// current session's log.
func (l *AuditLogger) RecentEntries(count int) []AuditEntry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) > count {
		entries = entries[len(entries)-count:]
	}
	return entries
}

// ListSessions returns the most recent audit sessions, newest first.
func (l *AuditLogger) ListSessions(limit int) []SessionInfo {
	if l == nil {
		return nil
	}
	paths, err := filepath.Glob(filepath.Join(l.dir, "session-*.jsonl"))
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	if len(paths) > limit {
		paths = paths[:limit]
	}

	var sessions []SessionInfo
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(filepath.Base(p), ".jsonl")
		id = strings.TrimPrefix(id, "session-")
		sessions = append(sessions, SessionInfo{
			SessionID: id,
			File:      p,
			SizeKB:    float64(info.Size()) / 1024,
			Modified:  info.ModTime(),
		})
	}
	return sessions
}
