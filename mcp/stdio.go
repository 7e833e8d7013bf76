package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/circuitide/circuit/errors"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// StdioTransport runs a plugin server as a subprocess and talks to it
// over stdin/stdout. Protocol framing is delegated to the official SDK,
// so unlike HTTPTransport there is no raw Send surface here.
type StdioTransport struct {
	Logger *slog.Logger

	command []string
	env     map[string]string

	mu        sync.Mutex
	cmd       *exec.Cmd
	session   *mcpsdk.ClientSession
	connected bool
}

// NewStdioTransport prepares a subprocess transport. command holds the
// executable and its arguments; env entries are added on top of the
// parent environment.
func NewStdioTransport(command []string, env map[string]string) *StdioTransport {
	return &StdioTransport{command: command, env: env}
}

func (t *StdioTransport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// Connected reports whether the subprocess session is up.
func (t *StdioTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connect spawns the server process and completes the SDK handshake.
func (t *StdioTransport) Connect(ctx context.Context) (map[string]any, error) {
	if len(t.command) == 0 {
		return nil, &TransportError{Msg: "no command configured for stdio transport"}
	}

	cmd := exec.Command(t.command[0], t.command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range t.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: clientName, Version: clientVersion}, nil)
	session, err := client.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, &TransportError{Msg: fmt.Sprintf("failed to start plugin server: %v", err), Err: err}
	}

	t.mu.Lock()
	t.cmd = cmd
	t.session = session
	t.connected = true
	t.mu.Unlock()

	t.logger().Info("connected to MCP server", "command", t.command[0])
	return map[string]any{}, nil
}

// ListTools walks the server's tool pages and returns the descriptors in
// wire shape.
func (t *StdioTransport) ListTools(ctx context.Context) ([]map[string]any, error) {
	session, err := t.currentSession()
	if err != nil {
		return nil, err
	}

	var tools []map[string]any
	params := &mcpsdk.ListToolsParams{}
	for {
		page, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, &TransportError{Msg: fmt.Sprintf("Request failed: %v", err), Err: err}
		}
		for _, tool := range page.Tools {
			raw, err := toWireMap(tool)
			if err != nil {
				return nil, err
			}
			tools = append(tools, raw)
		}
		if page.NextCursor == "" {
			break
		}
		params.Cursor = page.NextCursor
	}
	return tools, nil
}

// CallTool invokes one tool and returns the raw result object.
func (t *StdioTransport) CallTool(ctx context.Context, name string, arguments map[string]any) (map[string]any, error) {
	session, err := t.currentSession()
	if err != nil {
		return nil, err
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return nil, &TransportError{Msg: fmt.Sprintf("Request failed: %v", err), Err: err}
	}
	return toWireMap(result)
}

// Close shuts the session down and terminates the subprocess.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = false
	if t.session != nil {
		t.session.Close()
		t.session = nil
	}
	if t.cmd != nil && t.cmd.Process != nil {
		t.logger().Info("terminating MCP server", "command", t.command[0])
		err := t.cmd.Process.Kill()
		t.cmd = nil
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	return nil
}

func (t *StdioTransport) currentSession() (*mcpsdk.ClientSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil, &TransportError{Msg: "not connected"}
	}
	return t.session, nil
}

// toWireMap round-trips an SDK value through JSON to recover the plain
// wire-format map the rest of the package works with.
func toWireMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &TransportError{Msg: fmt.Sprintf("Invalid JSON response: %v", err), Err: err}
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &TransportError{Msg: fmt.Sprintf("Invalid JSON response: %v", err), Err: err}
	}
	return out, nil
}
