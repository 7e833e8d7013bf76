// Package mcp connects the agent to external tool servers speaking the
// Model Context Protocol: JSON-RPC 2.0 over HTTP for remote servers,
// stdio subprocesses for local ones.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "Circuit IDE"
	clientVersion   = "1.0.0"
)

// Transport is one live server connection as the Manager drives it.
type Transport interface {
	// Connect performs the protocol handshake and returns the server's
	// initialize result. A connection that fails the handshake must
	// report Connected() false.
	Connect(ctx context.Context) (map[string]any, error)
	// ListTools returns the server's tool descriptors in wire shape
	// (name, description, inputSchema).
	ListTools(ctx context.Context) ([]map[string]any, error)
	// CallTool invokes one tool and returns the raw result object.
	CallTool(ctx context.Context, name string, arguments map[string]any) (map[string]any, error)
	Close() error
	Connected() bool
}

// HTTPTransport speaks JSON-RPC 2.0 to a remote plugin server over HTTP
// POST. Request ids increment locally; notifications carry no id. A
// session token handed back in the Mcp-Session-Id response header is
// echoed on every later request. The transport never retries; retry
// policy belongs to the caller.
type HTTPTransport struct {
	URL    string
	Logger *slog.Logger

	authToken string
	client    *http.Client

	mu         sync.Mutex
	requestID  int
	sessionID  string
	connected  bool
	serverInfo map[string]any
}

// NewHTTPTransport builds a transport for one server URL. The auth token
// may be empty for unauthenticated servers.
func NewHTTPTransport(url, authToken string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		URL:       strings.TrimRight(url, "/"),
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// Connected reports whether the initialize handshake has completed.
func (t *HTTPTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// ServerInfo returns the initialize result from the server, or nil when
// not connected.
func (t *HTTPTransport) ServerInfo() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.serverInfo
}

// Connect initializes the session: an initialize request followed by the
// initialized notification. The transport counts as connected only after
// both steps succeed.
func (t *HTTPTransport) Connect(ctx context.Context) (map[string]any, error) {
	result, err := t.Send(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"roots":    map[string]any{"listChanged": true},
			"sampling": map[string]any{},
		},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := t.notify(ctx, "notifications/initialized", map[string]any{}); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.serverInfo = result
	t.connected = true
	t.mu.Unlock()

	t.logger().Info("connected to MCP server", "url", t.URL)
	return result, nil
}

// Send issues a JSON-RPC request and returns the result object. Failures
// are a *TransportError (network, non-2xx status, non-JSON body) or a
// *RPCError (error object in the response).
func (t *HTTPTransport) Send(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"id":      t.nextID(),
	}
	if params != nil {
		payload["params"] = params
	}

	resp, err := t.post(ctx, payload)
	if err != nil {
		return nil, &TransportError{Msg: fmt.Sprintf("Request failed: %v", err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &TransportError{Msg: fmt.Sprintf("HTTP error: %d", resp.StatusCode)}
	}

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Msg: fmt.Sprintf("Request failed: %v", err), Err: err}
	}

	var parsed struct {
		Result map[string]any `json:"result"`
		Error  map[string]any `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &TransportError{Msg: fmt.Sprintf("Invalid JSON response: %v", err), Err: err}
	}
	if len(parsed.Error) > 0 {
		return nil, rpcErrorFrom(parsed.Error)
	}
	return parsed.Result, nil
}

// Notify sends a fire-and-forget notification. Delivery failures are
// logged, never returned.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params map[string]any) {
	if err := t.notify(ctx, method, params); err != nil {
		t.logger().Warn("notification failed", "method", method, "error", err)
	}
}

func (t *HTTPTransport) notify(ctx context.Context, method string, params map[string]any) error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
	}
	if params != nil {
		payload["params"] = params
	}

	resp, err := t.post(ctx, payload)
	if err != nil {
		return &TransportError{Msg: fmt.Sprintf("Request failed: %v", err), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &TransportError{Msg: fmt.Sprintf("HTTP error: %d", resp.StatusCode)}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// ListTools fetches the server's tool catalog.
func (t *HTTPTransport) ListTools(ctx context.Context) ([]map[string]any, error) {
	result, err := t.Send(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	raw, _ := result["tools"].([]any)
	tools := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if tool, ok := item.(map[string]any); ok {
			tools = append(tools, tool)
		}
	}
	return tools, nil
}

// CallTool invokes one tool on the server.
func (t *HTTPTransport) CallTool(ctx context.Context, name string, arguments map[string]any) (map[string]any, error) {
	return t.Send(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
}

// Close drops the session. The transport can be reconnected afterwards.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.sessionID = ""
	t.serverInfo = nil
	t.mu.Unlock()

	t.client.CloseIdleConnections()
	t.logger().Info("MCP transport closed", "url", t.URL)
	return nil
}

func (t *HTTPTransport) nextID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requestID++
	return t.requestID
}

func (t *HTTPTransport) post(ctx context.Context, payload map[string]any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}
	t.mu.Lock()
	sid := t.sessionID
	t.mu.Unlock()
	if sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}
	return t.client.Do(req)
}

// rpcErrorFrom builds an RPCError from the wire error object, keeping
// the server's defaults when fields are missing.
func rpcErrorFrom(obj map[string]any) *RPCError {
	e := &RPCError{Code: -1, Message: "Unknown error", Data: obj["data"]}
	if code, ok := obj["code"].(float64); ok {
		e.Code = int(code)
	}
	if msg, ok := obj["message"].(string); ok {
		e.Message = msg
	}
	return e
}
