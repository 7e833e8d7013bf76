package mcp

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/circuitide/circuit/config"
	"github.com/circuitide/circuit/errors"
)

// defaultTimeout is the per-request timeout when the server config does
// not set one, in seconds.
const defaultTimeout = 30

// Callbacks notify the embedding UI about connection lifecycle changes.
// Unset fields are skipped.
type Callbacks struct {
	OnConnected    func(serverID string, toolCount int)
	OnDisconnected func(serverID string)
	OnError        func(serverID string, message string)
}

// connection is one live server with its filtered tool catalog.
type connection struct {
	config     config.MCPServer
	transport  Transport
	tools      []map[string]any
	serverInfo map[string]any
}

// Manager owns the connections to all configured plugin servers, routes
// tool calls to the right one, and aggregates their catalogs.
//
// Every discovered tool is registered under two names: the scoped
// "mcp_<serverId>_<toolName>" which is always unambiguous, and the bare
// tool name as a convenience. When two servers expose the same bare
// name, the later connection shadows the earlier one; scoped names are
// unaffected.
type Manager struct {
	logger    *slog.Logger
	callbacks Callbacks

	mu          sync.Mutex
	connections map[string]*connection
	toolServer  map[string]string
	order       []string
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:      logger,
		connections: make(map[string]*connection),
		toolServer:  make(map[string]string),
	}
}

// SetCallbacks installs lifecycle callbacks. Call before Connect.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.callbacks = cb
}

// Connect establishes a connection to one configured server, discovers
// its tools, and registers them. Disabled servers are skipped silently.
// Connecting to an already-connected id is a no-op success. Failures are
// reported through the OnError callback and return false.
func (m *Manager) Connect(ctx context.Context, cfg config.MCPServer) bool {
	if !cfg.IsEnabled() {
		m.logger.Debug("server disabled, skipping", "server", cfg.ID)
		return false
	}

	m.mu.Lock()
	_, exists := m.connections[cfg.ID]
	m.mu.Unlock()
	if exists {
		m.logger.Warn("already connected", "server", cfg.ID)
		return true
	}

	transport, err := m.newTransport(cfg)
	if err != nil {
		m.fail(cfg.ID, err)
		return false
	}

	serverInfo, err := transport.Connect(ctx)
	if err != nil {
		m.fail(cfg.ID, err)
		return false
	}

	rawTools, err := transport.ListTools(ctx)
	if err != nil {
		transport.Close()
		m.fail(cfg.ID, err)
		return false
	}

	filtered := FilterByToolsets(rawTools, cfg.Toolsets)

	m.mu.Lock()
	if _, exists := m.connections[cfg.ID]; exists {
		m.mu.Unlock()
		transport.Close()
		return true
	}
	m.connections[cfg.ID] = &connection{
		config:     cfg,
		transport:  transport,
		tools:      filtered,
		serverInfo: serverInfo,
	}
	m.order = append(m.order, cfg.ID)
	for _, tool := range filtered {
		name, _ := tool["name"].(string)
		if name == "" {
			continue
		}
		m.toolServer["mcp_"+cfg.ID+"_"+name] = cfg.ID
		m.toolServer[name] = cfg.ID
	}
	m.mu.Unlock()

	m.logger.Info("connected to MCP server",
		"server", cfg.ID, "name", cfg.Name, "tools", len(filtered))
	if m.callbacks.OnConnected != nil {
		m.callbacks.OnConnected(cfg.ID, len(filtered))
	}
	return true
}

func (m *Manager) newTransport(cfg config.MCPServer) (Transport, error) {
	switch cfg.Transport {
	case "", "http":
		if cfg.URL == "" {
			return nil, errors.New("URL required for HTTP transport")
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		t := NewHTTPTransport(cfg.URL, cfg.AuthToken, time.Duration(timeout)*time.Second)
		t.Logger = m.logger
		return t, nil
	case "stdio":
		if len(cfg.Command) == 0 {
			return nil, errors.New("command required for stdio transport")
		}
		t := NewStdioTransport(cfg.Command, cfg.Env)
		t.Logger = m.logger
		return t, nil
	default:
		return nil, errors.New("Unsupported transport: %s", cfg.Transport)
	}
}

func (m *Manager) fail(serverID string, err error) {
	m.logger.Error("MCP server connection failed", "server", serverID, "error", err)
	if m.callbacks.OnError != nil {
		m.callbacks.OnError(serverID, err.Error())
	}
}

// Disconnect drops one server and removes its tool registrations.
func (m *Manager) Disconnect(serverID string) {
	m.mu.Lock()
	conn, ok := m.connections[serverID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.connections, serverID)
	for name, sid := range m.toolServer {
		if sid == serverID {
			delete(m.toolServer, name)
		}
	}
	for i, id := range m.order {
		if id == serverID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if err := conn.transport.Close(); err != nil {
		m.logger.Warn("error closing transport", "server", serverID, "error", err)
	}
	m.logger.Info("disconnected from MCP server", "server", serverID)
	if m.callbacks.OnDisconnected != nil {
		m.callbacks.OnDisconnected(serverID)
	}
}

// DisconnectAll drops every connected server.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
}

// IsConnected reports whether a server id has a live connection.
func (m *Manager) IsConnected(serverID string) bool {
	m.mu.Lock()
	conn, ok := m.connections[serverID]
	m.mu.Unlock()
	return ok && conn.transport.Connected()
}

// ListTools returns every tool from every connected server, in
// connection order. Format "openai" yields function-calling definitions
// under scoped names; any other format yields the raw descriptors
// annotated with a "_server_id" key.
func (m *Manager) ListTools(format string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []map[string]any
	for _, serverID := range m.order {
		conn := m.connections[serverID]
		for _, tool := range conn.tools {
			name, _ := tool["name"].(string)
			if format == "openai" {
				wire := ToolToWire(tool)
				fn := wire["function"].(map[string]any)
				fn["name"] = "mcp_" + serverID + "_" + name
				all = append(all, wire)
			} else {
				raw := make(map[string]any, len(tool)+1)
				for k, v := range tool {
					raw[k] = v
				}
				raw["_server_id"] = serverID
				all = append(all, raw)
			}
		}
	}
	return all
}

// HasTool reports whether any connected server provides the tool, under
// either its scoped or bare name.
func (m *Manager) HasTool(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.toolServer[name]
	return ok
}

// ToolServer returns the id of the server providing a tool.
func (m *Manager) ToolServer(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.toolServer[name]
	return sid, ok
}

// ExecuteTool routes a tool call to its owning server. Scoped names
// resolve directly; bare names go through the convenience map. The
// returned map is the server's raw tools/call result.
func (m *Manager) ExecuteTool(ctx context.Context, toolName string, arguments map[string]any) (map[string]any, error) {
	original := toolName
	serverID := ""
	if strings.HasPrefix(toolName, "mcp_") {
		parts := strings.SplitN(toolName, "_", 3)
		if len(parts) == 3 {
			serverID = parts[1]
			toolName = parts[2]
		}
	}

	m.mu.Lock()
	if serverID == "" {
		serverID = m.toolServer[toolName]
	}
	conn := m.connections[serverID]
	m.mu.Unlock()

	if serverID == "" {
		return nil, &ToolNotFoundError{Name: original}
	}
	if conn == nil {
		return nil, &ServerNotConnectedError{ServerID: serverID}
	}

	m.logger.Info("executing MCP tool", "tool", toolName, "server", serverID)
	return conn.transport.CallTool(ctx, toolName, arguments)
}

// ServerStatus describes one connection for status displays.
type ServerStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
}

// Status is a point-in-time snapshot of all connections.
type Status struct {
	ConnectedServers int                     `json:"connected_servers"`
	TotalTools       int                     `json:"total_tools"`
	Servers          map[string]ServerStatus `json:"servers"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		ConnectedServers: len(m.connections),
		Servers:          make(map[string]ServerStatus, len(m.connections)),
	}
	for id, conn := range m.connections {
		st.TotalTools += len(conn.tools)
		st.Servers[id] = ServerStatus{
			Name:      conn.config.Name,
			Connected: conn.transport.Connected(),
			ToolCount: len(conn.tools),
		}
	}
	return st
}
