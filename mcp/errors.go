package mcp

import "fmt"

// TransportError reports a failure below the JSON-RPC layer: the server
// could not be reached, returned a non-2xx status, or sent a body that
// is not JSON.
type TransportError struct {
	Msg string
	Err error
}

func (e *TransportError) Error() string { return e.Msg }

func (e *TransportError) Unwrap() error { return e.Err }

// RPCError is a JSON-RPC error object returned by a plugin server in an
// otherwise well-formed response.
type RPCError struct {
	Code    int
	Message string
	Data    any
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("MCP RPC Error %d: %s", e.Code, e.Message)
}

// ToolNotFoundError means no connected server provides the named tool.
// Name keeps the name as the caller supplied it, prefix included.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return "Tool not found: " + e.Name
}

// ServerNotConnectedError means the tool resolved to a server that is no
// longer connected.
type ServerNotConnectedError struct {
	ServerID string
}

func (e *ServerNotConnectedError) Error() string {
	return "Server not connected: " + e.ServerID
}
