// Package acp serves the Agent Client Protocol so editors can drive
// Circuit over newline-delimited JSON-RPC on stdio.
//
// Supported methods: initialize, session/new, session/load,
// session/prompt, and the session/cancel notification. A running
// prompt streams session/update notifications: agent_message_chunk for
// visible text, agent_thought_chunk for <thinking> sections, tool_call
// and tool_result around each execution. Gated tool actions become
// session/request_permission requests to the client; the selected
// option decides whether the action runs.
//
// The server never writes anything but JSON-RPC frames to its output
// stream. Diagnostics go to the slog logger, which callers must point
// somewhere else, usually stderr or a file.
package acp
