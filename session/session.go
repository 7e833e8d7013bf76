package session

import "encoding/json"

// Message is one entry in a conversation history, in the chat-completions
// wire shape shared by the LLM client, the context optimizer, and the
// session store.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is an assistant-requested tool invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its raw JSON argument string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ParsedArguments decodes the raw argument string into a map. Malformed
// JSON degrades to an empty map so the tool reports its own
// missing-argument error instead of the loop aborting.
func (f FunctionCall) ParsedArguments() map[string]any {
	if f.Arguments == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(f.Arguments), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// ToolNames returns the names of all calls on the message.
func (m Message) ToolNames() []string {
	names := make([]string, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		names = append(names, tc.Function.Name)
	}
	return names
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	return out
}

// CloneHistory deep-copies a message slice.
func CloneHistory(history []Message) []Message {
	out := make([]Message, len(history))
	for i, m := range history {
		out[i] = m.Clone()
	}
	return out
}
