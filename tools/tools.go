package tools

import (
	"context"
	"sort"
)

// Result is the outcome of one tool execution. A result either completed
// with output for the model, or signals that the action needs user
// confirmation before it can run.
type Result struct {
	Output            string
	NeedsConfirmation bool
	Action            string
}

// Completed builds a finished result.
func Completed(output string) Result {
	return Result{Output: output}
}

// NeedsConfirmation builds a result asking for confirmation of the named
// action. The caller re-executes with confirmed=true after approval.
func NeedsConfirmation(action string) Result {
	return Result{NeedsConfirmation: true, Action: action}
}

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema of the tool's arguments.
	Parameters() map[string]any
	// ReadOnly reports whether the tool can run without confirmation
	// and concurrently with other read-only tools.
	ReadOnly() bool
	Execute(ctx context.Context, args map[string]any, confirmed bool) (Result, error)
}

// Registry holds all available local tools in registration order.
type Registry struct {
	order []string
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions returns the function-calling wire definitions of every
// registered tool, in registration order.
func (r *Registry) Definitions() []map[string]any {
	defs := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, WireDefinition(t.Name(), t.Description(), t.Parameters()))
	}
	return defs
}

// WireDefinition wraps one tool descriptor in the function-calling wire
// shape. Every registration path, local or plugin, goes through here so
// the wire format is built in exactly one place.
func WireDefinition(name, description string, parameters map[string]any) map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        name,
			"description": description,
			"parameters":  parameters,
		},
	}
}

// ReadOnlyNames returns the sorted names of all read-only tools.
func (r *Registry) ReadOnlyNames() []string {
	var out []string
	for name, t := range r.tools {
		if t.ReadOnly() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// FuncTool adapts a function into a Tool. Used for tool families that
// share one transport, like the GitHub API tools.
type FuncTool struct {
	ToolName string
	Desc     string
	Schema   map[string]any
	Mutating bool
	Fn       func(ctx context.Context, args map[string]any, confirmed bool) (Result, error)
}

func (t *FuncTool) Name() string               { return t.ToolName }
func (t *FuncTool) Description() string        { return t.Desc }
func (t *FuncTool) Parameters() map[string]any { return t.Schema }
func (t *FuncTool) ReadOnly() bool             { return !t.Mutating }

func (t *FuncTool) Execute(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	return t.Fn(ctx, args, confirmed)
}

// ObjectSchema builds a JSON schema for an object with the given
// properties and required names.
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// StringArg extracts a string argument, returning "" when absent or of
// the wrong type.
func StringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// StringArgDefault extracts a string argument with a fallback.
func StringArgDefault(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

// IntArg extracts an integer argument. JSON numbers arrive as float64;
// both int and float64 are accepted.
func IntArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// BoolArg extracts a boolean argument with a fallback.
func BoolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

// StringSliceArg extracts a list-of-strings argument.
func StringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
