package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/circuitide/circuit/mcp"
	"github.com/circuitide/circuit/session"
)

// readWorkers bounds how many read-only tools run at once.
const readWorkers = 8

// cancelledResult is the tool result fed back to the model when the
// user rejects a gated action.
const cancelledResult = "Action cancelled by user"

// readIntentHints classify plugin tool names. A plugin tool whose name
// contains one of these runs without confirmation and concurrently.
var readIntentHints = []string{"list", "get", "search", "read", "view", "fetch"}

// readOnlyTool classifies a tool name. Local tools self-report; plugin
// names classify by read-intent substrings; anything unknown counts as
// mutating so it never runs concurrently.
func (a *Agent) readOnlyTool(name string) bool {
	if t, ok := a.toolset.Registry.Get(name); ok {
		return t.ReadOnly()
	}
	if strings.HasPrefix(name, "mcp_") || a.plugins.HasTool(name) {
		lower := strings.ToLower(name)
		for _, hint := range readIntentHints {
			if strings.Contains(lower, hint) {
				return true
			}
		}
	}
	return false
}

// dispatchBatch executes the tool calls of one model turn. Read-only
// calls run concurrently on a bounded pool; each mutating call waits
// for every earlier call to finish, then runs alone, so mutations
// happen strictly in request order. Results come back indexed by the
// original call order.
func (a *Agent) dispatchBatch(ctx context.Context, calls []session.ToolCall, cb ProcessCallbacks) []string {
	results := make([]string, len(calls))

	var wg sync.WaitGroup
	sem := make(chan struct{}, readWorkers)

	for i, call := range calls {
		if a.readOnlyTool(call.Function.Name) {
			wg.Add(1)
			go func(i int, call session.ToolCall) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results[i] = a.executeCall(ctx, call, cb)
			}(i, call)
			continue
		}
		wg.Wait()
		results[i] = a.executeCall(ctx, call, cb)
	}
	wg.Wait()

	return results
}

// executeCall runs one tool call end to end: parse arguments, announce
// it, execute, and handle the confirmation round-trip when the tool is
// gated. The returned string is the tool result fed back to the model;
// failures become result text and never unwind the turn.
func (a *Agent) executeCall(ctx context.Context, call session.ToolCall, cb ProcessCallbacks) string {
	name := call.Function.Name
	args := call.Function.ParsedArguments()
	detail := ToolDetail(name, args)

	cb.toolCall(name, detail)
	result := a.runTool(ctx, name, args, detail)
	cb.toolResult(name, result)

	success := result != cancelledResult && !strings.HasPrefix(result, "Error")
	a.audit.LogToolCall(name, args, result, success)
	return result
}

// ExecuteTool runs a single named tool outside a conversation turn,
// with the same classification, gating, and plugin routing as calls
// dispatched by the model.
func (a *Agent) ExecuteTool(ctx context.Context, name string, args map[string]any, cb ProcessCallbacks) string {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte("{}")
	}
	call := session.ToolCall{
		ID:       "direct",
		Type:     "function",
		Function: session.FunctionCall{Name: name, Arguments: string(raw)},
	}
	return a.executeCall(ctx, call, cb)
}

func (a *Agent) runTool(ctx context.Context, name string, args map[string]any, detail string) string {
	if strings.HasPrefix(name, "mcp_") || a.plugins.HasTool(name) {
		return a.runPluginTool(ctx, name, args, detail)
	}

	tool, ok := a.toolset.Registry.Get(name)
	if !ok {
		return "Unknown tool: " + name
	}

	res, err := tool.Execute(ctx, args, false)
	if err != nil {
		return "Error executing " + name + ": " + err.Error()
	}
	if !res.NeedsConfirmation {
		return res.Output
	}

	// Session auto-approve covers ordinary mutations. A dangerous
	// command is confirmed explicitly no matter what.
	dangerous := res.Action == "dangerous_command"
	approved := a.AutoApprove() && !dangerous
	if !approved {
		approved, err = a.ask(ctx, ConfirmationRequest{
			Tool:      name,
			Action:    res.Action,
			Arguments: args,
			Detail:    detail,
			Dangerous: dangerous,
		})
		if err != nil {
			return "Error confirming " + name + ": " + err.Error()
		}
	}
	if !approved {
		return cancelledResult
	}

	res, err = tool.Execute(ctx, args, true)
	if err != nil {
		return "Error executing " + name + ": " + err.Error()
	}
	return res.Output
}

// runPluginTool forwards a call to the plugin manager. Mutating plugin
// tools go through the same confirmation gate as local ones.
func (a *Agent) runPluginTool(ctx context.Context, name string, args map[string]any, detail string) string {
	if !a.readOnlyTool(name) && !a.AutoApprove() {
		approved, err := a.ask(ctx, ConfirmationRequest{
			Tool:      name,
			Action:    name,
			Arguments: args,
			Detail:    detail,
		})
		if err != nil {
			return "Error confirming " + name + ": " + err.Error()
		}
		if !approved {
			return cancelledResult
		}
	}

	result, err := a.plugins.ExecuteTool(ctx, name, args)
	if err != nil {
		return "Error executing " + name + ": " + err.Error()
	}
	return mcp.ResultText(result)
}

// ask consults the confirmation provider. With no provider installed
// every gated action is denied.
func (a *Agent) ask(ctx context.Context, req ConfirmationRequest) (bool, error) {
	a.mu.Lock()
	provider := a.confirm
	a.mu.Unlock()
	if provider == nil {
		return false, nil
	}
	return provider.Ask(ctx, req)
}
