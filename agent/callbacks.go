package agent

import "context"

// ProcessCallbacks lets each frontend observe one turn of processing.
// All callbacks are optional; a nil callback is skipped. Callbacks for
// read-only tools may fire concurrently, so handlers that touch shared
// state must synchronize.
type ProcessCallbacks struct {
	// OnContent receives streamed assistant text as it arrives.
	OnContent func(chunk string)
	// OnToolCall fires when a tool is about to execute. detail is a
	// short human-readable summary of the arguments.
	OnToolCall func(name, detail string)
	// OnToolResult fires after a tool finishes, with the text fed back
	// to the model.
	OnToolResult func(name, result string)
	// OnWarning receives non-fatal problems, like a failed autosave.
	OnWarning func(warning string)
}

func (cb ProcessCallbacks) content(chunk string) {
	if cb.OnContent != nil {
		cb.OnContent(chunk)
	}
}

func (cb ProcessCallbacks) toolCall(name, detail string) {
	if cb.OnToolCall != nil {
		cb.OnToolCall(name, detail)
	}
}

func (cb ProcessCallbacks) toolResult(name, result string) {
	if cb.OnToolResult != nil {
		cb.OnToolResult(name, result)
	}
}

func (cb ProcessCallbacks) warning(msg string) {
	if cb.OnWarning != nil {
		cb.OnWarning(msg)
	}
}

// ConfirmationRequest describes one gated action awaiting approval.
type ConfirmationRequest struct {
	// Tool is the name of the tool asking to run.
	Tool string
	// Action is the gate tag the tool reported, like "write_file" or
	// "dangerous_command".
	Action string
	// Arguments are the parsed tool arguments, for building previews.
	Arguments map[string]any
	// Detail is a short summary of the arguments.
	Detail string
	// Dangerous marks actions that must be confirmed even when session
	// auto-approve is on.
	Dangerous bool
}

// ConfirmationProvider decides whether a gated action may run. The
// terminal frontend prompts on stdin, the service round-trips an event
// to its client, and tests answer directly.
type ConfirmationProvider interface {
	Ask(ctx context.Context, req ConfirmationRequest) (bool, error)
}

// ConfirmationFunc adapts a function to a ConfirmationProvider.
type ConfirmationFunc func(ctx context.Context, req ConfirmationRequest) (bool, error)

func (f ConfirmationFunc) Ask(ctx context.Context, req ConfirmationRequest) (bool, error) {
	return f(ctx, req)
}

// AutoApprover approves every ordinary request without asking. A
// dangerous request still goes to Fallback; with no Fallback it is
// denied.
type AutoApprover struct {
	Fallback ConfirmationProvider
}

func (a AutoApprover) Ask(ctx context.Context, req ConfirmationRequest) (bool, error) {
	if req.Dangerous {
		if a.Fallback != nil {
			return a.Fallback.Ask(ctx, req)
		}
		return false, nil
	}
	return true, nil
}
