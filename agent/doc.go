// Package agent drives the tool-calling conversation loop shared by
// every frontend of Circuit.
//
// One Agent owns one conversation: the durable history, the local tool
// registry, the plugin manager, and the model client. ProcessUserInput
// runs a full turn: it sends the history plus the new user message,
// executes whatever tool calls the model issues, feeds the results
// back, and repeats until the model answers in plain text or the
// iteration ceiling is hit.
//
// # Dispatch
//
// Tool calls within one model turn are classified by name. Read-only
// calls run concurrently on a bounded worker pool; mutating calls run
// strictly in request order, each behind a confirmation gate. A gated
// tool reports NeedsConfirmation through its typed Result, the agent
// asks the installed ConfirmationProvider, and approval re-executes the
// tool with confirmed=true. Rejection feeds "Action cancelled by user"
// back to the model. Session auto-approve skips the gate for ordinary
// mutations; commands matching a dangerous pattern are confirmed no
// matter what.
//
// # Callbacks
//
// Frontends observe a turn through ProcessCallbacks: streamed content,
// tool starts and results, and warnings. The terminal CLI prints them,
// the service layer converts them into events, and the ACP server turns
// them into JSON-RPC notifications. The same loop serves all three.
//
// # History
//
// The durable history holds user messages, final assistant answers, and
// compact "[Used tools: ...]" markers. Full tool transcripts live only
// in the per-turn scratch list sent to the API. The user message is
// appended after the first successful API call of a turn, so a failed
// request leaves the history unchanged.
package agent
