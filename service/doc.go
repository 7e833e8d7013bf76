// Package service exposes an Agent through a typed event stream for
// frontends that cannot block on a terminal prompt.
//
// A Service owns one Agent. Frontends subscribe with Events().Subscribe,
// run turns with SendMessage, and watch the turn unfold as events:
// message_started, message_chunk per streamed fragment, tool_call
// events around each execution, tokens_updated and cost_updated after
// the exchange, and message_completed or message_error at the end.
// SendMessage is serialized; a second call while one turn is in flight
// is rejected immediately without disturbing the running turn.
//
// # Confirmations
//
// Gated tool actions surface as confirmation_needed events carrying an
// id. The turn parks until some frontend answers with Confirm(id,
// approved) or the timeout elapses, which counts as rejection. State()
// reports the outstanding request while it waits.
//
// # Delivery
//
// Subscribers receive events on a bounded buffered channel. A slow
// subscriber loses events rather than stalling the turn; Emitter.Dropped
// counts the losses.
package service
