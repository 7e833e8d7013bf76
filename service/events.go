package service

import (
	"sync"
	"time"
)

// EventType names one kind of service notification.
type EventType string

// Connection lifecycle.
const (
	EventConnecting      EventType = "connecting"
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventConnectionError EventType = "connection_error"
)

// Message flow. A message_started / message_completed pair brackets one
// conversation turn; chunks and tool events in between carry the same
// message_id.
const (
	EventMessageStarted   EventType = "message_started"
	EventMessageChunk     EventType = "message_chunk"
	EventMessageCompleted EventType = "message_completed"
	EventMessageError     EventType = "message_error"
)

// Tool execution.
const (
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallCompleted EventType = "tool_call_completed"
	EventToolCallError     EventType = "tool_call_error"
)

// Confirmation round-trip.
const (
	EventConfirmationNeeded   EventType = "confirmation_needed"
	EventConfirmationReceived EventType = "confirmation_received"
	EventConfirmationTimeout  EventType = "confirmation_timeout"
)

// Settings and accounting.
const (
	EventStatusChanged EventType = "status_changed"
	EventTokensUpdated EventType = "tokens_updated"
	EventCostUpdated   EventType = "cost_updated"
	EventModelChanged  EventType = "model_changed"
)

// Session lifecycle.
const (
	EventSessionSaved   EventType = "session_saved"
	EventSessionLoaded  EventType = "session_loaded"
	EventHistoryCleared EventType = "history_cleared"
)

// Extended thinking brackets around a model exchange.
const (
	EventThinkingStarted   EventType = "thinking_started"
	EventThinkingCompleted EventType = "thinking_completed"
)

// Plugin server lifecycle.
const (
	EventPluginConnecting   EventType = "mcp_server_connecting"
	EventPluginConnected    EventType = "mcp_server_connected"
	EventPluginDisconnected EventType = "mcp_server_disconnected"
	EventPluginError        EventType = "mcp_server_error"
	EventPluginToolsUpdated EventType = "mcp_tools_updated"
)

// Event is one notification from the service to its frontends.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription delivers matching events on C until Unsubscribe closes
// it. Receivers that fall behind lose events rather than stalling the
// emitting turn.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	types map[EventType]bool
}

func (s *Subscription) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

// Emitter fans events out to any number of subscribers.
type Emitter struct {
	mu      sync.Mutex
	subs    []*Subscription
	dropped int
	closed  bool
}

func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers a new subscriber for the given event types, or
// for every type when none are named. Buffer sizes at or below zero get
// a sensible default.
func (e *Emitter) Subscribe(buffer int, types ...EventType) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(ch)
		return sub
	}
	e.subs = append(e.subs, sub)
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Calling it
// twice is harmless.
func (e *Emitter) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s == sub {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Emit delivers an event to every matching subscriber. A subscriber
// whose buffer is full is skipped; Emit never blocks.
func (e *Emitter) Emit(t EventType, data map[string]any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), Data: data}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ev
	}
	for _, sub := range e.subs {
		if !sub.wants(t) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			e.dropped++
		}
	}
	return ev
}

// SubscriberCount reports how many subscribers would receive an event
// of the given type.
func (e *Emitter) SubscriberCount(t EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, sub := range e.subs {
		if sub.wants(t) {
			n++
		}
	}
	return n
}

// Dropped reports how many events were lost to full subscriber buffers
// since the emitter was created.
func (e *Emitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close unsubscribes everyone. Further Emit calls are silently ignored
// and further Subscribe calls return an already-closed subscription.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, sub := range e.subs {
		close(sub.ch)
	}
	e.subs = nil
}
