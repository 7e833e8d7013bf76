package service

import (
	"time"

	"github.com/circuitide/circuit/session"
)

// ConnectionStatus is the service's position in the connection
// lifecycle.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// TokenUsage counts prompt and completion tokens for one exchange or
// one whole session.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

func (u TokenUsage) Total() int { return u.Prompt + u.Completion }

// PendingConfirmation describes the gated action the service is
// waiting on. Answer it with Service.Confirm.
type PendingConfirmation struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Message   string         `json:"message"`
	Detail    string         `json:"detail"`
	Dangerous bool           `json:"dangerous"`
	Arguments map[string]any `json:"arguments,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// State is a point-in-time snapshot of the service. Every field is a
// copy; mutating a snapshot affects nothing.
type State struct {
	Connection ConnectionStatus `json:"connection"`
	LastError  string           `json:"last_error,omitempty"`
	WorkingDir string           `json:"working_dir"`

	Model       string `json:"model"`
	Stream      bool   `json:"stream"`
	AutoApprove bool   `json:"auto_approve"`
	Thinking    bool   `json:"thinking"`

	Processing bool                 `json:"processing"`
	Pending    *PendingConfirmation `json:"pending,omitempty"`

	Messages []session.Message `json:"messages,omitempty"`

	LastTokens    TokenUsage `json:"last_tokens"`
	SessionTokens TokenUsage `json:"session_tokens"`
	SessionCost   float64    `json:"session_cost"`
}

// Connected reports whether the snapshot was taken while connected.
func (s State) Connected() bool { return s.Connection == StatusConnected }

// CanSendMessage reports whether SendMessage would be accepted at the
// moment of the snapshot: connected, idle, and no confirmation
// outstanding.
func (s State) CanSendMessage() bool {
	return s.Connected() && !s.Processing && s.Pending == nil
}
