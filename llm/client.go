// Package llm sends conversations to a model and assembles the replies.
// The primary implementation is the OAuth-fronted chat gateway; direct
// provider adapters (OpenAI, Anthropic, Gemini, Bedrock) expose the same
// interface for installs that bypass the gateway.
package llm

import (
	"context"
	"fmt"

	"github.com/circuitide/circuit/session"
)

// Request is one chat-completion call. Tools carries function-calling
// wire definitions; the callbacks, when set, observe the response as it
// streams in.
type Request struct {
	Model    string
	Messages []session.Message
	Tools    []map[string]any
	Stream   bool

	// OnContent receives assistant text as it arrives.
	OnContent func(string)
	// OnToolCallStart fires once per tool call, when its name is known.
	OnToolCallStart func(string)
}

// Client is the interface for chat-completion backends.
type Client interface {
	Chat(ctx context.Context, req Request) (*StreamingResponse, error)
}

// AuthError is a terminal failure from the token endpoint. Retryable
// failures (5xx, connection errors) are retried before this is returned.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("Auth failed: %d - %s", e.Status, e.Body)
}

// APIError is a non-success HTTP status from the chat endpoint, raised
// before any of the body is streamed. Body holds at most the first 500
// bytes of the response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API call failed: %d - %s", e.Status, e.Body)
}

// MockClient is a scripted Client for tests and dry runs. Queued
// responses are returned in order; with an empty queue it parrots the
// last user message. Every request is recorded.
type MockClient struct {
	Queue    []*StreamingResponse
	Err      error
	Requests []Request
}

func (m *MockClient) Chat(ctx context.Context, req Request) (*StreamingResponse, error) {
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return nil, m.Err
	}

	var resp *StreamingResponse
	if len(m.Queue) > 0 {
		resp = m.Queue[0]
		m.Queue = m.Queue[1:]
	} else {
		last := ""
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == "user" {
				last = req.Messages[i].Content
				break
			}
		}
		resp = &StreamingResponse{
			Content:      fmt.Sprintf("I am a mock model. You said: '%s'.", last),
			FinishReason: "stop",
		}
	}

	notifyCallbacks(req, resp)
	return resp, nil
}

// notifyCallbacks replays a completed response through the request's
// streaming callbacks, so non-streaming backends produce the same
// callback sequence a stream would.
func notifyCallbacks(req Request, resp *StreamingResponse) {
	if req.OnContent != nil && resp.Content != "" {
		req.OnContent(resp.Content)
	}
	if req.OnToolCallStart != nil {
		for _, tc := range resp.ToolCalls {
			if tc.Name != "" {
				req.OnToolCallStart(tc.Name)
			}
		}
	}
}

// wireFunction unpacks one function-calling wire definition into its
// name, description, and parameter schema.
func wireFunction(def map[string]any) (name, description string, parameters map[string]any) {
	fn, _ := def["function"].(map[string]any)
	name, _ = fn["name"].(string)
	description, _ = fn["description"].(string)
	parameters, _ = fn["parameters"].(map[string]any)
	return name, description, parameters
}
