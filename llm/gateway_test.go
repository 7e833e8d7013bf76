package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/circuitide/circuit/config"
	"github.com/circuitide/circuit/errors"
	"github.com/circuitide/circuit/session"
	"github.com/circuitide/circuit/tools"
)

// gatewayFixture runs a fake token endpoint plus chat deployment and
// records what the client sends to each.
type gatewayFixture struct {
	*httptest.Server
	client *GatewayClient

	tokenHits    int
	tokenStatus  []int
	tokenHeaders []http.Header
	tokenBodies  []string

	chatHits   int
	chatBodies []map[string]any
	chat       func(w http.ResponseWriter, hit int)
}

func newGatewayFixture(t *testing.T, chat func(w http.ResponseWriter, hit int)) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{chat: chat}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenHits++
		body, _ := io.ReadAll(r.Body)
		f.tokenHeaders = append(f.tokenHeaders, r.Header.Clone())
		f.tokenBodies = append(f.tokenBodies, string(body))

		status := http.StatusOK
		if len(f.tokenStatus) >= f.tokenHits && f.tokenStatus[f.tokenHits-1] != 0 {
			status = f.tokenStatus[f.tokenHits-1]
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, "token backend unavailable")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":3600}`, f.tokenHits)
	})
	mux.HandleFunc("/deployments/", func(w http.ResponseWriter, r *http.Request) {
		f.chatHits++
		var payload map[string]any
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &payload)
		f.chatBodies = append(f.chatBodies, payload)
		if r.Header.Get("api-key") == "" {
			t.Errorf("chat request missing api-key header")
		}
		f.chat(w, f.chatHits)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)

	gw := config.Gateway{
		TokenURL:     f.URL + "/oauth/token",
		ChatBaseURL:  f.URL + "/deployments",
		APIVersion:   "2025-04-01-preview",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AppKey:       "app-key",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := NewGatewayClient(gw, config.SSL{Enabled: true}, logger)
	if err != nil {
		t.Fatalf("NewGatewayClient: %v", err)
	}
	client.SetRetryPolicy(3, time.Millisecond)
	f.client = client
	return f
}

func writeSSE(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, line := range lines {
		fmt.Fprintf(w, "data: %s\n\n", line)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestGatewayTokenRequest(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, hit int) {
		writeSSE(w, `{"choices":[{"delta":{"content":"hi"}}]}`)
	})

	token, err := f.client.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "tok-1" {
		t.Errorf("Expected token 'tok-1', got '%s'", token)
	}

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("client-id:client-secret"))
	if got := f.tokenHeaders[0].Get("Authorization"); got != wantAuth {
		t.Errorf("Unexpected Authorization header: %s", got)
	}
	if got := f.tokenHeaders[0].Get("Content-Type"); got != "application/x-www-form-urlencoded" {
		t.Errorf("Unexpected Content-Type: %s", got)
	}
	if f.tokenBodies[0] != "grant_type=client_credentials" {
		t.Errorf("Unexpected token body: %s", f.tokenBodies[0])
	}
}

func TestGatewayTokenCached(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, hit int) {
		writeSSE(w, `{"choices":[{"delta":{"content":"hi"}}]}`)
	})

	req := Request{Model: "gpt-4o", Messages: []session.Message{{Role: "user", Content: "hello"}}, Stream: true}
	if _, err := f.client.Chat(context.Background(), req); err != nil {
		t.Fatalf("first Chat: %v", err)
	}
	if _, err := f.client.Chat(context.Background(), req); err != nil {
		t.Fatalf("second Chat: %v", err)
	}

	if f.tokenHits != 1 {
		t.Errorf("Expected 1 token fetch for 2 chats, got %d", f.tokenHits)
	}
	if f.chatHits != 2 {
		t.Errorf("Expected 2 chat calls, got %d", f.chatHits)
	}
}

func TestGatewayTokenRetriesServerErrors(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, hit int) {})
	f.tokenStatus = []int{http.StatusBadGateway, 0}

	token, err := f.client.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "tok-2" {
		t.Errorf("Expected token from retry, got '%s'", token)
	}
	if f.tokenHits != 2 {
		t.Errorf("Expected 2 token attempts, got %d", f.tokenHits)
	}
}

func TestGatewayTokenTerminalClientError(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, hit int) {})
	f.tokenStatus = []int{http.StatusForbidden}

	_, err := f.client.Token(context.Background())
	if err == nil {
		t.Fatal("Expected error")
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected AuthError, got %T: %v", err, err)
	}
	if authErr.Status != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", authErr.Status)
	}
	if authErr.Error() != "Auth failed: 403 - token backend unavailable" {
		t.Errorf("Unexpected message: %s", authErr.Error())
	}
	if f.tokenHits != 1 {
		t.Errorf("Expected no retries on 4xx, got %d attempts", f.tokenHits)
	}
}

func TestGatewayChatStreaming(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, hit int) {
		writeSSE(w,
			`{"choices":[{"delta":{"content":"Read"}}]}`,
			`{"choices":[{"delta":{"content":"ing."}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"read_file","arguments":"{\"path\":\"a.go\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":9,"completion_tokens":4}}`,
		)
	})

	var streamed strings.Builder
	resp, err := f.client.Chat(context.Background(), Request{
		Model: "gpt-4o",
		Messages: []session.Message{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "read a.go"},
		},
		Tools:     []map[string]any{tools.WireDefinition("read_file", "Read a file", tools.ObjectSchema(map[string]any{"path": map[string]any{"type": "string"}}, "path"))},
		Stream:    true,
		OnContent: func(s string) { streamed.WriteString(s) },
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Content != "Reading." {
		t.Errorf("Unexpected content: '%s'", resp.Content)
	}
	if streamed.String() != "Reading." {
		t.Errorf("Unexpected streamed content: '%s'", streamed.String())
	}
	if !resp.HasToolCalls() || resp.ToolCalls[0].Name != "read_file" {
		t.Errorf("Unexpected tool calls: %+v", resp.ToolCalls)
	}
	if resp.PromptTokens != 9 || resp.CompletionTokens != 4 {
		t.Errorf("Unexpected usage: %d/%d", resp.PromptTokens, resp.CompletionTokens)
	}

	payload := f.chatBodies[0]
	if payload["temperature"] != 0.7 {
		t.Errorf("Expected temperature 0.7, got %v", payload["temperature"])
	}
	if payload["max_tokens"] != float64(4096) {
		t.Errorf("Expected max_tokens 4096, got %v", payload["max_tokens"])
	}
	if payload["tool_choice"] != "auto" {
		t.Errorf("Expected tool_choice auto, got %v", payload["tool_choice"])
	}
	if payload["stream"] != true {
		t.Errorf("Expected stream true, got %v", payload["stream"])
	}
	var user map[string]string
	if err := json.Unmarshal([]byte(payload["user"].(string)), &user); err != nil {
		t.Fatalf("user field is not a JSON string: %v", err)
	}
	if user["appkey"] != "app-key" {
		t.Errorf("Expected appkey in user field, got %v", user)
	}
	msgs := payload["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("Expected 2 messages, got %d", len(msgs))
	}
	defs := payload["tools"].([]any)
	if len(defs) != 1 {
		t.Errorf("Expected 1 tool definition, got %d", len(defs))
	}
}

func TestGatewayChatNonStreaming(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, hit int) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices": [{"message": {"content": "done"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2}
		}`)
	})

	resp, err := f.client.Chat(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []session.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "done" || resp.FinishReason != "stop" {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if resp.PromptTokens != 5 || resp.CompletionTokens != 2 {
		t.Errorf("Unexpected usage: %d/%d", resp.PromptTokens, resp.CompletionTokens)
	}

	payload := f.chatBodies[0]
	if _, ok := payload["stream"]; ok {
		t.Error("Expected no stream key in non-streaming payload")
	}
	if _, ok := payload["tools"]; ok {
		t.Error("Expected no tools key when none are provided")
	}
}

func TestGatewayChatRetriesServerErrors(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, hit int) {
		if hit == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "overloaded")
			return
		}
		writeSSE(w, `{"choices":[{"delta":{"content":"ok"}}]}`)
	})

	resp, err := f.client.Chat(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []session.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Unexpected content: '%s'", resp.Content)
	}
	if f.chatHits != 2 {
		t.Errorf("Expected 2 chat attempts, got %d", f.chatHits)
	}
}

func TestGatewayChatClientErrorTerminal(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, hit int) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "bad request")
	})

	_, err := f.client.Chat(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []session.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	if err == nil {
		t.Fatal("Expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %T: %v", err, err)
	}
	if apiErr.Error() != "API call failed: 400 - bad request" {
		t.Errorf("Unexpected message: %s", apiErr.Error())
	}
	if f.chatHits != 1 {
		t.Errorf("Expected no retries on 4xx, got %d attempts", f.chatHits)
	}
}

func TestGatewayChatExhaustsRetries(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, hit int) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	})

	_, err := f.client.Chat(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []session.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	if err == nil {
		t.Fatal("Expected error")
	}
	if !strings.Contains(err.Error(), "API call failed after 3 attempts") {
		t.Errorf("Unexpected error: %v", err)
	}
	if f.chatHits != 3 {
		t.Errorf("Expected 3 chat attempts, got %d", f.chatHits)
	}
}

func TestGatewayErrorBodyTruncated(t *testing.T) {
	f := newGatewayFixture(t, func(w http.ResponseWriter, hit int) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, strings.Repeat("x", 2000))
	})

	_, err := f.client.Chat(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []session.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if len(apiErr.Body) != 500 {
		t.Errorf("Expected body capped at 500 bytes, got %d", len(apiErr.Body))
	}
}

func TestMockClientScripted(t *testing.T) {
	mock := &MockClient{
		Queue: []*StreamingResponse{
			{Content: "scripted", FinishReason: "stop"},
		},
	}

	var streamed strings.Builder
	resp, err := mock.Chat(context.Background(), Request{
		Messages:  []session.Message{{Role: "user", Content: "hello"}},
		OnContent: func(s string) { streamed.WriteString(s) },
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "scripted" || streamed.String() != "scripted" {
		t.Errorf("Unexpected scripted response: %+v", resp)
	}

	resp, err = mock.Chat(context.Background(), Request{
		Messages: []session.Message{{Role: "user", Content: "echo me"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !strings.Contains(resp.Content, "echo me") {
		t.Errorf("Expected parrot response, got '%s'", resp.Content)
	}
	if len(mock.Requests) != 2 {
		t.Errorf("Expected 2 recorded requests, got %d", len(mock.Requests))
	}
}
