package llm

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/circuitide/circuit/session"
)

const doneMarker = "[DONE]"

// maxStreamLine bounds one SSE line. Argument fragments are small but a
// full content delta can carry long lines.
const maxStreamLine = 1024 * 1024

// StreamingToolCall is one tool call being assembled from fragments.
// ID and Name are set once from the first non-empty fragment value;
// Arguments grows by concatenation.
type StreamingToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// StreamingResponse accumulates one model response. The non-streaming
// path fills in the same shape so callers never branch on transport.
type StreamingResponse struct {
	Content          string
	ToolCalls        []*StreamingToolCall
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// HasToolCalls reports whether any assembled call is complete. A call
// without an id never finished streaming and is not dispatchable.
func (r *StreamingResponse) HasToolCalls() bool {
	for _, tc := range r.ToolCalls {
		if tc.ID != "" {
			return true
		}
	}
	return false
}

// ToolCallsPayload converts the assembled calls to the wire shape used
// in assistant messages, skipping incomplete entries.
func (r *StreamingResponse) ToolCallsPayload() []session.ToolCall {
	var out []session.ToolCall
	for _, tc := range r.ToolCalls {
		if tc.ID == "" {
			continue
		}
		out = append(out, session.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: session.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return out
}

type chatChunk struct {
	Choices []chunkChoice `json:"choices"`
	Usage   *chunkUsage   `json:"usage"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type chunkDelta struct {
	Content   string          `json:"content"`
	ToolCalls []toolCallDelta `json:"tool_calls"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chunkUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Assembler folds chat-completion chunks into one StreamingResponse.
// Feeding fragment sequences F then G produces the same response as
// feeding their concatenation, so a stream can be consumed in any
// chunking the transport happens to deliver.
type Assembler struct {
	resp            *StreamingResponse
	onContent       func(string)
	onToolCallStart func(string)
}

// NewAssembler returns an Assembler with optional callbacks. Either
// callback may be nil.
func NewAssembler(onContent, onToolCallStart func(string)) *Assembler {
	return &Assembler{
		resp:            &StreamingResponse{},
		onContent:       onContent,
		onToolCallStart: onToolCallStart,
	}
}

// Response returns the accumulated response.
func (a *Assembler) Response() *StreamingResponse {
	return a.resp
}

// Feed processes one SSE line and reports whether the stream is done.
// Blank lines, non-data lines, and lines that do not parse as JSON are
// skipped.
func (a *Assembler) Feed(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	payload, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		return false
	}
	if payload == doneMarker {
		return true
	}
	a.FeedData([]byte(payload))
	return false
}

// FeedData merges one JSON chunk into the response. Malformed chunks
// are dropped.
func (a *Assembler) FeedData(data []byte) {
	var chunk chatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return
	}

	// Usage-only chunks carry an empty choices array, so usage is
	// captured before the choices check.
	if chunk.Usage != nil {
		a.resp.PromptTokens = chunk.Usage.PromptTokens
		a.resp.CompletionTokens = chunk.Usage.CompletionTokens
	}
	if len(chunk.Choices) == 0 {
		return
	}

	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		a.resp.FinishReason = choice.FinishReason
	}
	if choice.Delta.Content != "" {
		a.resp.Content += choice.Delta.Content
		if a.onContent != nil {
			a.onContent(choice.Delta.Content)
		}
	}
	for _, d := range choice.Delta.ToolCalls {
		a.mergeToolCall(d)
	}
}

func (a *Assembler) mergeToolCall(d toolCallDelta) {
	if d.Index < 0 {
		return
	}
	for len(a.resp.ToolCalls) <= d.Index {
		a.resp.ToolCalls = append(a.resp.ToolCalls, &StreamingToolCall{})
	}
	tc := a.resp.ToolCalls[d.Index]

	// First non-empty id and name win; later fragments cannot clobber
	// them.
	if tc.ID == "" && d.ID != "" {
		tc.ID = d.ID
	}
	if tc.Name == "" && d.Function.Name != "" {
		tc.Name = d.Function.Name
		if a.onToolCallStart != nil {
			a.onToolCallStart(tc.Name)
		}
	}
	tc.Arguments += d.Function.Arguments
}

// ReadStream consumes SSE lines from r until the done marker or EOF,
// which yield identical results.
func (a *Assembler) ReadStream(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for scanner.Scan() {
		if a.Feed(scanner.Text()) {
			break
		}
	}
	return scanner.Err()
}

type completionPayload struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chunkUsage `json:"usage"`
}

// decodeCompletion parses a non-streaming chat completion body into the
// streaming response shape, so the two transports are interchangeable.
func decodeCompletion(body []byte) (*StreamingResponse, error) {
	var payload completionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	resp := &StreamingResponse{}
	if len(payload.Choices) > 0 {
		choice := payload.Choices[0]
		resp.Content = choice.Message.Content
		resp.FinishReason = choice.FinishReason
		for _, tc := range choice.Message.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, &StreamingToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	if payload.Usage != nil {
		resp.PromptTokens = payload.Usage.PromptTokens
		resp.CompletionTokens = payload.Usage.CompletionTokens
	}
	return resp, nil
}
