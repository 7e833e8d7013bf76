package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/circuitide/circuit/errors"
	"github.com/circuitide/circuit/session"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiClient sends chats to the Google Gemini API.
type GeminiClient struct {
	model *genai.GenerativeModel
}

// NewGeminiClient creates a GeminiClient. It requires the
// GEMINI_API_KEY environment variable to be set.
func NewGeminiClient(ctx context.Context, modelName string) (*GeminiClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiClient{model: client.GenerativeModel(modelName)}, nil
}

// Chat sends one conversation turn and converts the reply into the
// streaming response shape.
func (g *GeminiClient) Chat(ctx context.Context, req Request) (*StreamingResponse, error) {
	history, systemPrompt := geminiContents(req.Messages)
	if len(history) == 0 {
		return nil, errors.New("no sendable messages in conversation")
	}
	if systemPrompt != "" {
		g.model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(systemPrompt)},
		}
	}
	g.model.Tools = geminiTools(req.Tools)

	last := history[len(history)-1]
	chat := g.model.StartChat()
	chat.History = history[:len(history)-1]

	resp, err := chat.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to Gemini")
	}

	out, err := geminiResponse(resp)
	if err != nil {
		return nil, err
	}
	notifyCallbacks(req, out)
	return out, nil
}

// geminiContents converts history to Gemini contents. Tool results
// become function-response parts; the call id to name resolution walks
// the assistant messages seen so far.
func geminiContents(messages []session.Message) ([]*genai.Content, string) {
	var contents []*genai.Content
	var systemPrompt string
	callNames := make(map[string]string)

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemPrompt = msg.Content
		case "assistant":
			var parts []genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				parts = append(parts, genai.FunctionCall{
					Name: tc.Function.Name,
					Args: tc.Function.ParsedArguments(),
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}
		case "tool":
			contents = append(contents, &genai.Content{
				Role: "function",
				Parts: []genai.Part{genai.FunctionResponse{
					Name:     callNames[msg.ToolCallID],
					Response: map[string]any{"result": msg.Content},
				}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		}
	}
	return contents, systemPrompt
}

func geminiTools(defs []map[string]any) []*genai.Tool {
	if len(defs) == 0 {
		return nil
	}
	var decls []*genai.FunctionDeclaration
	for _, def := range defs {
		name, description, parameters := wireFunction(def)
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        name,
			Description: description,
			Parameters:  geminiSchema(parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// geminiSchema converts a JSON schema into Gemini's typed form. Object
// schemas without properties are dropped entirely; Gemini rejects empty
// property maps.
func geminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}

	switch schema["type"] {
	case "object":
		props, _ := schema["properties"].(map[string]any)
		if len(props) == 0 {
			return nil
		}
		out.Type = genai.TypeObject
		out.Properties = make(map[string]*genai.Schema, len(props))
		for key, raw := range props {
			if sub, ok := raw.(map[string]any); ok {
				if converted := geminiSchema(sub); converted != nil {
					out.Properties[key] = converted
				}
			}
		}
		for _, req := range toStringSlice(schema["required"]) {
			if _, ok := out.Properties[req]; ok {
				out.Required = append(out.Required, req)
			}
		}
	case "array":
		out.Type = genai.TypeArray
		if items, ok := schema["items"].(map[string]any); ok {
			out.Items = geminiSchema(items)
		}
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	default:
		out.Type = genai.TypeString
		out.Enum = toStringSlice(schema["enum"])
	}
	return out
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func geminiResponse(resp *genai.GenerateContentResponse) (*StreamingResponse, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("received an empty response from Gemini")
	}

	out := &StreamingResponse{}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	for i, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			out.Content += string(v)
		case genai.FunctionCall:
			args, err := json.Marshal(v.Args)
			if err != nil {
				return nil, errors.Wrapf(err, "encoding arguments for %s", v.Name)
			}
			// Gemini does not assign call ids; synthesize stable ones.
			out.ToolCalls = append(out.ToolCalls, &StreamingToolCall{
				ID:        fmt.Sprintf("call_%d_%s", i, v.Name),
				Name:      v.Name,
				Arguments: string(args),
			})
		default:
			return nil, errors.New("unsupported part type in Gemini response: %T", v)
		}
	}

	out.FinishReason = finishReason(out.HasToolCalls())
	return out, nil
}
