package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/circuitide/circuit/errors"
	"github.com/circuitide/circuit/session"
)

// BedrockClient sends chats to Anthropic models hosted on AWS Bedrock.
type BedrockClient struct {
	client   *bedrockruntime.Client
	modelID  string
	region   string
	endpoint string
}

// NewBedrockClient creates a BedrockClient. It requires AWS credentials
// to be configured in the environment.
func NewBedrockClient(ctx context.Context, modelID string) (*BedrockClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	client := bedrockruntime.NewFromConfig(cfg)

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return &BedrockClient{
		client:   client,
		modelID:  modelID,
		region:   region,
		endpoint: os.Getenv("BEDROCK_ENDPOINT_URL"),
	}, nil
}

// Chat sends one conversation turn and converts the reply into the
// streaming response shape.
func (b *BedrockClient) Chat(ctx context.Context, req Request) (*StreamingResponse, error) {
	messages, systemPrompt := bedrockMessages(req.Messages)

	body, err := bedrockRequestBody(messages, systemPrompt, req.Tools)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Bedrock request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to invoke Bedrock model")
	}

	out, err := bedrockResponse(resp.Body)
	if err != nil {
		return nil, err
	}
	notifyCallbacks(req, out)
	return out, nil
}

// bedrockMessages converts history into the Anthropic-on-Bedrock
// message shape. The system prompt travels in its own request field.
func bedrockMessages(messages []session.Message) ([]map[string]any, string) {
	var out []map[string]any
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemPrompt = msg.Content
		case "user":
			out = append(out, map[string]any{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": msg.Content},
				},
			})
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var toolUses []map[string]any
				for _, tc := range msg.ToolCalls {
					toolUses = append(toolUses, map[string]any{
						"type":  "tool_use",
						"id":    tc.ID,
						"name":  tc.Function.Name,
						"input": rawJSONArgs(tc.Function.Arguments),
					})
				}
				out = append(out, map[string]any{
					"role":    "assistant",
					"content": toolUses,
				})
			} else if msg.Content != "" {
				out = append(out, map[string]any{
					"role": "assistant",
					"content": []map[string]any{
						{"type": "text", "text": msg.Content},
					},
				})
			}
		case "tool":
			out = append(out, map[string]any{
				"role": "user",
				"content": []map[string]any{
					{
						"type":        "tool_result",
						"tool_use_id": msg.ToolCallID,
						"content":     msg.Content,
					},
				},
			})
		}
	}

	return out, systemPrompt
}

func bedrockRequestBody(messages []map[string]any, systemPrompt string, toolDefs []map[string]any) ([]byte, error) {
	request := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
		"messages":          messages,
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}
	if len(toolDefs) > 0 {
		var reqTools []map[string]any
		for _, def := range toolDefs {
			name, description, parameters := wireFunction(def)
			schema := parameters
			if schema == nil {
				schema = map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				}
			}
			reqTools = append(reqTools, map[string]any{
				"name":         name,
				"description":  description,
				"input_schema": schema,
			})
		}
		request["tools"] = reqTools
	}
	return json.Marshal(request)
}

func bedrockResponse(body []byte) (*StreamingResponse, error) {
	var response map[string]any
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}

	if errMsg, ok := response["error"]; ok {
		return nil, errors.New("Bedrock API error: %v", errMsg)
	}

	out := &StreamingResponse{}
	if usage, ok := response["usage"].(map[string]any); ok {
		if v, ok := usage["input_tokens"].(float64); ok {
			out.PromptTokens = int(v)
		}
		if v, ok := usage["output_tokens"].(float64); ok {
			out.CompletionTokens = int(v)
		}
	}

	content, ok := response["content"].([]any)
	if !ok {
		out.FinishReason = finishReason(false)
		return out, nil
	}

	for i, item := range content {
		itemMap, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch itemMap["type"] {
		case "text":
			if text, ok := itemMap["text"].(string); ok {
				out.Content += text
			}
		case "tool_use":
			name, ok := itemMap["name"].(string)
			if !ok {
				continue
			}
			input, ok := itemMap["input"].(map[string]any)
			if !ok {
				continue
			}
			args, err := json.Marshal(input)
			if err != nil {
				continue
			}
			id := fmt.Sprintf("call_%d_%s", i, name)
			if toolID, ok := itemMap["id"].(string); ok && toolID != "" {
				id = toolID
			}
			out.ToolCalls = append(out.ToolCalls, &StreamingToolCall{
				ID:        id,
				Name:      name,
				Arguments: string(args),
			})
		}
	}

	out.FinishReason = finishReason(out.HasToolCalls())
	return out, nil
}
