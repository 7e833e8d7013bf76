package mcp

import (
	"encoding/json"
	"strings"

	"github.com/circuitide/circuit/tools"
)

// ToolToWire converts an MCP tool descriptor to the function-calling
// wire format. The input schema is copied, never mutated, and padded
// with the object-schema fields some servers omit.
func ToolToWire(tool map[string]any) map[string]any {
	name, _ := tool["name"].(string)
	description, _ := tool["description"].(string)

	schema := map[string]any{}
	if raw, ok := tool["inputSchema"].(map[string]any); ok {
		for k, v := range raw {
			schema[k] = v
		}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]any{}
	}

	return tools.WireDefinition(name, description, schema)
}

// FilterByToolsets keeps the tools belonging to an enabled toolset.
// Server tools are named "<toolset>_<action>", so a toolset matches as a
// name prefix or as the whole name. An empty allow-list keeps everything.
func FilterByToolsets(toolDefs []map[string]any, toolsets []string) []map[string]any {
	if len(toolsets) == 0 {
		return toolDefs
	}

	var filtered []map[string]any
	for _, tool := range toolDefs {
		name, _ := tool["name"].(string)
		for _, ts := range toolsets {
			if strings.HasPrefix(name, ts+"_") || name == ts {
				filtered = append(filtered, tool)
				break
			}
		}
	}
	return filtered
}

// ResultText flattens a tools/call result into the text fed back to the
// model. Text content parts are concatenated in order; a result without
// content falls back to its JSON encoding.
func ResultText(result map[string]any) string {
	content, ok := result["content"].([]any)
	if !ok {
		data, err := json.Marshal(result)
		if err != nil {
			return ""
		}
		return string(data)
	}

	var b strings.Builder
	for _, part := range content {
		m, ok := part.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := m["text"].(string); ok {
			b.WriteString(text)
		}
	}
	return b.String()
}
