package mcp

import "testing"

func TestToolToWireDefaultsSchema(t *testing.T) {
	tool := map[string]any{"name": "create_issue", "description": "Create a new issue"}

	wire := ToolToWire(tool)
	if wire["type"] != "function" {
		t.Errorf("type = %v", wire["type"])
	}
	fn, _ := wire["function"].(map[string]any)
	if fn["name"] != "create_issue" || fn["description"] != "Create a new issue" {
		t.Errorf("function = %v", fn)
	}
	params, _ := fn["parameters"].(map[string]any)
	if params["type"] != "object" {
		t.Errorf("missing schema should default to object, got %v", params["type"])
	}
	if _, ok := params["properties"].(map[string]any); !ok {
		t.Errorf("missing schema should default properties, got %v", params["properties"])
	}

	// Defaulting must not write into the source descriptor.
	if _, ok := tool["inputSchema"]; ok {
		t.Error("source descriptor was mutated")
	}
}

func TestToolToWireKeepsSchema(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
		},
		"required": []any{"title"},
	}
	tool := map[string]any{"name": "create_issue", "inputSchema": schema}

	wire := ToolToWire(tool)
	fn, _ := wire["function"].(map[string]any)
	params, _ := fn["parameters"].(map[string]any)
	props, _ := params["properties"].(map[string]any)
	if _, ok := props["title"]; !ok {
		t.Errorf("schema properties lost: %v", params)
	}
	req, _ := params["required"].([]any)
	if len(req) != 1 || req[0] != "title" {
		t.Errorf("required lost: %v", params["required"])
	}
}

func TestFilterByToolsets(t *testing.T) {
	defs := []map[string]any{
		{"name": "repos_list"},
		{"name": "repos_create"},
		{"name": "issues_create"},
		{"name": "search"},
	}

	all := FilterByToolsets(defs, nil)
	if len(all) != 4 {
		t.Errorf("empty allow-list should keep all, got %d", len(all))
	}

	repos := FilterByToolsets(defs, []string{"repos"})
	if len(repos) != 2 {
		t.Fatalf("got %d repos tools, want 2", len(repos))
	}
	if repos[0]["name"] != "repos_list" || repos[1]["name"] != "repos_create" {
		t.Errorf("repos filter = %v", repos)
	}

	// Exact name match counts as well as a prefix match.
	exact := FilterByToolsets(defs, []string{"search"})
	if len(exact) != 1 || exact[0]["name"] != "search" {
		t.Errorf("exact filter = %v", exact)
	}

	none := FilterByToolsets(defs, []string{"workflows"})
	if len(none) != 0 {
		t.Errorf("non-matching toolset kept %d tools", len(none))
	}
}

func TestResultText(t *testing.T) {
	result := map[string]any{
		"content": []any{
			map[string]any{"type": "text", "text": "first"},
			map[string]any{"type": "image", "data": "ignored"},
			map[string]any{"type": "text", "text": " second"},
		},
	}
	if got := ResultText(result); got != "first second" {
		t.Errorf("ResultText = %q", got)
	}

	empty := map[string]any{"content": []any{}}
	if got := ResultText(empty); got != "" {
		t.Errorf("empty content = %q", got)
	}

	// No content part at all falls back to the JSON encoding.
	plain := map[string]any{"ok": true}
	if got := ResultText(plain); got != `{"ok":true}` {
		t.Errorf("fallback = %q", got)
	}
}
