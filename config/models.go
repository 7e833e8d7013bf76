package config

import (
	"fmt"
	"sort"
	"strings"
)

// Default gateway endpoints. The gateway fronts Azure OpenAI deployments,
// so chat URLs take the form <base>/<model>/chat/completions?api-version=<ver>.
const (
	DefaultTokenURL    = "https://id.circuitide.com/oauth2/v1/token"
	DefaultChatBaseURL = "https://gateway.circuitide.com/openai/deployments"
	DefaultAPIVersion  = "2025-04-01-preview"

	DefaultModel = "gpt-4o"
)

// ModelInfo describes one selectable model deployment.
type ModelInfo struct {
	Name        string
	Description string
}

// Models maps menu keys to the available model deployments.
var Models = map[string]ModelInfo{
	"1": {Name: "gpt-4.1", Description: "Complex reasoning (120K context)"},
	"2": {Name: "gpt-4o", Description: "Fast multimodal"},
	"3": {Name: "gpt-4o-mini", Description: "Quick & efficient"},
	"4": {Name: "o4-mini", Description: "Large context (200K)"},
}

// ModelByKey resolves a menu key to a model name. Unknown keys return the
// default model.
func ModelByKey(key string) string {
	if m, ok := Models[key]; ok {
		return m.Name
	}
	return DefaultModel
}

// ModelMenu renders the selection menu shown by the CLI.
func ModelMenu(current string) string {
	keys := make([]string, 0, len(Models))
	for k := range Models {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Available models:\n")
	for _, k := range keys {
		m := Models[k]
		marker := " "
		if m.Name == current {
			marker = "*"
		}
		fmt.Fprintf(&b, "  %s %s. %-12s %s\n", marker, k, m.Name, m.Description)
	}
	return b.String()
}

// ChatURL builds the chat completions URL for a model deployment.
func (g Gateway) ChatURL(model string) string {
	return fmt.Sprintf("%s/%s/chat/completions?api-version=%s", g.ChatBaseURL, model, g.APIVersion)
}
