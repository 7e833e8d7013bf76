package agent

import (
	"fmt"
	"strings"

	"github.com/circuitide/circuit/tools"
)

// ToolDetail builds the short argument summary shown next to a tool
// name in status lines and confirmation prompts.
func ToolDetail(name string, args map[string]any) string {
	switch name {
	case "read_file", "write_file", "edit_file", "html_to_markdown":
		return tools.StringArg(args, "path")
	case "list_files", "search_files":
		return tools.StringArg(args, "pattern")
	case "run_command":
		return clip(tools.StringArg(args, "command"), 60)
	case "git_status":
		return ""
	case "git_diff":
		if path := tools.StringArg(args, "path"); path != "" {
			return path
		}
		if tools.BoolArg(args, "staged", false) {
			return "staged"
		}
		return ""
	case "git_log":
		return fmt.Sprintf("-%d", tools.IntArg(args, "count", 10))
	case "git_commit":
		return clip(tools.StringArg(args, "message"), 40)
	case "git_branch":
		return tools.StringArgDefault(args, "action", "list")
	case "web_fetch":
		return clip(tools.StringArg(args, "url"), 50)
	case "web_search":
		return clip(tools.StringArg(args, "query"), 40)
	}

	if strings.HasPrefix(name, "github_") {
		for _, key := range []string{"repo", "query", "owner", "title", "name"} {
			if v := tools.StringArg(args, key); v != "" {
				return clip(v, 40)
			}
		}
	}
	return ""
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
