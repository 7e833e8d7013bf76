package main

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/circuitide/circuit/config"
)

// ANSI escape codes for terminal output.
const (
	colorGreen   = "\033[92m"
	colorRed     = "\033[91m"
	colorYellow  = "\033[93m"
	colorCyan    = "\033[96m"
	colorMagenta = "\033[95m"
	colorBlue    = "\033[94m"
	colorReset   = "\033[0m"
	colorBold    = "\033[1m"
	colorDim     = "\033[2m"
)

func clearScreen() {
	fmt.Print("\033[2J\033[H")
}

func clearLine() {
	fmt.Print("\r" + strings.Repeat(" ", 80) + "\r")
}

func printHeader(workingDir string) {
	fmt.Printf(`
%s╔══════════════════════════════════════════════════════════╗
║               Circuit Agent v4.0                          ║
║         AI-Powered Coding Assistant                       ║
╚══════════════════════════════════════════════════════════╝%s

%sWorking Directory:%s %s%s%s
`, colorCyan, colorReset, colorBold, colorReset, colorGreen, workingDir, colorReset)
}

func printWelcome() {
	rule := colorCyan + strings.Repeat("─", 60) + colorReset
	fmt.Printf(`
%s
%sCircuit Agent v4.0 Ready!%s

%sCommands:%s  /help /save /load /cost /audit /think /auto /quit

%sTools:%s  File ops, search, commands, git, web search & fetch

%sNew in v4.0:%s
  - Parallel tool execution for faster multi-file operations
  - Secret detection warns before committing sensitive data
  - Cost tracking with /cost command
  - Audit logging with /audit command

%sTips:%s
  - Type 'a' during confirmation to auto-approve all actions
  - Create CIRCUIT.md for project-specific instructions
  - Use /think on to see agent's reasoning process
%s
`, rule, colorBold, colorReset, colorDim, colorReset, colorDim, colorReset,
		colorGreen, colorReset, colorDim, colorReset, rule)
}

func printHelp() {
	dir := config.Dir()
	fmt.Printf(`
%sCommands:%s
  /help, /h    - Show this help
  /files       - List files in working directory
  /clear, /c   - Clear conversation history
  /history     - Show recent conversation
  /model       - Change model
  /tokens      - Show token usage for session
  /undo [file] - Restore file from backup
  /config      - Show current configuration
  /git         - Quick git status
  /auto        - Toggle auto-approve mode
  /stream      - Toggle response streaming
  /logout      - Delete saved credentials
  /quit, /q    - Exit

%sSession Management:%s
  /save [name] - Save current session
  /load [name] - Load a saved session (shows list if no name)
  /sessions    - List all saved sessions
  /compact     - Compress old messages to save tokens

%sv4.0 Features:%s
  /cost        - Show estimated API costs for session
  /audit       - Show audit log statistics
  /audit recent - Show recent audit entries
  /think [on|off] - At each step, show the agent's reasoning

%sDuring Confirmations:%s
  y            - Yes, allow this action
  n            - No, cancel this action
  a            - Allow this and all future actions (auto-approve)

%sSecurity Features (v4.0):%s
  - Secret detection warns before writing files with API keys, passwords, etc.
  - Audit logging tracks all tool calls and API usage
  - Cost tracking helps monitor API expenses

%sTips:%s
  - Ask the agent to explore the codebase first
  - Be specific about what you want to change
  - Use /auto to skip confirmations (use with caution!)
  - Use web_search to look up error messages
  - Create a CIRCUIT.md file for project-specific instructions
  - Use /think on to understand agent's reasoning

%sConfiguration:%s
  Config:     %s
  Sessions:   %s
  Audit logs: %s
  Global:     %s
  Project:    ./CIRCUIT.md (auto-loaded)
`, colorBold, colorReset, colorBold, colorReset, colorBold, colorReset,
		colorBold, colorReset, colorBold, colorReset, colorBold, colorReset,
		colorBold, colorReset,
		config.CredentialsPath(),
		filepath.Join(dir, "sessions"),
		filepath.Join(dir, "audit"),
		filepath.Join(dir, config.InstructionsFile))
}

func printTokenUsage(prompt, completion, sessionPrompt, sessionCompletion int) {
	fmt.Printf("\n%sTokens: %s in / %s out (%s) | Session: %s total%s\n",
		colorDim, group(prompt), group(completion), group(prompt+completion),
		group(sessionPrompt+sessionCompletion), colorReset)
}

// showDiff renders a colored unified diff, truncated to maxLines.
func showDiff(oldText, newText, path string) {
	const maxLines = 30
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldText),
		B:        difflib.SplitLines(newText),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
	if err != nil || text == "" {
		fmt.Printf("%s(no visible changes)%s\n", colorDim, colorReset)
		return
	}

	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		if i == maxLines {
			fmt.Printf("%s... (%d more lines)%s\n", colorDim, len(lines)-maxLines, colorReset)
			break
		}
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			fmt.Printf("%s%s%s\n", colorBold, line, colorReset)
		case strings.HasPrefix(line, "+"):
			fmt.Printf("%s%s%s\n", colorGreen, line, colorReset)
		case strings.HasPrefix(line, "-"):
			fmt.Printf("%s%s%s\n", colorRed, line, colorReset)
		case strings.HasPrefix(line, "@@"):
			fmt.Printf("%s%s%s\n", colorCyan, line, colorReset)
		default:
			fmt.Println(line)
		}
	}
}

func printToolCall(name, detail string) {
	if detail != "" {
		fmt.Printf("%s  [%s] %s%s\n", colorDim, name, truncate(detail, 60), colorReset)
	} else {
		fmt.Printf("%s  [%s]%s\n", colorDim, name, colorReset)
	}
}

func printError(message string) {
	fmt.Printf("  %sError: %s%s\n", colorRed, message, colorReset)
}

func printSuccess(message string) {
	fmt.Printf("  %s%s%s\n", colorGreen, message, colorReset)
}

func printWarning(message string) {
	fmt.Printf("  %s%s%s\n", colorYellow, message, colorReset)
}

func printInfo(message string) {
	fmt.Printf("  %s%s%s\n", colorDim, message, colorReset)
}

// confirmPrompt asks a yes/no question, with def answering an empty reply.
func confirmPrompt(in *bufio.Reader, prompt string, def bool) bool {
	suffix := "[y/N]"
	if def {
		suffix = "[Y/n]"
	}
	answer, err := readLine(in, fmt.Sprintf("\n%s%s %s:%s ", colorCyan, prompt, suffix, colorReset))
	if err != nil {
		return false
	}
	if answer == "" {
		return def
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}

func readLine(in *bufio.Reader, prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// clip cuts s to at most n runes.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// truncate cuts s to at most n runes, ending with an ellipsis when cut.
func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return clip(s, n-3) + "..."
}

// group formats n with thousands separators.
func group(n int) string {
	s := strconv.Itoa(n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
