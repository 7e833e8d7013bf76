package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/circuitide/circuit/agent"
	"github.com/circuitide/circuit/config"
	"github.com/circuitide/circuit/tools"
)

// repl runs the interactive chat loop.
type repl struct {
	agent      *agent.Agent
	cfg        *config.Config
	workingDir string
	in         *bufio.Reader
}

func (r *repl) run() {
	for {
		input, err := readLine(r.in, fmt.Sprintf("\n%sYou:%s ", colorBlue, colorReset))
		if err != nil {
			fmt.Printf("\n%sGoodbye!%s\n\n", colorCyan, colorReset)
			return
		}
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if r.command(input) {
				return
			}
			continue
		}
		r.turn(input)
	}
}

// turn sends one user message through the agent, streaming output as it
// arrives. Ctrl-C cancels the in-flight turn without leaving the loop.
func (r *repl) turn(input string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("%s  Thinking...%s", colorDim, colorReset)

	var renderer thoughtRenderer
	started := false
	headed := false
	begin := func() {
		if !started {
			clearLine()
			started = true
		}
	}

	response, err := r.agent.ProcessUserInput(ctx, input, agent.ProcessCallbacks{
		OnContent: func(chunk string) {
			out := renderer.feed(chunk)
			if out == "" {
				return
			}
			begin()
			if !headed {
				fmt.Printf("\n%sAgent:%s ", colorMagenta, colorReset)
				headed = true
			}
			fmt.Print(out)
		},
		OnToolCall: func(name, detail string) {
			begin()
			printToolCall(name, detail)
		},
		OnWarning: func(warning string) {
			begin()
			printWarning(warning)
		},
	})

	if tail := renderer.flush(); tail != "" && headed {
		fmt.Print(tail)
	}
	if !started {
		clearLine()
	}
	if err != nil {
		printError(err.Error())
		return
	}

	if headed {
		fmt.Println()
	} else if response != "" {
		fmt.Printf("\n%sAgent:%s %s\n", colorMagenta, colorReset, styleThinking(response))
	}

	stats := r.agent.TokenStats()
	if stats["last_total"] > 0 {
		printTokenUsage(stats["last_prompt"], stats["last_completion"],
			stats["session_prompt"], stats["session_completion"])
	}
}

// command handles one slash command. Returns true when the loop should
// exit.
func (r *repl) command(input string) bool {
	fields := strings.Fields(input)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/quit", "/exit", "/q":
		fmt.Printf("\n%sGoodbye!%s\n\n", colorCyan, colorReset)
		return true

	case "/clear", "/c":
		r.agent.ClearHistory()
		printSuccess("Conversation cleared")

	case "/history":
		r.showHistory()

	case "/files":
		r.listFiles()

	case "/model":
		fmt.Println()
		fmt.Print(config.ModelMenu(r.agent.Model()))
		choice, err := readLine(r.in, "\n  Choice: ")
		if err == nil {
			if m, ok := config.Models[choice]; ok {
				r.agent.SetModel(m.Name)
				printSuccess("Switched to " + m.Name)
			}
		}

	case "/tokens":
		s := r.agent.TokenStats()
		fmt.Printf("\n%sToken Usage:%s\n", colorBold, colorReset)
		fmt.Printf("  Last request:  %s in / %s out (%s total)\n",
			group(s["last_prompt"]), group(s["last_completion"]), group(s["last_total"]))
		fmt.Printf("  Session total: %s in / %s out (%s total)\n",
			group(s["session_prompt"]), group(s["session_completion"]), group(s["session_total"]))

	case "/undo", "/u":
		r.undo(args)

	case "/config":
		r.showConfig()

	case "/logout":
		if err := config.DeleteCredentials(); err != nil {
			printError(err.Error())
		} else {
			printSuccess("Saved credentials deleted")
			printInfo("You'll need to re-enter credentials next time")
		}

	case "/help", "/h":
		printHelp()

	case "/stream":
		r.agent.SetStream(!r.agent.Stream())
		status := "disabled"
		if r.agent.Stream() {
			status = "enabled"
		}
		printSuccess("Streaming " + status)

	case "/auto":
		r.agent.SetAutoApprove(!r.agent.AutoApprove())
		if r.agent.AutoApprove() {
			printWarning("Auto-approve ENABLED - all actions will be executed without confirmation")
		} else {
			printSuccess("Auto-approve disabled - confirmations required")
		}

	case "/git":
		result := r.agent.ExecuteTool(context.Background(), "git_status", map[string]any{}, agent.ProcessCallbacks{})
		fmt.Printf("\n%s\n", result)

	case "/save":
		name := time.Now().Format("20060102-150405")
		if len(args) > 0 {
			name = args[0]
		}
		if err := r.agent.SaveSession(name); err != nil {
			printError(err.Error())
		} else {
			printSuccess(fmt.Sprintf("Saved session '%s'", name))
		}

	case "/load":
		r.load(args)

	case "/sessions":
		r.listSessions()

	case "/compact":
		r.compact()

	case "/cost":
		fmt.Printf("\n%sSession cost:%s\n", colorBold, colorReset)
		for _, line := range strings.Split(r.agent.CostReport(), "\n") {
			fmt.Println("  " + line)
		}

	case "/audit":
		r.audit(args)

	case "/think":
		enabled := !r.agent.Thinking()
		if len(args) > 0 {
			switch strings.ToLower(args[0]) {
			case "on":
				enabled = true
			case "off":
				enabled = false
			}
		}
		r.agent.SetThinking(enabled)
		if enabled {
			printSuccess("Thinking mode enabled - reasoning shown dimmed")
		} else {
			printSuccess("Thinking mode disabled")
		}

	default:
		printWarning("Unknown command. Type /help for help.")
	}
	return false
}

func (r *repl) showHistory() {
	history := r.agent.History()
	if len(history) == 0 {
		printInfo("No conversation history")
		return
	}
	fmt.Printf("\n%sRecent conversation:%s\n", colorBold, colorReset)
	start := len(history) - 10
	if start < 0 {
		start = 0
	}
	for _, msg := range history[start:] {
		suffix := ""
		if len([]rune(msg.Content)) > 80 {
			suffix = "..."
		}
		switch msg.Role {
		case "user":
			fmt.Printf("  %s[USER]%s %s%s\n", colorBlue, colorReset, clip(msg.Content, 80), suffix)
		case "assistant":
			preview := strings.ReplaceAll(clip(msg.Content, 80), "\n", " ")
			fmt.Printf("  %s[AGENT]%s %s%s\n", colorMagenta, colorReset, preview, suffix)
		}
	}
}

func (r *repl) listFiles() {
	entries, err := os.ReadDir(r.workingDir)
	if err != nil {
		printError(err.Error())
		return
	}
	fmt.Printf("\n%sFiles in %s:%s\n", colorDim, r.workingDir, colorReset)
	for i, e := range entries {
		if i == 20 {
			printInfo(fmt.Sprintf("... and %d more", len(entries)-20))
			break
		}
		icon := "📄"
		if e.IsDir() {
			icon = "📁"
		}
		fmt.Printf("  %s %s\n", icon, e.Name())
	}
}

func (r *repl) undo(args []string) {
	if len(args) > 0 {
		msg, err := r.agent.RestoreFile(args[0])
		if err != nil {
			printError(err.Error())
		} else {
			printSuccess(msg)
		}
		return
	}

	if last := r.agent.LastModified(); last != "" {
		printInfo("Last modified: " + last)
		if confirmPrompt(r.in, "Restore this file?", false) {
			msg, err := r.agent.RestoreFile(last)
			if err != nil {
				printError(err.Error())
			} else {
				printSuccess(msg)
			}
		} else {
			printInfo("Cancelled")
		}
	} else {
		printInfo("No files to undo")
	}

	backups := r.agent.ModifiedFiles()
	if len(backups) == 0 {
		return
	}
	paths := make([]string, 0, len(backups))
	for path := range backups {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	fmt.Printf("\n%sFiles with backups:%s\n", colorDim, colorReset)
	for _, path := range paths {
		plural := ""
		if backups[path] > 1 {
			plural = "s"
		}
		fmt.Printf("  %s (%d backup%s)\n", path, backups[path], plural)
	}
}

func (r *repl) showConfig() {
	sum := r.cfg.Summary()
	fmt.Printf("\n%sConfiguration:%s\n", colorBold, colorReset)
	fmt.Printf("  Config dir:  %v\n", sum["config_dir"])
	saved := "Not saved"
	if ok, _ := sum["has_credentials"].(bool); ok {
		saved = "Saved"
	}
	fmt.Printf("  Credentials: %s\n", saved)
	if preview, _ := sum["client_id_preview"].(string); preview != "" {
		fmt.Printf("  Client ID:   %s\n", preview)
	}

	locs := config.InstructionLocations(r.workingDir)
	found := func(v any) string {
		if b, _ := v.(bool); b {
			return "✓ Found"
		}
		return "✗ Not found"
	}
	fmt.Printf("\n%s%s:%s\n", colorBold, config.InstructionsFile, colorReset)
	fmt.Printf("  Project: %v\n", locs["project_path"])
	fmt.Printf("           %s\n", found(locs["project"]))
	fmt.Printf("  Global:  %v\n", locs["global_path"])
	fmt.Printf("           %s\n", found(locs["global"]))

	fmt.Printf("\n%sCurrent session:%s\n", colorBold, colorReset)
	fmt.Printf("  Model:       %s\n", r.agent.Model())
	streaming := "Disabled"
	if r.agent.Stream() {
		streaming = "Enabled"
	}
	fmt.Printf("  Streaming:   %s\n", streaming)
	auto := "Off"
	if r.agent.AutoApprove() {
		auto = colorYellow + "ON" + colorReset
	}
	fmt.Printf("  Auto-approve: %s\n", auto)
	fmt.Printf("  History:     %d messages\n", len(r.agent.History()))
}

func (r *repl) load(args []string) {
	if len(args) == 0 {
		sessions := r.agent.ListSessions()
		if len(sessions) == 0 {
			printInfo("No saved sessions found")
			return
		}
		fmt.Printf("\n%sSaved sessions:%s\n", colorBold, colorReset)
		for i, s := range sessions {
			if i == 10 {
				break
			}
			fmt.Printf("  %d. %s (%d msgs, %s)\n", i+1, s.Name, s.MessageCount, s.Model)
		}
		fmt.Println("\n  Use: /load <name>")
		return
	}

	name := args[0]
	count, err := r.agent.LoadSession(name)
	if err != nil {
		printError(err.Error())
	} else {
		printSuccess(fmt.Sprintf("Loaded session '%s' (%d messages)", name, count))
	}
}

func (r *repl) listSessions() {
	sessions := r.agent.ListSessions()
	if len(sessions) == 0 {
		printInfo("No saved sessions found")
		return
	}
	fmt.Printf("\n%sSaved sessions:%s\n", colorBold, colorReset)
	for i, s := range sessions {
		if i == 15 {
			fmt.Printf("\n  ... and %d more\n", len(sessions)-15)
			break
		}
		created := s.CreatedAt
		if len(created) > 10 {
			created = created[:10]
		}
		fmt.Printf("  %s%s%s\n", colorCyan, s.Name, colorReset)
		fmt.Printf("    %s | %d msgs | %s\n", created, s.MessageCount, s.Model)
	}
}

func (r *repl) compact() {
	stats := r.agent.CompactionReport()
	fmt.Printf("\n%sContext stats:%s\n", colorBold, colorReset)
	fmt.Printf("  Messages: %d\n", stats.MessageCount)
	fmt.Printf("  Est. tokens: ~%s\n", group(stats.EstimatedTokens))

	if !stats.NeedsCompaction {
		printInfo("No compaction needed yet")
		return
	}
	fmt.Printf("\n  Would compact: %d msgs → summary\n", stats.WouldCompact)
	fmt.Printf("  Would keep: %d recent msgs\n", stats.WouldKeep)
	if confirmPrompt(r.in, "Compact now?", false) {
		printSuccess(r.agent.CompactHistory())
	}
}

func (r *repl) audit(args []string) {
	if len(args) > 0 && strings.ToLower(args[0]) == "recent" {
		entries := r.agent.AuditRecent(10)
		if len(entries) == 0 {
			printInfo("No audit entries")
			return
		}
		fmt.Printf("\n%sRecent audit entries:%s\n", colorBold, colorReset)
		for _, e := range entries {
			mark := colorGreen + "ok" + colorReset
			if !e.Success {
				mark = colorRed + "FAILED" + colorReset
			}
			fmt.Printf("  %s  %-16s %s\n", e.Timestamp, e.Action, mark)
		}
		return
	}

	s := r.agent.AuditStats()
	if s.LogFile == "" {
		printInfo("Audit logging is disabled")
		return
	}
	fmt.Printf("\n%sAudit log:%s\n", colorBold, colorReset)
	fmt.Printf("  Session:  %s\n", s.SessionID)
	fmt.Printf("  Log file: %s\n", s.LogFile)
	fmt.Printf("  Entries:  %d\n", s.Entries)
	if len(s.ActionCounts) > 0 {
		actions := make([]string, 0, len(s.ActionCounts))
		for action := range s.ActionCounts {
			actions = append(actions, action)
		}
		sort.Strings(actions)
		fmt.Println("  Actions:")
		for _, action := range actions {
			fmt.Printf("    %s: %d\n", action, s.ActionCounts[action])
		}
	}
}

// terminalConfirmer previews gated actions and reads the verdict from
// the terminal. Answering 'a' flips the session to auto-approve.
type terminalConfirmer struct {
	in    *bufio.Reader
	agent *agent.Agent
}

func (c *terminalConfirmer) Ask(ctx context.Context, req agent.ConfirmationRequest) (bool, error) {
	fmt.Println()

	switch req.Tool {
	case "write_file":
		path := tools.StringArg(req.Arguments, "path")
		content := tools.StringArg(req.Arguments, "content")
		lines := strings.Split(content, "\n")
		fmt.Printf("%sWrite to: %s%s%s %s(%d lines)%s\n",
			colorYellow, colorBold, path, colorReset, colorDim, len(lines), colorReset)
		fmt.Printf("%sPreview:%s\n", colorDim, colorReset)
		for i, line := range lines {
			if i == 15 {
				fmt.Printf("%s... (%d more lines)%s\n", colorDim, len(lines)-15, colorReset)
				break
			}
			fmt.Printf("%s%3d| %s%s\n", colorDim, i+1, clip(line, 100), colorReset)
		}

	case "edit_file":
		path := tools.StringArg(req.Arguments, "path")
		fmt.Printf("%sEdit: %s%s%s\n\n", colorYellow, colorBold, path, colorReset)
		showDiff(tools.StringArg(req.Arguments, "old_text"), tools.StringArg(req.Arguments, "new_text"), path)

	case "run_command":
		if req.Dangerous {
			fmt.Printf("%s%sDangerous command:%s\n", colorRed, colorBold, colorReset)
		} else {
			fmt.Printf("%sRun command:%s\n", colorYellow, colorReset)
		}
		fmt.Printf("%s  %s%s\n", colorYellow, tools.StringArg(req.Arguments, "command"), colorReset)

	case "git_commit":
		fmt.Printf("%sGit commit:%s\n", colorYellow, colorReset)
		fmt.Printf("  Message: %s\n", tools.StringArg(req.Arguments, "message"))
		if files := tools.StringSliceArg(req.Arguments, "files"); len(files) > 0 {
			fmt.Printf("  Files: %s\n", strings.Join(files, ", "))
		} else {
			fmt.Println("  Files: (all changes)")
		}

	default:
		fmt.Printf("%s%s: %s%s\n", colorYellow, req.Tool, req.Detail, colorReset)
	}

	answer, err := readLine(c.in, fmt.Sprintf("\n%sAllow? [y/N/a(all)]:%s ", colorCyan, colorReset))
	if err != nil {
		return false, nil
	}
	answer = strings.ToLower(answer)
	if answer == "a" {
		c.agent.SetAutoApprove(true)
		printSuccess("Auto-approve enabled for this session")
		return true, nil
	}
	return answer == "y" || answer == "yes", nil
}

const (
	thoughtOpen  = "<thinking>"
	thoughtClose = "</thinking>"
)

// thoughtRenderer styles thinking spans dim as chunks stream in, holding
// back tag fragments that split across chunk boundaries.
type thoughtRenderer struct {
	inThought bool
	carry     string
}

func (t *thoughtRenderer) feed(chunk string) string {
	s := t.carry + chunk
	t.carry = ""
	var out strings.Builder
	for s != "" {
		tag, style := thoughtOpen, colorDim
		if t.inThought {
			tag, style = thoughtClose, colorReset
		}
		i := strings.Index(s, tag)
		if i < 0 {
			if n := partialSuffix(s, tag); n > 0 {
				t.carry = s[len(s)-n:]
				s = s[:len(s)-n]
			}
			out.WriteString(s)
			break
		}
		out.WriteString(s[:i])
		out.WriteString(style)
		t.inThought = !t.inThought
		s = s[i+len(tag):]
	}
	return out.String()
}

func (t *thoughtRenderer) flush() string {
	s := t.carry
	t.carry = ""
	if t.inThought {
		t.inThought = false
		return s + colorReset
	}
	return s
}

// styleThinking applies the same dimming to a complete, unstreamed
// response.
func styleThinking(s string) string {
	s = strings.ReplaceAll(s, thoughtOpen, colorDim)
	s = strings.ReplaceAll(s, thoughtClose, colorReset)
	return s
}

// partialSuffix reports the length of the longest proper prefix of tag
// that ends s.
func partialSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
