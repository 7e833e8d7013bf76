package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const gitTimeout = 30

// GitRunner executes git subcommands in the working directory and shapes
// their output for the model. Failures are routed through the suggester
// for advisory messages.
type GitRunner struct {
	workingDir string
	suggest    *Suggester
}

func NewGitRunner(workingDir string, suggest *Suggester) *GitRunner {
	return &GitRunner{workingDir: workingDir, suggest: suggest}
}

func (g *GitRunner) run(ctx context.Context, timeoutSec int, args ...string) (bool, string) {
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = g.workingDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return false, fmt.Sprintf("Git command timed out after %ds", timeoutSec)
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}
	output = strings.TrimSpace(output)
	if output == "" {
		output = "(no output)"
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			if errors.Is(runErr, exec.ErrNotFound) {
				return false, "Git is not installed or not in PATH"
			}
			return false, fmt.Sprintf("Git error: %v", runErr)
		}
		return false, output
	}
	return true, output
}

func (g *GitRunner) fail(operation, output string) string {
	if g.suggest != nil {
		return g.suggest.GitAdvice(operation, output)
	}
	return "Error: " + output
}

// GitStatusTool shows the working tree status.
type GitStatusTool struct {
	Git *GitRunner
}

func (t *GitStatusTool) Name() string { return "git_status" }
func (t *GitStatusTool) Description() string {
	return "Show the working tree status. Returns staged, unstaged, and untracked files."
}
func (t *GitStatusTool) ReadOnly() bool             { return true }
func (t *GitStatusTool) Parameters() map[string]any { return ObjectSchema(map[string]any{}) }

func (t *GitStatusTool) Execute(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	ok, output := t.Git.run(ctx, gitTimeout, "status", "--short", "--branch")
	if !ok {
		return Completed(t.Git.fail("status", output)), nil
	}
	if output == "(no output)" {
		return Completed("Working tree clean, nothing to commit"), nil
	}
	return Completed(output), nil
}

// GitDiffTool shows changes between commits or against the working tree.
type GitDiffTool struct {
	Git *GitRunner
}

func (t *GitDiffTool) Name() string { return "git_diff" }
func (t *GitDiffTool) Description() string {
	return "Show changes between commits, commit and working tree, etc."
}
func (t *GitDiffTool) ReadOnly() bool { return true }

func (t *GitDiffTool) Parameters() map[string]any {
	return ObjectSchema(map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "Optional: Limit diff to specific file or directory",
		},
		"staged": map[string]any{
			"type":        "boolean",
			"description": "If true, show staged changes (--cached). Default false.",
			"default":     false,
		},
		"commit": map[string]any{
			"type":        "string",
			"description": "Optional: Compare against specific commit (e.g., 'HEAD~1', 'main')",
		},
	})
}

func (t *GitDiffTool) Execute(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	gitArgs := []string{"diff"}
	if BoolArg(args, "staged", false) {
		gitArgs = append(gitArgs, "--cached")
	}
	if commit := StringArg(args, "commit"); commit != "" {
		gitArgs = append(gitArgs, commit)
	}
	if path := StringArg(args, "path"); path != "" {
		gitArgs = append(gitArgs, "--", path)
	}

	ok, output := t.Git.run(ctx, 60, gitArgs...)
	if !ok {
		return Completed(t.Git.fail("diff", output)), nil
	}
	if output == "(no output)" {
		return Completed("(no differences)"), nil
	}
	return Completed(output), nil
}

// GitLogTool shows commit history.
type GitLogTool struct {
	Git *GitRunner
}

func (t *GitLogTool) Name() string        { return "git_log" }
func (t *GitLogTool) Description() string { return "Show commit history." }
func (t *GitLogTool) ReadOnly() bool      { return true }

func (t *GitLogTool) Parameters() map[string]any {
	return ObjectSchema(map[string]any{
		"count": map[string]any{
			"type":        "integer",
			"description": "Number of commits to show (default 10, max 50)",
			"default":     10,
		},
		"path": map[string]any{
			"type":        "string",
			"description": "Optional: Show history for specific file",
		},
		"oneline": map[string]any{
			"type":        "boolean",
			"description": "If true, show condensed output. Default true.",
			"default":     true,
		},
	})
}

func (t *GitLogTool) Execute(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	count := IntArg(args, "count", 10)
	if count < 1 {
		count = 1
	}
	if count > 50 {
		count = 50
	}

	gitArgs := []string{"log", fmt.Sprintf("-%d", count)}
	if BoolArg(args, "oneline", true) {
		gitArgs = append(gitArgs, "--oneline")
	} else {
		gitArgs = append(gitArgs, "--format=%h %ad %s", "--date=short")
	}
	if path := StringArg(args, "path"); path != "" {
		gitArgs = append(gitArgs, "--", path)
	}

	ok, output := t.Git.run(ctx, gitTimeout, gitArgs...)
	if !ok {
		return Completed(t.Git.fail("log", output)), nil
	}
	if output == "(no output)" {
		return Completed("(no commits)"), nil
	}
	return Completed(output), nil
}

// GitCommitTool stages files and creates a commit.
type GitCommitTool struct {
	Git *GitRunner
}

func (t *GitCommitTool) Name() string { return "git_commit" }
func (t *GitCommitTool) Description() string {
	return "Stage files and create a commit. Will stage all modified/new files listed, then commit."
}
func (t *GitCommitTool) ReadOnly() bool { return false }

func (t *GitCommitTool) Parameters() map[string]any {
	return ObjectSchema(map[string]any{
		"message": map[string]any{
			"type":        "string",
			"description": "Commit message",
		},
		"files": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Optional: Specific files to stage. If empty, stages all changes.",
		},
	}, "message")
}

func (t *GitCommitTool) Execute(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	if !confirmed {
		return NeedsConfirmation("git_commit"), nil
	}

	message := StringArg(args, "message")
	files := StringSliceArg(args, "files")

	if len(files) > 0 {
		for _, f := range files {
			if ok, output := t.Git.run(ctx, gitTimeout, "add", f); !ok {
				return Completed(fmt.Sprintf("Error staging %s: %s", f, output)), nil
			}
		}
	} else {
		if ok, output := t.Git.run(ctx, gitTimeout, "add", "-A"); !ok {
			return Completed("Error staging files: " + output), nil
		}
	}

	if ok, status := t.Git.run(ctx, gitTimeout, "status", "--porcelain"); ok && status == "(no output)" {
		return Completed("Nothing to commit, working tree clean"), nil
	}

	ok, output := t.Git.run(ctx, gitTimeout, "commit", "-m", message)
	if !ok {
		return Completed(t.Git.fail("commit", output)), nil
	}
	return Completed("Committed: " + output), nil
}

// GitBranchTool lists, creates, switches, or deletes branches.
type GitBranchTool struct {
	Git *GitRunner
}

func (t *GitBranchTool) Name() string        { return "git_branch" }
func (t *GitBranchTool) Description() string { return "List, create, or switch branches." }
func (t *GitBranchTool) ReadOnly() bool      { return false }

func (t *GitBranchTool) Parameters() map[string]any {
	return ObjectSchema(map[string]any{
		"action": map[string]any{
			"type":        "string",
			"enum":        []string{"list", "create", "switch", "delete"},
			"description": "Action to perform. Default 'list'.",
			"default":     "list",
		},
		"name": map[string]any{
			"type":        "string",
			"description": "Branch name (required for create/switch/delete)",
		},
	})
}

func (t *GitBranchTool) Execute(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	action := StringArgDefault(args, "action", "list")
	name := StringArg(args, "name")

	switch action {
	case "list":
		ok, output := t.Git.run(ctx, gitTimeout, "branch", "-a")
		if !ok {
			return Completed(t.Git.fail("branch", output)), nil
		}
		return Completed(output), nil

	case "create":
		if name == "" {
			return Completed("Error: Branch name required for create action"), nil
		}
		ok, output := t.Git.run(ctx, gitTimeout, "branch", name)
		if !ok {
			return Completed(t.Git.fail("branch", output)), nil
		}
		return Completed("Created branch: " + name), nil

	case "switch":
		if name == "" {
			return Completed("Error: Branch name required for switch action"), nil
		}
		ok, output := t.Git.run(ctx, gitTimeout, "checkout", name)
		if !ok {
			return Completed(t.Git.fail("branch", output)), nil
		}
		return Completed("Switched to: " + name), nil

	case "delete":
		if name == "" {
			return Completed("Error: Branch name required for delete action"), nil
		}
		ok, output := t.Git.run(ctx, gitTimeout, "branch", "-d", name)
		if !ok {
			return Completed(t.Git.fail("branch", output)), nil
		}
		return Completed("Deleted branch: " + name), nil

	default:
		return Completed(fmt.Sprintf("Unknown action: %s. Use list, create, switch, or delete.", action)), nil
	}
}
