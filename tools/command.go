package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/circuitide/circuit/config"
)

const (
	commandOutputCap  = 5000
	minCommandTimeout = 5
	maxCommandTimeout = 300
)

// RunCommandTool executes a shell command in the working directory.
// Dangerous commands always gate on confirmation; the action tag tells
// the dispatch layer that auto-approve must not apply.
type RunCommandTool struct {
	Sandbox *Sandbox
}

func (t *RunCommandTool) Name() string { return "run_command" }
func (t *RunCommandTool) Description() string {
	return "Execute a shell command in the working directory. Use for running tests, builds, scripts, etc."
}
func (t *RunCommandTool) ReadOnly() bool { return false }

func (t *RunCommandTool) Parameters() map[string]any {
	return ObjectSchema(map[string]any{
		"command": map[string]any{
			"type":        "string",
			"description": "The shell command to execute",
		},
		"timeout": map[string]any{
			"type":        "integer",
			"description": "Timeout in seconds (default 60, max 300)",
			"default":     60,
		},
	}, "command")
}

func (t *RunCommandTool) Execute(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	command := StringArg(args, "command")

	if config.IsDangerousCommand(command) && !confirmed {
		return NeedsConfirmation("dangerous_command"), nil
	}

	timeout := IntArg(args, "timeout", 60)
	if timeout < minCommandTimeout {
		timeout = minCommandTimeout
	}
	if timeout > maxCommandTimeout {
		timeout = maxCommandTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.Sandbox.Root()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return Completed(fmt.Sprintf("Error: Command timed out after %d seconds\nTip: Use timeout parameter for long-running commands.", timeout)), nil
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Completed(fmt.Sprintf("Error running command: %v", runErr)), nil
		}
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "[stderr]\n" + stderr.String()
	}
	if output == "" {
		output = "(no output)"
	}
	if len(output) > commandOutputCap {
		output = output[:commandOutputCap] + "\n... (output truncated)"
	}

	status := "succeeded"
	if exitCode != 0 {
		status = fmt.Sprintf("failed (exit code %d)", exitCode)
	}
	return Completed(fmt.Sprintf("Command %s:\n%s", status, output)), nil
}
