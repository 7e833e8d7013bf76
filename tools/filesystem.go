package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	readFileLineCap   = 500
	listFilesCap      = 100
	searchMatchCap    = 50
	searchLineDisplay = 100
)

var listSkipDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	".git":         true,
	".venv":        true,
	"venv":         true,
	".tox":         true,
	"dist":         true,
	"build":        true,
	".next":        true,
	".cache":       true,
}

var searchSkipDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	".git":         true,
	".venv":        true,
	"venv":         true,
	".next":        true,
	".cache":       true,
}

// Sandbox resolves tool paths and confines them to one working directory.
type Sandbox struct {
	root string
}

func NewSandbox(workingDir string) *Sandbox {
	abs, err := filepath.Abs(workingDir)
	if err != nil {
		abs = workingDir
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return &Sandbox{root: abs}
}

func (s *Sandbox) Root() string { return s.root }

// Resolve joins path onto the root and rejects anything that escapes it,
// following symlinks on the existing part of the path.
func (s *Sandbox) Resolve(path string) (string, error) {
	full := filepath.Clean(filepath.Join(s.root, path))
	real := resolveExisting(full)
	if real != s.root && !strings.HasPrefix(real, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("Path '%s' is outside working directory", path)
	}
	return full, nil
}

// resolveExisting evaluates symlinks on the deepest existing ancestor of
// path and rejoins the remainder, so not-yet-created files still resolve.
func resolveExisting(path string) string {
	remainder := ""
	p := path
	for {
		if real, err := filepath.EvalSymlinks(p); err == nil {
			return filepath.Clean(filepath.Join(real, remainder))
		}
		parent := filepath.Dir(p)
		if parent == p {
			return path
		}
		remainder = filepath.Join(filepath.Base(p), remainder)
		p = parent
	}
}

// splitLines splits keeping line terminators, like reading a file line by
// line would.
func splitLines(content string) []string {
	lines := strings.SplitAfter(content, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

// ReadFileTool returns file contents with line numbers.
type ReadFileTool struct {
	Sandbox *Sandbox
	Suggest *Suggester
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read the contents of a file. Returns file contents with line numbers. Use this before editing any file."
}
func (t *ReadFileTool) ReadOnly() bool { return true }

func (t *ReadFileTool) Parameters() map[string]any {
	return ObjectSchema(map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "File path relative to the working directory",
		},
		"start_line": map[string]any{
			"type":        "integer",
			"description": "Optional: Start reading from this line number (1-indexed)",
		},
		"end_line": map[string]any{
			"type":        "integer",
			"description": "Optional: Stop reading at this line number (inclusive)",
		},
	}, "path")
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	path := StringArg(args, "path")

	full, err := t.Sandbox.Resolve(path)
	if err != nil {
		return Completed("Error: " + err.Error()), nil
	}

	info, statErr := os.Stat(full)
	if statErr != nil {
		return Completed("Error: " + t.Suggest.FileNotFound(path, "read")), nil
	}
	if info.IsDir() {
		return Completed(fmt.Sprintf("Error: '%s' is a directory, not a file. Use list_files to see contents.", path)), nil
	}

	data, readErr := os.ReadFile(full)
	if readErr != nil {
		return Completed(fmt.Sprintf("Error reading file: %v", readErr)), nil
	}

	lines := splitLines(string(data))
	total := len(lines)

	_, hasStart := args["start_line"]
	_, hasEnd := args["end_line"]
	ranged := hasStart || hasEnd

	startNum := 1
	truncated := 0
	if ranged {
		start := IntArg(args, "start_line", 1)
		if start < 1 {
			start = 1
		}
		end := IntArg(args, "end_line", total)
		if end > total {
			end = total
		}
		startNum = start
		if start-1 >= total || end < start {
			lines = nil
		} else {
			lines = lines[start-1 : end]
		}
	} else if total > readFileLineCap {
		lines = lines[:readFileLineCap]
		truncated = total - readFileLineCap
	}

	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%4d| %s", startNum+i, line)
	}
	content := b.String()
	if truncated > 0 {
		content += fmt.Sprintf("\n... (%d more lines truncated)", truncated)
	}

	header := ""
	if ranged {
		header = fmt.Sprintf("[Lines %d-%d of %d]\n", startNum, startNum+len(lines)-1, total)
	}
	if content == "" {
		content = "(empty file)"
	}
	return Completed(header + content), nil
}

// WriteFileTool creates or overwrites a file.
type WriteFileTool struct {
	Sandbox *Sandbox
	Backups *BackupManager
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Create a new file or overwrite an existing file with the given content."
}
func (t *WriteFileTool) ReadOnly() bool { return false }

func (t *WriteFileTool) Parameters() map[string]any {
	return ObjectSchema(map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "File path relative to the working directory",
		},
		"content": map[string]any{
			"type":        "string",
			"description": "The content to write to the file",
		},
	}, "path", "content")
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	if !confirmed {
		return NeedsConfirmation("write_file"), nil
	}

	path := StringArg(args, "path")
	content := StringArg(args, "content")

	full, err := t.Sandbox.Resolve(path)
	if err != nil {
		return Completed("Error: " + err.Error()), nil
	}

	if t.Backups != nil {
		t.Backups.Backup(path)
	}
	if parent := filepath.Dir(full); parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return Completed(fmt.Sprintf("Error writing file: %v", err)), nil
		}
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return Completed(fmt.Sprintf("Error writing file: %v", err)), nil
	}

	lines := strings.Count(content, "\n") + 1
	return Completed(fmt.Sprintf("Successfully wrote %d lines to %s", lines, path)), nil
}

// EditFileTool replaces one exact text occurrence in a file.
type EditFileTool struct {
	Sandbox *Sandbox
	Backups *BackupManager
	Suggest *Suggester
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Make a targeted edit to a file by replacing specific text. The old_text must match exactly (including whitespace/indentation)."
}
func (t *EditFileTool) ReadOnly() bool { return false }

func (t *EditFileTool) Parameters() map[string]any {
	return ObjectSchema(map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "File path relative to the working directory",
		},
		"old_text": map[string]any{
			"type":        "string",
			"description": "The exact text to find and replace (must match exactly including whitespace)",
		},
		"new_text": map[string]any{
			"type":        "string",
			"description": "The text to replace it with",
		},
	}, "path", "old_text", "new_text")
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	if !confirmed {
		return NeedsConfirmation("edit_file"), nil
	}

	path := StringArg(args, "path")
	oldText := StringArg(args, "old_text")
	newText := StringArg(args, "new_text")

	full, err := t.Sandbox.Resolve(path)
	if err != nil {
		return Completed("Error: " + err.Error()), nil
	}

	data, readErr := os.ReadFile(full)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return Completed("Error: " + t.Suggest.FileNotFound(path, "edit")), nil
		}
		return Completed(fmt.Sprintf("Error editing file: %v", readErr)), nil
	}
	content := string(data)

	count := strings.Count(content, oldText)
	if oldText == "" || count == 0 {
		return Completed("Error: " + t.Suggest.TextNotFound(path, oldText, content)), nil
	}
	if count > 1 {
		return Completed("Error: " + t.Suggest.MultipleMatches(path, oldText, content, count)), nil
	}

	if t.Backups != nil {
		t.Backups.Backup(path)
	}
	newContent := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(full, []byte(newContent), 0o644); err != nil {
		return Completed(fmt.Sprintf("Error editing file: %v", err)), nil
	}
	return Completed("Successfully edited " + path), nil
}

// ListFilesTool lists files matching a glob pattern.
type ListFilesTool struct {
	Sandbox *Sandbox
}

func (t *ListFilesTool) Name() string { return "list_files" }
func (t *ListFilesTool) Description() string {
	return "List files matching a glob pattern. Use '**/*.py' for recursive search, '*.js' for current dir only."
}
func (t *ListFilesTool) ReadOnly() bool { return true }

func (t *ListFilesTool) Parameters() map[string]any {
	return ObjectSchema(map[string]any{
		"pattern": map[string]any{
			"type":        "string",
			"description": "Glob pattern (e.g., '**/*.py', 'src/**/*.ts', '*.json')",
		},
	}, "pattern")
}

func skipPath(rel string, skip map[string]bool) bool {
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") || skip[part] {
			return true
		}
	}
	return false
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	pattern := StringArgDefault(args, "pattern", "**/*")

	matches, err := doublestar.Glob(os.DirFS(t.Sandbox.Root()), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return Completed(fmt.Sprintf("Error listing files: %v", err)), nil
	}

	var filtered []string
	for _, m := range matches {
		rel := filepath.FromSlash(m)
		if skipPath(rel, listSkipDirs) {
			continue
		}
		filtered = append(filtered, rel)
	}
	sort.Strings(filtered)

	if len(filtered) == 0 {
		return Completed("No files found matching pattern: " + pattern), nil
	}

	shown := filtered
	extra := 0
	if len(shown) > listFilesCap {
		extra = len(shown) - listFilesCap
		shown = shown[:listFilesCap]
	}
	result := strings.Join(shown, "\n")
	if extra > 0 {
		result += fmt.Sprintf("\n... (%d more files)", extra)
	}
	return Completed(fmt.Sprintf("Found %d files:\n%s", len(filtered), result)), nil
}

// SearchFilesTool greps files for a regex pattern.
type SearchFilesTool struct {
	Sandbox *Sandbox
}

func (t *SearchFilesTool) Name() string { return "search_files" }
func (t *SearchFilesTool) Description() string {
	return "Search for a regex pattern in files. Returns matching lines with file paths and line numbers."
}
func (t *SearchFilesTool) ReadOnly() bool { return true }

func (t *SearchFilesTool) Parameters() map[string]any {
	return ObjectSchema(map[string]any{
		"pattern": map[string]any{
			"type":        "string",
			"description": "Regex pattern to search for",
		},
		"file_pattern": map[string]any{
			"type":        "string",
			"description": "Optional glob pattern to filter files (e.g., '**/*.py'). Defaults to all files.",
			"default":     "**/*",
		},
		"case_sensitive": map[string]any{
			"type":        "boolean",
			"description": "Whether search is case-sensitive. Defaults to false.",
			"default":     false,
		},
	}, "pattern")
}

func (t *SearchFilesTool) Execute(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	pattern := StringArg(args, "pattern")
	filePattern := StringArgDefault(args, "file_pattern", "**/*")
	caseSensitive := BoolArg(args, "case_sensitive", false)

	expr := pattern
	if !caseSensitive {
		expr = "(?i)" + pattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return Completed(fmt.Sprintf("Invalid regex pattern: %v\nTip: Escape special characters like . * + ? with backslash.", err)), nil
	}

	fsys := os.DirFS(t.Sandbox.Root())
	matches, err := doublestar.Glob(fsys, filePattern, doublestar.WithFilesOnly())
	if err != nil {
		return Completed(fmt.Sprintf("Error searching files: %v", err)), nil
	}

	var results []string
	filesSearched := 0
	for _, m := range matches {
		if len(results) >= searchMatchCap {
			break
		}
		rel := filepath.FromSlash(m)
		if skipPath(rel, searchSkipDirs) {
			continue
		}
		data, readErr := fs.ReadFile(fsys, m)
		if readErr != nil {
			continue
		}
		filesSearched++
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				display := strings.TrimSpace(line)
				if len(display) > searchLineDisplay {
					display = display[:searchLineDisplay]
				}
				results = append(results, fmt.Sprintf("%s:%d: %s", rel, i+1, display))
				if len(results) >= searchMatchCap {
					break
				}
			}
		}
	}

	if len(results) == 0 {
		return Completed(fmt.Sprintf("No matches found for '%s' in %d files", pattern, filesSearched)), nil
	}

	output := strings.Join(results, "\n")
	if len(results) >= searchMatchCap {
		output += "\n... (results truncated at 50 matches)"
	}
	return Completed(fmt.Sprintf("Found %d matches:\n%s", len(results), output)), nil
}
