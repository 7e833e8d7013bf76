package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newFileFixture(t *testing.T) (string, *Sandbox, *BackupManager, *Suggester) {
	t.Helper()
	dir := t.TempDir()
	return dir, NewSandbox(dir), NewBackupManager(dir), NewSuggester(dir)
}

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadFile(t *testing.T) {
	dir, sb, _, sg := newFileFixture(t)
	writeFixture(t, dir, "hello.txt", "first line\nsecond line\n")
	tool := &ReadFileTool{Sandbox: sb, Suggest: sg}

	res, err := tool.Execute(context.Background(), map[string]any{"path": "hello.txt"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Output, "   1| first line") {
		t.Errorf("expected numbered first line, got %q", res.Output)
	}
	if !strings.Contains(res.Output, "   2| second line") {
		t.Errorf("expected numbered second line, got %q", res.Output)
	}
}

func TestReadFileRange(t *testing.T) {
	dir, sb, _, sg := newFileFixture(t)
	var content strings.Builder
	for i := 1; i <= 20; i++ {
		fmt.Fprintf(&content, "line %d\n", i)
	}
	writeFixture(t, dir, "many.txt", content.String())
	tool := &ReadFileTool{Sandbox: sb, Suggest: sg}

	res, _ := tool.Execute(context.Background(), map[string]any{
		"path": "many.txt", "start_line": 5, "end_line": 7,
	}, false)
	if !strings.Contains(res.Output, "[Lines 5-7 of 20]") {
		t.Errorf("expected range header, got %q", res.Output)
	}
	if !strings.Contains(res.Output, "line 5") || strings.Contains(res.Output, "line 8") {
		t.Errorf("expected only requested lines, got %q", res.Output)
	}
}

func TestReadFileTruncatesLongFiles(t *testing.T) {
	dir, sb, _, sg := newFileFixture(t)
	var content strings.Builder
	for i := 1; i <= 600; i++ {
		fmt.Fprintf(&content, "line %d\n", i)
	}
	writeFixture(t, dir, "long.txt", content.String())
	tool := &ReadFileTool{Sandbox: sb, Suggest: sg}

	res, _ := tool.Execute(context.Background(), map[string]any{"path": "long.txt"}, false)
	if !strings.Contains(res.Output, "more lines truncated") {
		t.Errorf("expected truncation notice, got tail %q", res.Output[len(res.Output)-100:])
	}
	if strings.Contains(res.Output, "line 501") {
		t.Error("expected output to stop at line 500")
	}
}

func TestReadFileEmpty(t *testing.T) {
	dir, sb, _, sg := newFileFixture(t)
	writeFixture(t, dir, "empty.txt", "")
	tool := &ReadFileTool{Sandbox: sb, Suggest: sg}

	res, _ := tool.Execute(context.Background(), map[string]any{"path": "empty.txt"}, false)
	if res.Output != "(empty file)" {
		t.Errorf("expected empty file marker, got %q", res.Output)
	}
}

func TestReadFileMissingSuggests(t *testing.T) {
	dir, sb, _, sg := newFileFixture(t)
	writeFixture(t, dir, "main.go", "package main\n")
	tool := &ReadFileTool{Sandbox: sb, Suggest: sg}

	res, _ := tool.Execute(context.Background(), map[string]any{"path": "mian.go"}, false)
	if !strings.HasPrefix(res.Output, "Error: File not found: mian.go") {
		t.Errorf("expected not-found error, got %q", res.Output)
	}
	if !strings.Contains(res.Output, "main.go") {
		t.Errorf("expected suggestion for main.go, got %q", res.Output)
	}
}

func TestReadFileDirectory(t *testing.T) {
	dir, sb, _, sg := newFileFixture(t)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	tool := &ReadFileTool{Sandbox: sb, Suggest: sg}

	res, _ := tool.Execute(context.Background(), map[string]any{"path": "sub"}, false)
	if !strings.Contains(res.Output, "is a directory") {
		t.Errorf("expected directory error, got %q", res.Output)
	}
}

func TestSandboxRejectsEscape(t *testing.T) {
	dir, sb, _, sg := newFileFixture(t)
	_ = dir
	tool := &ReadFileTool{Sandbox: sb, Suggest: sg}

	res, _ := tool.Execute(context.Background(), map[string]any{"path": "../../etc/passwd"}, false)
	if !strings.Contains(res.Output, "outside working directory") {
		t.Errorf("expected sandbox rejection, got %q", res.Output)
	}
}

func TestWriteFileNeedsConfirmation(t *testing.T) {
	_, sb, bm, _ := newFileFixture(t)
	tool := &WriteFileTool{Sandbox: sb, Backups: bm}

	res, err := tool.Execute(context.Background(), map[string]any{
		"path": "out.txt", "content": "data",
	}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NeedsConfirmation {
		t.Error("expected confirmation request")
	}
	if res.Action != "write_file" {
		t.Errorf("expected write_file action, got %q", res.Action)
	}
}

func TestWriteFileConfirmed(t *testing.T) {
	dir, sb, bm, _ := newFileFixture(t)
	tool := &WriteFileTool{Sandbox: sb, Backups: bm}

	res, _ := tool.Execute(context.Background(), map[string]any{
		"path": "nested/dir/out.txt", "content": "alpha\nbeta\n",
	}, true)
	if !strings.Contains(res.Output, "Successfully wrote") {
		t.Errorf("expected success message, got %q", res.Output)
	}

	data, err := os.ReadFile(filepath.Join(dir, "nested", "dir", "out.txt"))
	if err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
	if string(data) != "alpha\nbeta\n" {
		t.Errorf("unexpected content: %q", data)
	}
}

func TestWriteFileBacksUpExisting(t *testing.T) {
	dir, sb, bm, _ := newFileFixture(t)
	writeFixture(t, dir, "keep.txt", "original")
	tool := &WriteFileTool{Sandbox: sb, Backups: bm}

	if _, err := tool.Execute(context.Background(), map[string]any{
		"path": "keep.txt", "content": "replaced",
	}, true); err != nil {
		t.Fatal(err)
	}

	msg, err := bm.Restore("keep.txt")
	if err != nil {
		t.Fatalf("expected backup to exist: %v", err)
	}
	if !strings.Contains(msg, "Restored") {
		t.Errorf("unexpected restore message: %q", msg)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "keep.txt"))
	if string(data) != "original" {
		t.Errorf("expected original content restored, got %q", data)
	}
}

func TestEditFile(t *testing.T) {
	dir, sb, bm, sg := newFileFixture(t)
	writeFixture(t, dir, "code.py", "def greet():\n    print('hello')\n")
	tool := &EditFileTool{Sandbox: sb, Backups: bm, Suggest: sg}

	res, _ := tool.Execute(context.Background(), map[string]any{
		"path":     "code.py",
		"old_text": "print('hello')",
		"new_text": "print('goodbye')",
	}, true)
	if !strings.Contains(res.Output, "Successfully edited") {
		t.Errorf("expected success message, got %q", res.Output)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "code.py"))
	if !strings.Contains(string(data), "goodbye") {
		t.Errorf("expected edit applied, got %q", data)
	}
}

func TestEditFileNeedsConfirmation(t *testing.T) {
	dir, sb, bm, sg := newFileFixture(t)
	writeFixture(t, dir, "code.py", "x = 1\n")
	tool := &EditFileTool{Sandbox: sb, Backups: bm, Suggest: sg}

	res, _ := tool.Execute(context.Background(), map[string]any{
		"path": "code.py", "old_text": "x = 1", "new_text": "x = 2",
	}, false)
	if !res.NeedsConfirmation || res.Action != "edit_file" {
		t.Errorf("expected edit_file confirmation, got %+v", res)
	}
}

func TestEditFileTextNotFound(t *testing.T) {
	dir, sb, bm, sg := newFileFixture(t)
	writeFixture(t, dir, "code.py", "def greet():\n    print('hello')\n")
	tool := &EditFileTool{Sandbox: sb, Backups: bm, Suggest: sg}

	res, _ := tool.Execute(context.Background(), map[string]any{
		"path":     "code.py",
		"old_text": "print(\"hello\")",
		"new_text": "x",
	}, true)
	if !strings.Contains(res.Output, "Error") {
		t.Errorf("expected error for missing text, got %q", res.Output)
	}
	if !strings.Contains(res.Output, "not found") {
		t.Errorf("expected not-found explanation, got %q", res.Output)
	}
}

func TestEditFileMultipleMatches(t *testing.T) {
	dir, sb, bm, sg := newFileFixture(t)
	writeFixture(t, dir, "dup.txt", "value\nvalue\nvalue\n")
	tool := &EditFileTool{Sandbox: sb, Backups: bm, Suggest: sg}

	res, _ := tool.Execute(context.Background(), map[string]any{
		"path": "dup.txt", "old_text": "value", "new_text": "other",
	}, true)
	if !strings.Contains(res.Output, "Found 3 matches") {
		t.Errorf("expected multiple-match error, got %q", res.Output)
	}
}

func TestListFiles(t *testing.T) {
	dir, sb, _, _ := newFileFixture(t)
	writeFixture(t, dir, "a.go", "package a\n")
	writeFixture(t, dir, "sub/b.go", "package b\n")
	writeFixture(t, dir, "sub/c.txt", "text\n")
	writeFixture(t, dir, "node_modules/dep/d.go", "package d\n")
	tool := &ListFilesTool{Sandbox: sb}

	res, _ := tool.Execute(context.Background(), map[string]any{"pattern": "**/*.go"}, false)
	if !strings.Contains(res.Output, "a.go") || !strings.Contains(res.Output, "sub/b.go") {
		t.Errorf("expected go files listed, got %q", res.Output)
	}
	if strings.Contains(res.Output, "node_modules") {
		t.Errorf("expected node_modules skipped, got %q", res.Output)
	}
	if strings.Contains(res.Output, "c.txt") {
		t.Errorf("expected pattern to filter extensions, got %q", res.Output)
	}
}

func TestListFilesNoMatches(t *testing.T) {
	_, sb, _, _ := newFileFixture(t)
	tool := &ListFilesTool{Sandbox: sb}

	res, _ := tool.Execute(context.Background(), map[string]any{"pattern": "*.rs"}, false)
	if !strings.Contains(res.Output, "No files found matching pattern: *.rs") {
		t.Errorf("expected no-match message, got %q", res.Output)
	}
}

func TestSearchFiles(t *testing.T) {
	dir, sb, _, _ := newFileFixture(t)
	writeFixture(t, dir, "one.txt", "needle here\nplain line\n")
	writeFixture(t, dir, "two.txt", "another NEEDLE\n")
	tool := &SearchFilesTool{Sandbox: sb}

	res, _ := tool.Execute(context.Background(), map[string]any{"pattern": "needle"}, false)
	if !strings.Contains(res.Output, "one.txt:1:") {
		t.Errorf("expected match location, got %q", res.Output)
	}
	if !strings.Contains(res.Output, "two.txt") {
		t.Errorf("expected case-insensitive match, got %q", res.Output)
	}
}

func TestSearchFilesCaseSensitive(t *testing.T) {
	dir, sb, _, _ := newFileFixture(t)
	writeFixture(t, dir, "one.txt", "Needle\nneedle\n")
	tool := &SearchFilesTool{Sandbox: sb}

	res, _ := tool.Execute(context.Background(), map[string]any{
		"pattern": "Needle", "case_sensitive": true,
	}, false)
	if !strings.Contains(res.Output, "Found 1 match") {
		t.Errorf("expected single case-sensitive match, got %q", res.Output)
	}
}

func TestSearchFilesInvalidRegex(t *testing.T) {
	_, sb, _, _ := newFileFixture(t)
	tool := &SearchFilesTool{Sandbox: sb}

	res, _ := tool.Execute(context.Background(), map[string]any{"pattern": "[unclosed"}, false)
	if !strings.Contains(res.Output, "Invalid regex pattern") {
		t.Errorf("expected invalid-regex message, got %q", res.Output)
	}
}

func TestSearchFilesNoMatches(t *testing.T) {
	dir, sb, _, _ := newFileFixture(t)
	writeFixture(t, dir, "one.txt", "nothing interesting\n")
	tool := &SearchFilesTool{Sandbox: sb}

	res, _ := tool.Execute(context.Background(), map[string]any{"pattern": "absent"}, false)
	if !strings.Contains(res.Output, "No matches found for 'absent'") {
		t.Errorf("expected no-match message, got %q", res.Output)
	}
}
