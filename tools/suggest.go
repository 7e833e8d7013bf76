package tools

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
)

var suggestSkipDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	"venv":         true,
	".venv":        true,
	"dist":         true,
	"build":        true,
}

// Suggester builds advisory error messages with did-you-mean candidates
// and mismatch diagnostics. The messages are written for the model, which
// uses them to self-correct its next tool call.
type Suggester struct {
	workingDir string
}

func NewSuggester(workingDir string) *Suggester {
	return &Suggester{workingDir: workingDir}
}

// FileNotFound explains a missing file, suggesting similar files and
// directories plus operation-specific tips.
func (s *Suggester) FileNotFound(path, operation string) string {
	parts := []string{fmt.Sprintf("File not found: %s", path)}

	if similar := s.similarFiles(path, 5); len(similar) > 0 {
		parts = append(parts, "\nDid you mean one of these?")
		for _, f := range similar {
			parts = append(parts, "  - "+f)
		}
	}

	if parent := filepath.Dir(path); parent != "." && parent != "" {
		parentPath := filepath.Join(s.workingDir, parent)
		if _, err := os.Stat(parentPath); err != nil {
			parts = append(parts, fmt.Sprintf("\nNote: Directory '%s' doesn't exist either.", parent))
			if dirs := s.similarDirs(parent, 3); len(dirs) > 0 {
				parts = append(parts, "Similar directories:")
				for _, d := range dirs {
					parts = append(parts, "  - "+d)
				}
			}
		}
	}

	parts = append(parts, "\nTips:")
	if operation == "edit" {
		parts = append(parts,
			"  - Use read_file first to verify the file exists",
			"  - Use list_files to see available files")
	} else {
		parts = append(parts,
			"  - Use list_files to see available files",
			"  - Check if the path is relative to the working directory")
	}
	return strings.Join(parts, "\n")
}

type lineMatch struct {
	num   int
	text  string
	score float64
}

// TextNotFound explains a failed exact-text match, listing similar lines
// and likely whitespace or line-ending mismatches.
func (s *Suggester) TextNotFound(path, searchText, fileContent string) string {
	parts := []string{
		fmt.Sprintf("Could not find the specified text in %s", path),
		"\nThe text you're trying to replace wasn't found.",
	}

	if similar := similarLines(searchText, fileContent, 5); len(similar) > 0 {
		parts = append(parts, "\nSimilar text found in file:")
		for _, m := range similar {
			display := m.text
			if len(display) > 80 {
				display = display[:80] + "..."
			}
			parts = append(parts, fmt.Sprintf("  Line %d: %s", m.num, display))
			if m.score < 0.8 {
				parts = append(parts, fmt.Sprintf("           (similarity: %.0f%%)", m.score*100))
			}
		}
	}

	if issues := analyzeMismatch(searchText, fileContent); len(issues) > 0 {
		parts = append(parts, "\nPossible issues detected:")
		for _, issue := range issues {
			parts = append(parts, "  - "+issue)
		}
	}

	parts = append(parts,
		"\nTips:",
		"  - Ensure exact whitespace/indentation match",
		"  - Use read_file to see current content",
		"  - Include more surrounding context for unique matching",
		"  - Check for tabs vs spaces")
	return strings.Join(parts, "\n")
}

// MultipleMatches explains an ambiguous exact-text match with its
// locations.
func (s *Suggester) MultipleMatches(path, searchText, fileContent string, count int) string {
	parts := []string{
		fmt.Sprintf("Found %d matches in %s", count, path),
		"The text you're trying to replace appears multiple times.",
	}

	firstLine := strings.TrimSpace(strings.SplitN(searchText, "\n", 2)[0])
	var locations []lineMatch
	for i, line := range strings.Split(fileContent, "\n") {
		if firstLine != "" && strings.Contains(line, firstLine) {
			locations = append(locations, lineMatch{num: i + 1, text: strings.TrimSpace(line)})
		}
	}
	if len(locations) > 0 {
		parts = append(parts, "\nMatches found at:")
		shown := locations
		if len(shown) > 5 {
			shown = shown[:5]
		}
		for _, m := range shown {
			display := m.text
			if len(display) > 60 {
				display = display[:60] + "..."
			}
			parts = append(parts, fmt.Sprintf("  Line %d: %s", m.num, display))
		}
		if len(locations) > 5 {
			parts = append(parts, fmt.Sprintf("  ... and %d more", len(locations)-5))
		}
	}

	parts = append(parts,
		"\nTips:",
		"  - Include more surrounding context to make the match unique",
		"  - Add lines before or after the target text",
		"  - Include function/class name if editing within one")
	return strings.Join(parts, "\n")
}

// CommandFailed explains a non-zero exit with the error output and
// heuristic suggestions.
func (s *Suggester) CommandFailed(command string, exitCode int, stdout, stderr string) string {
	parts := []string{fmt.Sprintf("Command failed with exit code %d", exitCode)}
	displayCmd := command
	if len(displayCmd) > 100 {
		displayCmd = displayCmd[:100] + "..."
	}
	parts = append(parts, "Command: "+displayCmd)

	if stderr != "" {
		parts = append(parts, "\nError output:")
		if len(stderr) > 500 {
			parts = append(parts, stderr[:500]+"\n[truncated]")
		} else {
			parts = append(parts, stderr)
		}
	}

	errText := stderr
	if errText == "" {
		errText = stdout
	}
	if suggestions := commandHints(command, errText); len(suggestions) > 0 {
		parts = append(parts, "\nSuggestions:")
		for _, sg := range suggestions {
			parts = append(parts, "  - "+sg)
		}
	}
	return strings.Join(parts, "\n")
}

// GitAdvice explains a failed git operation with canned suggestions keyed
// on known message fragments.
func (s *Suggester) GitAdvice(operation, errMsg string) string {
	parts := []string{fmt.Sprintf("Git %s failed", operation)}
	lower := strings.ToLower(errMsg)

	var suggestions []string
	if strings.Contains(lower, "not a git repository") {
		suggestions = append(suggestions, "Initialize a git repository with: git init")
	}
	if strings.Contains(lower, "nothing to commit") {
		suggestions = append(suggestions, "No changes to commit. Use git_status to see current state.")
	}
	if strings.Contains(lower, "merge conflict") {
		suggestions = append(suggestions,
			"Resolve merge conflicts in the affected files",
			"Use git_status to see conflicted files")
	}
	if strings.Contains(lower, "would be overwritten") {
		suggestions = append(suggestions, "Commit or stash your changes first")
	}
	if strings.Contains(lower, "authentication failed") {
		suggestions = append(suggestions,
			"Check your git credentials",
			"For GitHub, you may need a personal access token")
	}
	if strings.Contains(lower, "does not exist") && strings.Contains(lower, "branch") {
		suggestions = append(suggestions, "Use git_branch with action='list' to see available branches")
	}
	if strings.Contains(lower, "already exists") {
		suggestions = append(suggestions, "Choose a different name or delete the existing one first")
	}
	if strings.Contains(lower, "detached head") {
		suggestions = append(suggestions, "Create a new branch to save your work: git checkout -b <branch-name>")
	}

	parts = append(parts, "\nError: "+errMsg)
	if len(suggestions) > 0 {
		parts = append(parts, "\nSuggestions:")
		for _, sg := range suggestions {
			parts = append(parts, "  - "+sg)
		}
	}
	return strings.Join(parts, "\n")
}

func (s *Suggester) similarFiles(path string, max int) []string {
	target := filepath.Base(path)

	var all []string
	_ = filepath.WalkDir(s.workingDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if p != s.workingDir && (strings.HasPrefix(name, ".") || suggestSkipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(s.workingDir, p)
		if relErr == nil {
			all = append(all, rel)
		}
		return nil
	})

	return closeMatches(target, all, max, 0.5)
}

func (s *Suggester) similarDirs(dir string, max int) []string {
	target := filepath.Base(strings.TrimRight(dir, "/"))

	var all []string
	_ = filepath.WalkDir(s.workingDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || p == s.workingDir {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") || suggestSkipDirs[name] {
			return filepath.SkipDir
		}
		rel, relErr := filepath.Rel(s.workingDir, p)
		if relErr == nil {
			all = append(all, rel)
		}
		return nil
	})

	return closeMatches(target, all, max, 0.5)
}

// closeMatches ranks candidates against target, preferring fuzzy
// subsequence matches and topping up with bigram-similar names for typos
// fuzzy matching cannot reach (transpositions, extra letters).
func closeMatches(target string, candidates []string, max int, cutoff float64) []string {
	if target == "" || len(candidates) == 0 {
		return nil
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = filepath.Base(c)
	}

	seen := make(map[string]bool)
	var out []string
	for _, m := range fuzzy.Find(target, names) {
		c := candidates[m.Index]
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
		if len(out) >= max {
			return out
		}
	}

	type scored struct {
		candidate string
		score     float64
	}
	var rest []scored
	for i, name := range names {
		if seen[candidates[i]] {
			continue
		}
		if sc := similarity(target, name); sc >= cutoff {
			rest = append(rest, scored{candidates[i], sc})
		}
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].score > rest[j].score })
	for _, r := range rest {
		out = append(out, r.candidate)
		if len(out) >= max {
			break
		}
	}
	return out
}

// similarity is the Sorensen-Dice coefficient over character bigrams.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		return 0
	}
	counts := make(map[string]int)
	for i := 0; i < len(a)-1; i++ {
		counts[a[i:i+2]]++
	}
	matches := 0
	for i := 0; i < len(b)-1; i++ {
		bg := b[i : i+2]
		if counts[bg] > 0 {
			counts[bg]--
			matches++
		}
	}
	return 2 * float64(matches) / float64(len(a)+len(b)-2)
}

func similarLines(searchText, content string, max int) []lineMatch {
	first := strings.TrimSpace(strings.SplitN(strings.TrimSpace(searchText), "\n", 2)[0])
	if first == "" {
		return nil
	}

	var results []lineMatch
	for i, line := range strings.Split(content, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			continue
		}
		if score := similarity(first, stripped); score >= 0.5 {
			results = append(results, lineMatch{num: i + 1, text: line, score: score})
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })
	if len(results) > max {
		results = results[:max]
	}
	return results
}

var keywordRe = regexp.MustCompile(`\b\w{4,}\b`)

func analyzeMismatch(searchText, content string) []string {
	var issues []string

	if strings.Contains(searchText, "\t") && !strings.Contains(content, "\t") {
		issues = append(issues, "Search text contains tabs but file uses spaces")
	} else if strings.Contains(searchText, "    ") && strings.Contains(content, "\t") {
		issues = append(issues, "Search text uses spaces but file uses tabs")
	}

	if strings.Contains(searchText, "\r\n") && !strings.Contains(content, "\r\n") {
		issues = append(issues, "Search text has Windows line endings (CRLF) but file uses Unix (LF)")
	} else if strings.Contains(content, "\r\n") && !strings.Contains(searchText, "\r\n") {
		issues = append(issues, "File has Windows line endings (CRLF) but search text uses Unix (LF)")
	}

	for i, line := range strings.Split(searchText, "\n") {
		if line != strings.TrimRight(line, " \t") {
			issues = append(issues, fmt.Sprintf("Search text has trailing whitespace on line %d", i+1))
			break
		}
	}

	keywords := keywordRe.FindAllString(searchText, 5)
	if len(keywords) > 0 {
		found := false
		for _, kw := range keywords {
			if strings.Contains(content, kw) {
				found = true
				break
			}
		}
		if !found {
			issues = append(issues, "None of the key terms from search text found in file - file may have changed significantly")
		}
	}
	return issues
}

var moduleRe = regexp.MustCompile(`no module named ['"]?(\w+)`)

func commandHints(command, errText string) []string {
	var suggestions []string
	lower := strings.ToLower(errText)

	if strings.Contains(lower, "modulenotfounderror") || strings.Contains(lower, "no module named") {
		if m := moduleRe.FindStringSubmatch(lower); m != nil {
			suggestions = append(suggestions, "Install missing module: pip install "+m[1])
		}
		suggestions = append(suggestions, "Check if virtual environment is activated")
	}
	if strings.Contains(lower, "syntaxerror") {
		suggestions = append(suggestions,
			"Check for syntax errors in the Python file",
			"Look for missing colons, parentheses, or quotes")
	}
	if strings.Contains(lower, "cannot find module") {
		suggestions = append(suggestions, "Run 'npm install' to install dependencies")
	}
	if strings.Contains(lower, "enoent") {
		suggestions = append(suggestions, "File or directory not found - check the path")
	}
	if strings.Contains(lower, "permission denied") {
		suggestions = append(suggestions,
			"Check file permissions",
			"You may need to use sudo (with caution)")
	}
	if strings.Contains(lower, "command not found") || strings.Contains(lower, "not recognized") {
		cmd := "command"
		if fields := strings.Fields(command); len(fields) > 0 {
			cmd = fields[0]
		}
		suggestions = append(suggestions,
			fmt.Sprintf("'%s' is not installed or not in PATH", cmd),
			"Check if the command name is spelled correctly")
	}
	if strings.Contains(lower, "out of memory") || strings.Contains(lower, "killed") {
		suggestions = append(suggestions,
			"Process ran out of memory",
			"Try processing smaller chunks of data")
	}
	if strings.Contains(lower, "connection refused") || strings.Contains(lower, "network") {
		suggestions = append(suggestions,
			"Check network connectivity",
			"Verify the target host/port is correct")
	}
	return suggestions
}
