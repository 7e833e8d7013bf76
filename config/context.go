package config

import (
	"os"
	"path/filepath"
	"strings"
)

// LoadInstructions returns the CIRCUIT.md content for a project. The
// project file wins outright over the global one; the two are not merged.
func LoadInstructions(workingDir string) string {
	projectPath := filepath.Join(workingDir, InstructionsFile)
	if data, err := os.ReadFile(projectPath); err == nil {
		return string(data)
	}
	globalPath := filepath.Join(Dir(), InstructionsFile)
	if data, err := os.ReadFile(globalPath); err == nil {
		return string(data)
	}
	return ""
}

// InstructionLocations reports which CIRCUIT.md files exist.
func InstructionLocations(workingDir string) map[string]any {
	projectPath := filepath.Join(workingDir, InstructionsFile)
	globalPath := filepath.Join(Dir(), InstructionsFile)
	return map[string]any{
		"project":      fileExists(projectPath),
		"global":       fileExists(globalPath),
		"project_path": projectPath,
		"global_path":  globalPath,
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

var projectMarkers = []struct {
	file  string
	label string
}{
	{"package.json", "Node.js/JavaScript project"},
	{"pyproject.toml", "Python project (pyproject.toml)"},
	{"setup.py", "Python project (setup.py)"},
	{"requirements.txt", "Python project"},
	{"Cargo.toml", "Rust project"},
	{"go.mod", "Go project"},
	{"pom.xml", "Java/Maven project"},
	{"build.gradle", "Java/Gradle project"},
	{"Gemfile", "Ruby project"},
	{"composer.json", "PHP project"},
	{"Makefile", "Project with Makefile"},
	{"Dockerfile", "Docker containerized"},
	{".git", "Git repository"},
}

// DetectProjectType inspects marker files in workingDir and returns a
// short context line for the system prompt, or "" when nothing matches.
func DetectProjectType(workingDir string) string {
	var found []string
	for _, m := range projectMarkers {
		if fileExists(filepath.Join(workingDir, m.file)) {
			found = append(found, m.label)
		}
	}
	if len(found) == 0 {
		return ""
	}
	if len(found) > 3 {
		found = found[:3]
	}
	return "**Project detected**: " + strings.Join(found, ", ")
}
