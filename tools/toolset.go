package tools

// Toolset bundles the built-in tool registry with the shared helpers
// that frontends reach for directly: the backup manager for undo, the
// git runner for status lines, the sandbox for path resolution.
type Toolset struct {
	Registry *Registry
	Sandbox  *Sandbox
	Backups  *BackupManager
	Git      *GitRunner
}

// NewToolset wires every built-in tool for one working directory. A nil
// github skips the GitHub API tool family.
func NewToolset(workingDir string, github *GitHubTools) *Toolset {
	sandbox := NewSandbox(workingDir)
	backups := NewBackupManager(workingDir)
	suggest := NewSuggester(workingDir)
	git := NewGitRunner(workingDir, suggest)
	cache := NewWebCache()

	reg := NewRegistry()
	reg.Register(&ReadFileTool{Sandbox: sandbox, Suggest: suggest})
	reg.Register(&WriteFileTool{Sandbox: sandbox, Backups: backups})
	reg.Register(&EditFileTool{Sandbox: sandbox, Backups: backups, Suggest: suggest})
	reg.Register(&ListFilesTool{Sandbox: sandbox})
	reg.Register(&SearchFilesTool{Sandbox: sandbox})
	reg.Register(&RunCommandTool{Sandbox: sandbox})
	reg.Register(&GitStatusTool{Git: git})
	reg.Register(&GitDiffTool{Git: git})
	reg.Register(&GitLogTool{Git: git})
	reg.Register(&GitCommitTool{Git: git})
	reg.Register(&GitBranchTool{Git: git})
	reg.Register(&WebFetchTool{Cache: cache})
	reg.Register(&WebSearchTool{})
	reg.Register(&HTMLToMarkdownTool{Sandbox: sandbox})

	if github != nil {
		github.Register(reg)
	}

	return &Toolset{Registry: reg, Sandbox: sandbox, Backups: backups, Git: git}
}
