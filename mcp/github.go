package mcp

import (
	"sort"
	"strings"

	"github.com/circuitide/circuit/config"
)

// GitHub's hosted MCP server, the main remote server users connect to.
// See https://github.com/github/github-mcp-server.
const (
	GitHubServerID   = "github"
	GitHubServerName = "GitHub"
	GitHubRemoteURL  = "https://api.githubcopilot.com/mcp/"
)

// GitHubToolset names one togglable group of GitHub tools.
type GitHubToolset struct {
	ID          string
	Name        string
	Description string
}

// GitHubToolsets lists the toolsets the GitHub server exposes.
var GitHubToolsets = []GitHubToolset{
	{ID: "repos", Name: "Repositories", Description: "Create, manage, and search repositories"},
	{ID: "issues", Name: "Issues", Description: "Create, update, search, and manage issues"},
	{ID: "pull_requests", Name: "Pull Requests", Description: "Create, review, merge, and manage PRs"},
	{ID: "actions", Name: "Actions", Description: "Manage GitHub Actions workflows and runs"},
	{ID: "code_security", Name: "Code Security", Description: "Code scanning, secret scanning, Dependabot"},
	{ID: "users", Name: "Users", Description: "User profile and organization management"},
	{ID: "discussions", Name: "Discussions", Description: "GitHub Discussions management"},
}

// GitHubDefaultToolsets is used when the user enables the server without
// picking toolsets explicitly.
var GitHubDefaultToolsets = []string{"repos", "issues", "pull_requests", "actions"}

// GitHubToolsetIDs returns the ids of all available toolsets.
func GitHubToolsetIDs() []string {
	ids := make([]string, len(GitHubToolsets))
	for i, ts := range GitHubToolsets {
		ids[i] = ts.ID
	}
	return ids
}

// GitHubRemoteConfig returns the server entry for GitHub's hosted MCP
// endpoint. An empty toolsets slice exposes every tool.
func GitHubRemoteConfig(pat string, toolsets []string) config.MCPServer {
	return config.MCPServer{
		ID:        GitHubServerID,
		Name:      GitHubServerName,
		Transport: "http",
		URL:       GitHubRemoteURL,
		AuthToken: pat,
		Toolsets:  toolsets,
		Timeout:   defaultTimeout,
	}
}

// RequiredGitHubScopes returns the PAT scopes the given toolsets need,
// sorted. A nil slice means all toolsets.
func RequiredGitHubScopes(toolsets []string) []string {
	if toolsets == nil {
		toolsets = GitHubToolsetIDs()
	}

	enabled := make(map[string]bool, len(toolsets))
	for _, ts := range toolsets {
		enabled[ts] = true
	}

	scopes := map[string]bool{"repo": true}
	if enabled["issues"] {
		scopes["write:discussion"] = true
	}
	if enabled["actions"] {
		scopes["workflow"] = true
	}
	if enabled["code_security"] {
		scopes["security_events"] = true
	}
	if enabled["users"] {
		scopes["read:user"] = true
		scopes["read:org"] = true
	}
	if enabled["discussions"] {
		scopes["write:discussion"] = true
	}

	out := make([]string, 0, len(scopes))
	for s := range scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ValidGitHubPAT reports whether a token has one of the known GitHub
// token prefixes (classic, fine-grained, OAuth, server, refresh).
func ValidGitHubPAT(pat string) bool {
	if pat == "" {
		return false
	}
	for _, prefix := range []string{"ghp_", "github_pat_", "gho_", "ghs_", "ghr_"} {
		if strings.HasPrefix(pat, prefix) {
			return true
		}
	}
	return false
}
