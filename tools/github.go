package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v68/github"
)

const patMissingMsg = "GitHub PAT not configured. Set github_pat in config or the CIRCUIT_GITHUB_PAT environment variable."

// GitHubTools exposes GitHub REST API operations as local tools.
type GitHubTools struct {
	PAT string
	// HTTP is the base client for API calls. Honors any TLS settings the
	// caller configured.
	HTTP *http.Client
	// Client overrides the API client entirely. Tests point it at a local
	// server.
	Client *github.Client
}

func (g *GitHubTools) api() *github.Client {
	if g.Client == nil {
		g.Client = github.NewClient(g.HTTP).WithAuthToken(g.PAT)
	}
	return g.Client
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func githubAPIError(err error) string {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return "GitHub authentication failed. Check your PAT."
		case http.StatusForbidden:
			return "GitHub access forbidden. Check PAT permissions."
		case http.StatusNotFound:
			return "Resource not found on GitHub."
		default:
			return fmt.Sprintf("GitHub API error: %d - %s", ghErr.Response.StatusCode, truncate(ghErr.Message, 200))
		}
	}
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return "GitHub access forbidden. Check PAT permissions."
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return "GitHub API request timed out."
	}
	return "GitHub API error: " + truncate(err.Error(), 100)
}

// Register adds all GitHub tools to the registry.
func (g *GitHubTools) Register(reg *Registry) {
	ownerRepoProps := func(extra map[string]any) map[string]any {
		props := map[string]any{
			"owner": map[string]any{"type": "string", "description": "Repository owner"},
			"repo":  map[string]any{"type": "string", "description": "Repository name"},
		}
		for k, v := range extra {
			props[k] = v
		}
		return props
	}
	perPageProp := map[string]any{"type": "integer", "description": "Number of results (max 30)"}

	reg.Register(&FuncTool{
		ToolName: "github_whoami",
		Desc:     "Get information about the authenticated GitHub user",
		Schema:   ObjectSchema(map[string]any{}),
		Fn:       g.whoami,
	})
	reg.Register(&FuncTool{
		ToolName: "github_list_repos",
		Desc:     "List repositories for the authenticated user or a specified owner",
		Schema: ObjectSchema(map[string]any{
			"owner":    map[string]any{"type": "string", "description": "Username or organization (optional, defaults to authenticated user)"},
			"type":     map[string]any{"type": "string", "enum": []string{"all", "owner", "public", "private", "member"}, "description": "Type of repos to list"},
			"sort":     map[string]any{"type": "string", "enum": []string{"created", "updated", "pushed", "full_name"}, "description": "Sort order"},
			"per_page": perPageProp,
		}),
		Fn: g.listRepos,
	})
	reg.Register(&FuncTool{
		ToolName: "github_get_repo",
		Desc:     "Get details about a specific repository",
		Schema:   ObjectSchema(ownerRepoProps(nil), "owner", "repo"),
		Fn:       g.getRepo,
	})
	reg.Register(&FuncTool{
		ToolName: "github_create_repo",
		Desc:     "Create a new repository",
		Schema: ObjectSchema(map[string]any{
			"name":        map[string]any{"type": "string", "description": "Repository name"},
			"description": map[string]any{"type": "string", "description": "Repository description"},
			"private":     map[string]any{"type": "boolean", "description": "Whether the repo is private"},
			"auto_init":   map[string]any{"type": "boolean", "description": "Initialize with README"},
		}, "name"),
		Mutating: true,
		Fn:       g.createRepo,
	})
	reg.Register(&FuncTool{
		ToolName: "github_list_issues",
		Desc:     "List issues for a repository",
		Schema: ObjectSchema(ownerRepoProps(map[string]any{
			"state":    map[string]any{"type": "string", "enum": []string{"open", "closed", "all"}, "description": "Issue state filter"},
			"per_page": perPageProp,
		}), "owner", "repo"),
		Fn: g.listIssues,
	})
	reg.Register(&FuncTool{
		ToolName: "github_get_issue",
		Desc:     "Get details about a specific issue",
		Schema: ObjectSchema(ownerRepoProps(map[string]any{
			"issue_number": map[string]any{"type": "integer", "description": "Issue number"},
		}), "owner", "repo", "issue_number"),
		Fn: g.getIssue,
	})
	reg.Register(&FuncTool{
		ToolName: "github_create_issue",
		Desc:     "Create a new issue in a repository",
		Schema: ObjectSchema(ownerRepoProps(map[string]any{
			"title":     map[string]any{"type": "string", "description": "Issue title"},
			"body":      map[string]any{"type": "string", "description": "Issue body/description"},
			"labels":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Labels to add"},
			"assignees": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Users to assign"},
		}), "owner", "repo", "title"),
		Mutating: true,
		Fn:       g.createIssue,
	})
	reg.Register(&FuncTool{
		ToolName: "github_close_issue",
		Desc:     "Close an issue",
		Schema: ObjectSchema(ownerRepoProps(map[string]any{
			"issue_number": map[string]any{"type": "integer", "description": "Issue number"},
		}), "owner", "repo", "issue_number"),
		Mutating: true,
		Fn:       g.closeIssue,
	})
	reg.Register(&FuncTool{
		ToolName: "github_list_prs",
		Desc:     "List pull requests for a repository",
		Schema: ObjectSchema(ownerRepoProps(map[string]any{
			"state":    map[string]any{"type": "string", "enum": []string{"open", "closed", "all"}, "description": "PR state filter"},
			"per_page": perPageProp,
		}), "owner", "repo"),
		Fn: g.listPRs,
	})
	reg.Register(&FuncTool{
		ToolName: "github_get_pr",
		Desc:     "Get details about a specific pull request",
		Schema: ObjectSchema(ownerRepoProps(map[string]any{
			"pr_number": map[string]any{"type": "integer", "description": "Pull request number"},
		}), "owner", "repo", "pr_number"),
		Fn: g.getPR,
	})
	reg.Register(&FuncTool{
		ToolName: "github_list_workflows",
		Desc:     "List recent GitHub Actions workflow runs",
		Schema: ObjectSchema(ownerRepoProps(map[string]any{
			"status":   map[string]any{"type": "string", "enum": []string{"queued", "in_progress", "completed"}, "description": "Filter by status"},
			"per_page": perPageProp,
		}), "owner", "repo"),
		Fn: g.listWorkflows,
	})
	reg.Register(&FuncTool{
		ToolName: "github_search_repos",
		Desc:     "Search for repositories on GitHub",
		Schema: ObjectSchema(map[string]any{
			"query":    map[string]any{"type": "string", "description": "Search query"},
			"per_page": perPageProp,
		}, "query"),
		Fn: g.searchRepos,
	})
	reg.Register(&FuncTool{
		ToolName: "github_search_issues",
		Desc:     "Search for issues and pull requests on GitHub",
		Schema: ObjectSchema(map[string]any{
			"query":    map[string]any{"type": "string", "description": "Search query (can include qualifiers like repo:owner/name, is:issue, is:pr)"},
			"per_page": perPageProp,
		}, "query"),
		Fn: g.searchIssues,
	})
}

func perPageArg(args map[string]any) int {
	perPage := IntArg(args, "per_page", 10)
	if perPage > 30 {
		perPage = 30
	}
	return perPage
}

func (g *GitHubTools) whoami(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	if g.PAT == "" {
		return Completed(patMissingMsg), nil
	}
	user, _, err := g.api().Users.Get(ctx, "")
	if err != nil {
		return Completed(githubAPIError(err)), nil
	}
	name := user.GetName()
	if name == "" {
		name = "No name"
	}
	return Completed(fmt.Sprintf("Authenticated as @%s (%s)", user.GetLogin(), name)), nil
}

func (g *GitHubTools) listRepos(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	if g.PAT == "" {
		return Completed(patMissingMsg), nil
	}
	owner := StringArg(args, "owner")
	repoType := StringArgDefault(args, "type", "all")
	sort := StringArgDefault(args, "sort", "updated")
	perPage := perPageArg(args)

	var repos []*github.Repository
	var err error
	if owner != "" {
		opts := &github.RepositoryListByUserOptions{
			Type: repoType, Sort: sort,
			ListOptions: github.ListOptions{PerPage: perPage},
		}
		repos, _, err = g.api().Repositories.ListByUser(ctx, owner, opts)
	} else {
		opts := &github.RepositoryListByAuthenticatedUserOptions{
			Type: repoType, Sort: sort,
			ListOptions: github.ListOptions{PerPage: perPage},
		}
		repos, _, err = g.api().Repositories.ListByAuthenticatedUser(ctx, opts)
	}
	if err != nil {
		return Completed(githubAPIError(err)), nil
	}
	if len(repos) == 0 {
		return Completed("No repositories found."), nil
	}

	var lines []string
	for _, repo := range repos {
		visibility := "🌐"
		if repo.GetPrivate() {
			visibility = "🔒"
		}
		desc := repo.GetDescription()
		if desc == "" {
			desc = "No description"
		}
		lines = append(lines, fmt.Sprintf("%s %s ⭐%d - %s", visibility, repo.GetFullName(), repo.GetStargazersCount(), truncate(desc, 60)))
	}
	return Completed(fmt.Sprintf("Found %d repositories:\n%s", len(lines), strings.Join(lines, "\n"))), nil
}

func (g *GitHubTools) getRepo(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	if g.PAT == "" {
		return Completed(patMissingMsg), nil
	}
	owner := StringArg(args, "owner")
	repo := StringArg(args, "repo")
	if owner == "" || repo == "" {
		return Completed("Error: owner and repo are required"), nil
	}

	r, _, err := g.api().Repositories.Get(ctx, owner, repo)
	if err != nil {
		return Completed(githubAPIError(err)), nil
	}

	desc := r.GetDescription()
	if desc == "" {
		desc = "None"
	}
	lang := r.GetLanguage()
	if lang == "" {
		lang = "Unknown"
	}
	branch := r.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}
	visibility := "Public"
	if r.GetPrivate() {
		visibility = "Private"
	}
	info := []string{
		fmt.Sprintf("**%s**", r.GetFullName()),
		fmt.Sprintf("Description: %s", desc),
		fmt.Sprintf("Stars: %d | Forks: %d", r.GetStargazersCount(), r.GetForksCount()),
		fmt.Sprintf("Language: %s", lang),
		fmt.Sprintf("Default branch: %s", branch),
		fmt.Sprintf("Visibility: %s", visibility),
		fmt.Sprintf("URL: %s", r.GetHTMLURL()),
	}
	return Completed(strings.Join(info, "\n")), nil
}

func (g *GitHubTools) createRepo(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	if !confirmed {
		return NeedsConfirmation("github_create_repo"), nil
	}
	if g.PAT == "" {
		return Completed(patMissingMsg), nil
	}
	name := StringArg(args, "name")
	if name == "" {
		return Completed("Error: name is required"), nil
	}

	repo := &github.Repository{
		Name:        github.String(name),
		Description: github.String(StringArg(args, "description")),
		Private:     github.Bool(BoolArg(args, "private", false)),
		AutoInit:    github.Bool(BoolArg(args, "auto_init", true)),
	}
	created, _, err := g.api().Repositories.Create(ctx, "", repo)
	if err != nil {
		return Completed(githubAPIError(err)), nil
	}
	return Completed("Repository created: " + created.GetHTMLURL()), nil
}

func (g *GitHubTools) listIssues(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	if g.PAT == "" {
		return Completed(patMissingMsg), nil
	}
	owner := StringArg(args, "owner")
	repo := StringArg(args, "repo")
	state := StringArgDefault(args, "state", "open")
	perPage := perPageArg(args)
	if owner == "" || repo == "" {
		return Completed("Error: owner and repo are required"), nil
	}

	opts := &github.IssueListByRepoOptions{
		State:       state,
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	issues, _, err := g.api().Issues.ListByRepo(ctx, owner, repo, opts)
	if err != nil {
		return Completed(githubAPIError(err)), nil
	}
	if len(issues) == 0 {
		return Completed(fmt.Sprintf("No %s issues found.", state)), nil
	}

	var lines []string
	for _, issue := range issues {
		// The issues API also returns pull requests.
		if issue.IsPullRequest() {
			continue
		}
		var labels []string
		for _, l := range issue.Labels {
			labels = append(labels, l.GetName())
		}
		labelsStr := ""
		if len(labels) > 0 {
			labelsStr = fmt.Sprintf(" [%s]", strings.Join(labels, ", "))
		}
		lines = append(lines, fmt.Sprintf("#%d %s%s", issue.GetNumber(), issue.GetTitle(), labelsStr))
	}
	if len(lines) == 0 {
		return Completed(fmt.Sprintf("No %s issues found (only PRs).", state)), nil
	}
	return Completed(fmt.Sprintf("Found %d %s issues:\n%s", len(lines), state, strings.Join(lines, "\n"))), nil
}

func (g *GitHubTools) getIssue(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	if g.PAT == "" {
		return Completed(patMissingMsg), nil
	}
	owner := StringArg(args, "owner")
	repo := StringArg(args, "repo")
	number := IntArg(args, "issue_number", 0)
	if owner == "" || repo == "" || number == 0 {
		return Completed("Error: owner, repo, and issue_number are required"), nil
	}

	issue, _, err := g.api().Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return Completed(githubAPIError(err)), nil
	}

	var labels []string
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	labelsStr := strings.Join(labels, ", ")
	if labelsStr == "" {
		labelsStr = "None"
	}
	body := issue.GetBody()
	if body == "" {
		body = "No description"
	}
	info := []string{
		fmt.Sprintf("**#%d: %s**", issue.GetNumber(), issue.GetTitle()),
		fmt.Sprintf("State: %s", issue.GetState()),
		fmt.Sprintf("Author: @%s", issue.GetUser().GetLogin()),
		fmt.Sprintf("Labels: %s", labelsStr),
		fmt.Sprintf("Created: %s", issue.GetCreatedAt().Format("2006-01-02T15:04:05Z")),
		"",
		truncate(body, 500),
	}
	return Completed(strings.Join(info, "\n")), nil
}

func (g *GitHubTools) createIssue(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	if !confirmed {
		return NeedsConfirmation("github_create_issue"), nil
	}
	if g.PAT == "" {
		return Completed(patMissingMsg), nil
	}
	owner := StringArg(args, "owner")
	repo := StringArg(args, "repo")
	title := StringArg(args, "title")
	if owner == "" || repo == "" || title == "" {
		return Completed("Error: owner, repo, and title are required"), nil
	}

	req := &github.IssueRequest{
		Title: github.String(title),
		Body:  github.String(StringArg(args, "body")),
	}
	if labels := StringSliceArg(args, "labels"); len(labels) > 0 {
		req.Labels = &labels
	}
	if assignees := StringSliceArg(args, "assignees"); len(assignees) > 0 {
		req.Assignees = &assignees
	}

	issue, _, err := g.api().Issues.Create(ctx, owner, repo, req)
	if err != nil {
		return Completed(githubAPIError(err)), nil
	}
	return Completed("Issue created: " + issue.GetHTMLURL()), nil
}

func (g *GitHubTools) closeIssue(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	if !confirmed {
		return NeedsConfirmation("github_close_issue"), nil
	}
	if g.PAT == "" {
		return Completed(patMissingMsg), nil
	}
	owner := StringArg(args, "owner")
	repo := StringArg(args, "repo")
	number := IntArg(args, "issue_number", 0)
	if owner == "" || repo == "" || number == 0 {
		return Completed("Error: owner, repo, and issue_number are required"), nil
	}

	req := &github.IssueRequest{State: github.String("closed")}
	if _, _, err := g.api().Issues.Edit(ctx, owner, repo, number, req); err != nil {
		return Completed(githubAPIError(err)), nil
	}
	return Completed(fmt.Sprintf("Issue #%d closed.", number)), nil
}

func (g *GitHubTools) listPRs(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	if g.PAT == "" {
		return Completed(patMissingMsg), nil
	}
	owner := StringArg(args, "owner")
	repo := StringArg(args, "repo")
	state := StringArgDefault(args, "state", "open")
	perPage := perPageArg(args)
	if owner == "" || repo == "" {
		return Completed("Error: owner and repo are required"), nil
	}

	opts := &github.PullRequestListOptions{
		State:       state,
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	prs, _, err := g.api().PullRequests.List(ctx, owner, repo, opts)
	if err != nil {
		return Completed(githubAPIError(err)), nil
	}
	if len(prs) == 0 {
		return Completed(fmt.Sprintf("No %s pull requests found.", state)), nil
	}

	var lines []string
	for _, pr := range prs {
		status := "🟢"
		if pr.GetMerged() {
			status = "✅"
		} else if pr.GetState() == "closed" {
			status = "🔴"
		}
		lines = append(lines, fmt.Sprintf("%s #%d %s (@%s)", status, pr.GetNumber(), pr.GetTitle(), pr.GetUser().GetLogin()))
	}
	return Completed(fmt.Sprintf("Found %d %s pull requests:\n%s", len(lines), state, strings.Join(lines, "\n"))), nil
}

func (g *GitHubTools) getPR(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	if g.PAT == "" {
		return Completed(patMissingMsg), nil
	}
	owner := StringArg(args, "owner")
	repo := StringArg(args, "repo")
	number := IntArg(args, "pr_number", 0)
	if owner == "" || repo == "" || number == 0 {
		return Completed("Error: owner, repo, and pr_number are required"), nil
	}

	pr, _, err := g.api().PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return Completed(githubAPIError(err)), nil
	}

	merged := ""
	if pr.GetMerged() {
		merged = " (merged)"
	}
	body := pr.GetBody()
	if body == "" {
		body = "No description"
	}
	info := []string{
		fmt.Sprintf("**#%d: %s**", pr.GetNumber(), pr.GetTitle()),
		fmt.Sprintf("State: %s%s", pr.GetState(), merged),
		fmt.Sprintf("Author: @%s", pr.GetUser().GetLogin()),
		fmt.Sprintf("Branch: %s → %s", pr.GetHead().GetRef(), pr.GetBase().GetRef()),
		fmt.Sprintf("Commits: %d | Changed files: %d", pr.GetCommits(), pr.GetChangedFiles()),
		fmt.Sprintf("+%d -%d", pr.GetAdditions(), pr.GetDeletions()),
		"",
		truncate(body, 500),
	}
	return Completed(strings.Join(info, "\n")), nil
}

func (g *GitHubTools) listWorkflows(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	if g.PAT == "" {
		return Completed(patMissingMsg), nil
	}
	owner := StringArg(args, "owner")
	repo := StringArg(args, "repo")
	if owner == "" || repo == "" {
		return Completed("Error: owner and repo are required"), nil
	}

	opts := &github.ListWorkflowRunsOptions{
		Status:      StringArg(args, "status"),
		ListOptions: github.ListOptions{PerPage: perPageArg(args)},
	}
	runs, _, err := g.api().Actions.ListRepositoryWorkflowRuns(ctx, owner, repo, opts)
	if err != nil {
		return Completed(githubAPIError(err)), nil
	}
	if runs == nil || len(runs.WorkflowRuns) == 0 {
		return Completed("No workflow runs found."), nil
	}

	var lines []string
	for _, run := range runs.WorkflowRuns {
		var icon string
		switch run.GetStatus() {
		case "completed":
			if run.GetConclusion() == "success" {
				icon = "✅"
			} else {
				icon = "❌"
			}
		case "in_progress":
			icon = "🔄"
		case "queued":
			icon = "⏳"
		default:
			icon = "❓"
		}
		conclusion := run.GetConclusion()
		if conclusion == "" {
			conclusion = "running"
		}
		lines = append(lines, fmt.Sprintf("%s %s #%d - %s (%s) on %s",
			icon, run.GetName(), run.GetRunNumber(), run.GetStatus(), conclusion, run.GetHeadBranch()))
	}
	return Completed(fmt.Sprintf("Found %d workflow runs:\n%s", len(lines), strings.Join(lines, "\n"))), nil
}

func (g *GitHubTools) searchRepos(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	if g.PAT == "" {
		return Completed(patMissingMsg), nil
	}
	query := StringArg(args, "query")
	if query == "" {
		return Completed("Error: query is required"), nil
	}

	opts := &github.SearchOptions{ListOptions: github.ListOptions{PerPage: perPageArg(args)}}
	result, _, err := g.api().Search.Repositories(ctx, query, opts)
	if err != nil {
		return Completed(githubAPIError(err)), nil
	}
	if result == nil || len(result.Repositories) == 0 {
		return Completed("No repositories found matching your search."), nil
	}

	var lines []string
	for _, repo := range result.Repositories {
		desc := repo.GetDescription()
		if desc == "" {
			desc = "No description"
		}
		lines = append(lines, fmt.Sprintf("⭐%d %s - %s", repo.GetStargazersCount(), repo.GetFullName(), truncate(desc, 50)))
	}
	return Completed(fmt.Sprintf("Found %d repositories:\n%s", result.GetTotal(), strings.Join(lines, "\n"))), nil
}

func (g *GitHubTools) searchIssues(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	if g.PAT == "" {
		return Completed(patMissingMsg), nil
	}
	query := StringArg(args, "query")
	if query == "" {
		return Completed("Error: query is required"), nil
	}

	opts := &github.SearchOptions{ListOptions: github.ListOptions{PerPage: perPageArg(args)}}
	result, _, err := g.api().Search.Issues(ctx, query, opts)
	if err != nil {
		return Completed(githubAPIError(err)), nil
	}
	if result == nil || len(result.Issues) == 0 {
		return Completed("No issues found matching your search."), nil
	}

	var lines []string
	for _, issue := range result.Issues {
		icon := "🐛"
		if issue.IsPullRequest() {
			icon = "🔀"
		}
		repoPath := issue.GetRepositoryURL()
		if parts := strings.Split(repoPath, "/"); len(parts) >= 2 {
			repoPath = parts[len(parts)-2] + "/" + parts[len(parts)-1]
		}
		lines = append(lines, fmt.Sprintf("%s %s#%d %s", icon, repoPath, issue.GetNumber(), truncate(issue.GetTitle(), 50)))
	}
	return Completed(fmt.Sprintf("Found %d results:\n%s", result.GetTotal(), strings.Join(lines, "\n"))), nil
}
