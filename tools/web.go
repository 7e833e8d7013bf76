package tools

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const (
	webContentCap = 15000
	webCacheTTL   = 5 * time.Minute
	webCacheLimit = 100

	fetchUserAgent  = "Mozilla/5.0 (compatible; CircuitAgent/3.0; +https://circuitide.com)"
	searchUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	searchEndpoint  = "https://html.duckduckgo.com/html/"
)

var (
	tagRe           = regexp.MustCompile(`<[^>]+>`)
	scriptRe        = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe         = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
	searchResultRe  = regexp.MustCompile(`<a class="result__a"[^>]*href="([^"]+)"[^>]*>([^<]+)</a>`)
	searchSnippetRe = regexp.MustCompile(`<a class="result__snippet"[^>]*>([^<]+(?:<[^>]+>[^<]*)*)</a>`)
)

// WebCache holds fetched pages in memory keyed by URL hash.
type WebCache struct {
	mu      sync.Mutex
	maxAge  time.Duration
	entries map[string]cachedPage
}

type cachedPage struct {
	content string
	stored  time.Time
}

func NewWebCache() *WebCache {
	return &WebCache{maxAge: webCacheTTL, entries: make(map[string]cachedPage)}
}

func cacheKey(rawURL string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(rawURL)))
}

func (c *WebCache) Get(rawURL string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey(rawURL)]
	if !ok {
		return "", false
	}
	if time.Since(entry.stored) >= c.maxAge {
		delete(c.entries, cacheKey(rawURL))
		return "", false
	}
	return entry.content, true
}

func (c *WebCache) Set(rawURL, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(rawURL)] = cachedPage{content: content, stored: time.Now()}

	if len(c.entries) > webCacheLimit {
		for k, v := range c.entries {
			if time.Since(v.stored) >= c.maxAge {
				delete(c.entries, k)
			}
		}
	}
}

func htmlToMarkdown(html string) string {
	md, err := htmltomarkdown.ConvertString(html)
	if err == nil {
		return md
	}
	// Fallback: strip tags and collapse whitespace.
	text := scriptRe.ReplaceAllString(html, "")
	text = styleRe.ReplaceAllString(text, "")
	text = tagRe.ReplaceAllString(text, " ")
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// extractSelector pulls content matching a basic CSS selector: tag, .class, or #id.
func extractSelector(html, selector string) string {
	var pattern string
	switch {
	case strings.HasPrefix(selector, "."):
		name := regexp.QuoteMeta(selector[1:])
		pattern = `(?is)<[^>]+class=["'][^"']*\b` + name + `\b[^"']*["'][^>]*>(.*?)</\w+>`
	case strings.HasPrefix(selector, "#"):
		name := regexp.QuoteMeta(selector[1:])
		pattern = `(?is)<[^>]+id=["']?` + name + `["']?[^>]*>(.*?)</\w+>`
	default:
		name := regexp.QuoteMeta(selector)
		pattern = `(?is)<` + name + `[^>]*>(.*?)</` + name + `>`
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return html
	}
	matches := re.FindAllStringSubmatch(html, -1)
	if len(matches) == 0 {
		return html
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, m[1])
	}
	return strings.Join(parts, "\n")
}

func truncateContent(content string) string {
	if len(content) <= webContentCap {
		return content
	}
	return content[:webContentCap] + "\n\n... (content truncated)"
}

// WebFetchTool fetches a URL and returns its content as markdown.
type WebFetchTool struct {
	HTTP  *http.Client
	Cache *WebCache
}

func (t *WebFetchTool) client() *http.Client {
	if t.HTTP != nil {
		return t.HTTP
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Description() string {
	return "Fetch content from a URL (documentation, APIs, etc.). Returns the page content as markdown. Use this to look up documentation, read API references, or fetch any web content."
}
func (t *WebFetchTool) ReadOnly() bool { return true }

func (t *WebFetchTool) Parameters() map[string]any {
	return ObjectSchema(map[string]any{
		"url": map[string]any{
			"type":        "string",
			"description": "The URL to fetch",
		},
		"selector": map[string]any{
			"type":        "string",
			"description": "Optional: CSS selector to extract specific content (e.g., 'article', 'main', '.content')",
		},
	}, "url")
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	rawURL := StringArg(args, "url")
	selector := StringArg(args, "selector")

	if rawURL == "" {
		return Completed("Error: URL is required"), nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Completed(fmt.Sprintf("Error: Invalid URL - %v", err)), nil
	}
	if parsed.Scheme == "" {
		rawURL = "https://" + rawURL
		parsed, err = url.Parse(rawURL)
		if err != nil {
			return Completed(fmt.Sprintf("Error: Invalid URL - %v", err)), nil
		}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Completed(fmt.Sprintf("Error: Invalid URL scheme: %s", parsed.Scheme)), nil
	}
	if parsed.Host == "" {
		return Completed("Error: Invalid URL - no domain specified"), nil
	}

	if t.Cache != nil {
		if cached, ok := t.Cache.Get(rawURL); ok {
			content := cached
			if selector != "" {
				content = extractSelector(content, selector)
			}
			markdown := htmlToMarkdown(content)
			return Completed(fmt.Sprintf("[Cached] Fetched: %s\n\n%s", rawURL, truncateContent(markdown))), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Completed(fmt.Sprintf("Error: Invalid URL - %v", err)), nil
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := t.client().Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return Completed(fmt.Sprintf("Error: Request timed out for %s", rawURL)), nil
		}
		return Completed(fmt.Sprintf("Error: Failed to fetch %s - %v", rawURL, err)), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Completed(fmt.Sprintf("Error: HTTP %d for %s", resp.StatusCode, rawURL)), nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completed(fmt.Sprintf("Error: Failed to fetch %s - %v", rawURL, err)), nil
	}
	content := string(body)
	contentType := resp.Header.Get("Content-Type")

	if strings.Contains(contentType, "application/json") {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, body, "", "  "); err == nil {
			return Completed(fmt.Sprintf("Fetched JSON from: %s\n\n```json\n%s\n```", rawURL, truncateContent(pretty.String()))), nil
		}
	} else if strings.Contains(contentType, "text/plain") {
		return Completed(fmt.Sprintf("Fetched: %s\n\n%s", rawURL, truncateContent(content))), nil
	}

	if t.Cache != nil {
		t.Cache.Set(rawURL, content)
	}
	if selector != "" {
		content = extractSelector(content, selector)
	}
	markdown := truncateContent(htmlToMarkdown(content))

	return Completed(fmt.Sprintf("Fetched: %s\n\n%s", rawURL, markdown)), nil
}

// WebSearchTool queries DuckDuckGo's HTML endpoint and parses the results.
type WebSearchTool struct {
	HTTP      *http.Client
	SearchURL string
}

func (t *WebSearchTool) client() *http.Client {
	if t.HTTP != nil {
		return t.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (t *WebSearchTool) endpoint() string {
	if t.SearchURL != "" {
		return t.SearchURL
	}
	return searchEndpoint
}

func (t *WebSearchTool) Name() string { return "web_search" }
func (t *WebSearchTool) Description() string {
	return "Search the web for information. Returns a list of relevant results with titles, URLs, and snippets. Use this to find documentation, solutions to errors, or research topics."
}
func (t *WebSearchTool) ReadOnly() bool { return true }

func (t *WebSearchTool) Parameters() map[string]any {
	return ObjectSchema(map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "The search query",
		},
		"num_results": map[string]any{
			"type":        "integer",
			"description": "Number of results to return (default 5, max 10)",
			"default":     5,
		},
	}, "query")
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	query := StringArg(args, "query")
	numResults := IntArg(args, "num_results", 5)

	if query == "" {
		return Completed("Error: Search query is required"), nil
	}
	if numResults < 1 {
		numResults = 1
	}
	if numResults > 10 {
		numResults = 10
	}

	form := url.Values{"q": {query}, "b": {""}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return Completed(fmt.Sprintf("Error: Search failed - %v", err)), nil
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", searchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := t.client().Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return Completed("Error: Search request timed out. Try again."), nil
		}
		return Completed(fmt.Sprintf("Error: Search failed - %v", err)), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Completed(fmt.Sprintf("Error: Search failed - HTTP %d", resp.StatusCode)), nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completed(fmt.Sprintf("Error: Search failed - %v", err)), nil
	}
	html := string(body)

	links := searchResultRe.FindAllStringSubmatch(html, -1)
	snippets := searchSnippetRe.FindAllStringSubmatch(html, -1)

	type searchResult struct {
		title, url, snippet string
	}
	var results []searchResult
	for i, link := range links {
		if i >= numResults {
			break
		}
		resultURL := link[1]
		title := strings.TrimSpace(tagRe.ReplaceAllString(link[2], ""))

		// DuckDuckGo wraps result links in a redirect with the target in uddg.
		if strings.Contains(resultURL, "uddg=") {
			if parsed, err := url.Parse(resultURL); err == nil {
				if target := parsed.Query().Get("uddg"); target != "" {
					resultURL = target
				}
			}
		}

		snippet := ""
		if i < len(snippets) {
			snippet = strings.TrimSpace(tagRe.ReplaceAllString(snippets[i][1], ""))
			snippet = whitespaceRe.ReplaceAllString(snippet, " ")
			if len(snippet) > 200 {
				snippet = snippet[:200]
			}
		}
		results = append(results, searchResult{title: title, url: resultURL, snippet: snippet})
	}

	if len(results) == 0 {
		return Completed(fmt.Sprintf("No results found for: %s\nTip: Try different keywords or a more general search.", query)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s\n\n", query)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. **%s**\n", i+1, r.title)
		fmt.Fprintf(&sb, "   %s\n", r.url)
		if r.snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", r.snippet)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Tip: Use web_fetch to read the full content of any result.")
	return Completed(sb.String()), nil
}

// HTMLToMarkdownTool converts an HTML file in the working directory to a
// markdown file. Useful for pages too large to read directly.
type HTMLToMarkdownTool struct {
	Sandbox *Sandbox
}

func (t *HTMLToMarkdownTool) Name() string { return "html_to_markdown" }
func (t *HTMLToMarkdownTool) Description() string {
	return "Convert an HTML file to Markdown. Extracts text content, removes scripts/styles, and formats as markdown. Use this for large HTML files that are too big to read directly."
}
func (t *HTMLToMarkdownTool) ReadOnly() bool { return false }

func (t *HTMLToMarkdownTool) Parameters() map[string]any {
	return ObjectSchema(map[string]any{
		"input_path": map[string]any{
			"type":        "string",
			"description": "Path to the HTML file to convert",
		},
		"output_path": map[string]any{
			"type":        "string",
			"description": "Path for the output markdown file (e.g., 'output.md')",
		},
	}, "input_path", "output_path")
}

func (t *HTMLToMarkdownTool) Execute(ctx context.Context, args map[string]any, confirmed bool) (Result, error) {
	inputPath := StringArg(args, "input_path")
	outputPath := StringArg(args, "output_path")

	fullInput, err := t.Sandbox.Resolve(inputPath)
	if err != nil {
		return Completed(fmt.Sprintf("Error: %v", err)), nil
	}
	fullOutput, err := t.Sandbox.Resolve(outputPath)
	if err != nil {
		return Completed(fmt.Sprintf("Error: %v", err)), nil
	}

	if _, err := os.Stat(fullInput); err != nil {
		return Completed(fmt.Sprintf("Error: File not found: %s", inputPath)), nil
	}

	html, err := os.ReadFile(fullInput)
	if err != nil {
		return Completed(fmt.Sprintf("Error converting HTML to markdown: %v", err)), nil
	}

	markdown := htmlToMarkdown(string(html))
	if err := os.WriteFile(fullOutput, []byte(markdown), 0o644); err != nil {
		return Completed(fmt.Sprintf("Error converting HTML to markdown: %v", err)), nil
	}

	lines := strings.Count(markdown, "\n") + 1
	return Completed(fmt.Sprintf("Successfully converted %s to %s (%d lines)", inputPath, outputPath, lines)), nil
}
