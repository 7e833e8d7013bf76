package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWebFetchHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><h1>Title</h1><p>Some body text</p></body></html>")
	}))
	defer server.Close()

	tool := &WebFetchTool{HTTP: server.Client(), Cache: NewWebCache()}
	res, err := tool.Execute(context.Background(), map[string]any{"url": server.URL}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(res.Output, "Fetched: "+server.URL) {
		t.Errorf("unexpected prefix: %q", res.Output)
	}
	if !strings.Contains(res.Output, "Title") || !strings.Contains(res.Output, "Some body text") {
		t.Errorf("expected converted content, got %q", res.Output)
	}
	if strings.Contains(res.Output, "<h1>") {
		t.Errorf("expected HTML tags converted, got %q", res.Output)
	}
}

func TestWebFetchUsesCache(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<p>cached page</p>")
	}))
	defer server.Close()

	tool := &WebFetchTool{HTTP: server.Client(), Cache: NewWebCache()}
	if _, err := tool.Execute(context.Background(), map[string]any{"url": server.URL}, false); err != nil {
		t.Fatal(err)
	}
	res, _ := tool.Execute(context.Background(), map[string]any{"url": server.URL}, false)

	if !strings.HasPrefix(res.Output, "[Cached] Fetched:") {
		t.Errorf("expected cached response, got %q", res.Output)
	}
	if hits != 1 {
		t.Errorf("expected single upstream request, got %d", hits)
	}
}

func TestWebFetchJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"name":"circuit","ok":true}`)
	}))
	defer server.Close()

	tool := &WebFetchTool{HTTP: server.Client()}
	res, _ := tool.Execute(context.Background(), map[string]any{"url": server.URL}, false)

	if !strings.HasPrefix(res.Output, "Fetched JSON from: ") {
		t.Errorf("unexpected prefix: %q", res.Output)
	}
	if !strings.Contains(res.Output, "```json") {
		t.Errorf("expected fenced JSON, got %q", res.Output)
	}
	if !strings.Contains(res.Output, "\"name\": \"circuit\"") {
		t.Errorf("expected indented JSON, got %q", res.Output)
	}
}

func TestWebFetchPlainText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "plain content here")
	}))
	defer server.Close()

	tool := &WebFetchTool{HTTP: server.Client()}
	res, _ := tool.Execute(context.Background(), map[string]any{"url": server.URL}, false)

	if !strings.Contains(res.Output, "plain content here") {
		t.Errorf("expected raw text, got %q", res.Output)
	}
}

func TestWebFetchHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	tool := &WebFetchTool{HTTP: server.Client()}
	res, _ := tool.Execute(context.Background(), map[string]any{"url": server.URL}, false)

	want := fmt.Sprintf("Error: HTTP 404 for %s", server.URL)
	if res.Output != want {
		t.Errorf("expected %q, got %q", want, res.Output)
	}
}

func TestWebFetchValidatesURL(t *testing.T) {
	tool := &WebFetchTool{}

	res, _ := tool.Execute(context.Background(), map[string]any{"url": ""}, false)
	if res.Output != "Error: URL is required" {
		t.Errorf("expected required error, got %q", res.Output)
	}

	res, _ = tool.Execute(context.Background(), map[string]any{"url": "ftp://example.com/file"}, false)
	if res.Output != "Error: Invalid URL scheme: ftp" {
		t.Errorf("expected scheme error, got %q", res.Output)
	}
}

func TestWebFetchSelector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><article>Inside article</article><footer>Outside footer</footer></body></html>")
	}))
	defer server.Close()

	tool := &WebFetchTool{HTTP: server.Client()}
	res, _ := tool.Execute(context.Background(), map[string]any{
		"url": server.URL, "selector": "article",
	}, false)

	if !strings.Contains(res.Output, "Inside article") {
		t.Errorf("expected selected content, got %q", res.Output)
	}
	if strings.Contains(res.Output, "Outside footer") {
		t.Errorf("expected footer excluded, got %q", res.Output)
	}
}

func ddgResultsPage() string {
	return `<html><body>
<a class="result__a" href="https://duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fdocs">Example Docs</a>
<a class="result__snippet">Official <b>documentation</b> site</a>
<a class="result__a" href="https://other.example.com/page">Other Page</a>
<a class="result__snippet">Second snippet</a>
<a class="result__a" href="https://third.example.com/">Third Entry</a>
<a class="result__snippet">Third snippet</a>
</body></html>`
}

func TestWebSearchParsesResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err == nil {
			if got := r.PostForm.Get("q"); got != "golang docs" {
				t.Errorf("expected query forwarded, got %q", got)
			}
		}
		fmt.Fprint(w, ddgResultsPage())
	}))
	defer server.Close()

	tool := &WebSearchTool{HTTP: server.Client(), SearchURL: server.URL}
	res, err := tool.Execute(context.Background(), map[string]any{"query": "golang docs"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(res.Output, "Search results for: golang docs") {
		t.Errorf("unexpected prefix: %q", res.Output)
	}
	if !strings.Contains(res.Output, "1. **Example Docs**") {
		t.Errorf("expected first result, got %q", res.Output)
	}
	if !strings.Contains(res.Output, "https://example.com/docs") {
		t.Errorf("expected redirect unwrapped, got %q", res.Output)
	}
	if !strings.Contains(res.Output, "Official documentation site") {
		t.Errorf("expected snippet with tags stripped, got %q", res.Output)
	}
	if !strings.Contains(res.Output, "Use web_fetch to read the full content") {
		t.Errorf("expected closing tip, got %q", res.Output)
	}
}

func TestWebSearchLimitsResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ddgResultsPage())
	}))
	defer server.Close()

	tool := &WebSearchTool{HTTP: server.Client(), SearchURL: server.URL}
	res, _ := tool.Execute(context.Background(), map[string]any{
		"query": "golang", "num_results": 2,
	}, false)

	if !strings.Contains(res.Output, "2. **Other Page**") {
		t.Errorf("expected second result, got %q", res.Output)
	}
	if strings.Contains(res.Output, "Third Entry") {
		t.Errorf("expected third result excluded, got %q", res.Output)
	}
}

func TestWebSearchNoResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>no results markup</body></html>")
	}))
	defer server.Close()

	tool := &WebSearchTool{HTTP: server.Client(), SearchURL: server.URL}
	res, _ := tool.Execute(context.Background(), map[string]any{"query": "nothing"}, false)

	if !strings.HasPrefix(res.Output, "No results found for: nothing") {
		t.Errorf("expected no-results message, got %q", res.Output)
	}
}

func TestWebSearchRequiresQuery(t *testing.T) {
	tool := &WebSearchTool{}
	res, _ := tool.Execute(context.Background(), map[string]any{}, false)
	if res.Output != "Error: Search query is required" {
		t.Errorf("expected required error, got %q", res.Output)
	}
}

func TestHTMLToMarkdownTool(t *testing.T) {
	dir := t.TempDir()
	input := "<html><body><h1>Guide</h1><p>Step one</p><ul><li>item</li></ul></body></html>"
	if err := os.WriteFile(filepath.Join(dir, "page.html"), []byte(input), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := &HTMLToMarkdownTool{Sandbox: NewSandbox(dir)}
	res, err := tool.Execute(context.Background(), map[string]any{
		"input_path": "page.html", "output_path": "page.md",
	}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(res.Output, "Successfully converted page.html to page.md") {
		t.Errorf("unexpected output: %q", res.Output)
	}

	data, err := os.ReadFile(filepath.Join(dir, "page.md"))
	if err != nil {
		t.Fatalf("expected output file: %v", err)
	}
	if !strings.Contains(string(data), "Guide") || strings.Contains(string(data), "<h1>") {
		t.Errorf("expected markdown output, got %q", data)
	}
}

func TestHTMLToMarkdownMissingInput(t *testing.T) {
	tool := &HTMLToMarkdownTool{Sandbox: NewSandbox(t.TempDir())}
	res, _ := tool.Execute(context.Background(), map[string]any{
		"input_path": "missing.html", "output_path": "out.md",
	}, false)
	if res.Output != "Error: File not found: missing.html" {
		t.Errorf("expected not-found error, got %q", res.Output)
	}
}

func TestWebCacheExpiry(t *testing.T) {
	cache := NewWebCache()
	cache.Set("https://example.com", "content")

	if got, ok := cache.Get("https://example.com"); !ok || got != "content" {
		t.Errorf("expected cache hit, got %q ok=%v", got, ok)
	}
	if _, ok := cache.Get("https://absent.example.com"); ok {
		t.Error("expected cache miss for unknown URL")
	}

	cache.maxAge = 0
	if _, ok := cache.Get("https://example.com"); ok {
		t.Error("expected expired entry to miss")
	}
}
