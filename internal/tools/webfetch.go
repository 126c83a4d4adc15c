package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/sipeed/chatengine/internal/chatengine"
)

const maxFetchBytes = 1 << 20 // 1MB cap on fetched bodies

// VisitWebpageTool fetches a URL and extracts its readable text via
// go-readability.
type VisitWebpageTool struct {
	client *http.Client
}

func NewVisitWebpageTool() *VisitWebpageTool {
	return &VisitWebpageTool{client: &http.Client{Timeout: 15 * time.Second}}
}

func (t *VisitWebpageTool) Definition() chatengine.ToolDefinition {
	return chatengine.ToolDefinition{
		Name:        "visit_webpage",
		Description: "Fetch a URL and extract its readable text content.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{"type": "string", "description": "URL to fetch"},
			},
			"required": []string{"url"},
		},
	}
}

func (t *VisitWebpageTool) Execute(ctx context.Context, args map[string]interface{}) (string, bool) {
	rawURL, ok := stringArg(args, "url")
	if !ok || rawURL == "" {
		return "url is required", true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Sprintf("invalid url: %v", err), true
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; chatengine/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Sprintf("fetch error: %v", err), true
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Sprintf("HTTP %d from %s", resp.StatusCode, rawURL), true
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return fmt.Sprintf("read error: %v", err), true
	}
	html := string(body)

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		text := strings.TrimSpace(article.TextContent)
		if len(text) > 8000 {
			text = text[:8000] + "\n... (truncated)"
		}
		return text, false
	}

	stripped := stripTags(html)
	if len(stripped) > 8000 {
		stripped = stripped[:8000] + "\n... (truncated)"
	}
	return stripped, false
}

// stripTags is a crude fallback for pages readability can't parse.
func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
