package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sipeed/chatengine/internal/chatengine"
)

// WebSearchTool queries the Brave Search API, keyed by
// config.EnvOverrides.BraveAPIKey.
type WebSearchTool struct {
	apiKey string
	client *http.Client
}

func NewWebSearchTool(apiKey string) *WebSearchTool {
	return &WebSearchTool{apiKey: apiKey, client: &http.Client{Timeout: 10 * time.Second}}
}

func (t *WebSearchTool) Definition() chatengine.ToolDefinition {
	return chatengine.ToolDefinition{
		Name:        "web_search",
		Description: "Search the web and return a list of matching page titles, URLs, and snippets.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string", "description": "The search query"},
			},
			"required": []string{"query"},
		},
	}
}

type braveSearchResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) (string, bool) {
	if t.apiKey == "" {
		return "web search is not configured (missing BRAVE_API_KEY)", true
	}
	query, ok := stringArg(args, "query")
	if !ok || query == "" {
		return "query is required", true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.search.brave.com/res/v1/web/search", nil)
	if err != nil {
		return fmt.Sprintf("building search request: %v", err), true
	}
	q := req.URL.Query()
	q.Set("q", query)
	q.Set("count", "5")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Sprintf("search request failed: %v", err), true
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Sprintf("search API returned HTTP %d", resp.StatusCode), true
	}

	var parsed braveSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Sprintf("parsing search results: %v", err), true
	}

	if len(parsed.Web.Results) == 0 {
		return "no results found", false
	}

	var b strings.Builder
	for i, r := range parsed.Web.Results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Description)
	}
	return b.String(), false
}
