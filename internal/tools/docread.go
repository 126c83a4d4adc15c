package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/sipeed/chatengine/internal/chatengine"
)

// DocReadTool extracts plain text from a PDF at a URL, a natural companion
// to visit_webpage for the document formats chat users actually paste
// links to.
type DocReadTool struct {
	client *http.Client
}

func NewDocReadTool() *DocReadTool {
	return &DocReadTool{client: &http.Client{Timeout: 20 * time.Second}}
}

func (t *DocReadTool) Definition() chatengine.ToolDefinition {
	return chatengine.ToolDefinition{
		Name:        "read_pdf",
		Description: "Download a PDF from a URL and extract its plain text.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{"type": "string", "description": "URL of the PDF document"},
			},
			"required": []string{"url"},
		},
	}
}

func (t *DocReadTool) Execute(ctx context.Context, args map[string]interface{}) (string, bool) {
	rawURL, ok := stringArg(args, "url")
	if !ok || rawURL == "" {
		return "url is required", true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Sprintf("invalid url: %v", err), true
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Sprintf("fetch error: %v", err), true
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Sprintf("HTTP %d from %s", resp.StatusCode, rawURL), true
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return fmt.Sprintf("read error: %v", err), true
	}

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return fmt.Sprintf("open pdf: %v", err), true
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return fmt.Sprintf("extract text: %v", err), true
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return fmt.Sprintf("read text: %v", err), true
	}

	out := strings.TrimSpace(string(text))
	if len(out) > 8000 {
		out = out[:8000] + "\n... (truncated)"
	}
	return out, false
}
