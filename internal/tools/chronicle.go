package tools

import (
	"context"

	"github.com/sipeed/chatengine/internal/chatengine"
)

// ChronicleReadTool renders chronicled paragraphs for the arc the turn is
// running in: a thin query wrapper over the chronicle store.
type ChronicleReadTool struct {
	Chronicle chatengine.ChronicleStore
}

func (t *ChronicleReadTool) Definition() chatengine.ToolDefinition {
	return chatengine.ToolDefinition{
		Name:        "chronicle_read",
		Description: "Read this conversation's long-term chronicle (its chaptered paragraph history).",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"chapters_back": map[string]interface{}{
					"type":        "integer",
					"description": "How many chapters before the current one to read; 0 means the current chapter.",
				},
			},
		},
	}
}

func (t *ChronicleReadTool) Execute(ctx context.Context, args map[string]interface{}) (string, bool) {
	arc := chatengine.ArcFromContext(ctx)
	if arc == "" {
		return "no conversation context available", true
	}
	offset := intArg(args, "chapters_back", 0)
	text, err := t.Chronicle.RenderChapterRelative(ctx, arc, offset)
	if err != nil {
		return "chronicle read failed: " + err.Error(), true
	}
	if text == "" {
		return "(no chronicle entries yet)", false
	}
	return text, false
}

// ChronicleAppendTool appends a freeform paragraph to the current arc's
// chronicle, through the same
// LifecycleStore the auto-chronicler uses so quest markup the model writes
// by hand is parsed identically.
type ChronicleAppendTool struct {
	Chronicle chatengine.ChronicleStore
}

func (t *ChronicleAppendTool) Definition() chatengine.ToolDefinition {
	return chatengine.ToolDefinition{
		Name:        "chronicle_append",
		Description: "Append a paragraph to this conversation's long-term chronicle for future recall.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{"type": "string", "description": "Paragraph content to append."},
			},
			"required": []string{"text"},
		},
		Persistence: "summary",
	}
}

func (t *ChronicleAppendTool) Execute(ctx context.Context, args map[string]interface{}) (string, bool) {
	arc := chatengine.ArcFromContext(ctx)
	if arc == "" {
		return "no conversation context available", true
	}
	text, ok := stringArg(args, "text")
	if !ok || text == "" {
		return "text is required", true
	}
	if _, err := t.Chronicle.AppendParagraph(ctx, arc, text); err != nil {
		return "chronicle append failed: " + err.Error(), true
	}
	return "chronicled", false
}
