package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/chatengine/internal/chatengine"
)

// ArtifactStore is the persistence surface behind the share/edit artifact
// tools, implemented by artifacts.FilePublisher — the same store the
// response length policy publishes overflow text to, so agent-shared
// artifacts and length-trimmed responses land in one place.
type ArtifactStore interface {
	Share(text string) (id, url string, err error)
	Read(id string) (string, error)
	Update(id, text string) (url string, err error)
}

// ShareArtifactTool publishes a document the agent produced and returns its
// id and URL, so long-form output can be linked from a chat-sized reply
// rather than flooding the channel.
type ShareArtifactTool struct {
	Store ArtifactStore
}

func (t *ShareArtifactTool) Definition() chatengine.ToolDefinition {
	return chatengine.ToolDefinition{
		Name:        "share_artifact",
		Description: "Publish a long document (code, analysis, a draft) as a linkable artifact; returns its id and URL. Use for content too long for a chat message.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{"type": "string", "description": "Full artifact content."},
			},
			"required": []string{"text"},
		},
		Persistence: "artifact",
	}
}

func (t *ShareArtifactTool) Execute(ctx context.Context, args map[string]interface{}) (string, bool) {
	text, ok := stringArg(args, "text")
	if !ok || text == "" {
		return "text is required", true
	}
	id, url, err := t.Store.Share(text)
	if err != nil {
		return "share_artifact failed: " + err.Error(), true
	}
	return fmt.Sprintf("shared as %s: %s", id, url), false
}

// EditArtifactTool rewrites part of a previously shared artifact in place,
// keeping its URL stable. The find string must occur exactly once.
type EditArtifactTool struct {
	Store ArtifactStore
}

func (t *EditArtifactTool) Definition() chatengine.ToolDefinition {
	return chatengine.ToolDefinition{
		Name:        "edit_artifact",
		Description: "Edit a previously shared artifact by replacing an exact text fragment; its URL stays the same.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id":      map[string]interface{}{"type": "string", "description": "Artifact id returned by share_artifact."},
				"find":    map[string]interface{}{"type": "string", "description": "Exact fragment to replace; must occur exactly once."},
				"replace": map[string]interface{}{"type": "string", "description": "Replacement text."},
			},
			"required": []string{"id", "find", "replace"},
		},
		Persistence: "artifact",
	}
}

func (t *EditArtifactTool) Execute(ctx context.Context, args map[string]interface{}) (string, bool) {
	id, ok := stringArg(args, "id")
	if !ok || id == "" {
		return "id is required", true
	}
	find, ok := stringArg(args, "find")
	if !ok || find == "" {
		return "find is required", true
	}
	replace, _ := stringArg(args, "replace")

	content, err := t.Store.Read(id)
	if err != nil {
		return "edit_artifact failed: " + err.Error(), true
	}
	switch strings.Count(content, find) {
	case 0:
		return "find text not present in artifact", true
	case 1:
	default:
		return "find text occurs more than once; provide a longer unique fragment", true
	}

	url, err := t.Store.Update(id, strings.Replace(content, find, replace, 1))
	if err != nil {
		return "edit_artifact failed: " + err.Error(), true
	}
	return "updated: " + url, false
}
