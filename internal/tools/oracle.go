package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/memory"
)

// OracleTool answers a question by semantically searching the chronicle's
// indexed paragraphs (internal/memory.Recall, backed by chromem-go) and
// handing the matches to a dedicated sub-agent call, rather than relying on
// whatever fits in the current chapter window. It never recurses into
// itself or the quest-mutation tools (registry.WithoutOracleRecursion).
type OracleTool struct {
	Recall *memory.Recall
	Agent  chatengine.AgentRunner
	Model  string
	Tools  []chatengine.ToolDefinition // pre-filtered via WithoutOracleRecursion
}

func (t *OracleTool) Definition() chatengine.ToolDefinition {
	return chatengine.ToolDefinition{
		Name:        "oracle",
		Description: "Consult long-term memory across this conversation's entire chronicled history for a question the current chapter window doesn't cover.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"question": map[string]interface{}{"type": "string", "description": "What to ask the oracle."},
			},
			"required": []string{"question"},
		},
	}
}

func (t *OracleTool) Execute(ctx context.Context, args map[string]interface{}) (string, bool) {
	question, ok := stringArg(args, "question")
	if !ok || question == "" {
		return "question is required", true
	}
	arc := chatengine.ArcFromContext(ctx)

	hits, err := t.Recall.Search(ctx, arc, question, 8)
	if err != nil {
		return "oracle search failed: " + err.Error(), true
	}

	var b strings.Builder
	b.WriteString("Answer the question using only the chronicled excerpts below; say so if they don't cover it.\n\n")
	if len(hits) == 0 {
		b.WriteString("(no indexed chronicle entries yet)\n\n")
	}
	for _, h := range hits {
		fmt.Fprintf(&b, "---\n%s\n", h.Content)
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n", question)

	result, err := t.Agent.Prompt(ctx, b.String(), chatengine.PromptOptions{
		Model: t.Model,
		Tools: t.Tools,
	})
	if err != nil {
		return "oracle consultation failed: " + err.Error(), true
	}
	return result.Text, false
}
