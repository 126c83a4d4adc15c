// Package reducer compresses an over-long context window: a model squeezes
// the older entries into one summary, always preserving the final (trigger)
// entry untouched.
package reducer

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/chatengine/internal/chatengine"
)

// Reducer compresses context messages via a dedicated (usually cheaper)
// model.
type Reducer struct {
	Agent chatengine.AgentRunner
	Model string
}

func (r *Reducer) Reduce(ctx context.Context, messages []chatengine.ContextMessage) (string, chatengine.ContextMessage, error) {
	if len(messages) == 0 {
		return "", chatengine.ContextMessage{}, fmt.Errorf("no context to reduce")
	}
	trigger := messages[len(messages)-1]
	older := messages[:len(messages)-1]

	var b strings.Builder
	b.WriteString("Summarize the following conversation context concisely, preserving facts and names a reader would need to follow what comes next:\n\n")
	for _, m := range older {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}

	result, err := r.Agent.Prompt(ctx, b.String(), chatengine.PromptOptions{Model: r.Model, ThinkingLevel: "off"})
	if err != nil {
		return "", trigger, fmt.Errorf("reducer prompt failed: %w", err)
	}
	return strings.TrimSpace(result.Text), trigger, nil
}
