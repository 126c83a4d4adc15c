// Package classifier implements the small LLM invocation that resolves a
// free-form message to a configured mode label: one Prompt() call with a
// constrained system prompt and a deterministic post-parse, no tool use. It
// satisfies both resolver.Classifier and proactive.Classifier, which share
// an identical method signature by structural typing.
package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/config"
)

// Classifier resolves a message to one of its configured labels using a
// dedicated (usually cheap/fast) model.
type Classifier struct {
	Agent  chatengine.AgentRunner
	Config config.ClassifierConfig
}

func (c *Classifier) Classify(ctx context.Context, arc string, context []chatengine.ContextMessage, message string) (string, error) {
	labels := make([]string, 0, len(c.Config.Labels))
	for _, l := range c.Config.Labels {
		labels = append(labels, l.Label)
	}
	if len(labels) == 0 {
		return "", fmt.Errorf("classifier has no configured labels")
	}

	systemPrompt := c.Config.Prompt
	if systemPrompt == "" {
		systemPrompt = "Classify the final message into exactly one of these labels: " +
			strings.Join(labels, ", ") + ". Reply with only the label, nothing else."
	}

	result, err := c.Agent.Prompt(ctx, message, chatengine.PromptOptions{
		ContextMessages: context,
		Model:           c.Config.Model,
		SystemPrompt:    systemPrompt,
		ThinkingLevel:   "off",
	})
	if err != nil {
		return "", fmt.Errorf("classifier prompt failed: %w", err)
	}

	return matchLabel(result.Text, labels), nil
}

// matchLabel finds the configured label the model's free-form reply most
// plausibly names: an exact (case-insensitive) match first, then a
// substring match, falling back to the raw trimmed text so the caller's
// "unrecognized label" handling still applies.
func matchLabel(reply string, labels []string) string {
	reply = strings.TrimSpace(reply)
	lower := strings.ToLower(reply)
	for _, l := range labels {
		if strings.EqualFold(l, reply) {
			return l
		}
	}
	for _, l := range labels {
		if strings.Contains(lower, strings.ToLower(l)) {
			return l
		}
	}
	return reply
}
