package providers

import (
	"context"
	"strings"

	"github.com/sipeed/chatengine/internal/chatengine"
)

// RouterAgent dispatches a Prompt call to one of several AgentRunners based
// on a "provider:model" prefix in opts.Model. A model with no recognized
// provider prefix goes to Default.
type RouterAgent struct {
	Default   chatengine.AgentRunner
	Providers map[string]chatengine.AgentRunner // e.g. "openai" -> OpenAIProvider, "anthropic" -> ClaudeProvider
}

func (r *RouterAgent) Prompt(ctx context.Context, text string, opts chatengine.PromptOptions) (*chatengine.PromptResult, error) {
	provider, model := r.Default, opts.Model
	if idx := strings.Index(opts.Model, ":"); idx > 0 {
		prefix := opts.Model[:idx]
		if p, ok := r.Providers[prefix]; ok {
			provider = p
			model = opts.Model[idx+1:]
		}
	}
	opts.Model = model
	return provider.Prompt(ctx, text, opts)
}
