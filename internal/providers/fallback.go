package providers

import (
	"context"
	"fmt"

	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/logging"
	"github.com/sipeed/chatengine/internal/refusal"
)

// RefusalFallbackAgent wraps an AgentRunner and transparently reruns a
// refused prompt on the fallback model named in opts.RefusalFallbackModel.
// A refusal is recognized both in a returned error and in the assistant
// text itself (structured "is_refusal" JSON, the known English phrasings,
// OpenAI's invalid_prompt safety rejection). The rerun keeps every other
// option unchanged; PromptResult records that the fallback activated so the
// executor can annotate the final response.
type RefusalFallbackAgent struct {
	Inner chatengine.AgentRunner
}

func (a *RefusalFallbackAgent) Prompt(ctx context.Context, text string, opts chatengine.PromptOptions) (*chatengine.PromptResult, error) {
	result, err := a.Inner.Prompt(ctx, text, opts)

	fallbackModel := opts.RefusalFallbackModel
	if fallbackModel == "" || fallbackModel == opts.Model {
		return result, err
	}

	refused := false
	switch {
	case err != nil:
		refused = refusal.Detect(err.Error())
	case result != nil:
		refused = refusal.Detect(result.Text)
	}
	if !refused {
		return result, err
	}

	logging.WarnCF("providers", "refusal signal detected, rerunning on fallback model", logging.Fields{"model": opts.Model, "fallback": fallbackModel})

	fbOpts := opts
	fbOpts.Model = fallbackModel
	fbOpts.RefusalFallbackModel = ""
	fbResult, fbErr := a.Inner.Prompt(ctx, text, fbOpts)
	if fbErr != nil {
		if err != nil {
			return nil, fmt.Errorf("primary refused: %w; fallback also failed: %v", err, fbErr)
		}
		return result, nil
	}

	if result != nil {
		// Token spend on the refused primary attempt still happened; fold it
		// into the accounting the executor sees.
		fbResult.Usage.InputTokens += result.Usage.InputTokens
		fbResult.Usage.OutputTokens += result.Usage.OutputTokens
		fbResult.Usage.CacheRead += result.Usage.CacheRead
		fbResult.Usage.CacheCreate += result.Usage.CacheCreate
		fbResult.Usage.Cost.Total += result.Usage.Cost.Total
		fbResult.ToolCallsCount += result.ToolCallsCount
		fbResult.ToolCalls = append(result.ToolCalls, fbResult.ToolCalls...)
	}
	fbResult.RefusalFallbackActivated = true
	fbResult.RefusalFallbackModel = fallbackModel
	return fbResult, nil
}
