// Package providers implements the chatengine.AgentRunner contract against
// concrete LLM APIs. Each runner owns its provider-specific tool loop
// internally, since the executor only ever wants a single Prompt() call per
// turn.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/logging"
)

// ToolExecutor runs one tool call by name, returning the text fed back to
// the model as a tool_result block.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (forLLM string, isError bool)
}

// ClaudeProvider implements chatengine.AgentRunner against the Claude
// Messages API, authenticating with either a static API key or an OAuth
// bearer token.
type ClaudeProvider struct {
	client      *anthropic.Client
	tokenSource func() (string, error)

	Tools         ToolExecutor
	MaxIterations int
}

// NewClaudeProvider builds a provider authenticating with a static API key.
func NewClaudeProvider(apiKey string) *ClaudeProvider {
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL("https://api.anthropic.com"),
	)
	return &ClaudeProvider{client: &client, MaxIterations: 12}
}

// NewClaudeProviderOAuth builds a provider authenticating via OAuth Bearer
// token, for Claude Max/Pro subscriptions.
func NewClaudeProviderOAuth(tokenSource func() (string, error)) *ClaudeProvider {
	client := anthropic.NewClient(
		option.WithBaseURL("https://api.anthropic.com"),
		option.WithMiddleware(oauthBearerMiddleware(tokenSource)),
	)
	return &ClaudeProvider{client: &client, tokenSource: tokenSource, MaxIterations: 12}
}

// oauthBearerMiddleware strips x-api-key, sets Authorization: Bearer, the
// CLI user-agent, and the beta query param required for OAuth-authenticated
// requests.
func oauthBearerMiddleware(tokenSource func() (string, error)) option.Middleware {
	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		token, err := tokenSource()
		if err != nil {
			return nil, fmt.Errorf("refreshing OAuth token: %w", err)
		}
		req.Header.Del("X-Api-Key")
		req.Header.Del("x-api-key")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("User-Agent", "claude-cli/2.1.2 (external, cli)")
		req.Header.Set("anthropic-beta", "oauth-2025-04-20,interleaved-thinking-2025-05-14")
		q := req.URL.Query()
		q.Set("beta", "true")
		req.URL.RawQuery = q.Encode()
		return next(req)
	}
}

// Prompt implements chatengine.AgentRunner: build the message list from
// opts.ContextMessages plus text, run the tool loop to completion (or
// MaxIterations), folding steering messages in between iterations.
func (p *ClaudeProvider) Prompt(ctx context.Context, text string, opts chatengine.PromptOptions) (*chatengine.PromptResult, error) {
	messages := buildClaudeMessages(opts.ContextMessages, text)
	toolParams := translateToolsForClaude(opts.Tools)

	maxIterations := p.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 12
	}

	result := &chatengine.PromptResult{}
	iteration := 0
	for iteration < maxIterations {
		iteration++

		if opts.SteeringMessageProvider != nil {
			for _, sm := range opts.SteeringMessageProvider() {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(sm.Content)))
			}
		}

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(opts.Model),
			Messages:  messages,
			MaxTokens: 8192,
		}
		if budget := thinkingBudget(opts.ThinkingLevel); budget > 0 {
			params.Thinking = anthropic.ThinkingConfigParamUnion{
				OfEnabled: &anthropic.ThinkingConfigEnabledParam{BudgetTokens: budget},
			}
			// max_tokens must exceed the thinking budget.
			params.MaxTokens = budget + 8192
		}
		if opts.SystemPrompt != "" {
			params.System = []anthropic.TextBlockParam{{Text: opts.SystemPrompt}}
		}
		if len(toolParams) > 0 {
			params.Tools = toolParams
		}

		reqOpts, err := p.authOptions()
		if err != nil {
			return nil, err
		}

		resp, err := p.client.Messages.New(ctx, params, reqOpts...)
		if err != nil {
			return nil, fmt.Errorf("claude API call: %w", err)
		}

		usage := resp.Usage
		result.Usage.InputTokens += int(usage.InputTokens)
		result.Usage.OutputTokens += int(usage.OutputTokens)
		result.Usage.CacheRead += int(usage.CacheReadInputTokens)
		result.Usage.CacheCreate += int(usage.CacheCreationInputTokens)

		text, toolUses := splitClaudeResponse(resp)
		if len(toolUses) == 0 {
			result.Text = text
			return result, nil
		}

		var assistantBlocks []anthropic.ContentBlockParamUnion
		if text != "" {
			assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(text))
		}
		for _, tu := range toolUses {
			assistantBlocks = append(assistantBlocks, anthropic.NewToolUseBlock(tu.id, tu.args, tu.name))
		}
		messages = append(messages, anthropic.NewAssistantMessage(assistantBlocks...))

		for _, tu := range toolUses {
			forLLM, isError := p.executeTool(ctx, tu.name, tu.args)
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewToolResultBlock(tu.id, forLLM, isError)))
			result.ToolCallsCount++
			result.ToolCalls = append(result.ToolCalls, chatengine.ToolCallRecord{Name: tu.name, IsError: isError})
		}
	}

	logging.WarnCF("providers", "claude tool loop hit max iterations", logging.Fields{"model": opts.Model, "iterations": maxIterations})
	result.Text = "Error: exceeded maximum tool-use iterations"
	return result, nil
}

func (p *ClaudeProvider) authOptions() ([]option.RequestOption, error) {
	if p.tokenSource == nil {
		return nil, nil
	}
	tok, err := p.tokenSource()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	return []option.RequestOption{option.WithAuthToken(tok)}, nil
}

func (p *ClaudeProvider) executeTool(ctx context.Context, name string, args map[string]interface{}) (forLLM string, isError bool) {
	if p.Tools == nil {
		return fmt.Sprintf("no tool executor configured for %q", name), true
	}
	return p.Tools.Execute(ctx, name, args)
}

// thinkingBudget maps the executor's thinking level to an extended-thinking
// token budget; 0 disables thinking entirely.
func thinkingBudget(level string) int64 {
	switch level {
	case "low":
		return 2048
	case "medium":
		return 4096
	case "high":
		return 8192
	case "xhigh":
		return 16384
	default: // "", "off", "minimal"
		return 0
	}
}

func buildClaudeMessages(context []chatengine.ContextMessage, finalUserText string) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(context)+1)
	for _, m := range context {
		switch m.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if finalUserText != "" {
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(finalUserText)))
	}
	return messages
}

func translateToolsForClaude(toolDefs []chatengine.ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(toolDefs))
	for _, t := range toolDefs {
		tool := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Parameters["properties"],
			},
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		if req, ok := t.Parameters["required"].([]interface{}); ok {
			required := make([]string, 0, len(req))
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			tool.InputSchema.Required = required
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}

type claudeToolUse struct {
	id   string
	name string
	args map[string]interface{}
}

func splitClaudeResponse(resp *anthropic.Message) (text string, toolUses []claudeToolUse) {
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			var args map[string]interface{}
			if err := json.Unmarshal(tu.Input, &args); err != nil {
				args = map[string]interface{}{"raw": string(tu.Input)}
			}
			toolUses = append(toolUses, claudeToolUse{id: tu.ID, name: tu.Name, args: args})
		}
	}
	return text, toolUses
}
