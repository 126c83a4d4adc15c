package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/logging"
)

// OpenAIProvider implements chatengine.AgentRunner against the Chat
// Completions API, reached via "@openai:<model>" overrides and the
// proactive validation-model ensemble.
type OpenAIProvider struct {
	client openai.Client

	Tools         ToolExecutor
	MaxIterations int
}

// NewOpenAIProvider builds a provider authenticating with a static API key.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client:        openai.NewClient(option.WithAPIKey(apiKey)),
		MaxIterations: 12,
	}
}

func (p *OpenAIProvider) Prompt(ctx context.Context, text string, opts chatengine.PromptOptions) (*chatengine.PromptResult, error) {
	messages := buildOpenAIMessages(opts.SystemPrompt, opts.ContextMessages, text)
	toolParams := translateToolsForOpenAI(opts.Tools)

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
				messages = append(messages, openai.UserMessage(sm.Content))
			}
		}

		params := openai.ChatCompletionNewParams{
			Model:    opts.Model,
			Messages: messages,
		}
		if len(toolParams) > 0 {
			params.Tools = toolParams
		}

		resp, err := p.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("openai API call: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("openai API call: empty choices")
		}

		result.Usage.InputTokens += int(resp.Usage.PromptTokens)
		result.Usage.OutputTokens += int(resp.Usage.CompletionTokens)

		choice := resp.Choices[0]
		if len(choice.Message.ToolCalls) == 0 {
			result.Text = choice.Message.Content
			return result, nil
		}

		messages = append(messages, choice.Message.ToParam())

		for _, tc := range choice.Message.ToolCalls {
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]interface{}{"raw": tc.Function.Arguments}
			}
			forLLM, isError := p.executeTool(ctx, tc.Function.Name, args)
			messages = append(messages, openai.ToolMessage(forLLM, tc.ID))
			result.ToolCallsCount++
			result.ToolCalls = append(result.ToolCalls, chatengine.ToolCallRecord{Name: tc.Function.Name, IsError: isError})
		}
	}

	logging.WarnCF("providers", "openai tool loop hit max iterations", logging.Fields{"model": opts.Model, "iterations": maxIterations})
	result.Text = "Error: exceeded maximum tool-use iterations"
	return result, nil
}

// GenerateImage renders a prompt via the Images API and returns the hosted
// image URL. model defaults to dall-e-3, which returns URL-form results.
func (p *OpenAIProvider) GenerateImage(ctx context.Context, prompt, model string) (string, error) {
	if model == "" {
		model = string(openai.ImageModelDallE3)
	}
	resp, err := p.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(model),
	})
	if err != nil {
		return "", fmt.Errorf("openai image generation: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("openai image generation: no image URL in response")
	}
	return resp.Data[0].URL, nil
}

func (p *OpenAIProvider) executeTool(ctx context.Context, name string, args map[string]interface{}) (forLLM string, isError bool) {
	if p.Tools == nil {
		return fmt.Sprintf("no tool executor configured for %q", name), true
	}
	return p.Tools.Execute(ctx, name, args)
}

func buildOpenAIMessages(systemPrompt string, context []chatengine.ContextMessage, finalUserText string) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(context)+2)
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	for _, m := range context {
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	if finalUserText != "" {
		messages = append(messages, openai.UserMessage(finalUserText))
	}
	return messages
}

func translateToolsForOpenAI(toolDefs []chatengine.ToolDefinition) []openai.ChatCompletionToolUnionParam {
	result := make([]openai.ChatCompletionToolUnionParam, 0, len(toolDefs))
	for _, t := range toolDefs {
		fn := openai.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: openai.FunctionParameters(t.Parameters),
		}
		if t.Description != "" {
			fn.Description = openai.String(t.Description)
		}
		result = append(result, openai.ChatCompletionFunctionTool(fn))
	}
	return result
}
