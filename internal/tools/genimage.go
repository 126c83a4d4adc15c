package tools

import (
	"context"

	"github.com/sipeed/chatengine/internal/chatengine"
)

// ImageGenerator renders a prompt to a hosted image URL. Implemented by
// providers.OpenAIProvider.GenerateImage; the tool only exists when an
// implementation is configured (the registry simply isn't given this tool
// otherwise).
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt, model string) (url string, err error)
}

// GenerateImageTool is the "generate image" member of the baseline tool set.
type GenerateImageTool struct {
	Generator ImageGenerator
	Model     string
}

func (t *GenerateImageTool) Definition() chatengine.ToolDefinition {
	return chatengine.ToolDefinition{
		Name:        "generate_image",
		Description: "Generate an image from a text prompt and return its URL.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"prompt": map[string]interface{}{"type": "string", "description": "What the image should depict."},
			},
			"required": []string{"prompt"},
		},
		Persistence: "artifact",
	}
}

func (t *GenerateImageTool) Execute(ctx context.Context, args map[string]interface{}) (string, bool) {
	prompt, ok := stringArg(args, "prompt")
	if !ok || prompt == "" {
		return "prompt is required", true
	}
	url, err := t.Generator.GenerateImage(ctx, prompt, t.Model)
	if err != nil {
		return "generate_image failed: " + err.Error(), true
	}
	return url, false
}
