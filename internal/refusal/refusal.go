// Package refusal detects the known refusal signals an LLM response or
// error can carry.
package refusal

import "strings"

// signals are matched case-insensitively as substrings of the assistant
// text or a thrown error message.
var signals = []string{
	`"is_refusal": true`,
	"the ai refused to respond to this request",
	"content safety refusal",
}

// openAIInvalidPromptWindow bounds how far "safety reasons" may trail
// "invalid_prompt" for the OpenAI-style signal.
const openAIInvalidPromptWindow = 160

// Detect reports whether text (assistant output or an error message)
// contains a known refusal signal.
func Detect(text string) bool {
	lower := strings.ToLower(text)
	for _, s := range signals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return detectOpenAIInvalidPrompt(lower)
}

func detectOpenAIInvalidPrompt(lower string) bool {
	idx := strings.Index(lower, "invalid_prompt")
	if idx < 0 {
		return false
	}
	end := idx + len("invalid_prompt") + openAIInvalidPromptWindow
	if end > len(lower) {
		end = len(lower)
	}
	return strings.Contains(lower[idx:end], "safety reasons")
}

// ShouldFallback reports whether a detected refusal should trigger a
// fallback-model rerun: only when a fallback model is actually configured.
func ShouldFallback(text, fallbackModel string) bool {
	return fallbackModel != "" && Detect(text)
}
