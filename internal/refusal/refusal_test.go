package refusal

import "testing"

func TestDetectStructuredRefusal(t *testing.T) {
	if !Detect(`{"is_refusal": true, "reason": "x"}`) {
		t.Fatal("expected structured refusal to be detected")
	}
}

func TestDetectLiteralEnglishRefusal(t *testing.T) {
	if !Detect("Sorry, The AI refused to respond to this request due to policy.") {
		t.Fatal("expected literal refusal phrase to be detected")
	}
}

func TestDetectOpenAIInvalidPromptWithinWindow(t *testing.T) {
	text := "Error: invalid_prompt: this request was blocked for safety reasons by the classifier"
	if !Detect(text) {
		t.Fatal("expected invalid_prompt/safety reasons pairing within window to be detected")
	}
}

func TestDetectOpenAIInvalidPromptOutsideWindowNotMatched(t *testing.T) {
	filler := make([]byte, 200)
	for i := range filler {
		filler[i] = 'x'
	}
	text := "invalid_prompt " + string(filler) + " safety reasons"
	if Detect(text) {
		t.Fatal("expected pairing beyond the window to NOT be detected")
	}
}

func TestDetectNoSignal(t *testing.T) {
	if Detect("Sure, here is the answer you asked for.") {
		t.Fatal("expected no refusal signal on ordinary text")
	}
}

func TestShouldFallbackRequiresConfiguredModel(t *testing.T) {
	text := `"is_refusal": true`
	if ShouldFallback(text, "") {
		t.Fatal("must not fall back without a configured fallback model")
	}
	if !ShouldFallback(text, "gpt-4o-mini") {
		t.Fatal("must fall back when a fallback model is configured and a signal matches")
	}
}
