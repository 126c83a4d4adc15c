package resolver

import (
	"context"
	"testing"

	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/config"
)

func testConfig() config.CommandConfig {
	steeringOn := true
	return config.CommandConfig{
		FlagTokens: []string{"!c"},
		HelpToken:  "!h",
		ChannelModes: map[string]string{
			"libera#silly":   "!silly",
			"libera#serious": "serious",
			"libera#auto":    "classifier",
			"libera#pinned":  "classifier:serious",
		},
		Modes: map[string]config.ModeConfig{
			"silly": {
				Model:    "claude-haiku",
				Steering: true,
				Triggers: config.OrderedTriggers{
					{Token: "!silly", Config: config.TriggerConfig{Steering: &steeringOn}},
				},
			},
			"serious": {
				Model:    "claude-sonnet",
				Steering: true,
				Triggers: config.OrderedTriggers{
					{Token: "!s"},
					{Token: "!serious"},
				},
			},
		},
		ModeClassifier: config.ClassifierConfig{
			Labels: config.OrderedLabels{
				{Label: "SILLY", Trigger: "!silly"},
				{Label: "SERIOUS", Trigger: "!s"},
			},
			FallbackLabel: "SERIOUS",
		},
	}
}

func TestResolveDirectTrigger(t *testing.T) {
	r := New(testConfig(), nil)
	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "silly", Nick: "alice", Content: "!silly tell me a joke"}
	got := r.Resolve(context.Background(), msg, nil)
	if got.Err != nil {
		t.Fatalf("unexpected error: %v", got.Err)
	}
	if got.SelectedTrigger != "!silly" {
		t.Fatalf("SelectedTrigger = %q, want !silly", got.SelectedTrigger)
	}
	if got.QueryText != "tell me a joke" {
		t.Fatalf("QueryText = %q", got.QueryText)
	}
}

func TestResolveDuplicateTriggerErrors(t *testing.T) {
	r := New(testConfig(), nil)
	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "silly", Content: "!silly !s hello"}
	got := r.Resolve(context.Background(), msg, nil)
	if got.Err == nil || got.Err.Error() != "Only one mode command allowed." {
		t.Fatalf("Err = %v, want duplicate-trigger error", got.Err)
	}
}

func TestResolveUnknownBangToken(t *testing.T) {
	r := New(testConfig(), nil)
	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "silly", Content: "!bogus hi"}
	got := r.Resolve(context.Background(), msg, nil)
	if got.Err == nil {
		t.Fatal("expected an unknown-command error")
	}
}

func TestResolveModelOverrideFirstWins(t *testing.T) {
	r := New(testConfig(), nil)
	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "silly", Content: "!silly @gpt-5 @other-model explain this"}
	got := r.Resolve(context.Background(), msg, nil)
	if got.ModelOverride != "gpt-5" {
		t.Fatalf("ModelOverride = %q, want gpt-5", got.ModelOverride)
	}
}

func TestResolveFlagTokenSetsNoContext(t *testing.T) {
	r := New(testConfig(), nil)
	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "silly", Content: "!c !silly fresh start"}
	got := r.Resolve(context.Background(), msg, nil)
	if !got.NoContext {
		t.Fatal("expected NoContext = true")
	}
	if got.QueryText != "fresh start" {
		t.Fatalf("QueryText = %q", got.QueryText)
	}
}

func TestResolveHelpToken(t *testing.T) {
	r := New(testConfig(), nil)
	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "silly", Content: "!h"}
	got := r.Resolve(context.Background(), msg, nil)
	if !got.HelpRequested {
		t.Fatal("expected HelpRequested = true")
	}
}

func TestResolveImplicitDirectTrigger(t *testing.T) {
	r := New(testConfig(), nil)
	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "silly", Content: "hello there"}
	got := r.Resolve(context.Background(), msg, nil)
	if got.Err != nil {
		t.Fatalf("unexpected error: %v", got.Err)
	}
	if got.SelectedTrigger != "!silly" || !got.SelectedAutomatically {
		t.Fatalf("got trigger=%q automatically=%v", got.SelectedTrigger, got.SelectedAutomatically)
	}
}

func TestResolveImplicitModeName(t *testing.T) {
	r := New(testConfig(), nil)
	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "serious", Content: "hello there"}
	got := r.Resolve(context.Background(), msg, nil)
	if got.Err != nil {
		t.Fatalf("unexpected error: %v", got.Err)
	}
	if got.SelectedTrigger != "!s" {
		t.Fatalf("SelectedTrigger = %q, want first-declared trigger !s", got.SelectedTrigger)
	}
}

func TestResolveUnknownChannelErrors(t *testing.T) {
	r := New(testConfig(), nil)
	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "nowhere", Content: "hello"}
	got := r.Resolve(context.Background(), msg, nil)
	if got.Err == nil {
		t.Fatal("expected error for unconfigured channel")
	}
}

type stubClassifier struct {
	label string
	err   error
}

func (s stubClassifier) Classify(ctx context.Context, arc string, history []chatengine.ContextMessage, message string) (string, error) {
	return s.label, s.err
}

func TestResolveClassifierMapsLabelToTrigger(t *testing.T) {
	r := New(testConfig(), stubClassifier{label: "SILLY"})
	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "auto", Content: "whats up"}
	got := r.Resolve(context.Background(), msg, nil)
	if got.Err != nil {
		t.Fatalf("unexpected error: %v", got.Err)
	}
	if got.SelectedTrigger != "!silly" {
		t.Fatalf("SelectedTrigger = %q, want !silly", got.SelectedTrigger)
	}
}

func TestResolvePinnedClassifierRejectsMismatch(t *testing.T) {
	r := New(testConfig(), stubClassifier{label: "SILLY"})
	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "pinned", Content: "whats up"}
	got := r.Resolve(context.Background(), msg, nil)
	if got.Err != nil {
		t.Fatalf("unexpected error: %v", got.Err)
	}
	// pinned to "serious"; classifier returned SILLY which maps to mode
	// "silly", so it's rejected and serious's default trigger is used.
	if got.SelectedTrigger != "!s" {
		t.Fatalf("SelectedTrigger = %q, want fallback to serious default !s", got.SelectedTrigger)
	}
}

func TestBypassWhenSteeringOff(t *testing.T) {
	cfg := testConfig()
	off := false
	cfg.Modes["silly"] = config.ModeConfig{
		Model:    "claude-haiku",
		Steering: true,
		Triggers: config.OrderedTriggers{
			{Token: "!silly", Config: config.TriggerConfig{Steering: &off}},
		},
	}
	r := New(cfg, nil)
	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "silly", Content: "!silly hi"}
	got := r.Resolve(context.Background(), msg, nil)
	if !got.Bypass() {
		t.Fatal("expected Bypass() = true when trigger overrides steering to false")
	}
}
