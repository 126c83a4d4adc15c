package executor

import (
	"context"
	"testing"
	"time"

	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/chatengine/resolver"
	"github.com/sipeed/chatengine/internal/config"
	"github.com/sipeed/chatengine/internal/costing"
	"github.com/sipeed/chatengine/internal/ratelimit"
)

type fakeHistory struct {
	rows         []chatengine.RoomMessage
	calls        []chatengine.LlmCallRecord
	linkedCallID int64
	linkedRespID int64
}

func (f *fakeHistory) AddMessage(ctx context.Context, msg chatengine.RoomMessage, meta *chatengine.MessageMeta) (int64, error) {
	f.rows = append(f.rows, msg)
	return int64(len(f.rows)), nil
}
func (f *fakeHistory) GetContextForMessage(ctx context.Context, msg chatengine.RoomMessage, limit int) ([]chatengine.ContextMessage, error) {
	return nil, nil
}
func (f *fakeHistory) GetRecentMessagesSince(ctx context.Context, server, channel, nick string, sinceEpochSec float64, threadID string) ([]chatengine.TimestampedMessage, error) {
	return nil, nil
}
func (f *fakeHistory) LogLlmCall(ctx context.Context, call chatengine.LlmCallRecord) (int64, error) {
	f.calls = append(f.calls, call)
	return int64(len(f.calls)), nil
}
func (f *fakeHistory) UpdateLlmCallResponse(ctx context.Context, callID, responseMessageID int64) error {
	f.linkedCallID = callID
	f.linkedRespID = responseMessageID
	return nil
}
func (f *fakeHistory) GetArcCostToday(ctx context.Context, arc string) (float64, error) { return 0, nil }
func (f *fakeHistory) CountRecentUnchronicled(ctx context.Context, server, channel string, days int) (int, error) {
	return 0, nil
}
func (f *fakeHistory) GetFullHistory(ctx context.Context, server, channel string, n int) ([]chatengine.HistoryRow, error) {
	return nil, nil
}
func (f *fakeHistory) MarkChronicled(ctx context.Context, ids []int64, chapterID int64) error { return nil }
func (f *fakeHistory) GetMessageIDByPlatformID(ctx context.Context, server, channel, platformID string) (int64, bool, error) {
	return 0, false, nil
}
func (f *fakeHistory) UpdateMessageByPlatformID(ctx context.Context, server, channel, platformID, content string) error {
	return nil
}

type fakeAgent struct {
	text       string
	costUSD    float64
	toolCalls  int
	shouldFail bool
}

func (f *fakeAgent) Prompt(ctx context.Context, text string, opts chatengine.PromptOptions) (*chatengine.PromptResult, error) {
	if f.shouldFail {
		return nil, context.DeadlineExceeded
	}
	return &chatengine.PromptResult{
		Text:           f.text,
		Usage:          chatengine.TokenUsage{InputTokens: 10, OutputTokens: 20, Cost: chatengine.UsageCost{Total: f.costUSD}},
		ToolCallsCount: f.toolCalls,
	}, nil
}

func testResolver() *resolver.Resolver {
	cfg := config.CommandConfig{
		ResponseMaxBytes: 600,
		Modes: map[string]config.ModeConfig{
			"serious": {
				Model:    "claude-sonnet",
				Steering: false,
				Triggers: config.OrderedTriggers{{Token: "!s"}},
			},
		},
	}
	return resolver.New(cfg, nil)
}

func newTestExecutor(t *testing.T, agent *fakeAgent, hist *fakeHistory, limiter *ratelimit.Keyed) *Executor {
	return &Executor{
		History:     hist,
		Resolver:    testResolver(),
		Agent:       agent,
		RateLimiter: limiter,
		Cost:        costing.NewTracker(t.TempDir()),
		Command: config.CommandConfig{
			ResponseMaxBytes: 600,
			Modes: map[string]config.ModeConfig{
				"serious": {Model: "claude-sonnet", Triggers: config.OrderedTriggers{{Token: "!s"}}},
			},
		},
		MyNick: "bot",
		Now:    func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) },
	}
}

// TestBasicCommandScenario runs one plain command end to end and checks the
// persisted rows and LLM-call linkage.
func TestBasicCommandScenario(t *testing.T) {
	hist := &fakeHistory{}
	agent := &fakeAgent{text: "done"}
	exec := newTestExecutor(t, agent, hist, ratelimit.NewKeyed(30, 900))

	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "test", Nick: "alice", Content: "!s hello there"}
	item := chatengine.NewQueuedInboundMessage(chatengine.KindCommand, msg, 1, true, nil)

	result := exec.Execute(context.Background(), item, nil)
	if !result.HasResponse || result.Response != "done" {
		t.Fatalf("result = %+v", result)
	}
	if len(hist.rows) != 1 || hist.rows[0].Content != "done" {
		t.Fatalf("expected one persisted assistant row, got %+v", hist.rows)
	}
	if len(hist.calls) != 1 {
		t.Fatalf("expected one logged LLM call, got %d", len(hist.calls))
	}
	if hist.linkedRespID == 0 {
		t.Fatal("expected the LLM call to be linked to the response row")
	}
}

// TestRateLimitedCommandScenario: a denied limiter short-circuits with an
// apology, persists it, and logs no LLM call.
func TestRateLimitedCommandScenario(t *testing.T) {
	hist := &fakeHistory{}
	agent := &fakeAgent{text: "should not run"}
	limiter := ratelimit.NewKeyed(1, 900)
	limiter.Allow("libera#test") // exhaust the single token

	exec := newTestExecutor(t, agent, hist, limiter)

	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "test", Nick: "alice", Content: "!s too-fast"}
	item := chatengine.NewQueuedInboundMessage(chatengine.KindCommand, msg, 1, true, nil)

	result := exec.Execute(context.Background(), item, nil)
	want := "alice: Slow down a little, will you? (rate limiting)"
	if result.Response != want {
		t.Fatalf("Response = %q, want %q", result.Response, want)
	}
	if len(hist.calls) != 0 {
		t.Fatal("expected zero LLM calls logged when rate-limited")
	}
	if len(hist.rows) != 1 {
		t.Fatalf("expected the apology persisted as a history row, got %d rows", len(hist.rows))
	}
}

func TestCostFollowupEmittedAboveThreshold(t *testing.T) {
	hist := &fakeHistory{}
	agent := &fakeAgent{text: "done", costUSD: 0.25}
	exec := newTestExecutor(t, agent, hist, ratelimit.NewKeyed(30, 900))

	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "test", Nick: "alice", Content: "!s hello"}
	item := chatengine.NewQueuedInboundMessage(chatengine.KindCommand, msg, 1, true, nil)

	exec.Execute(context.Background(), item, nil)

	found := false
	for _, row := range hist.rows {
		if row.Content != "" && row.Content != "done" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a cost-followup row to be persisted above the $0.20 threshold")
	}
}

func TestParseErrorShortCircuits(t *testing.T) {
	hist := &fakeHistory{}
	agent := &fakeAgent{text: "should not run"}
	exec := newTestExecutor(t, agent, hist, ratelimit.NewKeyed(30, 900))

	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "test", Nick: "alice", Content: "!s !s hello"}
	item := chatengine.NewQueuedInboundMessage(chatengine.KindCommand, msg, 1, true, nil)

	result := exec.Execute(context.Background(), item, nil)
	if result.Resolved.Err == nil {
		t.Fatal("expected a resolution error for a duplicate trigger")
	}
	if len(hist.calls) != 0 {
		t.Fatal("expected no LLM call logged on parse error")
	}
}
