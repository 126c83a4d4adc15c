package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/chatengine/executor"
	"github.com/sipeed/chatengine/internal/chatengine/resolver"
	"github.com/sipeed/chatengine/internal/chatengine/steering"
	"github.com/sipeed/chatengine/internal/config"
	"github.com/sipeed/chatengine/internal/costing"
	"github.com/sipeed/chatengine/internal/ratelimit"
)

type fakeHistory struct {
	mu   sync.Mutex
	rows []chatengine.RoomMessage
}

func (f *fakeHistory) AddMessage(ctx context.Context, msg chatengine.RoomMessage, meta *chatengine.MessageMeta) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, msg)
	return int64(len(f.rows)), nil
}
func (f *fakeHistory) GetContextForMessage(ctx context.Context, msg chatengine.RoomMessage, limit int) ([]chatengine.ContextMessage, error) {
	return nil, nil
}
func (f *fakeHistory) GetRecentMessagesSince(ctx context.Context, server, channel, nick string, since float64, threadID string) ([]chatengine.TimestampedMessage, error) {
	return nil, nil
}
func (f *fakeHistory) LogLlmCall(ctx context.Context, call chatengine.LlmCallRecord) (int64, error) {
	return 1, nil
}
func (f *fakeHistory) UpdateLlmCallResponse(ctx context.Context, callID, responseMessageID int64) error {
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
	shouldFail bool
	delay      time.Duration
}

func (f *fakeAgent) Prompt(ctx context.Context, text string, opts chatengine.PromptOptions) (*chatengine.PromptResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.shouldFail {
		return nil, context.DeadlineExceeded
	}
	return &chatengine.PromptResult{Text: f.text}, nil
}

type fakeChronicler struct {
	mu        sync.Mutex
	triggered []string
}

func (f *fakeChronicler) Trigger(ctx context.Context, arc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, arc)
}

func newHandler(t *testing.T, agent *fakeAgent, hist *fakeHistory, steeringEnabled bool) (*Handler, *steering.Manager) {
	cfg := config.CommandConfig{
		ResponseMaxBytes: 600,
		Modes: map[string]config.ModeConfig{
			"serious": {
				Model:    "claude-sonnet",
				Steering: steeringEnabled,
				Triggers: config.OrderedTriggers{{Token: "!s"}},
			},
		},
	}
	mgr := steering.NewManager()
	chron := &fakeChronicler{}
	exec := &executor.Executor{
		History:     hist,
		Resolver:    resolver.New(cfg, nil),
		Agent:       agent,
		RateLimiter: ratelimit.NewKeyed(30, 900),
		Cost:        costing.NewTracker(t.TempDir()),
		Command:     cfg,
		MyNick:      "bot",
		Chronicler:  chron,
		Now:         func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) },
	}
	h := &Handler{
		History:    hist,
		Resolver:   resolver.New(cfg, nil),
		Executor:   exec,
		Steering:   mgr,
		Chronicler: chron,
	}
	return h, mgr
}

func TestHandleDirectBypassedWhenSteeringDisabled(t *testing.T) {
	hist := &fakeHistory{}
	agent := &fakeAgent{text: "done"}
	h, _ := newHandler(t, agent, hist, false)

	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "test", Nick: "alice", Content: "!s hello"}
	result, err := h.Handle(context.Background(), msg, true, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.HasResponse || result.Response != "done" {
		t.Fatalf("result = %+v", result)
	}
}

func TestHandleDirectEnqueuesWhenSteeringEnabled(t *testing.T) {
	hist := &fakeHistory{}
	agent := &fakeAgent{text: "done", delay: 20 * time.Millisecond}
	h, _ := newHandler(t, agent, hist, true)

	msg1 := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "test", Nick: "alice", Content: "!s first"}
	msg2 := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "test", Nick: "alice", Content: "!s second"}

	var wg sync.WaitGroup
	results := make([]*chatengine.CommandExecutionResult, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		r, _ := h.Handle(context.Background(), msg1, true, nil)
		results[0] = r
	}()
	time.Sleep(5 * time.Millisecond) // ensure msg1 becomes the runner first
	go func() {
		defer wg.Done()
		r, _ := h.Handle(context.Background(), msg2, true, nil)
		results[1] = r
	}()
	wg.Wait()

	for i, r := range results {
		if r == nil || !r.HasResponse || r.Response != "done" {
			t.Fatalf("results[%d] = %+v", i, r)
		}
	}
}

func TestHandlePassiveNoneTriggersChronicler(t *testing.T) {
	hist := &fakeHistory{}
	agent := &fakeAgent{text: "done"}
	h, _ := newHandler(t, agent, hist, false)

	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "test", Nick: "alice", Content: "just chatting"}
	result, err := h.Handle(context.Background(), msg, false, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for an unserialized passive, got %+v", result)
	}
	chron := h.Chronicler.(*fakeChronicler)
	if len(chron.triggered) != 1 || chron.triggered[0] != "libera#test" {
		t.Fatalf("expected auto-chronicler triggered once for libera#test, got %+v", chron.triggered)
	}
}

func TestHandleDirectAgentFailureAbortsSessionAndPropagates(t *testing.T) {
	hist := &fakeHistory{}
	agent := &fakeAgent{shouldFail: true, delay: 30 * time.Millisecond}
	h, mgr := newHandler(t, agent, hist, true)

	key := chatengine.SteeringKey{Arc: "libera#test", Identity: "alice"}

	msg1 := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "test", Nick: "alice", Content: "!s first"}
	msg2 := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "test", Nick: "alice", Content: "!s second"}

	var item2 *chatengine.QueuedInboundMessage
	var firstErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = h.Handle(context.Background(), msg1, true, nil)
	}()

	// Give the runner time to be created (but not to finish its delayed,
	// failing agent call) before joining the same session as a second
	// queued command.
	time.Sleep(5 * time.Millisecond)
	item2, _ = mgr.EnqueueCommandOrStartRunner(key, msg2, 2, true, nil)

	wg.Wait()
	if firstErr == nil {
		t.Fatal("expected the runner's own error to propagate")
	}

	select {
	case res := <-item2.Done:
		if res == nil || res.Resolved.Err == nil {
			t.Fatalf("expected the queued second item to fail with a session-aborted error, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the second queued item to be finished after session abort")
	}
}
