package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sipeed/chatengine/internal/chatengine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chatengine.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddMessageAndGetContext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg1 := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "test", Nick: "alice", MyNick: "bot", Content: "hello"}
	msg2 := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "test", Nick: "bot", MyNick: "bot", Content: "hi there"}

	if _, err := s.AddMessage(ctx, msg1, nil); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if _, err := s.AddMessage(ctx, msg2, nil); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	context_, err := s.GetContextForMessage(ctx, msg1, 10)
	if err != nil {
		t.Fatalf("GetContextForMessage: %v", err)
	}
	if len(context_) != 2 {
		t.Fatalf("expected 2 context messages, got %d", len(context_))
	}
	if context_[0].Role != "user" || context_[0].Content != "hello" {
		t.Fatalf("context[0] = %+v", context_[0])
	}
	if context_[1].Role != "assistant" || context_[1].Content != "hi there" {
		t.Fatalf("context[1] = %+v", context_[1])
	}
}

func TestChronicleThresholdRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := chatengine.RoomMessage{ServerTag: "libera", ChannelName: "test", Nick: "alice", MyNick: "bot", Content: "chatting"}
	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.AddMessage(ctx, msg, nil)
		if err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
		ids = append(ids, id)
	}

	count, err := s.CountRecentUnchronicled(ctx, "libera", "test", 7)
	if err != nil {
		t.Fatalf("CountRecentUnchronicled: %v", err)
	}
	if count != 5 {
		t.Fatalf("expected 5 unchronicled, got %d", count)
	}

	rows, err := s.GetFullHistory(ctx, "libera", "test", 100)
	if err != nil {
		t.Fatalf("GetFullHistory: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected 5 history rows, got %d", len(rows))
	}

	paragraph, err := s.AppendParagraph(ctx, "libera#test", "A short chronicle of the conversation.")
	if err != nil {
		t.Fatalf("AppendParagraph: %v", err)
	}
	if err := s.MarkChronicled(ctx, ids, paragraph.ChapterID); err != nil {
		t.Fatalf("MarkChronicled: %v", err)
	}

	count, err = s.CountRecentUnchronicled(ctx, "libera", "test", 7)
	if err != nil {
		t.Fatalf("CountRecentUnchronicled: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 unchronicled after marking, got %d", count)
	}

	html, err := s.RenderChapter(ctx, paragraph.ChapterID)
	if err != nil {
		t.Fatalf("RenderChapter: %v", err)
	}
	if html == "" {
		t.Fatal("expected non-empty rendered chapter")
	}
}

func TestQuestLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	q, err := s.QuestStart(ctx, "libera#test", "quest-1", "", "exploring the forest", 1)
	if err != nil {
		t.Fatalf("QuestStart: %v", err)
	}
	if q.Status != chatengine.QuestOngoing {
		t.Fatalf("expected ongoing status, got %s", q.Status)
	}

	ok, err := s.QuestTryTransition(ctx, "quest-1", chatengine.QuestOngoing, chatengine.QuestInStep)
	if err != nil {
		t.Fatalf("QuestTryTransition: %v", err)
	}
	if !ok {
		t.Fatal("expected transition to succeed")
	}
	// A second concurrent attempt from the same "from" state must fail now.
	ok, err = s.QuestTryTransition(ctx, "quest-1", chatengine.QuestOngoing, chatengine.QuestInStep)
	if err != nil {
		t.Fatalf("QuestTryTransition: %v", err)
	}
	if ok {
		t.Fatal("expected second transition to fail, quest already moved")
	}

	if _, err := s.QuestTryTransition(ctx, "quest-1", chatengine.QuestInStep, chatengine.QuestOngoing); err != nil {
		t.Fatalf("QuestTryTransition back to ongoing: %v", err)
	}
	if err := s.QuestUpdate(ctx, "quest-1", "found a clearing", 2, time.Now().Add(-2*time.Minute)); err != nil {
		t.Fatalf("QuestUpdate: %v", err)
	}

	ready, err := s.QuestsReadyForHeartbeat(ctx, "libera#test", 60)
	if err != nil {
		t.Fatalf("QuestsReadyForHeartbeat: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "quest-1" {
		t.Fatalf("expected quest-1 ready for heartbeat, got %+v", ready)
	}

	if err := s.QuestFinish(ctx, "quest-1", 3); err != nil {
		t.Fatalf("QuestFinish: %v", err)
	}
	got, ok, err := s.QuestGet(ctx, "quest-1")
	if err != nil {
		t.Fatalf("QuestGet: %v", err)
	}
	if !ok || got.Status != chatengine.QuestFinished {
		t.Fatalf("expected finished quest, got %+v, ok=%v", got, ok)
	}

	unfinished, err := s.QuestsCountUnfinished(ctx, "libera#test")
	if err != nil {
		t.Fatalf("QuestsCountUnfinished: %v", err)
	}
	if unfinished != 0 {
		t.Fatalf("expected 0 unfinished quests, got %d", unfinished)
	}
}
