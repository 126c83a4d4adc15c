package chatengine

import (
	"context"
	"testing"
)

func TestWithArcRoundTrip(t *testing.T) {
	ctx := WithArc(context.Background(), "irc:#room")
	if got := ArcFromContext(ctx); got != "irc:#room" {
		t.Fatalf("ArcFromContext() = %q, want %q", got, "irc:#room")
	}
}

func TestArcFromContextEmptyWhenUnset(t *testing.T) {
	if got := ArcFromContext(context.Background()); got != "" {
		t.Fatalf("ArcFromContext() on bare context = %q, want \"\"", got)
	}
}

func TestWithQuestIDRoundTrip(t *testing.T) {
	ctx := WithQuestID(context.Background(), "q1")
	id, ok := QuestIDFromContext(ctx)
	if !ok || id != "q1" {
		t.Fatalf("QuestIDFromContext() = (%q, %v), want (\"q1\", true)", id, ok)
	}
}

func TestQuestIDFromContextAbsent(t *testing.T) {
	if _, ok := QuestIDFromContext(context.Background()); ok {
		t.Fatal("expected ok=false on a context with no quest id set")
	}
}

func TestWithQuestIDEmptyStringIsAbsent(t *testing.T) {
	ctx := WithQuestID(context.Background(), "")
	if _, ok := QuestIDFromContext(ctx); ok {
		t.Fatal("expected an explicitly empty quest id to report ok=false")
	}
}
