package chatengine

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeChronicleAppender struct {
	appended []string
	failErr  error
}

func (f *fakeChronicleAppender) GetOrOpenCurrentChapter(ctx context.Context, arc string) (Chapter, error) {
	return Chapter{}, nil
}

func (f *fakeChronicleAppender) AppendParagraph(ctx context.Context, arc, content string) (Paragraph, error) {
	if f.failErr != nil {
		return Paragraph{}, f.failErr
	}
	f.appended = append(f.appended, content)
	return Paragraph{ID: int64(len(f.appended)), Content: content, CreatedAt: time.Now()}, nil
}

func (f *fakeChronicleAppender) GetChapterContextMessages(ctx context.Context, arc string) ([]ContextMessage, error) {
	return nil, nil
}
func (f *fakeChronicleAppender) RenderChapter(ctx context.Context, chapterID int64) (string, error) {
	return "", nil
}
func (f *fakeChronicleAppender) RenderChapterRelative(ctx context.Context, arc string, offset int) (string, error) {
	return "", nil
}
func (f *fakeChronicleAppender) QuestStart(ctx context.Context, arc, id, parentID, state string, paragraphID int64) (QuestRow, error) {
	return QuestRow{}, nil
}
func (f *fakeChronicleAppender) QuestUpdate(ctx context.Context, id, state string, paragraphID int64, updatedAt time.Time) error {
	return nil
}
func (f *fakeChronicleAppender) QuestFinish(ctx context.Context, id string, paragraphID int64) error {
	return nil
}
func (f *fakeChronicleAppender) QuestSetPlan(ctx context.Context, id, plan string) error { return nil }
func (f *fakeChronicleAppender) QuestSetResumeAt(ctx context.Context, id string, at time.Time) error {
	return nil
}
func (f *fakeChronicleAppender) QuestGet(ctx context.Context, id string) (QuestRow, bool, error) {
	return QuestRow{}, false, nil
}
func (f *fakeChronicleAppender) QuestsCountUnfinished(ctx context.Context, arc string) (int, error) {
	return 0, nil
}
func (f *fakeChronicleAppender) QuestTryTransition(ctx context.Context, id string, from, to QuestStatus) (bool, error) {
	return false, nil
}
func (f *fakeChronicleAppender) QuestsReadyForHeartbeat(ctx context.Context, arc string, cooldownSeconds float64) ([]QuestRow, error) {
	return nil, nil
}

func TestLifecycleStoreInvokesHookOnSuccessfulAppend(t *testing.T) {
	inner := &fakeChronicleAppender{}
	var gotArc, gotContent string
	var gotID int64
	store := &LifecycleStore{
		ChronicleStore: inner,
		Hook: func(ctx context.Context, arc, content string, paragraphID int64, paragraphTime time.Time) error {
			gotArc, gotContent, gotID = arc, content, paragraphID
			return nil
		},
	}

	p, err := store.AppendParagraph(context.Background(), "arc1", "hello")
	if err != nil {
		t.Fatalf("AppendParagraph: %v", err)
	}
	if gotArc != "arc1" || gotContent != "hello" || gotID != p.ID {
		t.Fatalf("hook got (%q, %q, %d), want (%q, %q, %d)", gotArc, gotContent, gotID, "arc1", "hello", p.ID)
	}
}

func TestLifecycleStoreSkipsHookOnAppendError(t *testing.T) {
	inner := &fakeChronicleAppender{failErr: errors.New("boom")}
	hookCalled := false
	store := &LifecycleStore{
		ChronicleStore: inner,
		Hook: func(ctx context.Context, arc, content string, paragraphID int64, paragraphTime time.Time) error {
			hookCalled = true
			return nil
		},
	}

	if _, err := store.AppendParagraph(context.Background(), "arc1", "hello"); err == nil {
		t.Fatal("expected the underlying store's error to propagate")
	}
	if hookCalled {
		t.Fatal("hook must not run when the underlying append failed")
	}
}

func TestLifecycleStoreNilHookIsNoop(t *testing.T) {
	inner := &fakeChronicleAppender{}
	store := &LifecycleStore{ChronicleStore: inner}
	if _, err := store.AppendParagraph(context.Background(), "arc1", "hello"); err != nil {
		t.Fatalf("AppendParagraph with nil hook: %v", err)
	}
}

func TestLifecycleStorePropagatesHookError(t *testing.T) {
	inner := &fakeChronicleAppender{}
	store := &LifecycleStore{
		ChronicleStore: inner,
		Hook: func(ctx context.Context, arc, content string, paragraphID int64, paragraphTime time.Time) error {
			return errors.New("hook failed")
		},
	}
	if _, err := store.AppendParagraph(context.Background(), "arc1", "hello"); err == nil {
		t.Fatal("expected hook error to propagate")
	}
}
