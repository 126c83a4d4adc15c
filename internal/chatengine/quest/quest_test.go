package quest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sipeed/chatengine/internal/chatengine"
)

// fakeStore is an in-memory ChronicleStore exercising only the quest
// surface; chapter/paragraph rendering methods are unused by these tests.
type fakeStore struct {
	mu     sync.Mutex
	quests map[string]chatengine.QuestRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{quests: make(map[string]chatengine.QuestRow)}
}

func (f *fakeStore) GetOrOpenCurrentChapter(ctx context.Context, arc string) (chatengine.Chapter, error) {
	return chatengine.Chapter{}, nil
}
func (f *fakeStore) AppendParagraph(ctx context.Context, arc, content string) (chatengine.Paragraph, error) {
	return chatengine.Paragraph{Content: content}, nil
}
func (f *fakeStore) GetChapterContextMessages(ctx context.Context, arc string) ([]chatengine.ContextMessage, error) {
	return nil, nil
}
func (f *fakeStore) RenderChapter(ctx context.Context, chapterID int64) (string, error) { return "", nil }
func (f *fakeStore) RenderChapterRelative(ctx context.Context, arc string, offset int) (string, error) {
	return "", nil
}

func (f *fakeStore) QuestStart(ctx context.Context, arc, id, parentID, state string, paragraphID int64) (chatengine.QuestRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := chatengine.QuestRow{ID: id, ArcID: arc, ParentID: parentID, Status: chatengine.QuestOngoing, LastState: state, LastUpdatedByParagraph: paragraphID}
	f.quests[id] = row
	return row, nil
}
func (f *fakeStore) QuestUpdate(ctx context.Context, id, state string, paragraphID int64, updatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.quests[id]
	row.LastState = state
	row.LastUpdatedByParagraph = paragraphID
	row.LastUpdateAt = updatedAt
	f.quests[id] = row
	return nil
}
func (f *fakeStore) QuestFinish(ctx context.Context, id string, paragraphID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.quests[id]
	row.Status = chatengine.QuestFinished
	row.LastUpdatedByParagraph = paragraphID
	f.quests[id] = row
	return nil
}
func (f *fakeStore) QuestSetPlan(ctx context.Context, id, plan string) error        { return nil }
func (f *fakeStore) QuestSetResumeAt(ctx context.Context, id string, at time.Time) error { return nil }
func (f *fakeStore) QuestGet(ctx context.Context, id string) (chatengine.QuestRow, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.quests[id]
	return row, ok, nil
}
func (f *fakeStore) QuestsCountUnfinished(ctx context.Context, arc string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.quests {
		if q.ArcID == arc && q.Status != chatengine.QuestFinished {
			n++
		}
	}
	return n, nil
}
func (f *fakeStore) QuestTryTransition(ctx context.Context, id string, from, to chatengine.QuestStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.quests[id]
	if !ok || row.Status != from {
		return false, nil
	}
	row.Status = to
	f.quests[id] = row
	return true, nil
}
func (f *fakeStore) QuestsReadyForHeartbeat(ctx context.Context, arc string, cooldownSeconds float64) ([]chatengine.QuestRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chatengine.QuestRow
	for _, q := range f.quests {
		if q.ArcID != arc || q.Status != chatengine.QuestOngoing {
			continue
		}
		if q.ResumeAt != nil && q.ResumeAt.After(time.Now()) {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// TestQuestLifecycleScenario walks a quest from an opening tag through a
// heartbeat claim to a finishing tag.
func TestQuestLifecycleScenario(t *testing.T) {
	store := newFakeStore()
	r := &Runtime{Store: store, CooldownSeconds: 0}

	ctx := context.Background()
	if err := r.OnChronicleAppend(ctx, "arc1", `<quest id="q1">Do the thing</quest>`, 1, time.Now()); err != nil {
		t.Fatalf("OnChronicleAppend start: %v", err)
	}
	row, ok, _ := store.QuestGet(ctx, "q1")
	if !ok || row.Status != chatengine.QuestOngoing {
		t.Fatalf("expected quest q1 ongoing, got %+v (ok=%v)", row, ok)
	}

	claimed, err := store.QuestTryTransition(ctx, "q1", chatengine.QuestOngoing, chatengine.QuestInStep)
	if err != nil || !claimed {
		t.Fatalf("expected heartbeat claim to succeed, claimed=%v err=%v", claimed, err)
	}

	if err := r.OnChronicleAppend(ctx, "arc1", `<quest_finished id="q1">Done. CONFIRMED ACHIEVED</quest_finished>`, 2, time.Now()); err != nil {
		t.Fatalf("OnChronicleAppend finish: %v", err)
	}

	row, _, _ = store.QuestGet(ctx, "q1")
	if row.Status != chatengine.QuestFinished {
		t.Fatalf("expected quest finished, got %v", row.Status)
	}
	n, _ := store.QuestsCountUnfinished(ctx, "arc1")
	if n != 0 {
		t.Fatalf("expected zero unfinished quests, got %d", n)
	}
}

func TestQuestFinishedUnknownIDIgnored(t *testing.T) {
	store := newFakeStore()
	r := &Runtime{Store: store}
	ctx := context.Background()
	if err := r.OnChronicleAppend(ctx, "arc1", `<quest_finished id="ghost">x</quest_finished>`, 1, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := store.QuestGet(ctx, "ghost"); ok {
		t.Fatal("expected no quest row created for an unknown finished id")
	}
}

func TestParentIDFromDottedQuestID(t *testing.T) {
	store := newFakeStore()
	r := &Runtime{Store: store}
	ctx := context.Background()
	if err := r.OnChronicleAppend(ctx, "arc1", `<quest id="q1.step2">working</quest>`, 1, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	row, ok, _ := store.QuestGet(ctx, "q1.step2")
	if !ok || row.ParentID != "q1" {
		t.Fatalf("expected parent_id q1, got %+v (ok=%v)", row, ok)
	}
}

func TestCooldownDefaultsFor60(t *testing.T) {
	r := &Runtime{CooldownSeconds: 0}
	if got := r.cooldown(); got != 60 {
		t.Fatalf("cooldown() = %v, want 60", got)
	}
	r2 := &Runtime{CooldownSeconds: -5}
	if got := r2.cooldown(); got != 60 {
		t.Fatalf("cooldown() = %v, want 60", got)
	}
}

// TestHeartbeatTickSpawnsStepAndReverts runs one synchronous tick (bypassing
// the sleep loop) to verify the claim/step/revert-or-stay-finished shape.
func TestHeartbeatTickSpawnsStepAndReverts(t *testing.T) {
	store := newFakeStore()
	store.QuestStart(context.Background(), "arc1", "q1", "", "state", 1)

	var ran bool
	r := &Runtime{
		Store: store,
		Arcs:  []string{"arc1"},
		StepRunner: func(ctx context.Context, arc, id, lastState string) (string, error) {
			ran = true
			return `<quest_finished id="q1">done</quest_finished>`, nil
		},
	}
	r.Chronicle = chronicleAdapter{r: r, store: store}

	r.tick(context.Background())
	r.inflight.Wait()

	if !ran {
		t.Fatal("expected the step runner to be invoked")
	}
	row, _, _ := store.QuestGet(context.Background(), "q1")
	if row.Status != chatengine.QuestFinished {
		t.Fatalf("expected quest finished after step, got %v", row.Status)
	}
}

// chronicleAdapter routes AppendParagraph calls back through the runtime's
// own paragraph hook, the same re-entrance the full wiring performs.
type chronicleAdapter struct {
	r     *Runtime
	store *fakeStore
}

func (c chronicleAdapter) AppendParagraph(ctx context.Context, arc, content string) (chatengine.Paragraph, error) {
	p, err := c.store.AppendParagraph(ctx, arc, content)
	if err != nil {
		return p, err
	}
	if err := c.r.OnChronicleAppend(ctx, arc, content, 2, time.Now()); err != nil {
		return p, err
	}
	return p, nil
}
