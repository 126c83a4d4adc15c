// Package quest implements the per-quest state machine and heartbeat
// scheduler: parsing quest markup out of chronicled paragraphs, and
// periodically driving agent steps for ongoing quests.
package quest

import (
	"context"
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/logging"
)

// Quest markup is case-insensitive; questFinishedTagRe must be tried first
// since "quest_finished" contains "quest" as a prefix.
var (
	questFinishedTagRe = regexp.MustCompile(`(?i)<\s*quest_finished\s+id="([^"]+)"\s*>`)
	questTagRe         = regexp.MustCompile(`(?i)<\s*quest\s+id="([^"]+)"\s*>`)
)

// StepRunner drives one heartbeat step for a quest, returning an optional
// paragraph to append via the chronicle lifecycle.
type StepRunner func(ctx context.Context, arc, questID, lastState string) (paragraph string, err error)

// ChronicleAppender appends a paragraph to an arc's chronicle, re-entering
// the paragraph hook. Implemented by the chronicle store in the full wiring.
type ChronicleAppender interface {
	AppendParagraph(ctx context.Context, arc, content string) (chatengine.Paragraph, error)
}

// Runtime owns quest-row state transitions and the heartbeat loop.
type Runtime struct {
	Store      chatengine.ChronicleStore
	Chronicle  ChronicleAppender
	StepRunner StepRunner

	// Arcs is the heartbeat allowlist: the heartbeat visits only these arcs,
	// so nil or empty means no heartbeat steps run. The paragraph hook
	// accepts quest markup from every arc regardless.
	Arcs []string
	// CooldownSeconds floors to 60 and defaults to 60 when non-positive or
	// non-finite.
	CooldownSeconds float64

	// Cron optionally bounds heartbeat ticks to a cron window, layered on
	// top of CooldownSeconds. Nil means unrestricted.
	Cron *CronGate

	// Now is the clock source, overridable in tests.
	Now func() time.Time

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	inflight  sync.WaitGroup
}

func (r *Runtime) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// cooldown floors at 60 and falls back to 60 when the configured value is
// non-positive or non-finite.
func (r *Runtime) cooldown() float64 {
	c := r.CooldownSeconds
	if !isFinite(c) || c <= 0 {
		return 60
	}
	if c < 60 {
		return 60
	}
	return c
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func (r *Runtime) allowed(arc string) bool {
	if len(r.Arcs) == 0 {
		return true
	}
	for _, a := range r.Arcs {
		if a == arc {
			return true
		}
	}
	return false
}

// OnChronicleAppend is the paragraph hook: parse quest markup out of a
// newly chronicled paragraph and update quest-row state.
func (r *Runtime) OnChronicleAppend(ctx context.Context, arc, text string, paragraphID int64, paragraphTime time.Time) error {
	if m := questFinishedTagRe.FindStringSubmatch(text); m != nil {
		return r.handleFinish(ctx, arc, m[1], paragraphID)
	}
	if m := questTagRe.FindStringSubmatch(text); m != nil {
		return r.handleOpen(ctx, arc, m[1], text, paragraphID, paragraphTime)
	}
	return nil
}

func (r *Runtime) handleFinish(ctx context.Context, arc, id string, paragraphID int64) error {
	if !r.allowed(arc) {
		return nil
	}
	_, exists, err := r.Store.QuestGet(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		logging.WarnCF("quest", "quest_finished tag for unknown quest id, ignoring", logging.Fields{"arc": arc, "id": id})
		return nil
	}
	return r.Store.QuestFinish(ctx, id, paragraphID)
}

func (r *Runtime) handleOpen(ctx context.Context, arc, id, state string, paragraphID int64, paragraphTime time.Time) error {
	if !r.allowed(arc) {
		return nil
	}
	row, exists, err := r.Store.QuestGet(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		_ = row
		return r.Store.QuestUpdate(ctx, id, state, paragraphID, paragraphTime)
	}
	parentID := chatengine.ParentIDFromQuestID(id)
	_, err = r.Store.QuestStart(ctx, arc, id, parentID, state, paragraphID)
	return err
}

// Start launches the cooperative heartbeat loop. A second call is a no-op.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	go r.loop(ctx, stopCh)
}

func (r *Runtime) loop(ctx context.Context, stopCh chan struct{}) {
	for {
		select {
		case <-time.After(time.Duration(r.cooldown() * float64(time.Second))):
		case <-stopCh:
			return
		}
		select {
		case <-stopCh:
			return
		default:
		}
		r.tick(ctx)
	}
}

// tick visits every allowed arc in insertion order and spawns an in-flight
// step for each ready quest.
func (r *Runtime) tick(ctx context.Context) {
	if r.Cron != nil && !r.Cron.Allowed(r.now()) {
		return
	}
	for _, arc := range r.arcsInOrder() {
		ready, err := r.Store.QuestsReadyForHeartbeat(ctx, arc, r.cooldown())
		if err != nil {
			logging.ErrorCF("quest", "fetching ready quests failed", logging.Fields{"arc": arc, "err": err.Error()})
			continue
		}
		for _, q := range ready {
			q := q
			r.inflight.Add(1)
			go func() {
				defer r.inflight.Done()
				r.runStep(ctx, q)
			}()
		}
	}
}

// arcsInOrder returns the arcs to visit this tick. With no explicit
// allowlist there is nothing to iterate deterministically beyond what the
// store itself would enumerate, so an empty allowlist ticks no arcs — the
// heartbeat is opt-in per arc.
func (r *Runtime) arcsInOrder() []string {
	return r.Arcs
}

// runStep enforces per-quest exclusion: a conditional ongoing -> in_step
// claim, the step itself, and a deferred revert to ongoing regardless of
// outcome.
func (r *Runtime) runStep(ctx context.Context, q chatengine.QuestRow) {
	claimed, err := r.Store.QuestTryTransition(ctx, q.ID, chatengine.QuestOngoing, chatengine.QuestInStep)
	if err != nil {
		logging.ErrorCF("quest", "claiming quest for heartbeat step failed", logging.Fields{"id": q.ID, "err": err.Error()})
		return
	}
	if !claimed {
		// Lost the race, or the quest moved on since QuestsReadyForHeartbeat
		// was evaluated; abandon this step.
		return
	}
	defer func() {
		// finished quests never transition back to ongoing; QuestFinish
		// already moved the row to its terminal state.
		if _, err := r.Store.QuestTryTransition(ctx, q.ID, chatengine.QuestInStep, chatengine.QuestOngoing); err != nil {
			logging.ErrorCF("quest", "reverting in_step to ongoing failed", logging.Fields{"id": q.ID, "err": err.Error()})
		}
	}()

	if r.StepRunner == nil {
		return
	}
	// Quest-scoped tools (progress_report, make_plan, and the conditional
	// subquest_start/quest_snooze) resolve "the current quest" off ctx.
	ctx = chatengine.WithQuestID(ctx, q.ID)
	paragraph, err := r.StepRunner(ctx, q.ArcID, q.ID, q.LastState)
	if err != nil {
		logging.ErrorCF("quest", "quest step failed", logging.Fields{"id": q.ID, "err": err.Error()})
		return
	}
	if paragraph == "" {
		return
	}
	if r.Chronicle == nil {
		return
	}
	if _, err := r.Chronicle.AppendParagraph(ctx, q.ArcID, paragraph); err != nil {
		logging.ErrorCF("quest", "appending quest step paragraph failed", logging.Fields{"id": q.ID, "err": err.Error()})
	}
}

// Stop requests the loop exit at the next sleep boundary, then blocks until
// every in-flight step has settled.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.inflight.Wait()
}

