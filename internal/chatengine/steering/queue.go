// Package steering implements the per-SteeringKey mutual-exclusion
// scheduler: one queue per conversation key, drain-then-compact next-work
// selection, and folding ambient chatter into an in-flight turn.
//
// A single mutex guards both the sessions map and every session's queue;
// the compound "check existence, then create or append" must be atomic, and
// one lock over both levels keeps it that way.
package steering

import (
	"sync"

	"github.com/sipeed/chatengine/internal/chatengine"
)

// PassiveOutcome is the three-way result of EnqueuePassive.
type PassiveOutcome int

const (
	// PassiveQueued means an existing session accepted the item; the caller
	// awaits its completion channel.
	PassiveQueued PassiveOutcome = iota
	// PassiveProactiveRunner means a new session was created to evaluate a
	// proactive interjection; the caller runs the proactive debounce loop.
	PassiveProactiveRunner
	// PassiveNone means no session exists and proactive evaluation was not
	// requested; the caller handles the passive message inline, unserialized.
	PassiveNone
)

type session struct {
	queue       []*chatengine.QueuedInboundMessage
	isProactive bool
	// notify is signaled (non-blocking, buffered 1) whenever an item is
	// appended to queue, for the proactive debounce loop's "wait up to N ms
	// for a new item notification" step.
	notify chan struct{}
}

func newSession(isProactive bool) *session {
	return &session{isProactive: isProactive, notify: make(chan struct{}, 1)}
}

func (s *session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Manager owns every live session, keyed by SteeringKey.
type Manager struct {
	mu       sync.Mutex
	sessions map[chatengine.SteeringKey]*session
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[chatengine.SteeringKey]*session)}
}

// EnqueueCommandOrStartRunner atomically either opens a new session for key
// (the caller becomes its runner and executes item immediately) or appends
// item to the existing session's queue (the caller awaits item.Done).
func (m *Manager) EnqueueCommandOrStartRunner(key chatengine.SteeringKey, msg chatengine.RoomMessage, triggerID int64, hasTrigger bool, send chatengine.SendResponseFunc) (item *chatengine.QueuedInboundMessage, isRunner bool) {
	item = chatengine.NewQueuedInboundMessage(chatengine.KindCommand, msg, triggerID, hasTrigger, send)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.sessions[key]
	if !exists {
		// The runner's own item is taken as current work immediately by the
		// caller; it is never placed in the queue, so the first
		// TakeNextWorkCompacted call only ever sees items that arrived
		// while the runner was already executing.
		m.sessions[key] = newSession(false)
		return item, true
	}
	s.queue = append(s.queue, item)
	s.signal()
	return item, false
}

// EnqueuePassive has three outcomes: join an existing session's queue, open
// a new proactive session when startProactive is set, or decline entirely so
// the caller handles the passive message inline, unserialized.
func (m *Manager) EnqueuePassive(key chatengine.SteeringKey, msg chatengine.RoomMessage, triggerID int64, hasTrigger bool, send chatengine.SendResponseFunc, startProactive bool) (item *chatengine.QueuedInboundMessage, outcome PassiveOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.sessions[key]
	if exists {
		item = chatengine.NewQueuedInboundMessage(chatengine.KindPassive, msg, triggerID, hasTrigger, send)
		s.queue = append(s.queue, item)
		s.signal()
		return item, PassiveQueued
	}

	if startProactive {
		item = chatengine.NewQueuedInboundMessage(chatengine.KindPassive, msg, triggerID, hasTrigger, send)
		m.sessions[key] = newSession(true)
		return item, PassiveProactiveRunner
	}

	return nil, PassiveNone
}

// NotifyChan returns the session's new-item notification channel for the
// proactive debounce loop. Returns nil if no session exists
// for key; callers treat a nil channel as "never fires" in a select.
func (m *Manager) NotifyChan(key chatengine.SteeringKey) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, exists := m.sessions[key]
	if !exists {
		return nil
	}
	return s.notify
}

// HasQueuedCommand reports whether a command is currently queued for key,
// used by the proactive debounce loop to detect preemption.
func (m *Manager) HasQueuedCommand(key chatengine.SteeringKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, exists := m.sessions[key]
	if !exists {
		return false
	}
	for _, item := range s.queue {
		if item.Kind == chatengine.KindCommand {
			return true
		}
	}
	return false
}

// DrainSteeringContextMessages removes every currently queued item, finishes
// each with a null result, and returns them as synthetic "<nick> content"
// lines in insertion order, for folding into the in-flight turn.
func (m *Manager) DrainSteeringContextMessages(key chatengine.SteeringKey) []string {
	m.mu.Lock()
	s, exists := m.sessions[key]
	if !exists || len(s.queue) == 0 {
		m.mu.Unlock()
		return nil
	}
	drained := s.queue
	s.queue = nil
	m.mu.Unlock()

	lines := make([]string, 0, len(drained))
	for _, item := range drained {
		item.Finish(nil)
		lines = append(lines, item.AsContextLine())
	}
	return lines
}

// TakeNextWorkCompacted selects the next item to execute: the first queued
// command wins over any number of earlier passives; absent a command, only
// the most recent passive survives. Dropped items are finished with a null
// result before returning, and an empty session is destroyed.
func (m *Manager) TakeNextWorkCompacted(key chatengine.SteeringKey) (next *chatengine.QueuedInboundMessage) {
	m.mu.Lock()
	s, exists := m.sessions[key]
	if !exists || len(s.queue) == 0 {
		delete(m.sessions, key)
		m.mu.Unlock()
		return nil
	}

	queue := s.queue
	commandIdx := -1
	for i, item := range queue {
		if item.Kind == chatengine.KindCommand {
			commandIdx = i
			break
		}
	}

	var dropped []*chatengine.QueuedInboundMessage
	if commandIdx >= 0 {
		next = queue[commandIdx]
		dropped = queue[:commandIdx]
		s.queue = queue[commandIdx+1:]
	} else {
		last := len(queue) - 1
		next = queue[last]
		dropped = queue[:last]
		s.queue = nil
	}
	m.mu.Unlock()

	for _, d := range dropped {
		d.Finish(nil)
	}
	return next
}

// DrainSession repeatedly takes the next compacted work item, runs it
// through process, and finishes it with the result process returns. process
// receives a context-drainer closure bound to this key so mid-turn steering
// can fold in ambient chatter.
func (m *Manager) DrainSession(key chatengine.SteeringKey, process func(item *chatengine.QueuedInboundMessage, drainer func() []string) *chatengine.CommandExecutionResult) {
	drainer := func() []string { return m.DrainSteeringContextMessages(key) }
	for {
		item := m.TakeNextWorkCompacted(key)
		if item == nil {
			return
		}
		result := process(item, drainer)
		item.Finish(result)
	}
}

// AbortSession destroys the session and fails every remaining item with
// err, encoded as a CommandExecutionResult carrying a non-nil Resolved.Err
// so waiters can tell "failed" apart from compaction's "dropped, null
// result".
func (m *Manager) AbortSession(key chatengine.SteeringKey, err error) {
	m.mu.Lock()
	s, exists := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if !exists {
		return
	}
	for _, item := range s.queue {
		item.Finish(&chatengine.CommandExecutionResult{Resolved: chatengine.ResolvedCommand{Err: err}})
	}
}
