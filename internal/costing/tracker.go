// Package costing tracks per-arc LLM cost as an append-only JSONL ledger
// plus an in-memory daily total. The command executor records each turn
// here; its cost followups (the >$0.20 secondary message and the
// whole-dollar-crossing milestone) read the history store, not this total.
package costing

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event records usage for a single LLM call, appended to a JSONL file.
type Event struct {
	Timestamp    string  `json:"ts"`
	Arc          string  `json:"arc"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"in"`
	OutputTokens int     `json:"out"`
	CacheRead    int     `json:"cache_read,omitempty"`
	CacheCreate  int     `json:"cache_create,omitempty"`
	CostUSD      float64 `json:"cost"`
	ToolCalls    int     `json:"tool_calls,omitempty"`
}

// Tracker appends cost events to a JSONL file and keeps an in-memory
// running per-arc-per-day total, so Record can report the day's total
// before and after each event without re-reading the file.
type Tracker struct {
	filePath string
	mu       sync.Mutex
	today    map[string]dailyTotal // arc -> today's running total
}

type dailyTotal struct {
	day   string
	total float64
}

// NewTracker creates a tracker writing to workspace/metrics/cost.jsonl.
func NewTracker(workspace string) *Tracker {
	dir := filepath.Join(workspace, "metrics")
	os.MkdirAll(dir, 0755)
	return &Tracker{
		filePath: filepath.Join(dir, "cost.jsonl"),
		today:    make(map[string]dailyTotal),
	}
}

// Record appends a cost event and returns (before, after) the arc's running
// total for today, in dollars, truncated toward zero at four decimals —
// non-negative costs make truncation equivalent to floor.
func (t *Tracker) Record(event Event) (before, after float64) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	t.mu.Lock()
	day := time.Now().UTC().Format("2006-01-02")
	dt := t.today[event.Arc]
	if dt.day != day {
		dt = dailyTotal{day: day}
	}
	before = round4(dt.total)
	dt.total += event.CostUSD
	after = round4(dt.total)
	t.today[event.Arc] = dt
	t.mu.Unlock()

	t.append(event)
	return before, after
}

func (t *Tracker) append(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	f.Write(data)
	f.Write([]byte("\n"))
}

// round4 truncates to four decimal places, the fixed precision used for
// money everywhere in this repo.
func round4(v float64) float64 {
	return math.Trunc(v*10000) / 10000
}

// CrossedWholeDollar reports whether `after` crossed a whole-dollar boundary
// relative to `before`.
func CrossedWholeDollar(before, after float64) bool {
	return math.Floor(after) > math.Floor(before)
}
