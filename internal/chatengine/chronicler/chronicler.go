// Package chronicler implements the auto-chronicler: condense arc history
// into chronicle paragraphs once a threshold of unchronicled messages is
// reached, serialized per arc in strict admission order so the (N+1)-th
// invocation for an arc never observes messages the N-th will mark
// chronicled until the N-th completes.
package chronicler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/logging"
)

const (
	// MaxChronicleBatch bounds how many messages one chronicle pass summarizes.
	MaxChronicleBatch = 100
	// MaxLookbackDays bounds the unchronicled-message count window.
	MaxLookbackDays = 7
	// MessageOverlap pads the batch size beyond the unchronicled count so
	// consecutive chronicle passes share a few messages of context.
	MessageOverlap = 5
	// defaultThreshold is the unchronicled-message count that triggers a
	// chronicle pass when Chronicler.Threshold is unset.
	defaultThreshold = 20
)

// Chronicler condenses arc history into chronicle paragraphs.
type Chronicler struct {
	History    chatengine.HistoryStore
	Chronicle  chatengine.ChronicleStore
	Summarizer chatengine.AgentRunner
	Model      string
	MyNick     string
	// Threshold is the unchronicled-message count that triggers a pass;
	// <= 0 falls back to defaultThreshold.
	Threshold int

	mu       sync.Mutex
	arcLocks map[string]*sync.Mutex
}

func (c *Chronicler) lockFor(arc string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.arcLocks == nil {
		c.arcLocks = make(map[string]*sync.Mutex)
	}
	l, ok := c.arcLocks[arc]
	if !ok {
		l = &sync.Mutex{}
		c.arcLocks[arc] = l
	}
	return l
}

// Trigger implements the executor.AutoChronicler contract: run a chronicle
// pass for arc, serialized against every other Trigger call for the same
// arc, logging but swallowing errors since this runs as a fire-and-forget
// side effect of a turn.
func (c *Chronicler) Trigger(ctx context.Context, arc string) {
	lock := c.lockFor(arc)
	lock.Lock()
	defer lock.Unlock()

	if _, err := c.checkAndChronicle(ctx, arc); err != nil {
		logging.ErrorCF("chronicler", "auto-chronicle pass failed", logging.Fields{"arc": arc, "err": err.Error()})
	}
}

// threshold returns the configured unchronicled-message threshold.
func (c *Chronicler) threshold() int {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return defaultThreshold
}

// checkAndChronicle counts unchronicled messages, and when the threshold is
// met summarizes a batch into one paragraph and marks exactly that batch
// chronicled.
func (c *Chronicler) checkAndChronicle(ctx context.Context, arc string) (bool, error) {
	server, channel := splitArc(arc)

	unchronicled, err := c.History.CountRecentUnchronicled(ctx, server, channel, MaxLookbackDays)
	if err != nil {
		return false, fmt.Errorf("counting unchronicled messages: %w", err)
	}
	if unchronicled < c.threshold() {
		return false, nil
	}

	batchSize := min(MaxChronicleBatch, unchronicled+MessageOverlap)
	rows, err := c.History.GetFullHistory(ctx, server, channel, batchSize)
	if err != nil {
		return false, fmt.Errorf("fetching history batch: %w", err)
	}
	if len(rows) == 0 {
		return false, nil
	}

	paragraph, err := c.summarize(ctx, rows)
	if err != nil {
		return false, fmt.Errorf("summarizing batch: %w", err)
	}

	chapter, err := c.Chronicle.AppendParagraph(ctx, arc, paragraph)
	if err != nil {
		return false, fmt.Errorf("appending chronicle paragraph: %w", err)
	}

	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	if err := c.History.MarkChronicled(ctx, ids, chapter.ChapterID); err != nil {
		return false, fmt.Errorf("marking messages chronicled: %w", err)
	}
	return true, nil
}

// summarize asks the configured model for a 2-3 sentence paragraph
// summarizing rows, with the bot's nick in the prompt.
func (c *Chronicler) summarize(ctx context.Context, rows []chatengine.HistoryRow) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. Summarize the following conversation in 2-3 sentences, as a chronicle paragraph:\n\n", c.MyNick)
	for _, row := range rows {
		fmt.Fprintf(&b, "<%s> %s\n", row.Message.Nick, row.Message.Content)
	}

	result, err := c.Summarizer.Prompt(ctx, b.String(), chatengine.PromptOptions{Model: c.Model})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Text), nil
}

// splitArc reverses RoomMessage.Arc()'s "server_tag#channel_name" join.
func splitArc(arc string) (server, channel string) {
	idx := strings.Index(arc, "#")
	if idx < 0 {
		return arc, ""
	}
	return arc[:idx], arc[idx+1:]
}
