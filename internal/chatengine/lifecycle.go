package chatengine

import (
	"context"
	"time"
)

// ChronicleHook is invoked after a paragraph is durably appended, so quest
// markup in it can be parsed and quest-row state updated. Implemented
// by quest.Runtime.OnChronicleAppend in the full wiring.
type ChronicleHook func(ctx context.Context, arc, content string, paragraphID int64, paragraphTime time.Time) error

// LifecycleStore wraps a ChronicleStore so every AppendParagraph call also
// runs through Hook once the paragraph is durable. The auto-chronicler,
// the chronicle_append tool, and quest heartbeat steps all append through
// one LifecycleStore instance so none of them can bypass the quest hook.
type LifecycleStore struct {
	ChronicleStore
	Hook ChronicleHook
}

// AppendParagraph implements ChronicleStore, appending then running Hook.
func (l *LifecycleStore) AppendParagraph(ctx context.Context, arc, content string) (Paragraph, error) {
	p, err := l.ChronicleStore.AppendParagraph(ctx, arc, content)
	if err != nil {
		return p, err
	}
	if l.Hook != nil {
		if err := l.Hook(ctx, arc, content, p.ID, p.CreatedAt); err != nil {
			return p, err
		}
	}
	return p, nil
}
