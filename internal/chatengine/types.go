// Package chatengine implements the per-conversation serialization and
// dispatch engine that mediates between chat-surface transports and
// tool-using LLM agents: command resolution, steering, proactive
// interjection, quest heartbeats, and auto-chronicling.
package chatengine

import (
	"strings"
	"time"
)

// RoomMessage is an inbound or outbound conversational event, already
// cleaned of surface-specific markup by the transport adapter.
type RoomMessage struct {
	ServerTag         string
	ChannelName       string
	Nick              string
	MyNick            string
	Content           string
	PlatformID        string
	ThreadID          string
	ThreadStarterID   int64
	ResponseThreadID  string
	Secrets           map[string]string
}

// Arc is the stable conversation identifier: server_tag + "#" + channel_name.
func (m RoomMessage) Arc() string {
	return m.ServerTag + "#" + m.ChannelName
}

// SteeringKey identifies a single-writer session. If ThreadID is non-empty,
// Identity is always "*" (thread-scoped sessions are shared across users).
type SteeringKey struct {
	Arc      string
	Identity string
	ThreadID string
}

// NewSteeringKey derives a RoomMessage's session key: thread-scoped when a
// thread id is present, per-sender otherwise.
func NewSteeringKey(msg RoomMessage) SteeringKey {
	identity := strings.ToLower(msg.Nick)
	if msg.ThreadID != "" {
		identity = "*"
	}
	return SteeringKey{Arc: msg.Arc(), Identity: identity, ThreadID: msg.ThreadID}
}

// QueuedKind distinguishes a direct command from ambient chatter.
type QueuedKind int

const (
	KindCommand QueuedKind = iota
	KindPassive
)

func (k QueuedKind) String() string {
	if k == KindCommand {
		return "command"
	}
	return "passive"
}

// SendResponseFunc delivers a reply to the originating chat surface.
type SendResponseFunc func(response string) error

// QueuedInboundMessage represents one inbound message awaiting or receiving
// service inside a SteeringSession. Completion is a single-producer
// single-consumer signal: the owning session writes to Done exactly once,
// for every item, before it goes terminal.
type QueuedInboundMessage struct {
	Kind             QueuedKind
	Message          RoomMessage
	TriggerMessageID int64
	HasTrigger       bool
	SendResponse     SendResponseFunc

	Done chan *CommandExecutionResult

	enqueuedAt time.Time
}

// NewQueuedInboundMessage constructs an item with its completion channel
// pre-allocated (buffered 1 so the finishing goroutine never blocks).
func NewQueuedInboundMessage(kind QueuedKind, msg RoomMessage, triggerID int64, hasTrigger bool, send SendResponseFunc) *QueuedInboundMessage {
	return &QueuedInboundMessage{
		Kind:             kind,
		Message:          msg,
		TriggerMessageID: triggerID,
		HasTrigger:       hasTrigger,
		SendResponse:     send,
		Done:             make(chan *CommandExecutionResult, 1),
		enqueuedAt:       time.Now(),
	}
}

// Finish resolves the item's completion signal exactly once. Safe to call
// with a nil result (dropped-by-compaction semantics) or a populated one.
func (q *QueuedInboundMessage) Finish(result *CommandExecutionResult) {
	select {
	case q.Done <- result:
	default:
		// Already finished; terminal states are irreversible.
	}
}

// AsContextLine renders the message in the synthetic "<nick> content" form
// used when folding queued items into an in-flight agent turn as context.
func (q *QueuedInboundMessage) AsContextLine() string {
	return "<" + q.Message.Nick + "> " + q.Message.Content
}

// EnqueuedAt returns when this item was constructed, used by the debounce
// step to bound the follow-up merge window.
func (q *QueuedInboundMessage) EnqueuedAt() time.Time {
	return q.enqueuedAt
}

// QuestStatus is the lifecycle state of a QuestRow.
type QuestStatus string

const (
	QuestOngoing  QuestStatus = "ongoing"
	QuestInStep   QuestStatus = "in_step"
	QuestFinished QuestStatus = "finished"
)

// QuestRow is a single quest's persisted state.
type QuestRow struct {
	ID                     string
	ArcID                  string
	ParentID               string
	Status                 QuestStatus
	LastState              string
	Plan                   string
	ResumeAt               *time.Time
	CreatedByParagraphID   int64
	LastUpdatedByParagraph int64
	// LastUpdateAt is the timestamp of the paragraph that last updated the
	// quest, not of any internal bookkeeping write: quests resume based on
	// chat activity.
	LastUpdateAt time.Time
}

// ParentIDFromQuestID extracts the dotted-id parent, or "" if the id has no
// dot.
func ParentIDFromQuestID(id string) string {
	idx := strings.LastIndex(id, ".")
	if idx < 0 {
		return ""
	}
	return id[:idx]
}

// ModeRuntime holds the mode-effective settings resolved for a command.
type ModeRuntime struct {
	ReasoningEffort     string // off, minimal, low, medium, high, xhigh
	AllowedTools        []string // nil means "all tools"
	Steering            bool
	Models              []string // first element is the default model
	HistorySize         int
	IncludeChapterSummary bool
	AutoReduceContext   bool
	VisionModel         string
}

// ResolvedCommand is the output of the command resolver.
type ResolvedCommand struct {
	NoContext             bool
	QueryText             string
	ModelOverride         string
	SelectedLabel         string
	SelectedTrigger       string
	ModeKey               string
	Runtime               ModeRuntime
	HelpRequested         bool
	ChannelMode           string
	SelectedAutomatically bool
	Err                   error
}

// Bypass reports whether this command should skip the steering queue
// entirely: parse errors, no-context turns, help requests, and triggers
// with steering disabled all execute immediately without a session.
func (r ResolvedCommand) Bypass() bool {
	return r.Err != nil || r.NoContext || r.HelpRequested || !r.Runtime.Steering
}

// TokenUsage is the cost/token accounting attached to a CommandExecutionResult.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	CacheRead    int
	CacheCreate  int
	Cost         UsageCost
}

// UsageCost breaks down dollar cost by component; Total is what the
// cost-followup thresholds (>$0.20, whole-dollar crossing) operate on.
type UsageCost struct {
	Total float64
}

// CommandExecutionResult is returned to every waiter on a QueuedInboundMessage.
type CommandExecutionResult struct {
	Response       string
	HasResponse    bool
	Resolved       ResolvedCommand
	Model          string
	HasModel       bool
	Usage          *TokenUsage
	ToolCallsCount int
}

// ProactiveConfig is the resolved, per-room proactive-interjection
// configuration.
type ProactiveConfig struct {
	Interjecting       map[string]bool // set of arcs
	DebounceSeconds    float64
	HistorySize        int
	RateLimit          int
	RatePeriod         float64
	InterjectThreshold int // 0-10
	ValidationModels   []string
	SeriousModel       string
	InterjectPrompt    string // template with {message}
	SeriousExtra       string
}

// Interjects reports whether the given arc is in the configured allowlist.
func (p ProactiveConfig) Interjects(arc string) bool {
	if p.Interjecting == nil {
		return false
	}
	return p.Interjecting[arc]
}
