package chatengine

import (
	"context"
	"time"
)

// ContextMessage is one entry of an agent's conversational context.
type ContextMessage struct {
	Role    string // "user" or "assistant"
	Content string
}

// MessageMeta is optional metadata attached when persisting a RoomMessage,
// e.g. the selected trigger or a link to the LLM call that produced it.
type MessageMeta struct {
	Trigger      string
	LlmCallID    int64
	HasLlmCallID bool
}

// HistoryStore is the collaborator contract for conversational persistence
//. The core never assumes anything about its backing storage.
type HistoryStore interface {
	AddMessage(ctx context.Context, msg RoomMessage, meta *MessageMeta) (int64, error)
	GetContextForMessage(ctx context.Context, msg RoomMessage, limit int) ([]ContextMessage, error)
	GetRecentMessagesSince(ctx context.Context, server, channel, nick string, sinceEpochSec float64, threadID string) ([]TimestampedMessage, error)
	LogLlmCall(ctx context.Context, call LlmCallRecord) (int64, error)
	UpdateLlmCallResponse(ctx context.Context, callID, responseMessageID int64) error
	GetArcCostToday(ctx context.Context, arc string) (float64, error)
	CountRecentUnchronicled(ctx context.Context, server, channel string, days int) (int, error)
	GetFullHistory(ctx context.Context, server, channel string, n int) ([]HistoryRow, error)
	MarkChronicled(ctx context.Context, ids []int64, chapterID int64) error
	// GetMessageIDByPlatformID and UpdateMessageByPlatformID let transport
	// adapters resolve and amend stored rows by the surface's own message id
	// (message edits, reply threading).
	GetMessageIDByPlatformID(ctx context.Context, server, channel, platformID string) (int64, bool, error)
	UpdateMessageByPlatformID(ctx context.Context, server, channel, platformID, content string) error
}

// TimestampedMessage pairs a RoomMessage with its storage timestamp.
type TimestampedMessage struct {
	Message   RoomMessage
	Timestamp time.Time
}

// HistoryRow is one stored message with its row id and timestamp.
type HistoryRow struct {
	ID        int64
	Message   RoomMessage
	Timestamp time.Time
}

// LlmCallRecord is logged for every LLM invocation that actually ran.
type LlmCallRecord struct {
	Provider         string
	Model            string
	InputTokens      int
	OutputTokens     int
	Cost             float64
	CallType         string
	ArcName          string
	TriggerMessageID int64
	HasTrigger       bool
}

// Chapter groups chronicled paragraphs for an arc.
type Chapter struct {
	ID        int64
	Arc       string
	StartedAt time.Time
	ClosedAt  *time.Time
}

// Paragraph is a single chronicled entry.
type Paragraph struct {
	ID        int64
	ChapterID int64
	Content   string
	CreatedAt time.Time
}

// ChronicleStore is the collaborator contract for long-term, paragraph
// structured conversational memory plus the quest tables.
type ChronicleStore interface {
	GetOrOpenCurrentChapter(ctx context.Context, arc string) (Chapter, error)
	AppendParagraph(ctx context.Context, arc, content string) (Paragraph, error)
	GetChapterContextMessages(ctx context.Context, arc string) ([]ContextMessage, error)
	RenderChapter(ctx context.Context, chapterID int64) (string, error)
	RenderChapterRelative(ctx context.Context, arc string, offsetFromCurrent int) (string, error)

	QuestStart(ctx context.Context, arc, id, parentID, state string, paragraphID int64) (QuestRow, error)
	QuestUpdate(ctx context.Context, id, state string, paragraphID int64, updatedAt time.Time) error
	QuestFinish(ctx context.Context, id string, paragraphID int64) error
	QuestSetPlan(ctx context.Context, id, plan string) error
	QuestSetResumeAt(ctx context.Context, id string, at time.Time) error
	QuestGet(ctx context.Context, id string) (QuestRow, bool, error)
	QuestsCountUnfinished(ctx context.Context, arc string) (int, error)
	// QuestTryTransition performs a conditional update id.status: from -> to,
	// returning true iff exactly one row changed.
	QuestTryTransition(ctx context.Context, id string, from, to QuestStatus) (bool, error)
	// QuestsReadyForHeartbeat returns the quests eligible for a step:
	// status=ongoing, elapsed since last paragraph update >=
	// cooldownSeconds, resume_at is null or <= now, and no child quest is
	// ongoing/in_step.
	QuestsReadyForHeartbeat(ctx context.Context, arc string, cooldownSeconds float64) ([]QuestRow, error)
}

// ToolDefinition describes one callable tool surfaced to the agent.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	// Persistence classifies how this tool's calls should be folded into
	// the persistence-summary paragraph: "", "summary",
	// or "artifact".
	Persistence string
}

// PromptOptions configures one AgentRunner.Prompt invocation.
type PromptOptions struct {
	ContextMessages       []ContextMessage
	Tools                 []ToolDefinition
	Model                 string
	ThinkingLevel         string // off, minimal, low, medium, high, xhigh
	VisionFallbackModel   string
	RefusalFallbackModel  string
	SystemPrompt          string
	// SteeringMessageProvider is invoked by the runner once per tool-loop
	// iteration to merge just-arrived context messages mid-turn.
	SteeringMessageProvider func() []ContextMessage
}

// ToolCallRecord is one tool invocation made during a turn, used for the
// persistence-summary step and the cost-followup tool tally.
type ToolCallRecord struct {
	Name        string
	Persistence string
	IsError     bool
}

// PromptResult is what an AgentRunner returns for one prompt invocation.
type PromptResult struct {
	Text                     string
	Usage                    TokenUsage
	ToolCallsCount           int
	ToolCalls                []ToolCallRecord
	RefusalFallbackActivated bool
	RefusalFallbackModel     string
}

// AgentRunner is the collaborator contract for the LLM agent itself
//. Wire formats and streaming mechanics are entirely its
// concern.
type AgentRunner interface {
	Prompt(ctx context.Context, text string, opts PromptOptions) (*PromptResult, error)
}

// ContextReducer compresses context into a summary plus a preserved final
// entry.
type ContextReducer interface {
	Reduce(ctx context.Context, messages []ContextMessage) (summary string, trigger ContextMessage, err error)
}
