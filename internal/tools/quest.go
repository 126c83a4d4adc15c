package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/sipeed/chatengine/internal/chatengine"
)

// QuestStartTool lets the agent open a new quest by writing `<quest
// id="...">` markup, which the quest lifecycle hook parses the same way it
// parses any other chronicled paragraph. The quest semantics live entirely
// in the markup, not in a separate store call, so the agent's manual
// quest_start and an auto-chronicler paragraph that happens to contain the
// same tag behave identically.
type QuestStartTool struct {
	Chronicle chatengine.ChronicleStore
}

func (t *QuestStartTool) Definition() chatengine.ToolDefinition {
	return chatengine.ToolDefinition{
		Name:        "quest_start",
		Description: "Start a new long-running autonomous quest, identified by a short id, that the heartbeat scheduler will periodically continue.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id":   map[string]interface{}{"type": "string", "description": "Short unique quest id, e.g. \"garden-plan\"."},
				"text": map[string]interface{}{"type": "string", "description": "Initial state/plan for the quest."},
			},
			"required": []string{"id", "text"},
		},
		Persistence: "summary",
	}
}

func (t *QuestStartTool) Execute(ctx context.Context, args map[string]interface{}) (string, bool) {
	arc := chatengine.ArcFromContext(ctx)
	if arc == "" {
		return "no conversation context available", true
	}
	id, ok := stringArg(args, "id")
	if !ok || id == "" {
		return "id is required", true
	}
	text, ok := stringArg(args, "text")
	if !ok || text == "" {
		return "text is required", true
	}
	content := fmt.Sprintf("<quest id=%q>%s</quest>", id, text)
	if _, err := t.Chronicle.AppendParagraph(ctx, arc, content); err != nil {
		return "quest_start failed: " + err.Error(), true
	}
	return "quest " + id + " started", false
}

// SubquestStartTool opens a child quest under the quest currently executing
// a heartbeat step. Only surfaced by the tool registry
// when chatengine.QuestIDFromContext finds a current quest.
type SubquestStartTool struct {
	Chronicle chatengine.ChronicleStore
}

func (t *SubquestStartTool) Definition() chatengine.ToolDefinition {
	return chatengine.ToolDefinition{
		Name:        "subquest_start",
		Description: "Start a child quest under the quest currently being stepped, identified by a dotted id suffix.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"suffix": map[string]interface{}{"type": "string", "description": "Dotted suffix appended to the parent quest id, e.g. \"step2\"."},
				"text":   map[string]interface{}{"type": "string", "description": "Initial state/plan for the subquest."},
			},
			"required": []string{"suffix", "text"},
		},
		Persistence: "summary",
	}
}

func (t *SubquestStartTool) Execute(ctx context.Context, args map[string]interface{}) (string, bool) {
	arc := chatengine.ArcFromContext(ctx)
	parentID, hasQuest := chatengine.QuestIDFromContext(ctx)
	if arc == "" || !hasQuest {
		return "no current quest to start a subquest under", true
	}
	suffix, ok := stringArg(args, "suffix")
	if !ok || suffix == "" {
		return "suffix is required", true
	}
	text, ok := stringArg(args, "text")
	if !ok || text == "" {
		return "text is required", true
	}
	id := parentID + "." + suffix
	content := fmt.Sprintf("<quest id=%q>%s</quest>", id, text)
	if _, err := t.Chronicle.AppendParagraph(ctx, arc, content); err != nil {
		return "subquest_start failed: " + err.Error(), true
	}
	return "subquest " + id + " started", false
}

// QuestSnoozeTool pushes a quest's resume_at boundary into the future, so
// the heartbeat scheduler skips it until then. Only surfaced when a current quest exists.
type QuestSnoozeTool struct {
	Chronicle chatengine.ChronicleStore
	Now       func() time.Time
}

func (t *QuestSnoozeTool) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *QuestSnoozeTool) Definition() chatengine.ToolDefinition {
	return chatengine.ToolDefinition{
		Name:        "quest_snooze",
		Description: "Postpone the current quest's next heartbeat step by a number of minutes.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"minutes": map[string]interface{}{"type": "integer", "description": "Minutes to wait before the quest is eligible for another step."},
			},
			"required": []string{"minutes"},
		},
	}
}

func (t *QuestSnoozeTool) Execute(ctx context.Context, args map[string]interface{}) (string, bool) {
	questID, hasQuest := chatengine.QuestIDFromContext(ctx)
	if !hasQuest {
		return "no current quest to snooze", true
	}
	minutes := intArg(args, "minutes", 0)
	if minutes <= 0 {
		return "minutes must be positive", true
	}
	resumeAt := t.now().Add(time.Duration(minutes) * time.Minute)
	if err := t.Chronicle.QuestSetResumeAt(ctx, questID, resumeAt); err != nil {
		return "quest_snooze failed: " + err.Error(), true
	}
	return "snoozed", false
}

// ProgressReportTool lets a quest step append an update to the quest
// currently in flight without re-declaring its id, distinct from quest_start
//. Always available: progress reports can note
// incremental status even for the top-level quest a heartbeat step is
// servicing.
type ProgressReportTool struct {
	Chronicle chatengine.ChronicleStore
}

func (t *ProgressReportTool) Definition() chatengine.ToolDefinition {
	return chatengine.ToolDefinition{
		Name:        "progress_report",
		Description: "Record a progress update on the quest currently being stepped.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{"type": "string", "description": "Progress update text."},
			},
			"required": []string{"text"},
		},
		Persistence: "summary",
	}
}

func (t *ProgressReportTool) Execute(ctx context.Context, args map[string]interface{}) (string, bool) {
	arc := chatengine.ArcFromContext(ctx)
	questID, hasQuest := chatengine.QuestIDFromContext(ctx)
	if arc == "" || !hasQuest {
		return "no current quest to report progress on", true
	}
	text, ok := stringArg(args, "text")
	if !ok || text == "" {
		return "text is required", true
	}
	content := fmt.Sprintf("<quest id=%q>%s</quest>", questID, text)
	if _, err := t.Chronicle.AppendParagraph(ctx, arc, content); err != nil {
		return "progress_report failed: " + err.Error(), true
	}
	return "progress recorded", false
}

// MakePlanTool records a quest's plan text separately from its narrative
// last_state.
type MakePlanTool struct {
	Chronicle chatengine.ChronicleStore
}

func (t *MakePlanTool) Definition() chatengine.ToolDefinition {
	return chatengine.ToolDefinition{
		Name:        "make_plan",
		Description: "Set or replace the plan for the quest currently being stepped.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"plan": map[string]interface{}{"type": "string", "description": "Plan text."},
			},
			"required": []string{"plan"},
		},
	}
}

func (t *MakePlanTool) Execute(ctx context.Context, args map[string]interface{}) (string, bool) {
	questID, hasQuest := chatengine.QuestIDFromContext(ctx)
	if !hasQuest {
		return "no current quest to plan for", true
	}
	plan, ok := stringArg(args, "plan")
	if !ok || plan == "" {
		return "plan is required", true
	}
	if err := t.Chronicle.QuestSetPlan(ctx, questID, plan); err != nil {
		return "make_plan failed: " + err.Error(), true
	}
	return "plan set", false
}
