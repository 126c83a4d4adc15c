// Package executor runs one resolved command end-to-end: rate limiting,
// context assembly, agent invocation, post-processing, persistence, and
// cost followups.
package executor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/chatengine/resolver"
	"github.com/sipeed/chatengine/internal/config"
	"github.com/sipeed/chatengine/internal/costing"
	"github.com/sipeed/chatengine/internal/lengthpolicy"
	"github.com/sipeed/chatengine/internal/logging"
	"github.com/sipeed/chatengine/internal/ratelimit"
	"github.com/sipeed/chatengine/internal/refusal"
)

// AutoChronicler is the collaborator contract invoked at the end of a
// successful turn. The concrete implementation lives
// in internal/chatengine/chronicler.
type AutoChronicler interface {
	Trigger(ctx context.Context, arc string)
}

// ToolBuilder supplies the baseline tool set for a turn, already filtered by
// whatever quest/arc context applies; the executor only further filters by
// runtime.allowed_tools.
type ToolBuilder interface {
	BuildTools(ctx context.Context, arc string) []chatengine.ToolDefinition
}

// Executor wires together the stores, agent runner, and cross-cutting
// collaborators needed to execute one resolved command.
type Executor struct {
	History    chatengine.HistoryStore
	Chronicle  chatengine.ChronicleStore
	Resolver   *resolver.Resolver
	Agent      chatengine.AgentRunner
	Reducer    chatengine.ContextReducer // optional
	Summarizer chatengine.AgentRunner    // optional, used for persistence-summary paragraphs
	Tools      ToolBuilder
	Chronicler AutoChronicler

	RateLimiter *ratelimit.Keyed
	Cost        *costing.Tracker
	Publisher   lengthpolicy.ArtifactPublisher

	Command config.CommandConfig

	MyNick string
	// PromptVars supplies additional {placeholder} substitutions for the
	// system prompt beyond {mynick} and {current_time}.
	PromptVars map[string]string
	// RefusalFallbackModel is passed to the agent so it can rerun a refused
	// prompt itself; "" disables the fallback path entirely.
	RefusalFallbackModel string

	// Proactive* configure the ExecuteProactive variant: ProactiveModeKey
	// names the mode whose prompt/allowed-tools/reasoning effort is reused
	// as the base, ProactiveSeriousExtra is appended to it, and
	// ProactiveModel is the model proactive turns are forced to.
	ProactiveModeKey       string
	ProactiveSeriousExtra  string
	ProactiveModel         string

	// Now is the clock source; overridable in tests. Defaults to time.Now.
	Now func() time.Time
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SteeringDrainer returns zero or more synthetic context lines drained from
// the concurrent steering queue.
type SteeringDrainer func() []string

// Execute runs the full command pipeline for one QueuedInboundMessage and
// returns the CommandExecutionResult to deliver to its waiter.
func (e *Executor) Execute(ctx context.Context, item *chatengine.QueuedInboundMessage, drainer SteeringDrainer) *chatengine.CommandExecutionResult {
	msg := item.Message
	arc := msg.Arc()
	// Arc-scoped tools (chronicle_read, chronicle_append) resolve "this
	// conversation" off ctx rather than a tool argument the model could get
	// wrong.
	ctx = chatengine.WithArc(ctx, arc)

	// Step 1: rate limit.
	if e.RateLimiter != nil && !e.RateLimiter.Allow(arc) {
		apology := fmt.Sprintf("%s: Slow down a little, will you? (rate limiting)", msg.Nick)
		e.deliver(item, apology, arc)
		e.persistBotReply(ctx, msg, apology, "", nil)
		return &chatengine.CommandExecutionResult{Response: apology, HasResponse: true}
	}

	// Step 2: history context.
	historyLimit := e.defaultHistorySize()
	history, err := e.History.GetContextForMessage(ctx, msg, historyLimit)
	if err != nil {
		logging.ErrorCF("executor", "fetching history context failed", logging.Fields{"arc": arc, "err": err.Error()})
		history = nil
	}

	// Step 3: resolve.
	resolved := e.Resolver.Resolve(ctx, msg, history)
	if resolved.Err != nil {
		response := fmt.Sprintf("%s: %s", msg.Nick, resolved.Err.Error())
		e.deliver(item, response, arc)
		e.persistBotReply(ctx, msg, response, "", nil)
		return &chatengine.CommandExecutionResult{Response: response, HasResponse: true, Resolved: resolved}
	}
	if resolved.HelpRequested {
		response := e.renderHelp()
		e.deliver(item, response, arc)
		e.persistBotReply(ctx, msg, response, resolved.SelectedTrigger, nil)
		return &chatengine.CommandExecutionResult{Response: response, HasResponse: true, Resolved: resolved}
	}

	// Step 4: choose effective model.
	model := e.chooseModel(resolved)

	// Step 5: optional debounce + follow-up merge.
	queryText := resolved.QueryText
	if e.Command.Debounce > 0 {
		time.Sleep(time.Duration(e.Command.Debounce * float64(time.Second)))
		since := float64(item.EnqueuedAt().Unix())
		followups, err := e.History.GetRecentMessagesSince(ctx, msg.ServerTag, msg.ChannelName, msg.Nick, since, msg.ThreadID)
		if err == nil {
			for _, f := range followups {
				if f.Message.PlatformID == msg.PlatformID {
					continue
				}
				queryText += "\n" + f.Message.Content
			}
		}
	}

	// Step 6: prepend chapter summary.
	var contextMessages []chatengine.ContextMessage
	if resolved.Runtime.IncludeChapterSummary && !resolved.NoContext && e.Chronicle != nil {
		chapterCtx, err := e.Chronicle.GetChapterContextMessages(ctx, arc)
		if err == nil {
			contextMessages = append(contextMessages, chapterCtx...)
		}
	}
	contextMessages = append(contextMessages, history...)

	// Step 7: trim context.
	if resolved.NoContext {
		contextMessages = lastContextMessage(contextMessages)
	} else if resolved.Runtime.HistorySize > 0 {
		contextMessages = trimContext(contextMessages, resolved.Runtime.HistorySize)
	}

	// Step 8: context reduction.
	if resolved.Runtime.AutoReduceContext && e.Reducer != nil && len(contextMessages) > 1 {
		summary, trigger, err := e.Reducer.Reduce(ctx, contextMessages)
		if err == nil {
			// The reducer's output replaces the prepended chapter summary
			// and older context; the trigger entry is always preserved.
			contextMessages = []chatengine.ContextMessage{
				{Role: "user", Content: summary},
				trigger,
			}
		}
	}

	// Step 9: drain initial steering.
	if resolved.Runtime.Steering && !resolved.NoContext && drainer != nil {
		for _, line := range drainer() {
			contextMessages = append(contextMessages, chatengine.ContextMessage{Role: "user", Content: line})
		}
	}

	// Step 10: select tools.
	var tools []chatengine.ToolDefinition
	if e.Tools != nil {
		tools = e.Tools.BuildTools(ctx, arc)
		if resolved.Runtime.AllowedTools != nil {
			tools = filterTools(tools, resolved.Runtime.AllowedTools)
		}
	}

	// Step 11: build system prompt.
	systemPrompt := e.buildSystemPrompt(resolved)

	// Step 12: invoke agent.
	var steeringProvider func() []chatengine.ContextMessage
	if drainer != nil {
		steeringProvider = func() []chatengine.ContextMessage {
			var out []chatengine.ContextMessage
			for _, line := range drainer() {
				out = append(out, chatengine.ContextMessage{Role: "user", Content: line})
			}
			return out
		}
	}

	result, err := e.Agent.Prompt(ctx, queryText, chatengine.PromptOptions{
		ContextMessages:         contextMessages,
		Tools:                   tools,
		Model:                   model,
		ThinkingLevel:           mapThinkingLevel(resolved.Runtime.ReasoningEffort),
		VisionFallbackModel:     resolved.Runtime.VisionModel,
		RefusalFallbackModel:    e.RefusalFallbackModel,
		SystemPrompt:            systemPrompt,
		SteeringMessageProvider: steeringProvider,
	})
	if err != nil {
		// Step: agent execution failure propagates to the handler, which
		// aborts the owning steering session.
		panic(&ExecutionError{Arc: arc, Err: err})
	}

	responseText := result.Text

	// Step 13: persistence summary.
	if e.Summarizer != nil && len(result.ToolCalls) > 0 {
		if summary, ok := e.summarizeToolCalls(ctx, result.ToolCalls); ok {
			e.History.AddMessage(ctx, chatengine.RoomMessage{ServerTag: msg.ServerTag, ChannelName: msg.ChannelName, Content: "[internal monologue] " + summary}, nil)
		}
	}

	// Step 14: refusal-fallback annotation. The agent runner itself performs
	// the fallback rerun (it was given RefusalFallbackModel in step 12); the
	// executor only annotates the final text and flags runners that detect
	// a refusal signal but never activate the fallback they were offered.
	if result.RefusalFallbackActivated {
		responseText += fmt.Sprintf(" [refusal fallback to %s]", result.RefusalFallbackModel)
	} else if refusal.ShouldFallback(responseText, e.RefusalFallbackModel) {
		logging.WarnCF("executor", "refusal signal detected with no fallback activation recorded", logging.Fields{"arc": arc})
	}

	// Step 15: length policy.
	maxBytes := e.Command.ResponseMaxBytes
	if maxBytes <= 0 {
		maxBytes = lengthpolicy.DefaultMaxBytes
	}
	responseText, err = lengthpolicy.Apply(responseText, maxBytes, e.Publisher)
	if err != nil {
		logging.ErrorCF("executor", "length policy artifact publish failed", logging.Fields{"arc": arc, "err": err.Error()})
	}

	// Step 16: echo cleanup.
	responseText = stripEchoPrefix(responseText)

	// Step 17: deliver + persist.
	e.deliver(item, responseText, arc)
	llmCallID, hasLlmCall := e.logLlmCall(ctx, arc, model, result, item)
	respID, _ := e.persistBotReply(ctx, msg, responseText, resolved.SelectedTrigger, boolToID(hasLlmCall, llmCallID))
	if hasLlmCall {
		e.History.UpdateLlmCallResponse(ctx, llmCallID, respID)
	}

	usage := &chatengine.TokenUsage{
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		CacheRead:    result.Usage.CacheRead,
		CacheCreate:  result.Usage.CacheCreate,
		Cost:         result.Usage.Cost,
	}

	// Step 18: cost followups.
	if e.Cost != nil {
		e.Cost.Record(costing.Event{
			Arc:          arc,
			Model:        model,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			CacheRead:    usage.CacheRead,
			CacheCreate:  usage.CacheCreate,
			CostUSD:      usage.Cost.Total,
			ToolCalls:    result.ToolCallsCount,
		})
	}
	if usage.Cost.Total > 0.20 {
		secondary := fmt.Sprintf("[cost] %d tool call(s), %d in / %d out tokens, $%.4f", result.ToolCallsCount, usage.InputTokens, usage.OutputTokens, usage.Cost.Total)
		e.deliver(item, secondary, arc)
		e.persistBotReply(ctx, msg, secondary, resolved.SelectedTrigger, nil)
	}
	// The day's running total comes from the history store's llm_calls
	// ledger, which already includes the call logged in step 17, so
	// `before` is recovered by subtracting this call's own cost.
	if after, err := e.History.GetArcCostToday(ctx, arc); err == nil {
		before := after - usage.Cost.Total
		if before < 0 {
			before = 0
		}
		if costing.CrossedWholeDollar(before, after) {
			milestone := fmt.Sprintf("[cost] %s just crossed $%d today", arc, int(after))
			e.deliver(item, milestone, arc)
			e.persistBotReply(ctx, msg, milestone, resolved.SelectedTrigger, nil)
		}
	}

	// Step 19: auto-chronicler trigger.
	if e.Chronicler != nil {
		e.Chronicler.Trigger(ctx, arc)
	}

	return &chatengine.CommandExecutionResult{
		Response:       responseText,
		HasResponse:    responseText != "",
		Resolved:       resolved,
		Model:          model,
		HasModel:       model != "",
		Usage:          usage,
		ToolCallsCount: result.ToolCallsCount,
	}
}

// ExecuteProactive runs the proactive variant of a turn: the system prompt
// is extended by the serious-extra suffix, the model is forced to the
// proactive serious model, the prompt text is the last user-role message
// already present in context (context is not duplicated as a separate
// turn), the response is formatted "[<model_short>] <text>", and the whole
// turn is silently abandoned if the agent declines or errors out in-band.
func (e *Executor) ExecuteProactive(ctx context.Context, item *chatengine.QueuedInboundMessage, context []chatengine.ContextMessage) *chatengine.CommandExecutionResult {
	msg := item.Message
	arc := msg.Arc()
	ctx = chatengine.WithArc(ctx, arc)
	mode := e.Command.Modes[e.ProactiveModeKey]

	queryText := lastUserMessage(context)

	var tools []chatengine.ToolDefinition
	if e.Tools != nil {
		tools = e.Tools.BuildTools(ctx, arc)
		if mode.AllowedTools != nil {
			tools = filterTools(tools, mode.AllowedTools)
		}
	}

	systemPrompt := e.substitutePromptVars(mode.Prompt) + e.ProactiveSeriousExtra

	result, err := e.Agent.Prompt(ctx, queryText, chatengine.PromptOptions{
		ContextMessages:      context,
		Tools:                tools,
		Model:                e.ProactiveModel,
		ThinkingLevel:        mapThinkingLevel(mode.ReasoningEffort),
		RefusalFallbackModel: e.RefusalFallbackModel,
		SystemPrompt:         systemPrompt,
	})
	if err != nil {
		logging.ErrorCF("executor", "proactive agent invocation failed", logging.Fields{"arc": arc, "err": err.Error()})
		return nil
	}

	responseText := result.Text
	if result.RefusalFallbackActivated {
		responseText += fmt.Sprintf(" [refusal fallback to %s]", result.RefusalFallbackModel)
	}
	if responseText == "" || strings.HasPrefix(responseText, "Error: ") {
		// Silent abort.
		return nil
	}

	responseText = fmt.Sprintf("[%s] %s", modelShort(e.ProactiveModel), responseText)

	maxBytes := e.Command.ResponseMaxBytes
	if maxBytes <= 0 {
		maxBytes = lengthpolicy.DefaultMaxBytes
	}
	responseText, err = lengthpolicy.Apply(responseText, maxBytes, e.Publisher)
	if err != nil {
		logging.ErrorCF("executor", "length policy artifact publish failed", logging.Fields{"arc": arc, "err": err.Error()})
	}
	responseText = stripEchoPrefix(responseText)

	e.deliver(item, responseText, arc)

	callID, hasCall := e.logLlmCall(ctx, arc, e.ProactiveModel, result, item)
	respID, _ := e.persistBotReply(ctx, msg, responseText, "proactive", boolToID(hasCall, callID))
	if hasCall {
		e.History.UpdateLlmCallResponse(ctx, callID, respID)
	}

	usage := &chatengine.TokenUsage{
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		CacheRead:    result.Usage.CacheRead,
		CacheCreate:  result.Usage.CacheCreate,
		Cost:         result.Usage.Cost,
	}
	if e.Cost != nil {
		e.Cost.Record(costing.Event{Arc: arc, Model: e.ProactiveModel, InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens, CostUSD: usage.Cost.Total, ToolCalls: result.ToolCallsCount})
	}
	if after, err := e.History.GetArcCostToday(ctx, arc); err == nil {
		before := after - usage.Cost.Total
		if before < 0 {
			before = 0
		}
		if costing.CrossedWholeDollar(before, after) {
			milestone := fmt.Sprintf("[cost] %s just crossed $%d today", arc, int(after))
			e.persistBotReply(ctx, msg, milestone, "proactive", nil)
		}
	}
	if e.Chronicler != nil {
		e.Chronicler.Trigger(ctx, arc)
	}

	return &chatengine.CommandExecutionResult{
		Response:       responseText,
		HasResponse:    true,
		Model:          e.ProactiveModel,
		HasModel:       e.ProactiveModel != "",
		Usage:          usage,
		ToolCallsCount: result.ToolCallsCount,
	}
}

func (e *Executor) substitutePromptVars(prompt string) string {
	replacer := map[string]string{
		"{mynick}":       e.MyNick,
		"{current_time}": e.now().Format("2006-01-02 15:04"),
	}
	for k, v := range e.PromptVars {
		replacer["{"+k+"}"] = v
	}
	for k, v := range replacer {
		prompt = strings.ReplaceAll(prompt, k, v)
	}
	return prompt
}

func lastUserMessage(context []chatengine.ContextMessage) string {
	for i := len(context) - 1; i >= 0; i-- {
		if context[i].Role == "user" {
			return context[i].Content
		}
	}
	return ""
}

// modelShort renders the trailing path/colon segment of a model spec for
// the "[<model_short>] <text>" response format.
func modelShort(model string) string {
	if idx := strings.LastIndexAny(model, "/:"); idx >= 0 {
		return model[idx+1:]
	}
	return model
}

// ExecutionError wraps an agent failure so the command handler can
// recognize it and abort the owning steering session.
type ExecutionError struct {
	Arc string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("agent execution failed for %s: %v", e.Arc, e.Err)
}
func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *Executor) defaultHistorySize() int {
	largest := 0
	for _, mode := range e.Command.Modes {
		if mode.HistorySize > largest {
			largest = mode.HistorySize
		}
	}
	if e.Command.HistorySize > largest {
		largest = e.Command.HistorySize
	}
	if largest == 0 {
		largest = 20
	}
	return largest
}

func (e *Executor) chooseModel(resolved chatengine.ResolvedCommand) string {
	if resolved.ModelOverride != "" {
		return resolved.ModelOverride
	}
	if len(resolved.Runtime.Models) > 0 {
		return resolved.Runtime.Models[0]
	}
	return ""
}

func (e *Executor) buildSystemPrompt(resolved chatengine.ResolvedCommand) string {
	prompt := e.Command.Modes[resolved.ModeKey].Prompt
	replacer := map[string]string{
		"{mynick}":       e.MyNick,
		"{current_time}": e.now().Format("2006-01-02 15:04"),
	}
	for k, v := range e.PromptVars {
		replacer["{"+k+"}"] = v
	}
	for _, mode := range e.Command.Modes {
		if len(mode.Triggers) == 0 {
			continue
		}
		placeholder := "{!" + mode.Triggers[0].Token + "_model}"
		replacer[placeholder] = modelNameFor(mode)
	}
	for k, v := range replacer {
		prompt = strings.ReplaceAll(prompt, k, v)
	}
	return prompt
}

func modelNameFor(mode config.ModeConfig) string {
	models := mode.EffectiveModels()
	if len(models) > 0 {
		return models[0]
	}
	return ""
}

func (e *Executor) renderHelp() string {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for modeName, mode := range e.Command.Modes {
		for _, entry := range mode.Triggers {
			fmt.Fprintf(&b, "%s — %s mode\n", entry.Token, modeName)
		}
	}
	return b.String()
}

func (e *Executor) summarizeToolCalls(ctx context.Context, calls []chatengine.ToolCallRecord) (string, bool) {
	var names []string
	for _, c := range calls {
		if c.IsError {
			continue
		}
		if c.Persistence == "summary" || c.Persistence == "artifact" {
			names = append(names, c.Name)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	result, err := e.Summarizer.Prompt(ctx, "Summarize these tool calls in one sentence: "+strings.Join(names, ", "), chatengine.PromptOptions{})
	if err != nil {
		return "", false
	}
	return result.Text, result.Text != ""
}

func (e *Executor) logLlmCall(ctx context.Context, arc, model string, result *chatengine.PromptResult, item *chatengine.QueuedInboundMessage) (int64, bool) {
	id, err := e.History.LogLlmCall(ctx, chatengine.LlmCallRecord{
		Model:            model,
		InputTokens:      result.Usage.InputTokens,
		OutputTokens:     result.Usage.OutputTokens,
		Cost:             result.Usage.Cost.Total,
		ArcName:          arc,
		TriggerMessageID: item.TriggerMessageID,
		HasTrigger:       item.HasTrigger,
	})
	if err != nil {
		logging.ErrorCF("executor", "logging llm call failed", logging.Fields{"arc": arc, "err": err.Error()})
		return 0, false
	}
	return id, true
}

// deliver sends text back to the originating chat surface when the item
// carries a send callback; persistence is the caller's separate concern.
func (e *Executor) deliver(item *chatengine.QueuedInboundMessage, text, arc string) {
	if item.SendResponse == nil || text == "" {
		return
	}
	if err := item.SendResponse(text); err != nil {
		logging.ErrorCF("executor", "delivering response failed", logging.Fields{"arc": arc, "err": err.Error()})
	}
}

func (e *Executor) persistBotReply(ctx context.Context, msg chatengine.RoomMessage, text, trigger string, llmCallID *int64) (int64, error) {
	reply := chatengine.RoomMessage{
		ServerTag:   msg.ServerTag,
		ChannelName: msg.ChannelName,
		Nick:        e.MyNick,
		MyNick:      e.MyNick,
		Content:     text,
		ThreadID:    msg.ResponseThreadID,
	}
	meta := &chatengine.MessageMeta{Trigger: trigger}
	if llmCallID != nil {
		meta.LlmCallID = *llmCallID
		meta.HasLlmCallID = true
	}
	return e.History.AddMessage(ctx, reply, meta)
}

func boolToID(has bool, id int64) *int64 {
	if !has {
		return nil
	}
	return &id
}

func lastContextMessage(messages []chatengine.ContextMessage) []chatengine.ContextMessage {
	if len(messages) == 0 {
		return nil
	}
	return messages[len(messages)-1:]
}

func trimContext(messages []chatengine.ContextMessage, n int) []chatengine.ContextMessage {
	if n <= 0 || len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

func filterTools(tools []chatengine.ToolDefinition, allowed []string) []chatengine.ToolDefinition {
	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		set[name] = true
	}
	out := make([]chatengine.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		if set[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

func mapThinkingLevel(effort string) string {
	switch effort {
	case "off", "minimal", "low", "medium", "high", "xhigh":
		return effort
	default:
		return "minimal"
	}
}

// echoPrefix matches leading IRC-like echo envelopes — an optional
// timestamp, an optional trigger tag, and an angle-bracketed nick — while
// never touching <quest ...> or <quest_finished ...> payloads.
var echoPrefix = regexp.MustCompile(`^(?:\[\d{1,2}:\d{2}(?::\d{2})?\]\s*)?(?:!\S+\s+)?<(?:quest|quest_finished)\b[^>]*>|^(?:\[\d{1,2}:\d{2}(?::\d{2})?\]\s*)?(?:!\S+\s+)?<[^>]+>\s*`)

func stripEchoPrefix(text string) string {
	if strings.HasPrefix(strings.TrimSpace(text), "<quest") {
		return text
	}
	return echoPrefix.ReplaceAllStringFunc(text, func(m string) string {
		if strings.Contains(strings.ToLower(m), "<quest") {
			return m
		}
		return ""
	})
}
