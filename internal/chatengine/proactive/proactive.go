// Package proactive implements the debounce-until-silence interjection
// loop: a proactive session is indistinguishable from a steering session to
// the queue, but instead of running a resolved command it scores ambient
// chatter against an ensemble of validation models and only runs a full
// agent turn when the final model clears the configured threshold.
package proactive

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/chatengine/executor"
	"github.com/sipeed/chatengine/internal/logging"
	"github.com/sipeed/chatengine/internal/ratelimit"
)

// Executor is the subset of the command executor's surface the proactive
// runner delegates to: the normal command path for preempting work, and the
// proactive variant for actually running an interjection.
type Executor interface {
	Execute(ctx context.Context, item *chatengine.QueuedInboundMessage, drainer executor.SteeringDrainer) *chatengine.CommandExecutionResult
	ExecuteProactive(ctx context.Context, item *chatengine.QueuedInboundMessage, context []chatengine.ContextMessage) *chatengine.CommandExecutionResult
}

// SessionQueue is the subset of steering.Manager the proactive runner needs:
// next-work compaction, session draining, new-item notification, and
// command-preemption detection.
type SessionQueue interface {
	TakeNextWorkCompacted(key chatengine.SteeringKey) *chatengine.QueuedInboundMessage
	DrainSteeringContextMessages(key chatengine.SteeringKey) []string
	NotifyChan(key chatengine.SteeringKey) <-chan struct{}
	HasQueuedCommand(key chatengine.SteeringKey) bool
}

// Classifier resolves a free-form message to a mode label, used for the
// post-acceptance "classify the mode" check.
type Classifier interface {
	Classify(ctx context.Context, arc string, context []chatengine.ContextMessage, message string) (label string, err error)
}

// Runner drives one proactive session end to end.
type Runner struct {
	Config      chatengine.ProactiveConfig
	History     chatengine.HistoryStore
	Agent       chatengine.AgentRunner
	Executor    Executor
	Queue       SessionQueue
	RateLimiter *ratelimit.Keyed
	Classifier  Classifier
	// SeriousModeKey is the mode label the classifier must return for an
	// accepted interjection to actually run.
	SeriousModeKey string

	Now func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// RunSession drives the debounce-until-silence loop for one proactive
// session opened on trigger.
func (r *Runner) RunSession(ctx context.Context, key chatengine.SteeringKey, trigger *chatengine.QueuedInboundMessage) {
	var drainedContext []string

	debounce := r.Config.DebounceSeconds
	if debounce <= 0 {
		debounce = 15
	}
	timeout := time.Duration(debounce * float64(time.Second))

	for {
		select {
		case <-time.After(timeout):
			// Silence elapsed; exit the debounce loop.
			goto done
		case <-r.Queue.NotifyChan(key):
			if r.Queue.HasQueuedCommand(key) {
				// A command preempts the debounce loop entirely.
				goto done
			}
			drainedContext = append(drainedContext, r.Queue.DrainSteeringContextMessages(key)...)
		}
	}

done:
	next := r.Queue.TakeNextWorkCompacted(key)

	var result *chatengine.CommandExecutionResult
	switch {
	case next == nil:
		result = r.scoreAndMaybeRun(ctx, trigger, drainedContext)
		trigger.Finish(result)
	case next.Kind == chatengine.KindCommand:
		result = r.executeCommand(ctx, key, next)
		next.Finish(result)
		trigger.Finish(nil)
	default:
		result = r.scoreAndMaybeRun(ctx, next, drainedContext)
		next.Finish(result)
		trigger.Finish(nil)
	}

	// Drain any remaining session items normally.
	for {
		item := r.Queue.TakeNextWorkCompacted(key)
		if item == nil {
			return
		}
		if item.Kind == chatengine.KindCommand {
			item.Finish(r.executeCommand(ctx, key, item))
		} else {
			item.Finish(nil)
		}
	}
}

// executeCommand delegates a preempting command to the executor's normal
// path. The executor signals agent failure by panicking for the command
// handler's benefit; a proactive session has no handler above it to abort,
// so the failure is caught and logged here and the session simply moves
// on.
func (r *Runner) executeCommand(ctx context.Context, key chatengine.SteeringKey, item *chatengine.QueuedInboundMessage) (result *chatengine.CommandExecutionResult) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.ErrorCF("proactive", "delegated command failed", logging.Fields{"arc": item.Message.Arc(), "err": fmt.Sprint(rec)})
			result = nil
		}
	}()
	return r.Executor.Execute(ctx, item, func() []string { return r.Queue.DrainSteeringContextMessages(key) })
}

// scoreAndMaybeRun runs the validation-model scoring protocol and, if
// accepted and correctly classified, invokes the proactive executor
// variant.
func (r *Runner) scoreAndMaybeRun(ctx context.Context, item *chatengine.QueuedInboundMessage, drainedContext []string) *chatengine.CommandExecutionResult {
	arc := item.Message.Arc()

	if r.RateLimiter != nil && !r.RateLimiter.Allow(arc) {
		return nil
	}

	historySize := r.Config.HistorySize
	if historySize <= 0 {
		historySize = 20
	}
	history, err := r.History.GetContextForMessage(ctx, item.Message, historySize)
	if err != nil {
		logging.ErrorCF("proactive", "fetching history for scoring failed", logging.Fields{"arc": arc, "err": err.Error()})
		return nil
	}

	extracted := extractLastMessage(item.Message.Content)
	conversation := renderConversation(history)
	for _, line := range drainedContext {
		conversation = append(conversation, chatengine.ContextMessage{Role: "user", Content: line})
	}

	accepted, err := r.runValidationEnsemble(ctx, arc, conversation, extracted)
	if err != nil || !accepted {
		return nil
	}

	if r.Classifier != nil {
		label, err := r.Classifier.Classify(ctx, arc, history, item.Message.Content)
		if err != nil || label != r.SeriousModeKey {
			logging.WarnCF("proactive", "accepted interjection declined: classified mode is not serious", logging.Fields{"arc": arc, "label": label})
			return nil
		}
	}

	// The passives drained during debounce become context for the run
	// itself, not just for scoring.
	runContext := history
	for _, line := range drainedContext {
		runContext = append(runContext, chatengine.ContextMessage{Role: "user", Content: line})
	}
	return r.Executor.ExecuteProactive(ctx, item, runContext)
}

// runValidationEnsemble calls each validation model in order,
// early-rejecting any score below threshold-1, and accepts only if the
// final step clears the threshold.
func (r *Runner) runValidationEnsemble(ctx context.Context, arc string, conversation []chatengine.ContextMessage, message string) (bool, error) {
	threshold := r.Config.InterjectThreshold
	if threshold <= 0 {
		threshold = 7
	}

	systemPrompt := strings.ReplaceAll(r.Config.InterjectPrompt, "{message}", message)

	var lastScore int
	for i, model := range r.Config.ValidationModels {
		result, err := r.Agent.Prompt(ctx, "", chatengine.PromptOptions{
			Model:           model,
			SystemPrompt:    systemPrompt,
			ContextMessages: conversation,
		})
		if err != nil {
			return false, err
		}
		score, ok := extractScore(result.Text)
		if !ok {
			return false, nil
		}
		lastScore = score

		if i == 0 {
			logging.DebugCF("proactive", "validation step scored", logging.Fields{"arc": arc, "model": model, "score": score})
		} else {
			logging.InfoCF("proactive", "validation step scored", logging.Fields{"arc": arc, "model": model, "score": score})
		}

		if score < threshold-1 {
			return false, nil
		}
	}

	return lastScore >= threshold, nil
}

// scoreRe extracts an "N/10" score token from free-form model output.
var scoreRe = regexp.MustCompile(`(\d{1,2})\s*/\s*10`)

func extractScore(text string) (int, bool) {
	m := scoreRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// nickEnvelopeRe strips a leading "<nick> " envelope before extraction.
var nickEnvelopeRe = regexp.MustCompile(`^<[^>]+>\s*`)

func extractLastMessage(content string) string {
	return nickEnvelopeRe.ReplaceAllString(content, "")
}

func renderConversation(history []chatengine.ContextMessage) []chatengine.ContextMessage {
	out := make([]chatengine.ContextMessage, 0, len(history))
	for _, m := range history {
		if m.Role == "assistant" {
			out = append(out, chatengine.ContextMessage{Role: "user", Content: "[assistant] " + m.Content})
			continue
		}
		out = append(out, m)
	}
	return out
}
