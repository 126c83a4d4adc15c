// Package resolver turns an inbound RoomMessage into a
// chatengine.ResolvedCommand, following the left-to-right directive grammar
// of the room's command config.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/config"
)

// Classifier resolves a free-form message to one of the configured
// classifier labels, given recent context. Concrete implementations call
// out to an LLM; unit tests use a stub.
type Classifier interface {
	Classify(ctx context.Context, arc string, context []chatengine.ContextMessage, message string) (label string, err error)
}

// Resolver parses commands against one room's configuration.
type Resolver struct {
	cfg config.CommandConfig

	// triggerToMode and triggerToEntry are built once from cfg.Modes
	// and never mutated; safe for concurrent reads across goroutines.
	triggerToMode  map[string]string
	triggerToEntry map[string]config.TriggerEntry
	classifier     Classifier
}

// New builds a Resolver from a room's command config, indexing triggers for
// O(1) lookup. New does not validate cfg itself; config.Load runs
// config.Validate on the configuration before it reaches here.
func New(cfg config.CommandConfig, classifier Classifier) *Resolver {
	r := &Resolver{
		cfg:            cfg,
		triggerToMode:  make(map[string]string),
		triggerToEntry: make(map[string]config.TriggerEntry),
		classifier:     classifier,
	}
	for modeName, mode := range cfg.Modes {
		for _, entry := range mode.Triggers {
			r.triggerToMode[entry.Token] = modeName
			r.triggerToEntry[entry.Token] = entry
		}
	}
	return r
}

// Resolve parses the message's leading directive tokens and applies the
// implicit-mode fallback when no trigger is present. ctx is only consulted
// when the channel_mode maps to a classifier.
func (r *Resolver) Resolve(ctx context.Context, msg chatengine.RoomMessage, history []chatengine.ContextMessage) chatengine.ResolvedCommand {
	noContext := false
	helpRequested := false
	modelOverride := ""
	selectedTrigger := ""
	selectedAutomatically := false

	tokens := strings.Fields(msg.Content)
	consumed := 0

	for _, tok := range tokens {
		switch {
		case r.isFlagToken(tok):
			noContext = true
			consumed++

		case tok == r.cfg.HelpToken && r.cfg.HelpToken != "":
			helpRequested = true
			consumed++

		case r.isTrigger(tok):
			if selectedTrigger != "" {
				return errResult(msg.Content, "Only one mode command allowed.")
			}
			selectedTrigger = tok
			consumed++

		case strings.HasPrefix(tok, "@") && len(tok) > 1:
			if modelOverride == "" {
				modelOverride = tok[1:]
			}
			consumed++

		case strings.HasPrefix(tok, "!"):
			return errResult(msg.Content, fmt.Sprintf("Unknown command '%s'. Use %s for help.", tok, r.helpToken()))

		default:
			// End of directives: this and every remaining token belong to
			// query_text, reconstructed from the original text rather than
			// the whitespace-collapsed token list.
			goto done
		}
	}

done:
	queryText := remainderAfterTokens(msg.Content, consumed)

	if selectedTrigger == "" {
		trigger, err := r.resolveImplicitMode(ctx, msg, history)
		if err != nil {
			return errResult(msg.Content, err.Error())
		}
		selectedTrigger = trigger
		selectedAutomatically = true
	}

	modeKey := r.triggerToMode[selectedTrigger]
	mode := r.cfg.Modes[modeKey]
	entry := r.triggerToEntry[selectedTrigger]

	runtime := buildRuntime(mode, entry)

	return chatengine.ResolvedCommand{
		NoContext:             noContext,
		QueryText:             queryText,
		ModelOverride:         modelOverride,
		SelectedTrigger:       selectedTrigger,
		ModeKey:               modeKey,
		Runtime:               runtime,
		HelpRequested:         helpRequested,
		ChannelMode:           r.channelKey(msg),
		SelectedAutomatically: selectedAutomatically,
	}
}

func buildRuntime(mode config.ModeConfig, entry config.TriggerEntry) chatengine.ModeRuntime {
	models := mode.EffectiveModels()
	if entry.Config.Model != "" {
		models = append([]string{entry.Config.Model}, models...)
	}
	reasoningEffort := mode.ReasoningEffort
	if entry.Config.ReasoningEffort != "" {
		reasoningEffort = entry.Config.ReasoningEffort
	}
	tools := mode.AllowedTools
	if entry.Config.AllowedTools != nil {
		tools = entry.Config.AllowedTools
	}
	steering := mode.Steering
	if entry.Config.Steering != nil {
		steering = *entry.Config.Steering
	}
	return chatengine.ModeRuntime{
		ReasoningEffort:       reasoningEffort,
		AllowedTools:          tools,
		Steering:              steering,
		Models:                models,
		HistorySize:           mode.HistorySize,
		IncludeChapterSummary: mode.IncludeChapterSummary,
		AutoReduceContext:     mode.AutoReduceContext,
		VisionModel:           mode.VisionModel,
	}
}

// resolveImplicitMode picks a trigger when the message carried none,
// driven by the channel's configured channel_mode value.
func (r *Resolver) resolveImplicitMode(ctx context.Context, msg chatengine.RoomMessage, history []chatengine.ContextMessage) (string, error) {
	key := r.channelKey(msg)
	value, ok := r.cfg.ChannelModes[key]
	if !ok {
		return "", fmt.Errorf("no channel_mode configured for %q", key)
	}

	switch {
	case value == "classifier":
		label, err := r.classify(ctx, msg, history)
		if err != nil {
			return "", err
		}
		trigger, ok := r.cfg.ModeClassifier.Labels.Trigger(label)
		if !ok {
			return "", fmt.Errorf("classifier returned unrecognized label %q", label)
		}
		return trigger, nil

	case strings.HasPrefix(value, "classifier:"):
		wantMode := strings.TrimPrefix(value, "classifier:")
		label, err := r.classify(ctx, msg, history)
		if err == nil {
			if trigger, ok := r.cfg.ModeClassifier.Labels.Trigger(label); ok {
				if r.triggerToMode[trigger] == wantMode {
					return trigger, nil
				}
			}
		}
		mode, ok := r.cfg.Modes[wantMode]
		if !ok {
			return "", fmt.Errorf("channel_mode %q names unknown mode %q", value, wantMode)
		}
		return mode.DefaultTrigger(), nil

	case r.isTrigger(value):
		return value, nil

	default:
		if mode, ok := r.cfg.Modes[value]; ok {
			return mode.DefaultTrigger(), nil
		}
		return "", fmt.Errorf("channel_mode %q for %q does not name a trigger or mode", value, key)
	}
}

func (r *Resolver) classify(ctx context.Context, msg chatengine.RoomMessage, history []chatengine.ContextMessage) (string, error) {
	fallback := r.cfg.ModeClassifier.FallbackLabel
	if fallback == "" && len(r.cfg.ModeClassifier.Labels) > 0 {
		fallback = r.cfg.ModeClassifier.Labels[0].Label
	}
	if r.classifier == nil {
		if fallback != "" {
			return fallback, nil
		}
		return "", fmt.Errorf("no classifier configured for %q", r.channelKey(msg))
	}
	label, err := r.classifier.Classify(ctx, msg.Arc(), history, msg.Content)
	if err != nil {
		if fallback != "" {
			return fallback, nil
		}
		return "", err
	}
	return label, nil
}

// channelKey normalizes server_tag#channel_name by stripping the
// "discord:"/"slack:" transport prefixes, the form channel_modes keys use.
func (r *Resolver) channelKey(msg chatengine.RoomMessage) string {
	server := strings.TrimPrefix(msg.ServerTag, "discord:")
	server = strings.TrimPrefix(server, "slack:")
	return server + "#" + msg.ChannelName
}

func (r *Resolver) isFlagToken(tok string) bool {
	for _, f := range r.cfg.FlagTokens {
		if tok == f {
			return true
		}
	}
	return false
}

func (r *Resolver) isTrigger(tok string) bool {
	_, ok := r.triggerToMode[tok]
	return ok
}

func (r *Resolver) helpToken() string {
	if r.cfg.HelpToken == "" {
		return "!h"
	}
	return r.cfg.HelpToken
}

func errResult(original, message string) chatengine.ResolvedCommand {
	return chatengine.ResolvedCommand{
		QueryText: original,
		Err:       fmt.Errorf("%s", message),
	}
}

// remainderAfterTokens reconstructs query_text as the original text with
// the first `consumed` whitespace-separated directive tokens stripped,
// preserving the user's original spacing/punctuation in the remainder.
func remainderAfterTokens(original string, consumed int) string {
	if consumed == 0 {
		return strings.TrimSpace(original)
	}
	fields := strings.Fields(original)
	if consumed >= len(fields) {
		return ""
	}
	// Find the byte offset of the (consumed+1)'th field in the original
	// string so punctuation/spacing within query_text is preserved verbatim.
	idx := 0
	count := 0
	inField := false
	for i, ch := range original {
		isSpace := ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
		if !isSpace && !inField {
			inField = true
			count++
			if count == consumed+1 {
				idx = i
				break
			}
		}
		if isSpace {
			inField = false
		}
	}
	return strings.TrimSpace(original[idx:])
}
