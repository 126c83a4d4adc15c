// Package tools implements the baseline tool set surfaced to the agent:
// web search, visit webpage, execute code, share/edit artifact, generate
// image, oracle, chronicle read/append, quest start/subquest/snooze,
// progress report, make plan. Each tool returns the (forLLM, isError) pair
// the chatengine.AgentRunner implementations in internal/providers feed
// back to the model, since the tool loop lives inside the provider.
package tools

import (
	"context"
	"sort"

	"github.com/sipeed/chatengine/internal/chatengine"
)

// Tool is one callable tool: its definition plus its handler.
type Tool interface {
	Definition() chatengine.ToolDefinition
	Execute(ctx context.Context, args map[string]interface{}) (forLLM string, isError bool)
}

// Registry is the closed, configuration-filtered set of tool executors
//: a variant set of tool descriptors plus a
// handler function per tool, modeled as a name-keyed map rather than an
// enum switch so new tools register without touching the executor.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a registry from a set of tools, keyed by their own
// declared name.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Definition().Name] = t
	}
	return r
}

// questContextOnly names tools surfaced only when a current quest context
// exists, i.e. mid heartbeat-step, not in a normal command turn.
var questContextOnly = map[string]bool{
	"subquest_start": true,
	"quest_snooze":   true,
}

// BuildTools implements executor.ToolBuilder. The arc parameter isn't
// currently used to vary the baseline set (every room gets the same tools,
// filtered later by runtime.allowed_tools), but it's threaded through so a
// future per-arc tool allowlist doesn't require an interface change.
// Whether a current quest context exists is read off ctx, set by the quest
// runtime around a heartbeat step (chatengine.WithQuestID).
func (r *Registry) BuildTools(ctx context.Context, arc string) []chatengine.ToolDefinition {
	_, hasQuest := chatengine.QuestIDFromContext(ctx)
	defs := make([]chatengine.ToolDefinition, 0, len(r.tools))
	for name, t := range r.tools {
		if questContextOnly[name] && !hasQuest {
			continue
		}
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute implements providers.ToolExecutor.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (forLLM string, isError bool) {
	t, ok := r.tools[name]
	if !ok {
		return "unknown tool: " + name, true
	}
	return t.Execute(ctx, args)
}

// WithoutOracleRecursion returns the subset of a registry's tool names
// excluding the ones the oracle tool must never expose to its own
// sub-invocation: progress_report, quest_start, subquest_start,
// quest_snooze, and oracle itself.
func WithoutOracleRecursion(all []chatengine.ToolDefinition) []chatengine.ToolDefinition {
	excluded := map[string]bool{
		"progress_report": true,
		"quest_start":      true,
		"subquest_start":   true,
		"quest_snooze":     true,
		"oracle":           true,
	}
	out := make([]chatengine.ToolDefinition, 0, len(all))
	for _, d := range all {
		if !excluded[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

func stringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
