// Package obs wires OpenTelemetry tracing around the engine's suspension
// points: agent invocations and chronicle store operations. Trace signal
// only; no OTLP exporter, metrics, or log pipeline is wired here.
package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/sipeed/chatengine/internal/chatengine"
)

const scopeName = "github.com/sipeed/chatengine"

// Init installs a process-wide TracerProvider. Without a configured
// exporter, spans are created and sampled but not shipped anywhere; an
// operator wires a real exporter (OTLP, Jaeger, ...) by replacing this
// function's body.
func Init() func(context.Context) error {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// Tracer returns the package-scoped tracer for chatengine spans.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// TracedAgent wraps a chatengine.AgentRunner with a span around each
// Prompt invocation.
type TracedAgent struct {
	Inner chatengine.AgentRunner
}

func (t *TracedAgent) Prompt(ctx context.Context, text string, opts chatengine.PromptOptions) (*chatengine.PromptResult, error) {
	ctx, span := Tracer().Start(ctx, "agent.prompt", trace.WithAttributes(
		attribute.String("model", opts.Model),
		attribute.String("thinking_level", opts.ThinkingLevel),
	))
	defer span.End()

	result, err := t.Inner.Prompt(ctx, text, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("tool_calls_count", result.ToolCallsCount),
		attribute.Float64("cost_total", result.Usage.Cost.Total),
	)
	return result, nil
}

// TracedChronicleStore wraps a chatengine.ChronicleStore with a span around
// AppendParagraph, the store call every chronicle-writing path funnels
// through.
type TracedChronicleStore struct {
	chatengine.ChronicleStore
}

func (t *TracedChronicleStore) AppendParagraph(ctx context.Context, arc, content string) (chatengine.Paragraph, error) {
	ctx, span := Tracer().Start(ctx, "chronicle.append_paragraph", trace.WithAttributes(attribute.String("arc", arc)))
	defer span.End()

	p, err := t.ChronicleStore.AppendParagraph(ctx, arc, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return p, err
}
