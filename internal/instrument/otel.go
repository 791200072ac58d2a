package instrument

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/roach88/reframe/internal/trace"
)

// Default tracer name for exported spans.
const defaultTracerName = "reframe"

// SpanConfig configures the OpenTelemetry exporter.
type SpanConfig struct {
	// TracerName is the name of the tracer (default: "reframe").
	TracerName string

	// IncludePayload adds the event payload as a string attribute.
	// May contain sensitive information - disabled by default.
	IncludePayload bool

	// Filter determines which events to export. If nil, all are exported.
	Filter func(tr trace.Trace) bool

	// tracer overrides the global provider's tracer.
	tracer oteltrace.Tracer
}

// SpanOption configures the OpenTelemetry exporter.
type SpanOption func(*SpanConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) SpanOption {
	return func(c *SpanConfig) {
		c.TracerName = name
	}
}

// WithIncludePayload enables the payload attribute.
func WithIncludePayload(include bool) SpanOption {
	return func(c *SpanConfig) {
		c.IncludePayload = include
	}
}

// WithEventFilter sets a filter function for events.
func WithEventFilter(filter func(tr trace.Trace) bool) SpanOption {
	return func(c *SpanConfig) {
		c.Filter = filter
	}
}

// WithTracer uses t instead of the global tracer provider.
func WithTracer(t oteltrace.Tracer) SpanOption {
	return func(c *SpanConfig) {
		c.tracer = t
	}
}

// SpanExporter replays traces as OpenTelemetry spans, one span per event
// with one span event per executed effect. Span timestamps come from the
// trace, not from the time of export.
//
// The tracer uses the global OpenTelemetry tracer provider unless
// WithTracer is given. Configure it in main() before creating the store.
type SpanExporter struct {
	config SpanConfig
}

// NewSpanExporter creates an exporter.
func NewSpanExporter(opts ...SpanOption) *SpanExporter {
	config := SpanConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	if config.tracer == nil {
		config.tracer = otel.Tracer(config.TracerName)
	}
	return &SpanExporter{config: config}
}

// Export emits spans for a batch. It has the trace.Callback signature.
func (x *SpanExporter) Export(batch []trace.Trace) {
	for _, tr := range batch {
		if x.config.Filter != nil && !x.config.Filter(tr) {
			continue
		}
		x.export(tr)
	}
}

// Callback returns Export as a trace.Callback.
func (x *SpanExporter) Callback() trace.Callback {
	return x.Export
}

func (x *SpanExporter) export(tr trace.Trace) {
	attrs := []attribute.KeyValue{
		attribute.String("reframe.event", tr.EventKey),
		attribute.String("reframe.trace_id", tr.ID),
		attribute.Int64("reframe.seq", tr.Seq),
		attribute.StringSlice("reframe.interceptors", tr.Interceptors),
		attribute.StringSlice("reframe.effects", tr.EffectKeys),
		attribute.Bool("reframe.state_changed", tr.StateChanged),
	}
	if x.config.IncludePayload && tr.Payload != nil {
		attrs = append(attrs, attribute.String("reframe.payload", fmt.Sprintf("%v", tr.Payload)))
	}

	_, span := x.config.tracer.Start(
		context.Background(),
		"reframe.event "+tr.EventKey,
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(attrs...),
		oteltrace.WithTimestamp(tr.Start),
	)

	for _, run := range tr.Effects {
		effectAttrs := []attribute.KeyValue{
			attribute.String("reframe.effect", run.Type),
			attribute.Int64("reframe.duration_ns", int64(run.Duration)),
		}
		if run.Error != "" {
			effectAttrs = append(effectAttrs, attribute.String("reframe.error", run.Error))
		}
		span.AddEvent("effect", oteltrace.WithAttributes(effectAttrs...))
	}

	switch run := tr.FailedEffect(); {
	case tr.Error != "":
		span.RecordError(fmt.Errorf("%s", tr.Error))
		span.SetStatus(codes.Error, tr.Error)
	case run != nil:
		span.SetStatus(codes.Error, "effect "+run.Type+": "+run.Error)
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End(oteltrace.WithTimestamp(tr.Start.Add(tr.Duration)))
}
