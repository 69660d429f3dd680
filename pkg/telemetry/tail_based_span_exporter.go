package telemetry

import (
	"context"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type slowTraceExporter struct {
	wrapped    sdktrace.SpanExporter
	minLatency time.Duration
}

var _ sdktrace.SpanExporter = (*slowTraceExporter)(nil)

// NewSlowTraceExporter forwards to exporter only the spans of traces whose
// root span lasted at least minLatency. Spans of a trace must reach the
// exporter in the same batch as their root span to be kept.
func NewSlowTraceExporter(exporter sdktrace.SpanExporter, minLatency time.Duration) sdktrace.SpanExporter {
	return &slowTraceExporter{wrapped: exporter, minLatency: minLatency}
}

func (s *slowTraceExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	slow := make(map[trace.TraceID]struct{})
	for _, span := range spans {
		if span.Parent().IsValid() {
			continue
		}
		if span.EndTime().Sub(span.StartTime()) >= s.minLatency {
			slow[span.SpanContext().TraceID()] = struct{}{}
		}
	}
	if len(slow) == 0 {
		return nil
	}

	kept := make([]sdktrace.ReadOnlySpan, 0, len(spans))
	for _, span := range spans {
		if _, ok := slow[span.SpanContext().TraceID()]; ok {
			kept = append(kept, span)
		}
	}
	return s.wrapped.ExportSpans(ctx, kept)
}

func (s *slowTraceExporter) Shutdown(ctx context.Context) error {
	return s.wrapped.Shutdown(ctx)
}
