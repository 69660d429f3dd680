package telemetry

import (
	"context"
	"errors"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerProvider is the tracer provider of a pipeline run. Close flushes the
// spans of batches still in flight; it is safe to call more than once.
type TracerProvider interface {
	trace.TracerProvider

	Close(context.Context) error
	RegisterSpanProcessor(sdktrace.SpanProcessor)
}

type sdkTracerProvider struct {
	*sdktrace.TracerProvider

	closeOnce sync.Once
}

func (p *sdkTracerProvider) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		err = errors.Join(p.ForceFlush(ctx), p.Shutdown(ctx))
	})
	return err
}

type noopTracerProvider struct {
	noop.TracerProvider
}

func (noopTracerProvider) Close(context.Context) error { return nil }

func (noopTracerProvider) RegisterSpanProcessor(sdktrace.SpanProcessor) {}

// Noop returns a provider whose spans are discarded, for runs without
// tracing.
func Noop() TracerProvider {
	return noopTracerProvider{TracerProvider: noop.NewTracerProvider()}
}
