// Package telemetry sets up the OpenTelemetry tracer provider that pipeline
// spans are exported through.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/voxpipe/voxpipe/internal/build"
)

// RunIDKey tags every span of a run with the id printed in its summary.
const RunIDKey = attribute.Key("voxpipe.run.id")

const dialTimeout = 2 * time.Second

type TracerOption func(c *tracerConfig)

func WithOTLPEndpoint(endpoint string) TracerOption {
	return func(c *tracerConfig) {
		c.endpoint = endpoint
	}
}

func WithServiceName(serviceName string) TracerOption {
	return func(c *tracerConfig) {
		c.serviceName = serviceName
	}
}

// WithSamplingRatio samples the given fraction of batch traces. Values
// outside [0, 1] are clamped.
func WithSamplingRatio(ratio float64) TracerOption {
	return func(c *tracerConfig) {
		c.samplingRatio = min(max(ratio, 0), 1)
	}
}

// WithMinTraceLatency only exports traces whose root span took at least
// latency, e.g. to look at slow batches only. Zero exports every trace.
func WithMinTraceLatency(latency time.Duration) TracerOption {
	return func(c *tracerConfig) {
		c.minLatency = latency
	}
}

// WithRunID adds the run id to the resource of every exported span.
func WithRunID(id string) TracerOption {
	return func(c *tracerConfig) {
		c.runID = id
	}
}

// WithExporter exports to exporter instead of dialing an OTLP endpoint.
func WithExporter(exporter sdktrace.SpanExporter) TracerOption {
	return func(c *tracerConfig) {
		c.exporter = exporter
	}
}

type tracerConfig struct {
	endpoint    string
	serviceName string
	runID       string

	samplingRatio float64
	minLatency    time.Duration

	exporter sdktrace.SpanExporter
}

func (c *tracerConfig) resource() (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(c.serviceName),
		semconv.ServiceVersionKey.String(build.Version),
	}
	if c.runID != "" {
		attrs = append(attrs, RunIDKey.String(c.runID))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

func (c *tracerConfig) spanExporter() (sdktrace.SpanExporter, error) {
	exp := c.exporter
	if exp == nil {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()

		var err error
		exp, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(c.endpoint),
			otlptracegrpc.WithDialOption(grpc.WithBlock()),
		)
		if err != nil {
			return nil, fmt.Errorf("connecting to the otlp collector at %s: %w", c.endpoint, err)
		}
	}
	if c.minLatency > 0 {
		exp = NewSlowTraceExporter(exp, c.minLatency)
	}
	return exp, nil
}

// MustNewTracerProvider builds a tracer provider, installs it as the global
// one and panics if the exporter can not be created.
func MustNewTracerProvider(opts ...TracerOption) TracerProvider {
	c := &tracerConfig{
		endpoint:      "localhost:4317",
		serviceName:   build.ProjectName,
		samplingRatio: 1,
	}
	for _, opt := range opts {
		opt(c)
	}

	res, err := c.resource()
	if err != nil {
		panic(err)
	}
	exp, err := c.spanExporter()
	if err != nil {
		panic(err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.samplingRatio))),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exp)),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)

	return &sdkTracerProvider{TracerProvider: tp}
}

// TraceError marks span as failed with err.
func TraceError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
