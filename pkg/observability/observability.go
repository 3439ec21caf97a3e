// Package observability exports spans and RED metrics for the three
// boundary operations (egress fetches, action invocations, signing
// requests) plus a counter of signing-policy outcomes.
//
// A Provider built without an endpoint is a no-op, so components can
// always call into it.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scope = "github.com/Mindburn-Labs/warden"

// Config selects where telemetry goes. An empty Endpoint disables export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string // OTLP gRPC, host:port
	Insecure       bool
	SampleRatio    float64
	ExportInterval time.Duration
}

// DefaultConfig returns the settings used by the warden binary.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "warden",
		ServiceVersion: "1.0.0",
		SampleRatio:    1.0,
		ExportInterval: 15 * time.Second,
	}
}

// Provider owns the tracer and meter used by warden components.
type Provider struct {
	tracer trace.Tracer
	inst   instruments

	shutdown []func(context.Context) error
	logger   *slog.Logger
}

type instruments struct {
	operations metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram
	inflight   metric.Int64UpDownCounter
	decisions  metric.Int64Counter
}

// Noop returns a provider that records nothing.
func Noop() *Provider {
	p := &Provider{
		tracer: tracenoop.NewTracerProvider().Tracer(scope),
		logger: slog.Default().With("component", "observability"),
	}
	// The noop meter never fails to create instruments.
	p.inst, _ = newInstruments(metricnoop.NewMeterProvider().Meter(scope))
	return p
}

// New builds a provider exporting to cfg.Endpoint. Without an endpoint
// it behaves like Noop.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return Noop(), nil
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = DefaultConfig().ExportInterval
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spanExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.ExportInterval))),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	inst, err := newInstruments(mp.Meter(scope, metric.WithInstrumentationVersion(cfg.ServiceVersion)))
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, err
	}

	p := &Provider{
		tracer:   tp.Tracer(scope, trace.WithInstrumentationVersion(cfg.ServiceVersion)),
		inst:     inst,
		shutdown: []func(context.Context) error{tp.Shutdown, mp.Shutdown},
		logger:   slog.Default().With("component", "observability"),
	}
	p.logger.InfoContext(ctx, "telemetry export enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return p, nil
}

func newInstruments(m metric.Meter) (instruments, error) {
	var (
		in  instruments
		err error
	)
	if in.operations, err = m.Int64Counter("warden.operations",
		metric.WithDescription("Boundary operations started"), metric.WithUnit("{operation}")); err != nil {
		return in, fmt.Errorf("observability: operations counter: %w", err)
	}
	if in.failures, err = m.Int64Counter("warden.operation.failures",
		metric.WithDescription("Boundary operations that returned an error"), metric.WithUnit("{operation}")); err != nil {
		return in, fmt.Errorf("observability: failures counter: %w", err)
	}
	if in.duration, err = m.Float64Histogram("warden.operation.duration",
		metric.WithDescription("Boundary operation latency"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30)); err != nil {
		return in, fmt.Errorf("observability: duration histogram: %w", err)
	}
	if in.inflight, err = m.Int64UpDownCounter("warden.operations.inflight",
		metric.WithDescription("Boundary operations in progress"), metric.WithUnit("{operation}")); err != nil {
		return in, fmt.Errorf("observability: inflight counter: %w", err)
	}
	if in.decisions, err = m.Int64Counter("warden.policy.decisions",
		metric.WithDescription("Signing policy outcomes by rule"), metric.WithUnit("{decision}")); err != nil {
		return in, fmt.Errorf("observability: decisions counter: %w", err)
	}
	return in, nil
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			p.logger.ErrorContext(ctx, "telemetry shutdown failed", "error", err)
		}
	}
	return nil
}

// TrackOperation opens a span and starts RED bookkeeping. The returned
// function must be called exactly once with the operation's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	set := metric.WithAttributes(append([]attribute.KeyValue{AttrOperation.String(name)}, attrs...)...)

	p.inst.operations.Add(ctx, 1, set)
	p.inst.inflight.Add(ctx, 1, set)

	return ctx, func(err error) {
		p.inst.inflight.Add(ctx, -1, set)
		p.inst.duration.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			p.inst.failures.Add(ctx, 1, set)
			span.RecordError(err)
		}
		span.End()
	}
}

// RecordDecision counts a signing-policy outcome and notes it on the
// current span.
func (p *Provider) RecordDecision(ctx context.Context, rule, outcome string) {
	attrs := []attribute.KeyValue{AttrPolicyRule.String(rule), AttrPolicyDecision.String(outcome)}
	p.inst.decisions.Add(ctx, 1, metric.WithAttributes(attrs...))
	trace.SpanFromContext(ctx).AddEvent("policy.evaluated", trace.WithAttributes(attrs...))
}
