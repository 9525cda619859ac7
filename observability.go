package limitrate

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
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ObservabilityConfig configures the optional OpenTelemetry providers.
// Observability is entirely opt-in: a Limiter built without WithObservability
// never touches otel at all.
type ObservabilityConfig struct {
	ServiceName  string
	OTLPEndpoint string
	Insecure     bool
	Enabled      bool
}

// DefaultObservabilityConfig returns sane defaults for local development.
func DefaultObservabilityConfig() *ObservabilityConfig {
	return &ObservabilityConfig{
		ServiceName:  "limitrate",
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		Enabled:      true,
	}
}

// Observability wraps the admission-path metrics and tracing a Limiter
// emits when constructed with WithObservability. It tracks verdicts rather
// than HTTP RED metrics: allowed/blocked/delayed counts, committed cost,
// and a span per evaluate() call.
type Observability struct {
	config         *ObservabilityConfig
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	verdictCounter metric.Int64Counter
	costCommitted  metric.Float64Counter
	evalDuration   metric.Float64Histogram
}

// NewObservability creates the OpenTelemetry providers described by cfg. A
// nil cfg falls back to DefaultObservabilityConfig.
func NewObservability(ctx context.Context, cfg *ObservabilityConfig) (*Observability, error) {
	if cfg == nil {
		cfg = DefaultObservabilityConfig()
	}

	o := &Observability{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}

	if !cfg.Enabled {
		o.logger.Info("observability disabled")
		return o, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("limitrate: build otel resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("limitrate: create trace exporter: %w", err)
	}
	o.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(o.tracerProvider)

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("limitrate: create metric exporter: %w", err)
	}
	o.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(o.meterProvider)

	o.tracer = otel.Tracer("limitrate")
	meter := otel.Meter("limitrate")

	if o.verdictCounter, err = meter.Int64Counter("limitrate.verdicts.total",
		metric.WithDescription("Admission verdicts by kind"), metric.WithUnit("{verdict}")); err != nil {
		return nil, err
	}
	if o.costCommitted, err = meter.Float64Counter("limitrate.cost.committed",
		metric.WithDescription("Cost units committed to the store"), metric.WithUnit("{unit}")); err != nil {
		return nil, err
	}
	if o.evalDuration, err = meter.Float64Histogram("limitrate.evaluate.duration",
		metric.WithDescription("Wall time spent in the evaluate peek/commit path"), metric.WithUnit("s")); err != nil {
		return nil, err
	}

	return o, nil
}

// Shutdown flushes and stops the providers. Safe to call on a disabled
// Observability.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	if o.tracerProvider != nil {
		if err := o.tracerProvider.Shutdown(ctx); err != nil {
			o.logger.Error("shutdown trace provider", "error", err)
		}
	}
	if o.meterProvider != nil {
		if err := o.meterProvider.Shutdown(ctx); err != nil {
			o.logger.Error("shutdown meter provider", "error", err)
		}
	}
	return nil
}

// startEval opens a span around one evaluate() call and returns a closer
// that records the verdict, duration, and committed cost.
func (o *Observability) startEval(ctx context.Context, plan, endpoint string) (context.Context, func(v Verdict, costCommitted float64)) {
	if o == nil || o.tracer == nil {
		return ctx, func(Verdict, float64) {}
	}
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "limitrate.evaluate", trace.WithAttributes(
		attribute.String("limitrate.plan", plan),
		attribute.String("limitrate.endpoint", endpoint),
	))
	return ctx, func(v Verdict, costCommitted float64) {
		attrs := metric.WithAttributes(
			attribute.String("plan", plan),
			attribute.String("endpoint", endpoint),
			attribute.String("verdict", string(v.Kind)),
		)
		if o.verdictCounter != nil {
			o.verdictCounter.Add(ctx, 1, attrs)
		}
		if o.costCommitted != nil && costCommitted > 0 {
			o.costCommitted.Add(ctx, costCommitted, metric.WithAttributes(
				attribute.String("plan", plan), attribute.String("endpoint", endpoint),
			))
		}
		if o.evalDuration != nil {
			o.evalDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if v.Kind == VerdictBlocked {
			span.RecordError(fmt.Errorf("blocked: %s", v.Reason))
		}
		span.End()
	}
}
