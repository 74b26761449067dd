// Package observability provides OpenTelemetry-based tracing and metrics
// with backend-agnostic configuration.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures the observability stack.
type Config struct {
	// Service metadata
	ServiceName    string
	ServiceVersion string
	Environment    string // dev, staging, prod

	// Tracing
	TraceExporter   sdktrace.SpanExporter // Pluggable exporter (OTLP, stdout, etc)
	TraceSampleRate float64               // 0.0 to 1.0 (1.0 = trace everything)

	// Metrics
	MetricReader sdkmetric.Reader // Pluggable reader (Prometheus, OTLP, stdout, etc)

	// Logging
	Logger *slog.Logger
}

// Telemetry manages the observability stack.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Metrics        *Metrics
	Logger         *slog.Logger

	shutdown func(context.Context) error
}

// Init initializes OpenTelemetry with graceful degradation.
// If exporters/readers are nil, telemetry is disabled and calls are no-ops.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tel := &Telemetry{Logger: cfg.Logger}

	var shutdownFuncs []func(context.Context) error

	if cfg.TraceExporter != nil {
		var sampler sdktrace.Sampler
		switch {
		case cfg.TraceSampleRate <= 0:
			sampler = sdktrace.NeverSample()
		case cfg.TraceSampleRate >= 1.0:
			sampler = sdktrace.AlwaysSample()
		default:
			sampler = sdktrace.TraceIDRatioBased(cfg.TraceSampleRate)
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.TraceExporter),
			sdktrace.WithSampler(sampler),
		)
		tel.TracerProvider = tp
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
		otel.SetTracerProvider(tp)
		cfg.Logger.Info("tracing initialized", "service", cfg.ServiceName)
	} else {
		tel.TracerProvider = noop.NewTracerProvider()
		cfg.Logger.Info("tracing disabled (no exporter configured)")
	}

	if cfg.MetricReader != nil {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(cfg.MetricReader),
		)
		metrics, err := NewMetrics(mp.Meter("cmdrelay"))
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		tel.MeterProvider = mp
		tel.Metrics = metrics
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
		otel.SetMeterProvider(mp)
		cfg.Logger.Info("metrics initialized", "service", cfg.ServiceName)
	} else {
		// An empty provider acts as a no-op.
		tel.MeterProvider = sdkmetric.NewMeterProvider()
		cfg.Logger.Info("metrics disabled (no reader configured)")
	}

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	tel.shutdown = func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("shutdown errors: %v", errs)
		}
		return nil
	}

	return tel, nil
}

// Shutdown gracefully shuts down the telemetry stack.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.shutdown != nil {
		t.Logger.Info("shutting down observability")
		return t.shutdown(ctx)
	}
	return nil
}

// Tracer returns a tracer for the given name.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.TracerProvider.Tracer(name)
}

// Meter returns a meter for the given name.
func (t *Telemetry) Meter(name string) metric.Meter {
	return t.MeterProvider.Meter(name)
}
