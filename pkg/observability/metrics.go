package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the command relay.
type Metrics struct {
	// Gateway metrics
	CommandsQueued  metric.Int64Counter
	ResultsReplayed metric.Int64Counter

	// Dispatch metrics
	DispatchDuration metric.Float64Histogram
	DispatchTotal    metric.Int64Counter
	DispatchErrors   metric.Int64Counter

	// Completion metrics
	CompletionConflicts metric.Int64Counter

	// StalePending tracks pending records older than the operational
	// threshold; a non-zero value indicates dead-lettered work.
	StalePending metric.Int64ObservableGauge

	meter metric.Meter
}

// NewMetrics creates all metric instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	m.CommandsQueued, err = meter.Int64Counter(
		"cmdrelay.commands.queued",
		metric.WithDescription("Total commands published to the work queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commands.queued: %w", err)
	}

	m.ResultsReplayed, err = meter.Int64Counter(
		"cmdrelay.results.replayed",
		metric.WithDescription("Total terminal results replayed to polling clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating results.replayed: %w", err)
	}

	m.DispatchDuration, err = meter.Float64Histogram(
		"cmdrelay.dispatch.duration",
		metric.WithDescription("Command dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch.duration: %w", err)
	}

	m.DispatchTotal, err = meter.Int64Counter(
		"cmdrelay.dispatch.total",
		metric.WithDescription("Total commands dispatched"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch.total: %w", err)
	}

	m.DispatchErrors, err = meter.Int64Counter(
		"cmdrelay.dispatch.errors",
		metric.WithDescription("Total infrastructure faults during dispatch"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch.errors: %w", err)
	}

	m.CompletionConflicts, err = meter.Int64Counter(
		"cmdrelay.completion.conflicts",
		metric.WithDescription("Terminal writes discarded because another writer finalized first"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating completion.conflicts: %w", err)
	}

	return m, nil
}

// RegisterStalePendingGauge registers a callback that observes the count of
// stale pending records. The callback typically wraps
// StatusStore.CountStalePending.
func (m *Metrics) RegisterStalePendingGauge(observe func(ctx context.Context) (int64, error)) error {
	gauge, err := m.meter.Int64ObservableGauge(
		"cmdrelay.records.stale_pending",
		metric.WithDescription("Pending records older than the operational staleness threshold"),
	)
	if err != nil {
		return fmt.Errorf("creating records.stale_pending: %w", err)
	}
	m.StalePending = gauge

	_, err = m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		count, err := observe(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(gauge, count)
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("registering stale pending callback: %w", err)
	}

	return nil
}

// RecordDispatch records one command dispatch.
func (m *Metrics) RecordDispatch(ctx context.Context, operation string, duration time.Duration, outcome string) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)

	m.DispatchTotal.Add(ctx, 1, attrs)
	m.DispatchDuration.Record(ctx, duration.Seconds(), attrs)
	if outcome == "error" {
		m.DispatchErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}
}
