// Package consumer drains the work queue and writes terminal records.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fiskal/cmdrelay/pkg/command"
	"github.com/fiskal/cmdrelay/pkg/observability"
	"github.com/fiskal/cmdrelay/pkg/queue"
	"github.com/fiskal/cmdrelay/pkg/runner"
	"github.com/fiskal/cmdrelay/pkg/store"
)

// Consumer executes queued commands out of band. For each delivery it
// invokes the dispatcher and finalizes the status record exactly once; the
// ack decision follows from the outcome:
//
//   - success or classified business failure: record finalized, ack
//   - lost completion race: result discarded silently, ack
//   - infrastructure fault: nack, broker redelivers up to its limit
type Consumer struct {
	store      store.StatusStore
	queue      queue.WorkQueue
	dispatcher *command.Dispatcher
	logger     *slog.Logger
	metrics    *observability.Metrics

	sub queue.Subscription
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithMetrics enables consumer metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// New creates a Consumer over the given store, queue and dispatcher.
func New(st store.StatusStore, q queue.WorkQueue, d *command.Dispatcher, opts ...Option) *Consumer {
	c := &Consumer{
		store:      st,
		queue:      q,
		dispatcher: d,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements runner.Service.
func (c *Consumer) Name() string {
	return "consumer"
}

// Start subscribes to the work queue.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.queue.Subscribe(c.process)
	if err != nil {
		return fmt.Errorf("subscribe to work queue: %w", err)
	}
	c.sub = sub

	c.logger.Info("consumer started", "operations", c.dispatcher.Operations())
	return nil
}

// Stop unsubscribes from the work queue. In-flight handlers run to
// completion and write their terminal record regardless; a delivery cut off
// mid-flight is simply redelivered.
func (c *Consumer) Stop(ctx context.Context) error {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
	}

	c.logger.Info("consumer stopped")
	return nil
}

// process handles one delivery. The returned error drives the queue's
// ack/nack decision.
func (c *Consumer) process(ctx context.Context, d *queue.Delivery) error {
	cmd := d.Command

	outcome, err := c.dispatcher.Dispatch(ctx, cmd)
	if err != nil {
		if errors.Is(err, command.ErrOperationNotFound) || errors.Is(err, command.ErrInvalidCommand) {
			// An unroutable command can never succeed on redelivery;
			// finalize it as failed rather than poisoning the queue.
			derr := command.NewDomainError("OPERATION_NOT_FOUND", http.StatusNotFound, err.Error())
			return c.finalize(ctx, cmd, nil, derr)
		}
		return fmt.Errorf("dispatch %s: %w", cmd.RequestID, err)
	}

	return c.finalize(ctx, cmd, outcome.Result, outcome.Error)
}

func (c *Consumer) finalize(ctx context.Context, cmd *command.Command, result *command.Result, derr *command.DomainError) error {
	err := c.store.Complete(ctx, cmd.RequestID, result, derr)
	switch {
	case err == nil:
		status := command.StatusCompleted
		if derr != nil {
			status = command.StatusFailed
		}
		c.logger.Info("command finalized",
			"request_id", cmd.RequestID,
			"operation", cmd.Operation,
			"status", string(status))
		return nil

	case errors.Is(err, command.ErrAlreadyFinalized):
		// A duplicate delivery raced us; the first terminal write wins and
		// this result is discarded.
		if c.metrics != nil {
			c.metrics.CompletionConflicts.Add(ctx, 1,
				metric.WithAttributes(attribute.String("operation", cmd.Operation)))
		}
		c.logger.Debug("discarding duplicate result",
			"request_id", cmd.RequestID)
		return nil

	case errors.Is(err, command.ErrRecordNotFound):
		// The record was rolled back or expired while the message sat in
		// the queue. Nothing to finalize; redelivery cannot help.
		c.logger.Warn("no record for delivered command",
			"request_id", cmd.RequestID)
		return nil

	default:
		return fmt.Errorf("finalize %s: %w", cmd.RequestID, err)
	}
}

// Ensure Consumer implements runner.Service.
var _ runner.Service = (*Consumer)(nil)
