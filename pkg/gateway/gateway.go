// Package gateway implements the HTTP-facing decision point of the command
// protocol: answer synchronously within a bounded wait, or record the
// command, queue it, and answer 202 for the client to poll.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fiskal/cmdrelay/pkg/command"
	"github.com/fiskal/cmdrelay/pkg/idgen"
	"github.com/fiskal/cmdrelay/pkg/observability"
	"github.com/fiskal/cmdrelay/pkg/queue"
	"github.com/fiskal/cmdrelay/pkg/store"
)

// Config holds gateway configuration.
type Config struct {
	// MaxWaitBudget caps the client-requested synchronous wait.
	MaxWaitBudget time.Duration

	// PendingPollInterval is how often the gateway re-reads the store while
	// waiting out a synchronous budget on an already-pending record.
	PendingPollInterval time.Duration

	// RecordTTL is the retention window stamped on new records. It must
	// cover the client's polling window plus a safety margin.
	RecordTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWaitBudget:       30 * time.Second,
		PendingPollInterval: 100 * time.Millisecond,
		RecordTTL:           24 * time.Hour,
	}
}

// Submission is one gateway invocation.
type Submission struct {
	PrincipalID string

	// RequestID is the client-supplied idempotency key. When empty, one is
	// derived deterministically from (principal, operation, payload).
	RequestID string

	Operation string
	Payload   json.RawMessage

	// WaitBudget is how long the caller is willing to block for a
	// synchronous answer. Zero means never block.
	WaitBudget time.Duration
}

// Reply is the protocol-level response the HTTP layer writes out.
type Reply struct {
	StatusCode int
	Body       json.RawMessage
	RequestID  string

	// Pending is true for 202 replies: the command is recorded and queued
	// but not yet terminal.
	Pending bool
}

// Gateway decides between the synchronous and asynchronous paths and
// replays terminal results. All its coordination with concurrent gateways
// and workers goes through the store's conditional writes.
type Gateway struct {
	store      store.StatusStore
	queue      queue.WorkQueue
	dispatcher *command.Dispatcher
	config     Config
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics enables gateway metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// New creates a Gateway over the given store, queue and dispatcher.
func New(st store.StatusStore, q queue.WorkQueue, d *command.Dispatcher, config Config, opts ...Option) *Gateway {
	g := &Gateway{
		store:      st,
		queue:      q,
		dispatcher: d,
		config:     config,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle processes one submission. A non-nil error is an infrastructure
// fault the HTTP layer surfaces as a 5xx; everything domain-shaped comes
// back as a Reply.
func (g *Gateway) Handle(ctx context.Context, sub *Submission) (*Reply, error) {
	if sub.PrincipalID == "" {
		return nil, fmt.Errorf("%w: principal not set", command.ErrInvalidCommand)
	}

	requestID := sub.RequestID
	if requestID == "" {
		requestID = idgen.DeriveRequestID(sub.PrincipalID, sub.Operation, sub.Payload)
	}

	if !g.dispatcher.Handles(sub.Operation) {
		derr := command.NewDomainError("OPERATION_NOT_FOUND", http.StatusNotFound,
			fmt.Sprintf("unknown operation: %s", sub.Operation))
		return replyFromError(requestID, derr), nil
	}

	waitBudget := sub.WaitBudget
	if waitBudget > g.config.MaxWaitBudget {
		waitBudget = g.config.MaxWaitBudget
	}

	now := time.Now()
	created, rec, err := g.store.CreateIfAbsent(ctx, &command.Record{
		RequestID:   requestID,
		PrincipalID: sub.PrincipalID,
		Operation:   sub.Operation,
		Status:      command.StatusPending,
		Payload:     sub.Payload,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(g.config.RecordTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}

	if created == store.Created {
		cmd := &command.Command{
			RequestID:   requestID,
			PrincipalID: sub.PrincipalID,
			Operation:   sub.Operation,
			Payload:     sub.Payload,
		}

		if waitBudget > 0 {
			return g.executeInline(ctx, cmd)
		}
		return g.enqueue(ctx, cmd)
	}

	// A record already exists: a duplicate submission or a poll.
	if rec.Terminal() {
		if g.metrics != nil {
			g.metrics.ResultsReplayed.Add(ctx, 1,
				metric.WithAttributes(attribute.String("operation", rec.Operation)))
		}
		return replyFromRecord(rec), nil
	}

	if waitBudget > 0 {
		return g.awaitPending(ctx, requestID, waitBudget)
	}

	return pendingReply(requestID), nil
}

// executeInline runs the handler on the gateway's own goroutine and writes
// the terminal record before responding. Used only for freshly created
// records, so the conditional completion cannot race a worker.
func (g *Gateway) executeInline(ctx context.Context, cmd *command.Command) (*Reply, error) {
	outcome, err := g.dispatcher.Dispatch(ctx, cmd)
	if err != nil {
		// Infrastructure fault before any publish: roll the pending record
		// back so it is not stuck pending with no queued message behind it.
		g.rollback(ctx, cmd.RequestID)
		return nil, fmt.Errorf("execute %s: %w", cmd.Operation, err)
	}

	if err := g.store.Complete(ctx, cmd.RequestID, outcome.Result, outcome.Error); err != nil {
		if !errors.Is(err, command.ErrAlreadyFinalized) {
			return nil, fmt.Errorf("finalize record: %w", err)
		}
		// Lost the terminal write; replay whatever won.
		rec, err := g.store.Get(ctx, cmd.RequestID)
		if err != nil {
			return nil, err
		}
		return replyFromRecord(rec), nil
	}

	return replyFromOutcome(cmd.RequestID, outcome), nil
}

// enqueue publishes the command and answers 202. Creation and publish only
// count together: a failed publish rolls the record back.
func (g *Gateway) enqueue(ctx context.Context, cmd *command.Command) (*Reply, error) {
	if err := g.queue.Publish(ctx, cmd); err != nil {
		g.rollback(ctx, cmd.RequestID)
		return nil, fmt.Errorf("publish %s: %w", cmd.RequestID, err)
	}

	if g.metrics != nil {
		g.metrics.CommandsQueued.Add(ctx, 1,
			metric.WithAttributes(attribute.String("operation", cmd.Operation)))
	}

	g.logger.Info("command queued",
		"request_id", cmd.RequestID,
		"operation", cmd.Operation,
		"principal_id", cmd.PrincipalID)

	return pendingReply(cmd.RequestID), nil
}

// awaitPending polls the store at short intervals until the record turns
// terminal or the wait budget runs out, then answers accordingly.
func (g *Gateway) awaitPending(ctx context.Context, requestID string, budget time.Duration) (*Reply, error) {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(g.config.PendingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return pendingReply(requestID), nil
		case <-ticker.C:
		}

		rec, err := g.store.Get(ctx, requestID)
		if err != nil {
			if errors.Is(err, command.ErrRecordNotFound) {
				// Record rolled back by a racing gateway whose publish
				// failed; report pending and let the client resubmit.
				return pendingReply(requestID), nil
			}
			return nil, err
		}
		if rec.Terminal() {
			return replyFromRecord(rec), nil
		}

		if !time.Now().Before(deadline) {
			return pendingReply(requestID), nil
		}
	}
}

func (g *Gateway) rollback(ctx context.Context, requestID string) {
	if err := g.store.Delete(ctx, requestID); err != nil {
		g.logger.Error("failed to roll back pending record",
			"request_id", requestID, "error", err)
	}
}

// replyFromRecord replays a terminal record byte-for-byte.
func replyFromRecord(rec *command.Record) *Reply {
	if rec.Status == command.StatusFailed {
		return replyFromError(rec.RequestID, rec.Error)
	}
	return &Reply{
		StatusCode: rec.Result.StatusCode,
		Body:       rec.Result.Body,
		RequestID:  rec.RequestID,
	}
}

func replyFromOutcome(requestID string, outcome *command.Outcome) *Reply {
	if !outcome.Succeeded() {
		return replyFromError(requestID, outcome.Error)
	}
	return &Reply{
		StatusCode: outcome.Result.StatusCode,
		Body:       outcome.Result.Body,
		RequestID:  requestID,
	}
}

func replyFromError(requestID string, derr *command.DomainError) *Reply {
	body, _ := json.Marshal(derr)
	return &Reply{
		StatusCode: derr.StatusCode,
		Body:       body,
		RequestID:  requestID,
	}
}

func pendingReply(requestID string) *Reply {
	body, _ := json.Marshal(map[string]string{
		"request_id": requestID,
		"status":     string(command.StatusPending),
	})
	return &Reply{
		StatusCode: http.StatusAccepted,
		Body:       body,
		RequestID:  requestID,
		Pending:    true,
	}
}
