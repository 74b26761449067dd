// Package nats provides the JetStream-backed work queue.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fiskal/cmdrelay/pkg/command"
	"github.com/fiskal/cmdrelay/pkg/queue"
)

// WorkQueue is a NATS JetStream implementation of queue.WorkQueue.
// JetStream provides durable at-least-once delivery with explicit
// acknowledgement and bounded redelivery.
type WorkQueue struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	config     Config
	logger     *slog.Logger
	mu         sync.RWMutex
	subs       map[string]*nats.Subscription
	ownsConn   bool
}

// Config holds configuration for the NATS work queue.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the JetStream stream name for commands.
	StreamName string

	// Subject is the subject commands are published to.
	Subject string

	// DurableName is the durable consumer name; workers sharing it form a
	// queue group and split the work.
	DurableName string

	// MaxDeliver bounds redelivery attempts before a message is dead-lettered.
	MaxDeliver int

	// AckWait is how long the broker waits for an ack before redelivering.
	AckWait time.Duration

	// MaxAge is how long unconsumed messages are retained.
	MaxAge time.Duration

	// DedupWindow is the publish deduplication window keyed on request id.
	DedupWindow time.Duration
}

// DefaultConfig returns sensible defaults for the work queue.
func DefaultConfig() Config {
	return Config{
		URL:         nats.DefaultURL,
		StreamName:  "COMMANDS",
		Subject:     "commands.work",
		DurableName: "command-workers",
		MaxDeliver:  5,
		AckWait:     30 * time.Second,
		MaxAge:      24 * time.Hour,
		DedupWindow: 2 * time.Minute,
	}
}

// Option configures the work queue.
type Option func(*WorkQueue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *WorkQueue) {
		q.logger = logger
	}
}

// NewWorkQueue creates a work queue connected to the given NATS server,
// ensuring the underlying stream exists.
func NewWorkQueue(config Config, opts ...Option) (*WorkQueue, error) {
	nc, err := nats.Connect(config.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	q, err := newWorkQueue(nc, config, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	q.ownsConn = true
	return q, nil
}

// NewWorkQueueWithConn creates a work queue over an existing connection.
// The caller remains responsible for closing the connection.
func NewWorkQueueWithConn(nc *nats.Conn, config Config, opts ...Option) (*WorkQueue, error) {
	return newWorkQueue(nc, config, opts...)
}

func newWorkQueue(nc *nats.Conn, config Config, opts ...Option) (*WorkQueue, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	q := &WorkQueue{
		nc:     nc,
		js:     js,
		config: config,
		logger: slog.Default(),
		subs:   make(map[string]*nats.Subscription),
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.ensureStream(); err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return q, nil
}

// ensureStream creates or updates the JetStream stream.
func (q *WorkQueue) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:       q.config.StreamName,
		Subjects:   []string{q.config.Subject},
		Retention:  nats.WorkQueuePolicy,
		MaxAge:     q.config.MaxAge,
		Duplicates: q.config.DedupWindow,
		Storage:    nats.FileStorage,
		Replicas:   1,
	}

	_, err := q.js.StreamInfo(q.config.StreamName)
	if err != nil {
		_, err = q.js.AddStream(streamConfig)
		if err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
	}

	return nil
}

// Publish enqueues a command. The request id doubles as the JetStream
// message id, so duplicate publishes inside the dedup window collapse.
func (q *WorkQueue) Publish(ctx context.Context, cmd *command.Command) error {
	if cmd == nil || cmd.RequestID == "" {
		return command.ErrInvalidCommand
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	_, err = q.js.Publish(q.config.Subject, data,
		nats.MsgId(cmd.RequestID),
		nats.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("publish command %s: %w", cmd.RequestID, err)
	}

	return nil
}

// Subscribe registers a durable queue-group consumer. The handler's error
// return drives the ack/nack decision; past MaxDeliver the broker stops
// redelivering and the message is dead-lettered.
func (q *WorkQueue) Subscribe(handler queue.Handler) (queue.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sub, err := q.js.QueueSubscribe(
		q.config.Subject,
		q.config.DurableName,
		func(msg *nats.Msg) {
			q.handleMessage(msg, handler)
		},
		nats.Durable(q.config.DurableName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(q.config.AckWait),
		nats.MaxDeliver(q.config.MaxDeliver),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	q.subs[q.config.DurableName] = sub

	return &subscription{queue: q, sub: sub, name: q.config.DurableName}, nil
}

func (q *WorkQueue) handleMessage(msg *nats.Msg, handler queue.Handler) {
	var cmd command.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		// A malformed message can never succeed; terminate delivery.
		q.logger.Error("dropping undecodable command message", "error", err)
		msg.Term()
		return
	}

	attempt := uint64(1)
	if meta, err := msg.Metadata(); err == nil {
		attempt = meta.NumDelivered
	}

	d := &queue.Delivery{Command: &cmd, Attempt: attempt}

	if err := handler(context.Background(), d); err != nil {
		if q.config.MaxDeliver > 0 && attempt >= uint64(q.config.MaxDeliver) {
			// Final attempt exhausted: the record stays pending and ages
			// out; operators see it through the stale-pending metrics.
			q.logger.Error("command dead-lettered after redelivery limit",
				"request_id", cmd.RequestID,
				"operation", cmd.Operation,
				"attempts", attempt,
				"error", err)
		} else {
			q.logger.Warn("command delivery nacked",
				"request_id", cmd.RequestID,
				"attempt", attempt,
				"error", err)
		}
		msg.Nak()
		return
	}

	msg.Ack()
}

// Close closes all subscriptions and, when owned, the NATS connection.
func (q *WorkQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, sub := range q.subs {
		sub.Unsubscribe()
	}

	if q.ownsConn {
		q.nc.Close()
	}

	return nil
}

// subscription implements queue.Subscription.
type subscription struct {
	queue *WorkQueue
	sub   *nats.Subscription
	name  string
}

func (s *subscription) Unsubscribe() error {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()

	delete(s.queue.subs, s.name)
	return s.sub.Unsubscribe()
}

// Ensure WorkQueue implements queue.WorkQueue.
var _ queue.WorkQueue = (*WorkQueue)(nil)
