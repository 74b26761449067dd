// Package queue defines the at-least-once work channel between gateway
// and worker.
package queue

import (
	"context"

	"github.com/fiskal/cmdrelay/pkg/command"
)

// Delivery is one received command together with its delivery metadata.
type Delivery struct {
	Command *command.Command

	// Attempt is 1 for the first delivery and increments on each redelivery.
	Attempt uint64
}

// Handler processes a delivery. Returning nil acknowledges the message;
// returning an error nacks it and the broker redelivers up to its
// configured limit. Business failures are a valid terminal outcome and the
// handler must record them and return nil, so poisoned redeliveries are
// reserved for infrastructure faults.
type Handler func(ctx context.Context, d *Delivery) error

// Subscription is an active consumer binding.
type Subscription interface {
	// Unsubscribe stops receiving deliveries and cleans up resources.
	Unsubscribe() error
}

// WorkQueue carries commands from gateway to worker with at-least-once
// delivery and explicit acknowledgement. No ordering is guaranteed between
// distinct request ids.
type WorkQueue interface {
	// Publish enqueues a command. Publishes for the same request id within
	// the broker's deduplication window collapse onto one message.
	Publish(ctx context.Context, cmd *command.Command) error

	// Subscribe registers a handler that drains the queue. Multiple
	// subscribers in the same group share the work.
	Subscribe(handler Handler) (Subscription, error)

	// Close closes the queue and releases resources.
	Close() error
}
