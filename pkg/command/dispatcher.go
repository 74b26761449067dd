package command

import (
	"context"
	"fmt"
	"sync"
)

// Handler executes one operation. A *DomainError inside the Outcome is a
// terminal business failure; a non-nil error return is an infrastructure
// fault and the caller may retry the command.
type Handler interface {
	Execute(ctx context.Context, cmd *Command) (*Outcome, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, cmd *Command) (*Outcome, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, cmd *Command) (*Outcome, error) {
	return f(ctx, cmd)
}

// Middleware wraps a Handler with cross-cutting behavior.
type Middleware func(next Handler) Handler

// Dispatcher routes commands to per-operation handlers.
// It is the single entry point for both the gateway's synchronous path and
// the worker's queue consumption, so every execution passes through the same
// middleware chain.
type Dispatcher struct {
	handlers   map[string]Handler
	middleware []Middleware
	mu         sync.RWMutex
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers:   make(map[string]Handler),
		middleware: make([]Middleware, 0),
	}
}

// Register registers a handler for an operation tag.
func (d *Dispatcher) Register(operation string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[operation]; exists {
		panic(fmt.Sprintf("handler already registered for operation: %s", operation))
	}

	d.handlers[operation] = handler
}

// Use adds middleware to the dispatch pipeline.
// Middleware is executed in the order it was added (first added = outermost).
func (d *Dispatcher) Use(mw Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.middleware = append(d.middleware, mw)
}

// Handles reports whether a handler is registered for the operation.
func (d *Dispatcher) Handles(operation string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.handlers[operation]
	return ok
}

// Dispatch executes the command through the registered handler.
// Returns ErrOperationNotFound when no handler matches the operation tag.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *Command) (*Outcome, error) {
	if cmd == nil {
		return nil, ErrInvalidCommand
	}
	if cmd.Operation == "" {
		return nil, fmt.Errorf("%w: operation not specified", ErrInvalidCommand)
	}

	d.mu.RLock()
	handler, exists := d.handlers[cmd.Operation]
	middleware := d.middleware
	d.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, cmd.Operation)
	}

	// Build middleware chain (reverse order so first added is outermost)
	final := handler
	for i := len(middleware) - 1; i >= 0; i-- {
		final = middleware[i](final)
	}

	return final.Execute(ctx, cmd)
}

// Operations returns the list of registered operation tags (for debugging).
func (d *Dispatcher) Operations() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ops := make([]string, 0, len(d.handlers))
	for op := range d.handlers {
		ops = append(ops, op)
	}
	return ops
}
