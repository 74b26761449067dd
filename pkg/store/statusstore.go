package store

import (
	"context"
	"time"

	"github.com/fiskal/cmdrelay/pkg/command"
)

// CreateResult reports the outcome of a conditional create.
type CreateResult int

const (
	// Created means the record did not exist and was written.
	Created CreateResult = iota

	// Existing means a record with the same request id was already present;
	// the caller receives that record and must not treat this as an error.
	Existing
)

// StatusStore persists request lifecycle records.
//
// The store is the single shared mutable resource of the protocol: the two
// conditional operations below are what make concurrent gateway creators and
// duplicate consumer deliveries safe without external locks.
type StatusStore interface {
	// CreateIfAbsent writes the record only if no record exists for its
	// request id. On Existing, the returned record is the one already
	// stored (which may be terminal).
	CreateIfAbsent(ctx context.Context, record *command.Record) (CreateResult, *command.Record, error)

	// Get returns the record for a request id.
	// Returns command.ErrRecordNotFound if none exists.
	Get(ctx context.Context, requestID string) (*command.Record, error)

	// Complete transitions a pending record to a terminal state. Exactly one
	// of result or domainErr must be set. The write is conditional on the
	// record still being pending; if another writer finalized it first,
	// command.ErrAlreadyFinalized is returned and the caller must discard
	// its own result silently.
	Complete(ctx context.Context, requestID string, result *command.Result, domainErr *command.DomainError) error

	// Delete removes a record unconditionally. Used by the gateway to roll
	// back a pending record whose queue publish failed, so it is not stuck
	// pending forever.
	Delete(ctx context.Context, requestID string) error

	// CountStalePending counts pending records older than the given age.
	// A non-zero count past the operational threshold indicates dead-lettered
	// work and must be visible to operators.
	CountStalePending(ctx context.Context, olderThan time.Duration) (int64, error)

	// DeleteExpired removes records whose retention window has passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Close releases store resources.
	Close() error
}
