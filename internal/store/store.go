// Package store defines the deduplication record store: the durable,
// atomic record of which message identifiers have been committed. The
// TryReserve conditional write is the single synchronization point for the
// exactly-once guarantee; every backend implements it with an atomic
// primitive (lock-protected map, or conditional INSERT), never as separate
// read-then-write calls.
package store

import (
	"context"
	"time"
)

// State is the lifecycle state of a dedup record.
type State string

const (
	// StatePending marks an identifier reserved by an in-flight attempt.
	StatePending State = "pending"

	// StateCommitted marks an identifier whose effect durably succeeded.
	StateCommitted State = "committed"

	// StateRolledBack marks a released identifier. Rolled-back records are
	// logically deleted: TryReserve re-claims them atomically, and the
	// retention sweep evicts them on the same schedule as committed ones.
	StateRolledBack State = "rolled_back"
)

// Record is a single dedup record. At most one record per identifier is in
// StatePending or StateCommitted at any instant.
type Record struct {
	ID            string
	State         State
	FirstSeenAt   time.Time
	LastTouchedAt time.Time
}

// ReserveResult is the outcome of a TryReserve call.
type ReserveResult int

const (
	// Reserved means the caller now owns the identifier's Pending record.
	Reserved ReserveResult = iota

	// AlreadyReserved means another in-flight attempt holds the identifier.
	AlreadyReserved

	// AlreadyCommitted means the identifier's effect already succeeded.
	AlreadyCommitted
)

// String returns the result name for logging.
func (r ReserveResult) String() string {
	switch r {
	case Reserved:
		return "reserved"
	case AlreadyReserved:
		return "already_reserved"
	case AlreadyCommitted:
		return "already_committed"
	default:
		return "unknown"
	}
}

// Reservation describes the outcome of a TryReserve call. PendingSince is
// populated when Result is AlreadyReserved so callers can detect stuck
// reservations; it is the zero time otherwise.
type Reservation struct {
	Result       ReserveResult
	PendingSince time.Time
}

// Store is the dedup record store contract. Implementations must be safe
// for concurrent use. Backend failures are reported wrapped in
// ErrStoreUnavailable; callers treat them as "unknown, do not admit".
type Store interface {
	// TryReserve atomically inserts a Pending record for id iff no Pending
	// or Committed record exists, otherwise reports the existing state.
	// Rolled-back records are re-claimed in the same atomic step.
	TryReserve(ctx context.Context, id string) (Reservation, error)

	// Commit transitions the id's Pending record to Committed. Returns
	// ErrNotFound if no Pending record exists.
	Commit(ctx context.Context, id string) error

	// Rollback transitions the id's Pending record to RolledBack, making
	// the identifier admittable again. Returns ErrNotFound if no Pending
	// record exists.
	Rollback(ctx context.Context, id string) error

	// IsCommitted reports whether the id has a Committed record.
	IsCommitted(ctx context.Context, id string) (bool, error)

	// ReleaseStuck rolls back the id's Pending record iff it has been
	// pending since before the given cutoff. Returns true when a record
	// was released. Used by the admission gate to recover reservations
	// abandoned by crashed attempts.
	ReleaseStuck(ctx context.Context, id string, pendingBefore time.Time) (bool, error)

	// EvictOlderThan removes Committed and RolledBack records last touched
	// before the cutoff and returns the number removed. Pending records are
	// never evicted regardless of age.
	EvictOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// ListExpired returns up to limit Committed records last touched before
	// the cutoff, oldest first. Used by the retention archiver.
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]Record, error)

	// Close releases backend resources.
	Close() error
}
