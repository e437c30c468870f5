package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrStoreUnavailable wraps backend failures. Callers must fail closed:
	// an unavailable store means "unknown", never "not a duplicate".
	ErrStoreUnavailable = errors.New("dedup store unavailable")

	// ErrNotFound indicates no Pending record exists for the identifier.
	ErrNotFound = errors.New("no pending record for id")

	// ErrUnknownBackend indicates an unrecognized STORE_BACKEND value.
	ErrUnknownBackend = errors.New("unknown store backend")
)
