package stream

import "errors"

// Sentinel errors for the stream package.
var (
	ErrNotConnected = errors.New("NATS is not connected")
)
