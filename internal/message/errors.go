package message

import "errors"

// Sentinel errors for the message package.
var (
	ErrMissingID = errors.New("message has no id")
)
