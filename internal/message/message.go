// Package message defines the message envelope consumed by the processor
// and its JSON wire codec. Payloads are opaque bytes; only the identifier
// and arrival timestamp are interpreted.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is a single identifiable message from the stream. The ID is
// producer-assigned and unique per logical event; redeliveries carry the
// same ID. Messages are immutable once received.
type Message struct {
	// ID is the producer-assigned idempotency identifier.
	ID string `json:"id"`

	// Payload is the opaque message body. Encoded as base64 on the wire.
	Payload []byte `json:"payload,omitempty"`

	// TimestampMS is the arrival timestamp in Unix milliseconds.
	TimestampMS int64 `json:"timestamp_ms"`
}

// New creates a message with a fresh UUID identifier and the current time.
func New(payload []byte) *Message {
	return &Message{
		ID:          uuid.NewString(),
		Payload:     payload,
		TimestampMS: time.Now().UnixMilli(),
	}
}

// ArrivalTime returns the arrival timestamp as a time.Time.
func (m *Message) ArrivalTime() time.Time {
	return time.UnixMilli(m.TimestampMS)
}

// Encode serializes the message to its JSON wire form.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode parses a message from its JSON wire form. Messages without an
// identifier are rejected; the processor cannot make an admission decision
// for them.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if m.ID == "" {
		return nil, ErrMissingID
	}
	return &m, nil
}
