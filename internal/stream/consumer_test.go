package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/SebastienMelki/streamweaver/internal/admission"
	"github.com/SebastienMelki/streamweaver/internal/message"
	"github.com/SebastienMelki/streamweaver/internal/processor"
	"github.com/SebastienMelki/streamweaver/internal/store"
)

// fakeMsg implements the jetstream.Msg methods handleMessage touches.
// Embedding the interface keeps the rest unimplemented; calling them
// panics, which is exactly what a test wants.
type fakeMsg struct {
	jetstream.Msg

	data    []byte
	subject string

	acked  bool
	naked  bool
	termed bool
}

func (f *fakeMsg) Data() []byte    { return f.data }
func (f *fakeMsg) Subject() string { return f.subject }
func (f *fakeMsg) Ack() error      { f.acked = true; return nil }
func (f *fakeMsg) Nak() error      { f.naked = true; return nil }
func (f *fakeMsg) Term() error     { f.termed = true; return nil }

func newTestConsumer(t *testing.T, effect processor.EffectFunc) *Consumer {
	t.Helper()

	st := store.NewMemoryStore()
	gate := admission.NewGate(st, admission.DefaultConfig(), nil, nil)

	cfg := processor.DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	proc := processor.New(gate, st, effect, cfg, nil, nil)

	return NewConsumer(nil, proc, Config{}, nil, nil)
}

func encodedMsg(t *testing.T, id string) *fakeMsg {
	t.Helper()

	m := &message.Message{ID: id, Payload: []byte("body"), TimestampMS: time.Now().UnixMilli()}
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return &fakeMsg{data: data, subject: "messages.test"}
}

func TestHandleMessage_AcksProcessed(t *testing.T) {
	c := newTestConsumer(t, func(_ context.Context, _ *message.Message) error {
		return nil
	})

	msg := encodedMsg(t, "msg-1")
	c.handleMessage(context.Background(), msg)

	if !msg.acked {
		t.Error("processed message was not acked")
	}
	if msg.naked || msg.termed {
		t.Errorf("processed message naked=%v termed=%v, want neither", msg.naked, msg.termed)
	}
}

func TestHandleMessage_AcksDuplicate(t *testing.T) {
	var calls int
	c := newTestConsumer(t, func(_ context.Context, _ *message.Message) error {
		calls++
		return nil
	})

	first := encodedMsg(t, "msg-1")
	c.handleMessage(context.Background(), first)

	redelivery := encodedMsg(t, "msg-1")
	c.handleMessage(context.Background(), redelivery)

	if !redelivery.acked {
		t.Error("duplicate redelivery was not acked")
	}
	if calls != 1 {
		t.Errorf("effect executed %d times, want 1", calls)
	}
}

func TestHandleMessage_NaksFailed(t *testing.T) {
	c := newTestConsumer(t, func(_ context.Context, _ *message.Message) error {
		return errors.New("downstream unavailable")
	})

	msg := encodedMsg(t, "msg-1")
	c.handleMessage(context.Background(), msg)

	if !msg.naked {
		t.Error("failed message was not naked for redelivery")
	}
	if msg.acked {
		t.Error("failed message must not be acked")
	}
}

func TestHandleMessage_TerminatesPoison(t *testing.T) {
	c := newTestConsumer(t, func(_ context.Context, _ *message.Message) error {
		t.Error("effect must not run for undecodable messages")
		return nil
	})

	tests := []struct {
		name string
		data []byte
	}{
		{name: "malformed json", data: []byte("not json")},
		{name: "missing id", data: []byte(`{"payload":"aGk=","timestamp_ms":1}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &fakeMsg{data: tt.data, subject: "messages.test"}
			c.handleMessage(context.Background(), msg)

			if !msg.termed {
				t.Error("poison message was not terminated")
			}
			if msg.acked || msg.naked {
				t.Errorf("poison message acked=%v naked=%v, want neither", msg.acked, msg.naked)
			}
		})
	}
}
