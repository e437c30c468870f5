package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/SebastienMelki/streamweaver/internal/message"
)

// ForwardExecutor is the default effect executor for the streamweaver
// binary: it republishes admitted messages on a downstream subject. The
// publish carries the message id as the JetStream Msg-Id header, so a late
// re-invocation after a timeout or commit failure is deduplicated by the
// broker — which satisfies the idempotency contract the processor places
// on its executor.
type ForwardExecutor struct {
	js      jetstream.JetStream
	subject string
	logger  *slog.Logger
}

// NewForwardExecutor creates a forwarding executor publishing to subject.
func NewForwardExecutor(js jetstream.JetStream, subject string, logger *slog.Logger) *ForwardExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ForwardExecutor{
		js:      js,
		subject: subject,
		logger:  logger.With("component", "forward-executor"),
	}
}

// Execute publishes the message downstream.
func (f *ForwardExecutor) Execute(ctx context.Context, msg *message.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	ack, err := f.js.Publish(ctx, f.subject, data, jetstream.WithMsgID(msg.ID))
	if err != nil {
		return fmt.Errorf("failed to forward message: %w", err)
	}

	f.logger.Debug("message forwarded",
		"id", msg.ID,
		"subject", f.subject,
		"stream", ack.Stream,
		"sequence", ack.Sequence,
	)

	return nil
}
