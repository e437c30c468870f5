package processor

import (
	"context"

	"github.com/SebastienMelki/streamweaver/internal/message"
)

// EffectExecutor runs the business effect for an admitted message. It is an
// external collaborator; the processor guarantees at most one invocation
// per admission. The executor must itself be safe to retry, because a
// rollback (effect failure, timeout, cancellation, or a commit that could
// not be recorded) legitimately re-admits the identifier. An effect that
// succeeds after the processor's timeout fired is treated as failed and
// re-admitted; executors must be idempotent against that race.
type EffectExecutor interface {
	Execute(ctx context.Context, msg *message.Message) error
}

// EffectFunc adapts a plain function to the EffectExecutor interface.
type EffectFunc func(ctx context.Context, msg *message.Message) error

// Execute calls f.
func (f EffectFunc) Execute(ctx context.Context, msg *message.Message) error {
	return f(ctx, msg)
}
