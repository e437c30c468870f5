// Package processor orchestrates admission, effect execution, and dedup
// record resolution per incoming message. The ordering invariant is strict:
// the commit is written only after the effect is known to have succeeded,
// and every failure path resolves the reservation with a rollback so the
// identifier stays re-admittable.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/SebastienMelki/streamweaver/internal/admission"
	"github.com/SebastienMelki/streamweaver/internal/message"
	"github.com/SebastienMelki/streamweaver/internal/observability"
	"github.com/SebastienMelki/streamweaver/internal/store"
)

// Config holds processor configuration.
//
// Environment variable overrides:
//   - EFFECT_TIMEOUT:     per-effect execution timeout (default: 10s)
//   - MAX_ADMIT_ATTEMPTS: admission attempts before ContentionExhausted (default: 5)
//   - RETRY_BASE_DELAY:   first deferred-retry backoff (default: 25ms)
//   - RETRY_MAX_DELAY:    backoff cap (default: 1s)
type Config struct {
	EffectTimeout    time.Duration `env:"EFFECT_TIMEOUT"     envDefault:"10s"`
	MaxAdmitAttempts int           `env:"MAX_ADMIT_ATTEMPTS" envDefault:"5"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY"   envDefault:"25ms"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY"    envDefault:"1s"`
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() Config {
	return Config{
		EffectTimeout:    10 * time.Second,
		MaxAdmitAttempts: 5,
		RetryBaseDelay:   25 * time.Millisecond,
		RetryMaxDelay:    time.Second,
	}
}

// resolveTimeout bounds the commit/rollback writes that must complete even
// when the caller's context is already cancelled.
const resolveTimeout = 5 * time.Second

// Processor drives one message at a time through admission, effect
// execution, and record resolution. Safe for concurrent use; many
// goroutines may process distinct or identical identifiers simultaneously.
type Processor struct {
	gate     *admission.Gate
	store    store.Store
	executor EffectExecutor
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New creates a processor. The metrics parameter is optional (pass nil to
// disable metric instrumentation).
func New(
	gate *admission.Gate,
	st store.Store,
	executor EffectExecutor,
	cfg Config,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAdmitAttempts < 1 {
		cfg.MaxAdmitAttempts = 1
	}

	return &Processor{
		gate:     gate,
		store:    st,
		executor: executor,
		cfg:      cfg,
		logger:   logger.With("component", "processor"),
		metrics:  metrics,
	}
}

// ProcessMessage runs one message through the exactly-once pipeline and
// returns its outcome. A Failed outcome always means the exact message is
// safe to resend.
func (p *Processor) ProcessMessage(ctx context.Context, msg *message.Message) Outcome {
	start := time.Now()
	outcome := p.process(ctx, msg, start)

	if p.metrics != nil {
		p.metrics.ProcessDuration.Record(ctx, float64(outcome.Duration.Milliseconds()))
		switch outcome.Result {
		case Processed:
			p.metrics.MessagesProcessed.Add(ctx, 1)
		case SkippedDuplicate:
			p.metrics.DuplicatesSkipped.Add(ctx, 1)
		}
	}

	p.logger.Debug("message processed",
		"id", outcome.ID,
		"outcome", string(outcome.Result),
		"reason", string(outcome.Reason),
		"duration_ms", outcome.Duration.Milliseconds(),
	)

	return outcome
}

func (p *Processor) process(ctx context.Context, msg *message.Message, start time.Time) Outcome {
	delay := p.cfg.RetryBaseDelay

	for attempt := 1; ; attempt++ {
		decision, err := p.gate.Admit(ctx, msg.ID)
		if err != nil {
			if p.metrics != nil {
				p.metrics.StoreErrors.Add(ctx, 1)
			}
			p.logger.Error("admission failed, not admitting",
				"id", msg.ID,
				"error", err,
			)
			// Fail closed. The store could not answer, so the message is
			// neither admitted nor marked; resending it later is safe.
			return p.outcome(msg.ID, Failed, ReasonStoreUnavailable, start)
		}

		switch decision {
		case admission.Duplicate:
			return p.outcome(msg.ID, SkippedDuplicate, ReasonNone, start)

		case admission.Admitted:
			return p.runEffect(ctx, msg, start)

		case admission.Deferred:
			if p.metrics != nil {
				p.metrics.AdmissionsDeferred.Add(ctx, 1)
			}
			if attempt >= p.cfg.MaxAdmitAttempts {
				p.logger.Warn("admission retries exhausted",
					"id", msg.ID,
					"attempts", attempt,
				)
				return p.outcome(msg.ID, Failed, ReasonContentionExhausted, start)
			}

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				// Cancelled before admission: nothing was reserved, the
				// caller may simply resend.
				return p.outcome(msg.ID, Failed, ReasonContentionExhausted, start)
			}
			delay = min(delay*2, p.cfg.RetryMaxDelay)
		}
	}
}

// runEffect executes the business effect for an admitted message and
// resolves the reservation. The effect runs in its own goroutine so a
// hung executor cannot outlive the mandatory timeout.
func (p *Processor) runEffect(ctx context.Context, msg *message.Message, start time.Time) Outcome {
	effectCtx, cancel := context.WithTimeout(ctx, p.cfg.EffectTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.executor.Execute(effectCtx, msg)
	}()

	var effectErr error
	select {
	case effectErr = <-errCh:
	case <-effectCtx.Done():
		// Timeout or caller cancellation. The effect may still be running;
		// it is treated as failed, and the executor contract covers a late
		// success.
		effectErr = effectCtx.Err()
	}

	if effectErr != nil {
		p.rollback(ctx, msg.ID, effectErr)
		return p.outcome(msg.ID, Failed, ReasonEffectFailed, start)
	}

	// Write-after-effect ordering: commit strictly after the effect
	// durably succeeded.
	resolveCtx, resolveCancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
	defer resolveCancel()

	if err := p.store.Commit(resolveCtx, msg.ID); err != nil {
		if p.metrics != nil {
			p.metrics.StoreErrors.Add(ctx, 1)
		}
		// The effect succeeded but the commit could not be recorded. The
		// record stays Pending until the stuck-transaction path recovers
		// it; the executor's idempotency contract covers the resulting
		// re-invocation.
		p.logger.Error("commit failed after successful effect",
			"id", msg.ID,
			"error", err,
		)
		return p.outcome(msg.ID, Failed, ReasonStoreUnavailable, start)
	}

	if p.metrics != nil {
		p.metrics.Commits.Add(ctx, 1)
	}
	p.gate.NoteCommitted(msg.ID)
	return p.outcome(msg.ID, Processed, ReasonNone, start)
}

// rollback releases the reservation so the identifier becomes admittable
// again. It runs on a context detached from the caller's cancellation:
// a cancelled ProcessMessage must still resolve its Pending record.
func (p *Processor) rollback(ctx context.Context, id string, cause error) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
	defer cancel()

	if p.metrics != nil {
		p.metrics.EffectFailures.Add(ctx, 1)
	}

	if err := p.store.Rollback(rbCtx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		if p.metrics != nil {
			p.metrics.StoreErrors.Add(ctx, 1)
		}
		// The reservation could not be released now; the admission gate
		// will recover it as stuck.
		p.logger.Error("rollback failed, reservation will be recovered as stuck",
			"id", id,
			"cause", cause,
			"error", err,
		)
		return
	}

	if p.metrics != nil {
		p.metrics.Rollbacks.Add(ctx, 1)
	}
	p.logger.Info("effect failed, identifier rolled back",
		"id", id,
		"error", cause,
	)
}

func (p *Processor) outcome(id string, result Result, reason Reason, start time.Time) Outcome {
	return Outcome{
		ID:       id,
		Result:   result,
		Reason:   reason,
		Duration: time.Since(start),
	}
}
