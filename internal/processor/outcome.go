package processor

import "time"

// Result classifies how a message left the processor.
type Result string

const (
	// Processed means the effect ran and the identifier was committed.
	Processed Result = "processed"

	// SkippedDuplicate means the identifier was already committed; no
	// side effect executed.
	SkippedDuplicate Result = "skipped_duplicate"

	// Failed means the message was not processed. The identifier was
	// rolled back (or never reserved), so resending this exact message is
	// always safe.
	Failed Result = "failed"
)

// Reason refines a Failed result.
type Reason string

const (
	// ReasonNone is set on non-failed outcomes.
	ReasonNone Reason = ""

	// ReasonEffectFailed means the business effect failed, timed out, or
	// was cancelled; the identifier is re-admittable.
	ReasonEffectFailed Reason = "effect_failed"

	// ReasonContentionExhausted means repeated deferred admissions
	// exhausted the retry budget. Not data loss; retry later.
	ReasonContentionExhausted Reason = "contention_exhausted"

	// ReasonStoreUnavailable means the dedup store could not answer.
	// Fail closed: the message was not admitted.
	ReasonStoreUnavailable Reason = "store_unavailable"
)

// Outcome is the structured result of one ProcessMessage call, suitable
// for logging or metrics by an external observer.
type Outcome struct {
	ID       string        `json:"id"`
	Result   Result        `json:"outcome"`
	Reason   Reason        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration_ms"`
}
