// Package admission implements the admission gate: the atomic
// check-and-mark that decides, per message identifier, whether the caller
// may execute the effect. The gate owns no state of its own beyond an
// advisory bloom filter; the store's TryReserve is the synchronization
// point.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/SebastienMelki/streamweaver/internal/observability"
	"github.com/SebastienMelki/streamweaver/internal/store"
)

// Decision is the gate's answer for one identifier.
type Decision int

const (
	// Admitted means the caller now owns the identifier and must resolve
	// it with Commit or Rollback.
	Admitted Decision = iota

	// Duplicate means the identifier was already committed; the message
	// must be skipped without side effects.
	Duplicate

	// Deferred means another attempt holds the identifier in flight. The
	// caller should retry after a bounded backoff: the in-flight attempt
	// may still fail and roll back, making the identifier admittable
	// again. Deferred is never a permanent duplicate.
	Deferred
)

// String returns the decision name for logging.
func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Config holds the admission gate configuration.
//
// Environment variable overrides:
//   - ADMISSION_STUCK_TIMEOUT:   age after which a pending reservation is
//     treated as abandoned (default: 5s)
//   - ADMISSION_FILTER_WINDOW:   committed-filter sliding window (default: 1h)
//   - ADMISSION_FILTER_CAPACITY: expected committed ids per window (default: 1000000)
//   - ADMISSION_FILTER_FP_RATE:  bloom filter false positive rate (default: 0.0001)
type Config struct {
	StuckTimeout   time.Duration `env:"ADMISSION_STUCK_TIMEOUT"   envDefault:"5s"`
	FilterWindow   time.Duration `env:"ADMISSION_FILTER_WINDOW"   envDefault:"1h"`
	FilterCapacity uint          `env:"ADMISSION_FILTER_CAPACITY" envDefault:"1000000"`
	FilterFPRate   float64       `env:"ADMISSION_FILTER_FP_RATE"  envDefault:"0.0001"`
}

// DefaultConfig returns the default admission gate configuration.
func DefaultConfig() Config {
	return Config{
		StuckTimeout:   5 * time.Second,
		FilterWindow:   time.Hour,
		FilterCapacity: 1_000_000,
		FilterFPRate:   0.0001,
	}
}

// Gate performs the atomic check-and-mark against the dedup store.
type Gate struct {
	store   store.Store
	filter  *committedFilter
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	stopCh chan struct{}
	doneCh chan struct{}
	now    func() time.Time
}

// NewGate creates an admission gate over the given store. The metrics
// parameter is optional (pass nil to disable metric instrumentation).
func NewGate(st store.Store, cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}

	return &Gate{
		store:   st,
		filter:  newCommittedFilter(cfg.FilterWindow, cfg.FilterCapacity, cfg.FilterFPRate),
		cfg:     cfg,
		logger:  logger.With("component", "admission-gate"),
		metrics: metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Admit decides admission for the identifier. Store failures propagate to
// the caller, who must fail closed: an error never means "not a duplicate".
func (g *Gate) Admit(ctx context.Context, id string) (Decision, error) {
	// Fast path: the committed filter says "definitely not committed" for
	// most first-time ids, skipping a store read. A filter hit must be
	// confirmed against the store.
	if g.filter.Test(id) {
		committed, err := g.store.IsCommitted(ctx, id)
		if err != nil {
			return Deferred, fmt.Errorf("admit %q: %w", id, err)
		}
		if committed {
			return Duplicate, nil
		}
	}

	res, err := g.store.TryReserve(ctx, id)
	if err != nil {
		return Deferred, fmt.Errorf("admit %q: %w", id, err)
	}

	switch res.Result {
	case store.Reserved:
		return Admitted, nil

	case store.AlreadyCommitted:
		g.filter.Add(id)
		return Duplicate, nil

	case store.AlreadyReserved:
		if res.PendingSince.IsZero() || g.now().Sub(res.PendingSince) < g.cfg.StuckTimeout {
			return Deferred, nil
		}
		return g.recoverStuck(ctx, id, res.PendingSince)

	default:
		return Deferred, fmt.Errorf("admit %q: unexpected reserve result %v", id, res.Result)
	}
}

// recoverStuck force-rolls-back a reservation abandoned by a crashed or
// hung attempt and retries the reservation once. The release is
// conditional on the record still being pending since before the cutoff,
// so a racing owner that resolves in time keeps its record.
func (g *Gate) recoverStuck(ctx context.Context, id string, pendingSince time.Time) (Decision, error) {
	cutoff := g.now().Add(-g.cfg.StuckTimeout)

	released, err := g.store.ReleaseStuck(ctx, id, cutoff)
	if err != nil {
		return Deferred, fmt.Errorf("admit %q: %w", id, err)
	}
	if !released {
		// Owner resolved the record in the meantime.
		return Deferred, nil
	}

	g.logger.Warn("stuck reservation recovered",
		"id", id,
		"pending_since", pendingSince,
		"stuck_timeout", g.cfg.StuckTimeout,
	)
	if g.metrics != nil {
		g.metrics.StuckRecovered.Add(ctx, 1)
	}

	res, err := g.store.TryReserve(ctx, id)
	if err != nil {
		return Deferred, fmt.Errorf("admit %q: %w", id, err)
	}
	switch res.Result {
	case store.Reserved:
		return Admitted, nil
	case store.AlreadyCommitted:
		g.filter.Add(id)
		return Duplicate, nil
	default:
		return Deferred, nil
	}
}

// NoteCommitted records a committed identifier in the fast-path filter.
// Called by the processor after a successful Commit.
func (g *Gate) NoteCommitted(id string) {
	g.filter.Add(id)
}

// Start begins the background filter rotation goroutine. The goroutine
// stops when ctx is cancelled or Stop is called.
func (g *Gate) Start(ctx context.Context) {
	rotateInterval := g.filter.Window() / 2
	g.logger.Info("admission gate started",
		"stuck_timeout", g.cfg.StuckTimeout,
		"filter_window", g.filter.Window(),
		"rotate_interval", rotateInterval,
	)

	go func() {
		defer close(g.doneCh)
		ticker := time.NewTicker(rotateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				g.filter.Rotate()
				g.logger.Debug("committed filter rotated")
			case <-ctx.Done():
				g.logger.Info("admission gate stopping (context cancelled)")
				return
			case <-g.stopCh:
				g.logger.Info("admission gate stopping (stop requested)")
				return
			}
		}
	}()
}

// Stop signals the rotation goroutine to stop and waits for it to finish.
func (g *Gate) Stop() {
	close(g.stopCh)
	<-g.doneCh
}
