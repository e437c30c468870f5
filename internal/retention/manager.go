// Package retention bounds dedup store growth. A background sweep evicts
// committed and rolled-back records once they age out of the retention
// window; pending records are never touched, regardless of age (recovering
// those is the admission gate's stuck-transaction path). An identifier
// redelivered after its record was evicted is processed as new: that is
// the documented trade-off of a bounded window, not a bug.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SebastienMelki/streamweaver/internal/observability"
	"github.com/SebastienMelki/streamweaver/internal/store"
)

// Manager runs the retention sweep on a fixed interval, independent of the
// admission hot path.
type Manager struct {
	store    store.Store
	archiver *Archiver
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool

	now func() time.Time
}

// NewManager creates a retention manager. The archiver is optional (nil
// disables archival); metrics are optional as well.
func NewManager(
	st store.Store,
	archiver *Archiver,
	cfg Config,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:    st,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger.With("component", "retention-manager"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Start begins the sweep loop in a background goroutine. The first sweep
// runs after one interval has elapsed, then repeats at the configured
// interval.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.logger.Warn("retention manager already running")
		return
	}

	m.stopCh = make(chan struct{})
	m.running = true

	go m.run(ctx)

	m.logger.Info("retention manager started",
		"window", m.cfg.Window,
		"sweep_interval", m.cfg.SweepInterval,
		"archive_enabled", m.archiver != nil,
	)
}

// Stop signals the sweep loop to stop.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	close(m.stopCh)
	m.running = false
	m.logger.Info("retention manager stopped")
}

// RunNow triggers an immediate sweep outside the scheduled interval.
func (m *Manager) RunNow(ctx context.Context) error {
	return m.sweep(ctx)
}

func (m *Manager) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.sweep(ctx); err != nil {
				m.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// sweep archives (when configured) and evicts records older than the
// retention window. An archive failure skips eviction for this sweep;
// the records stay in the store and the next sweep retries, so no record
// is lost unarchived.
func (m *Manager) sweep(ctx context.Context) error {
	cutoff := m.now().Add(-m.cfg.Window)

	if m.archiver != nil {
		if err := m.archiveExpired(ctx, cutoff); err != nil {
			return err
		}
	}

	evicted, err := m.store.EvictOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	if evicted > 0 {
		if m.metrics != nil {
			m.metrics.RecordsEvicted.Add(ctx, int64(evicted))
		}
		m.logger.Info("retention sweep evicted records",
			"evicted", evicted,
			"cutoff", cutoff,
		)
	}

	return nil
}

func (m *Manager) archiveExpired(ctx context.Context, cutoff time.Time) error {
	for {
		records, err := m.store.ListExpired(ctx, cutoff, m.cfg.ArchiveBatchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		if err := m.archiver.Archive(ctx, records); err != nil {
			return err
		}
		if m.metrics != nil {
			m.metrics.RecordsArchived.Add(ctx, int64(len(records)))
		}

		// Evict what was just archived so the next ListExpired page does
		// not return the same records.
		batchCutoff := records[len(records)-1].LastTouchedAt.Add(time.Millisecond)
		if batchCutoff.After(cutoff) {
			batchCutoff = cutoff
		}
		n, err := m.store.EvictOlderThan(ctx, batchCutoff)
		if err != nil {
			return err
		}
		if n > 0 && m.metrics != nil {
			m.metrics.RecordsEvicted.Add(ctx, int64(n))
		}

		if len(records) < m.cfg.ArchiveBatchSize {
			return nil
		}
	}
}
