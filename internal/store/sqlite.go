package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure Go sqlite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dedup_records (
	id              TEXT PRIMARY KEY,
	state           TEXT NOT NULL,
	first_seen_at   INTEGER NOT NULL,
	last_touched_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dedup_records_touched
	ON dedup_records (last_touched_at) WHERE state != 'pending';
`

// SQLiteStore is the single-node durable store backend. Reservation
// atomicity comes from a conditional INSERT: the upsert only overwrites
// rolled-back rows, so a Pending or Committed row always wins.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (and if needed creates) the sqlite database at
// cfg.Path and ensures the dedup schema exists.
func NewSQLiteStore(ctx context.Context, cfg SQLiteConfig, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sqlite-store")

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create dedup schema: %w", err)
	}

	logger.Info("sqlite store opened", "path", cfg.Path)

	return &SQLiteStore{db: db, logger: logger}, nil
}

// TryReserve claims the identifier with a single conditional upsert.
func (s *SQLiteStore) TryReserve(ctx context.Context, id string) (Reservation, error) {
	now := time.Now().UnixMilli()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_records (id, state, first_seen_at, last_touched_at)
		VALUES (?, 'pending', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = 'pending',
			first_seen_at = excluded.first_seen_at,
			last_touched_at = excluded.last_touched_at
		WHERE dedup_records.state = 'rolled_back'`,
		id, now, now,
	)
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: reserve: %w", ErrStoreUnavailable, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: reserve: %w", ErrStoreUnavailable, err)
	}
	if rows > 0 {
		return Reservation{Result: Reserved}, nil
	}

	// The insert lost to an existing pending or committed row. Reading the
	// row afterwards is purely informational; the reservation decision was
	// already made atomically above.
	var state string
	var firstSeen int64
	err = s.db.QueryRowContext(ctx,
		`SELECT state, first_seen_at FROM dedup_records WHERE id = ?`, id,
	).Scan(&state, &firstSeen)
	if err == sql.ErrNoRows {
		// Evicted or resolved between the two statements; next attempt wins.
		return Reservation{Result: AlreadyReserved}, nil
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: reserve lookup: %w", ErrStoreUnavailable, err)
	}

	if State(state) == StateCommitted {
		return Reservation{Result: AlreadyCommitted}, nil
	}
	return Reservation{Result: AlreadyReserved, PendingSince: time.UnixMilli(firstSeen)}, nil
}

// Commit transitions the id's Pending row to Committed.
func (s *SQLiteStore) Commit(ctx context.Context, id string) error {
	return s.transition(ctx, id, StateCommitted)
}

// Rollback transitions the id's Pending row to RolledBack.
func (s *SQLiteStore) Rollback(ctx context.Context, id string) error {
	return s.transition(ctx, id, StateRolledBack)
}

func (s *SQLiteStore) transition(ctx context.Context, id string, to State) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dedup_records SET state = ?, last_touched_at = ?
		WHERE id = ? AND state = 'pending'`,
		string(to), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, to, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, to, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// IsCommitted reports whether the id has a Committed row.
func (s *SQLiteStore) IsCommitted(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM dedup_records WHERE id = ? AND state = 'committed')`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: is committed: %w", ErrStoreUnavailable, err)
	}
	return exists, nil
}

// ReleaseStuck rolls back the id's Pending row iff it predates the cutoff.
func (s *SQLiteStore) ReleaseStuck(ctx context.Context, id string, pendingBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dedup_records SET state = 'rolled_back', last_touched_at = ?
		WHERE id = ? AND state = 'pending' AND first_seen_at < ?`,
		time.Now().UnixMilli(), id, pendingBefore.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("%w: release stuck: %w", ErrStoreUnavailable, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: release stuck: %w", ErrStoreUnavailable, err)
	}
	return rows > 0, nil
}

// EvictOlderThan removes Committed and RolledBack rows last touched before
// the cutoff. Pending rows are never removed.
func (s *SQLiteStore) EvictOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM dedup_records
		WHERE state != 'pending' AND last_touched_at < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: evict: %w", ErrStoreUnavailable, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: evict: %w", ErrStoreUnavailable, err)
	}
	return int(rows), nil
}

// ListExpired returns up to limit Committed rows last touched before the
// cutoff, oldest first.
func (s *SQLiteStore) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, first_seen_at, last_touched_at FROM dedup_records
		WHERE state = 'committed' AND last_touched_at < ?
		ORDER BY last_touched_at ASC
		LIMIT ?`,
		cutoff.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list expired: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanRecords reads dedup rows with millisecond timestamps. Shared by the
// sqlite and postgres backends.
func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var rec Record
		var state string
		var firstSeen, lastTouched int64
		if err := rows.Scan(&rec.ID, &state, &firstSeen, &lastTouched); err != nil {
			return nil, fmt.Errorf("%w: scan record: %w", ErrStoreUnavailable, err)
		}
		rec.State = State(state)
		rec.FirstSeenAt = time.UnixMilli(firstSeen)
		rec.LastTouchedAt = time.UnixMilli(lastTouched)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate records: %w", ErrStoreUnavailable, err)
	}
	return records, nil
}

var _ Store = (*SQLiteStore)(nil)
