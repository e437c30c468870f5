package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS dedup_records (
	id              TEXT PRIMARY KEY,
	state           TEXT NOT NULL,
	first_seen_at   BIGINT NOT NULL,
	last_touched_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dedup_records_touched
	ON dedup_records (last_touched_at) WHERE state != 'pending';
`

// PostgresStore is the shared-storage backend for multi-process
// deployments. The primary-key conflict clause makes TryReserve a single
// conditional write; concurrent claimants on one identifier serialize on
// the row, so exactly one insert wins.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore connects to PostgreSQL, configures the connection pool,
// and ensures the dedup schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "postgres-store")

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create dedup schema: %w", err)
	}

	logger.Info("connected to postgres",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Name,
	)

	return &PostgresStore{db: db, logger: logger}, nil
}

// TryReserve claims the identifier with a single conditional upsert. The
// RETURNING clause yields a row only when the insert (or the rolled-back
// re-claim) applied.
func (s *PostgresStore) TryReserve(ctx context.Context, id string) (Reservation, error) {
	now := time.Now().UnixMilli()

	var won string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO dedup_records (id, state, first_seen_at, last_touched_at)
		VALUES ($1, 'pending', $2, $2)
		ON CONFLICT (id) DO UPDATE SET
			state = 'pending',
			first_seen_at = EXCLUDED.first_seen_at,
			last_touched_at = EXCLUDED.last_touched_at
			WHERE dedup_records.state = 'rolled_back'
		RETURNING id`,
		id, now,
	).Scan(&won)
	if err == nil {
		return Reservation{Result: Reserved}, nil
	}
	if err != sql.ErrNoRows {
		return Reservation{}, fmt.Errorf("%w: reserve: %w", ErrStoreUnavailable, err)
	}

	// Lost to an existing pending or committed row; report its state. The
	// follow-up read is informational only, the decision above was atomic.
	var state string
	var firstSeen int64
	err = s.db.QueryRowContext(ctx,
		`SELECT state, first_seen_at FROM dedup_records WHERE id = $1`, id,
	).Scan(&state, &firstSeen)
	if err == sql.ErrNoRows {
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
func (s *PostgresStore) Commit(ctx context.Context, id string) error {
	return s.transition(ctx, id, StateCommitted)
}

// Rollback transitions the id's Pending row to RolledBack.
func (s *PostgresStore) Rollback(ctx context.Context, id string) error {
	return s.transition(ctx, id, StateRolledBack)
}

func (s *PostgresStore) transition(ctx context.Context, id string, to State) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dedup_records SET state = $1, last_touched_at = $2
		WHERE id = $3 AND state = 'pending'`,
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
func (s *PostgresStore) IsCommitted(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM dedup_records WHERE id = $1 AND state = 'committed')`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: is committed: %w", ErrStoreUnavailable, err)
	}
	return exists, nil
}

// ReleaseStuck rolls back the id's Pending row iff it predates the cutoff.
func (s *PostgresStore) ReleaseStuck(ctx context.Context, id string, pendingBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dedup_records SET state = 'rolled_back', last_touched_at = $1
		WHERE id = $2 AND state = 'pending' AND first_seen_at < $3`,
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
func (s *PostgresStore) EvictOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM dedup_records
		WHERE state != 'pending' AND last_touched_at < $1`,
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
func (s *PostgresStore) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, first_seen_at, last_touched_at FROM dedup_records
		WHERE state = 'committed' AND last_touched_at < $1
		ORDER BY last_touched_at ASC
		LIMIT $2`,
		cutoff.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list expired: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Ping checks that the database connection is still alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
