package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Config selects and configures the store backend.
//
// Environment variable overrides:
//   - STORE_BACKEND: "memory", "sqlite", or "postgres" (default: memory)
type Config struct {
	Backend string `env:"STORE_BACKEND" envDefault:"memory"`

	SQLite   SQLiteConfig   `envPrefix:"STORE_SQLITE_"`
	Postgres PostgresConfig `envPrefix:"STORE_POSTGRES_"`
}

// SQLiteConfig holds sqlite backend settings.
type SQLiteConfig struct {
	// Path is the database file path. ":memory:" keeps records in process
	// memory only (no crash durability).
	Path string `env:"PATH" envDefault:"streamweaver.db"`

	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration `env:"BUSY_TIMEOUT" envDefault:"5s"`
}

// PostgresConfig holds PostgreSQL backend settings.
type PostgresConfig struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"streamweaver"`
	Password string `env:"PASSWORD" envDefault:"streamweaver"`
	Name     string `env:"NAME" envDefault:"streamweaver"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"`

	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"5m"`
}

// Open creates the store backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.SQLite, logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg.Postgres, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
