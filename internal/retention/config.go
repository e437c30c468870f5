package retention

import "time"

// Config holds retention manager configuration.
//
// Environment variable overrides:
//   - RETENTION_WINDOW:             how long committed records are kept (default: 24h)
//   - RETENTION_SWEEP_INTERVAL:     eviction sweep interval (default: 5m)
//   - RETENTION_ARCHIVE_ENABLED:    archive expired records before eviction (default: false)
//   - RETENTION_ARCHIVE_BATCH_SIZE: records per archive object (default: 10000)
type Config struct {
	Window           time.Duration `env:"RETENTION_WINDOW"             envDefault:"24h"`
	SweepInterval    time.Duration `env:"RETENTION_SWEEP_INTERVAL"     envDefault:"5m"`
	ArchiveEnabled   bool          `env:"RETENTION_ARCHIVE_ENABLED"    envDefault:"false"`
	ArchiveBatchSize int           `env:"RETENTION_ARCHIVE_BATCH_SIZE" envDefault:"10000"`

	S3 S3Config `envPrefix:"RETENTION_S3_"`
}

// S3Config holds S3/MinIO settings for the archive target.
type S3Config struct {
	// Endpoint is the S3 endpoint URL (e.g., "http://localhost:9000" for MinIO)
	Endpoint string `env:"ENDPOINT" envDefault:"http://localhost:9000"`

	// Region is the AWS region
	Region string `env:"REGION" envDefault:"us-east-1"`

	// Bucket is the S3 bucket name
	Bucket string `env:"BUCKET" envDefault:"streamweaver-archive"`

	// AccessKeyID is the AWS access key ID
	AccessKeyID string `env:"ACCESS_KEY_ID" envDefault:"minioadmin"`

	// SecretAccessKey is the AWS secret access key
	SecretAccessKey string `env:"SECRET_ACCESS_KEY" envDefault:"minioadmin"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `env:"USE_PATH_STYLE" envDefault:"true"`

	// Prefix is the key prefix for all archive objects
	Prefix string `env:"PREFIX" envDefault:"dedup"`
}

// DefaultConfig returns the default retention configuration: a 24 hour
// window swept every 5 minutes, archival disabled.
func DefaultConfig() Config {
	return Config{
		Window:           24 * time.Hour,
		SweepInterval:    5 * time.Minute,
		ArchiveBatchSize: 10_000,
	}
}
