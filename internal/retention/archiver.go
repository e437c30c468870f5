package retention

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/SebastienMelki/streamweaver/internal/store"
)

// RecordRow is the flattened dedup record for parquet archival. The schema
// is partition-friendly for offline queries over historical dedup state.
type RecordRow struct {
	ID            string `parquet:"id,snappy"`
	State         string `parquet:"state,snappy,dict"`
	FirstSeenMS   int64  `parquet:"first_seen_ms"`
	LastTouchedMS int64  `parquet:"last_touched_ms"`

	// Partition columns
	Year  int `parquet:"year,dict"`
	Month int `parquet:"month,dict"`
	Day   int `parquet:"day,dict"`
}

// Archiver writes expired dedup records to S3-compatible storage as
// parquet objects before the retention sweep evicts them, so callers who
// need dedup history beyond the retention window can externalize it.
type Archiver struct {
	client *s3.Client
	config S3Config
	logger *slog.Logger
}

// NewArchiver creates an S3 archiver and verifies nothing; the first
// sweep surfaces connectivity problems.
func NewArchiver(ctx context.Context, cfg S3Config, logger *slog.Logger) (*Archiver, error) {
	if logger == nil {
		logger = slog.Default()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info("archive target configured",
		"endpoint", cfg.Endpoint,
		"bucket", cfg.Bucket,
	)

	return &Archiver{
		client: client,
		config: cfg,
		logger: logger.With("component", "retention-archiver"),
	}, nil
}

// EnsureBucket creates the archive bucket if it does not exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.config.Bucket),
	})
	if err == nil {
		return nil
	}

	a.logger.Info("creating archive bucket", "bucket", a.config.Bucket)
	_, err = a.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(a.config.Bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to create archive bucket: %w", err)
	}
	return nil
}

// Archive writes the records as one parquet object. Partition columns are
// derived from the sweep time, not per record, so one sweep yields one key.
func (a *Archiver) Archive(ctx context.Context, records []store.Record) error {
	if len(records) == 0 {
		return nil
	}

	now := time.Now().UTC()
	data, err := encodeParquet(records, now)
	if err != nil {
		return err
	}

	key := a.objectKey(now)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-parquet"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive object: %w", err)
	}

	a.logger.Info("archived expired dedup records",
		"key", key,
		"records", len(records),
		"size_bytes", len(data),
	)

	return nil
}

func encodeParquet(records []store.Record, now time.Time) ([]byte, error) {
	rows := make([]RecordRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, RecordRow{
			ID:            rec.ID,
			State:         string(rec.State),
			FirstSeenMS:   rec.FirstSeenAt.UnixMilli(),
			LastTouchedMS: rec.LastTouchedAt.UnixMilli(),
			Year:          now.Year(),
			Month:         int(now.Month()),
			Day:           now.Day(),
		})
	}

	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[RecordRow](&buf,
		parquet.Compression(&parquet.Snappy),
		parquet.CreatedBy("streamweaver-retention", "1.0.0", ""),
	)

	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("failed to write archive rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive writer: %w", err)
	}

	return buf.Bytes(), nil
}

// objectKey builds a day-partitioned archive key.
// Format: {prefix}/year={y}/month={m}/day={d}/records_{uuid}.parquet.
func (a *Archiver) objectKey(now time.Time) string {
	return fmt.Sprintf(
		"%s/year=%d/month=%02d/day=%02d/records_%s.parquet",
		a.config.Prefix,
		now.Year(),
		int(now.Month()),
		now.Day(),
		uuid.New().String(),
	)
}
