// Package stream provides NATS JetStream integration: the inbound message
// source feeding the processor and the forwarding effect executor.
package stream

import (
	"time"
)

// Config holds NATS connection, stream, and consumer configuration.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// Name is the client connection name for monitoring
	Name string `env:"NATS_CLIENT_NAME" envDefault:"streamweaver"`

	// MaxReconnects is the maximum number of reconnection attempts
	MaxReconnects int `env:"NATS_MAX_RECONNECTS" envDefault:"60"`

	// ReconnectWait is the time to wait between reconnection attempts
	ReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"2s"`

	// Timeout is the connection timeout
	Timeout time.Duration `env:"NATS_TIMEOUT" envDefault:"5s"`

	// Stream configuration
	Stream StreamConfig `envPrefix:"NATS_STREAM_"`

	// Consumer configuration
	Consumer ConsumerConfig `envPrefix:"NATS_CONSUMER_"`

	// ForwardSubject is where successfully admitted messages are
	// republished by the forwarding executor.
	ForwardSubject string `env:"NATS_FORWARD_SUBJECT" envDefault:"processed.messages"`
}

// StreamConfig holds JetStream stream configuration.
type StreamConfig struct {
	// Name is the stream name
	Name string `env:"NAME" envDefault:"STREAMWEAVER_MESSAGES"`

	// Subjects are the subjects to capture
	Subjects []string `env:"SUBJECTS" envDefault:"messages.>,processed.>"`

	// MaxAge is the maximum age of messages in the stream
	MaxAge time.Duration `env:"MAX_AGE" envDefault:"168h"` // 7 days

	// MaxBytes is the maximum size of the stream in bytes
	MaxBytes int64 `env:"MAX_BYTES" envDefault:"1073741824"` // 1GB

	// Replicas is the number of replicas for the stream
	Replicas int `env:"REPLICAS" envDefault:"1"`

	// Storage is the storage type (file or memory)
	Storage string `env:"STORAGE" envDefault:"file"`
}

// ConsumerConfig holds the durable pull consumer configuration.
type ConsumerConfig struct {
	// Name is the consumer durable name
	Name string `env:"NAME" envDefault:"streamweaver-processor"`

	// FilterSubject is the subject filter for the consumer
	FilterSubject string `env:"FILTER_SUBJECT" envDefault:"messages.>"`

	// AckWait is the time to wait for acknowledgment
	AckWait time.Duration `env:"ACK_WAIT" envDefault:"30s"`

	// MaxAckPending is the maximum number of pending acknowledgments
	MaxAckPending int `env:"MAX_ACK_PENDING" envDefault:"1000"`

	// MaxDeliver is the maximum number of delivery attempts
	MaxDeliver int `env:"MAX_DELIVER" envDefault:"5"`

	// Workers is the number of concurrent fetch workers
	Workers int `env:"WORKERS" envDefault:"4"`

	// FetchBatchSize is the number of messages fetched per pull
	FetchBatchSize int `env:"FETCH_BATCH_SIZE" envDefault:"100"`

	// RateLimit caps processed messages per second across all workers.
	// Zero disables the limiter.
	RateLimit float64 `env:"RATE_LIMIT" envDefault:"0"`

	// RateBurst is the limiter burst size when RateLimit is set.
	RateBurst int `env:"RATE_BURST" envDefault:"100"`
}
