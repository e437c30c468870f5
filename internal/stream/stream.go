package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Manager handles JetStream stream and consumer bootstrap.
type Manager struct {
	js     jetstream.JetStream
	config Config
	logger *slog.Logger
}

// NewManager creates a stream manager.
func NewManager(js jetstream.JetStream, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		js:     js,
		config: cfg,
		logger: logger.With("component", "stream-manager"),
	}
}

// EnsureStream creates or updates the message stream with the configured
// settings.
func (m *Manager) EnsureStream(ctx context.Context) (jetstream.Stream, error) {
	storage := jetstream.FileStorage
	if strings.ToLower(m.config.Stream.Storage) == "memory" {
		storage = jetstream.MemoryStorage
	}

	streamCfg := jetstream.StreamConfig{
		Name:        m.config.Stream.Name,
		Subjects:    m.config.Stream.Subjects,
		Storage:     storage,
		MaxAge:      m.config.Stream.MaxAge,
		MaxBytes:    m.config.Stream.MaxBytes,
		Replicas:    m.config.Stream.Replicas,
		Retention:   jetstream.LimitsPolicy,
		Discard:     jetstream.DiscardOld,
		AllowDirect: true,
	}

	// Try to get existing stream first
	_, err := m.js.Stream(ctx, m.config.Stream.Name)
	if err == nil {
		m.logger.Info("updating existing stream", "name", m.config.Stream.Name)
		stream, err := m.js.UpdateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to update stream: %w", err)
		}
		return stream, nil
	}

	m.logger.Info("creating new stream",
		"name", m.config.Stream.Name,
		"subjects", m.config.Stream.Subjects,
	)
	stream, err := m.js.CreateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	return stream, nil
}

// EnsureConsumer creates or updates the durable pull consumer the
// processor reads from.
func (m *Manager) EnsureConsumer(ctx context.Context, stream jetstream.Stream) error {
	cfg := m.config.Consumer

	consumerCfg := jetstream.ConsumerConfig{
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxAckPending: cfg.MaxAckPending,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}

	// Try to get existing consumer first
	_, err := stream.Consumer(ctx, cfg.Name)
	if err == nil {
		m.logger.Info("updating existing consumer", "name", cfg.Name)
		if _, err := stream.UpdateConsumer(ctx, consumerCfg); err != nil {
			return fmt.Errorf("failed to update consumer: %w", err)
		}
		return nil
	}

	m.logger.Info("creating new consumer",
		"name", cfg.Name,
		"filter", cfg.FilterSubject,
	)
	if _, err := stream.CreateConsumer(ctx, consumerCfg); err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	return nil
}
