// Command streamweaver consumes a message stream and processes each unique
// message exactly once, forwarding admitted messages downstream.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/SebastienMelki/streamweaver/internal/admission"
	"github.com/SebastienMelki/streamweaver/internal/observability"
	"github.com/SebastienMelki/streamweaver/internal/processor"
	"github.com/SebastienMelki/streamweaver/internal/retention"
	"github.com/SebastienMelki/streamweaver/internal/store"
	"github.com/SebastienMelki/streamweaver/internal/stream"
)

// Config holds all streamweaver configuration.
type Config struct {
	// LogLevel is the log level (debug, info, warn, error).
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// LogFormat is the log format (json, text).
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// MetricsAddr is the address for the Prometheus metrics endpoint.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9091"`

	// Store configuration.
	Store store.Config `envPrefix:""`

	// Admission gate configuration.
	Admission admission.Config `envPrefix:""`

	// Processor configuration.
	Processor processor.Config `envPrefix:""`

	// Retention configuration.
	Retention retention.Config `envPrefix:""`

	// Stream configuration.
	Stream stream.Config `envPrefix:""`
}

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return err
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("starting streamweaver",
		"log_level", cfg.LogLevel,
		"store_backend", cfg.Store.Backend,
		"nats_url", cfg.Stream.URL,
		"metrics_addr", cfg.MetricsAddr,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize observability (OTel + Prometheus)
	obs, err := observability.New("streamweaver")
	if err != nil {
		return err
	}
	defer func() {
		if shutErr := obs.Shutdown(context.Background()); shutErr != nil {
			logger.Error("observability shutdown error", "error", shutErr)
		}
	}()

	// Create metric instruments
	metrics, err := observability.NewMetrics(obs.Meter())
	if err != nil {
		return err
	}

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Open the dedup store
	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("store close error", "error", closeErr)
		}
	}()

	// Connect to NATS and bootstrap the stream
	client, err := stream.NewClient(ctx, cfg.Stream, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	mgr := stream.NewManager(client.JetStream(), cfg.Stream, logger)
	msgStream, err := mgr.EnsureStream(ctx)
	if err != nil {
		return err
	}
	if err := mgr.EnsureConsumer(ctx, msgStream); err != nil {
		return err
	}

	// Start metrics and health HTTP server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", obs.MetricsHandler())
	metricsMux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if healthErr := client.Healthz(); healthErr != nil {
			http.Error(w, healthErr.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}
	go func() {
		logger.Info("starting metrics server", "addr", cfg.MetricsAddr)
		if srvErr := metricsServer.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			logger.Error("metrics server error", "error", srvErr)
		}
	}()

	// Admission gate
	gate := admission.NewGate(st, cfg.Admission, metrics, logger)
	gate.Start(ctx)
	defer gate.Stop()

	// Retention manager, with optional S3 archival
	var archiver *retention.Archiver
	if cfg.Retention.ArchiveEnabled {
		archiver, err = retention.NewArchiver(ctx, cfg.Retention.S3, logger)
		if err != nil {
			return err
		}
		if err := archiver.EnsureBucket(ctx); err != nil {
			return err
		}
	}
	rm := retention.NewManager(st, archiver, cfg.Retention, metrics, logger)
	rm.Start(ctx)
	defer rm.Stop()

	// Processor with the forwarding executor
	executor := stream.NewForwardExecutor(client.JetStream(), cfg.Stream.ForwardSubject, logger)
	proc := processor.New(gate, st, executor, cfg.Processor, metrics, logger)

	// Stream consumer feeding the processor
	consumer := stream.NewConsumer(client.JetStream(), proc, cfg.Stream, metrics, logger)
	if err := consumer.Start(ctx); err != nil {
		return err
	}

	logger.Info("streamweaver started")

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	// Stop intake first so in-flight messages resolve their reservations
	// before the store closes.
	consumer.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}

	logger.Info("streamweaver stopped")
	return nil
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
