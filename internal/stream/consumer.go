package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/time/rate"

	"github.com/SebastienMelki/streamweaver/internal/message"
	"github.com/SebastienMelki/streamweaver/internal/observability"
	"github.com/SebastienMelki/streamweaver/internal/processor"
)

// Consumer pulls messages from the JetStream consumer and feeds them to
// the processor one at a time. Acknowledgment follows the outcome:
// Processed and SkippedDuplicate are ACKed (done, or already done), Failed
// is NAKed so JetStream redelivers — safe because a Failed outcome always
// leaves the identifier re-admittable.
type Consumer struct {
	js      jetstream.JetStream
	proc    *processor.Processor
	config  Config
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *observability.Metrics

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewConsumer creates a stream consumer feeding the given processor.
func NewConsumer(
	js jetstream.JetStream,
	proc *processor.Processor,
	cfg Config,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.Consumer.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Consumer.RateLimit), cfg.Consumer.RateBurst)
	}

	return &Consumer{
		js:      js,
		proc:    proc,
		config:  cfg,
		limiter: limiter,
		logger:  logger.With("component", "stream-consumer"),
		metrics: metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start starts the fetch worker pool.
func (c *Consumer) Start(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.config.Stream.Name)
	if err != nil {
		return err
	}

	consumer, err := stream.Consumer(ctx, c.config.Consumer.Name)
	if err != nil {
		return err
	}

	workers := c.config.Consumer.Workers
	if workers < 1 {
		workers = 1
	}

	c.logger.Info("starting stream consumer",
		"consumer", c.config.Consumer.Name,
		"stream", c.config.Stream.Name,
		"workers", workers,
		"fetch_batch_size", c.config.Consumer.FetchBatchSize,
	)

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.workerLoop(ctx, consumer, id)
		}(i)
	}

	go func() {
		wg.Wait()
		close(c.doneCh)
	}()

	return nil
}

// Stop signals the workers to stop and waits for them to finish.
func (c *Consumer) Stop() {
	close(c.stopCh)
	<-c.doneCh
	c.logger.Info("stream consumer stopped")
}

// workerLoop is the main loop for a single fetch worker.
func (c *Consumer) workerLoop(ctx context.Context, consumer jetstream.Consumer, id int) {
	logger := c.logger.With("worker_id", id)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	fetchSize := c.config.Consumer.FetchBatchSize
	if fetchSize < 1 {
		fetchSize = 100
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
			msgs, err := consumer.Fetch(fetchSize, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if !errors.Is(err, context.DeadlineExceeded) {
					logger.Error("failed to fetch messages", "error", err)
					// Brief backoff before retrying on unexpected errors
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					case <-c.stopCh:
						return
					}
				}
				continue
			}

			for msg := range msgs.Messages() {
				if c.limiter != nil {
					if err := c.limiter.Wait(ctx); err != nil {
						return
					}
				}
				c.handleMessage(ctx, msg)
			}

			if err := msgs.Error(); err != nil {
				logger.Error("messages iteration error", "error", err)
			}
		}
	}
}

// handleMessage decodes one stream message, runs it through the processor,
// and acknowledges according to the outcome. Undecodable messages are
// poison: they are terminated so JetStream never redelivers them.
func (c *Consumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	if c.metrics != nil {
		c.metrics.MessagesFetched.Add(ctx, 1)
	}

	m, err := message.Decode(msg.Data())
	if err != nil {
		c.logger.Error("poison message: decode failure, terminating",
			"error", err,
			"subject", msg.Subject(),
		)
		if termErr := msg.Term(); termErr != nil {
			c.logger.Error("failed to terminate poison message", "error", termErr)
		}
		return
	}

	outcome := c.proc.ProcessMessage(ctx, m)

	switch outcome.Result {
	case processor.Processed, processor.SkippedDuplicate:
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Error("failed to ack message", "id", m.ID, "error", ackErr)
		}
	case processor.Failed:
		if c.metrics != nil {
			c.metrics.MessagesNaked.Add(ctx, 1)
		}
		if nakErr := msg.Nak(); nakErr != nil {
			c.logger.Error("failed to nak message", "id", m.ID, "error", nakErr)
		}
	}
}
