package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
)

//MessageCounter is a prometheus.CounterVec.
var MessageCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "engine_queue_messages",
		Help: "Counter for queue messages handled, by queue and ingest status.",
	},
	[]string{"queue", "status"},
)

func init() {
	prometheus.MustRegister(MessageCounter)
}

// Ingester ingests a raw request body in either wire shape.
type Ingester interface {
	IngestMessage(ctx context.Context, body []byte) engine.IngestResult
}

// Consumer pulls messages from one or more sources and ingests them.
// Every received message is deleted, whatever the outcome.
type Consumer struct {
	sources      []Source
	ingester     Ingester
	queues       engine.QueueRepository
	workers      int
	batchSize    int
	errorBackoff time.Duration
	logger       *slog.Logger
}

// Option configures a Consumer
type Option func(*Consumer)

// WithSource adds a message source.
func WithSource(source Source) Option {
	return func(c *Consumer) {
		c.sources = append(c.sources, source)
	}
}

// WithIngester sets the ingester messages are handed to.
func WithIngester(ingester Ingester) Option {
	return func(c *Consumer) {
		c.ingester = ingester
	}
}

// WithQueueRepository sets the repository holding per-customer in-flight counters.
func WithQueueRepository(repo engine.QueueRepository) Option {
	return func(c *Consumer) {
		c.queues = repo
	}
}

// WithWorkers sets the number of concurrent receivers per source.
func WithWorkers(n int) Option {
	return func(c *Consumer) {
		c.workers = n
	}
}

// WithBatchSize sets the maximum number of messages requested per receive.
func WithBatchSize(n int) Option {
	return func(c *Consumer) {
		c.batchSize = n
	}
}

// WithErrorBackoff sets the pause after a failed receive.
func WithErrorBackoff(d time.Duration) Option {
	return func(c *Consumer) {
		c.errorBackoff = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a Consumer.
func NewConsumer(options ...Option) (*Consumer, error) {
	c := &Consumer{
		workers:      1,
		batchSize:    1,
		errorBackoff: 5 * time.Second,
		logger:       slog.Default(),
	}
	for _, option := range options {
		option(c)
	}

	if len(c.sources) == 0 {
		return nil, errors.New("at least one queue source is required")
	}
	if c.ingester == nil {
		return nil, errors.New("ingester is required")
	}
	if c.queues == nil {
		return nil, errors.New("queue repository is required")
	}
	if c.workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", c.workers)
	}
	if c.batchSize <= 0 {
		c.batchSize = 1
	}
	return c, nil
}

// Run consumes until ctx is cancelled or every source is closed. It returns
// nil on a clean shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, source := range c.sources {
		c.logger.Info("Starting queue consumer", "queue", source.Name(), "workers", c.workers)
		for i := 0; i < c.workers; i++ {
			g.Go(func() error {
				return c.poll(ctx, source)
			})
		}
	}
	return g.Wait()
}

func (c *Consumer) poll(ctx context.Context, source Source) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		messages, err := source.Receive(ctx, c.batchSize)
		if err != nil {
			if errors.Is(err, ErrSourceClosed) || ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to receive messages", "queue", source.Name(), "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.errorBackoff):
			}
			continue
		}

		for _, msg := range messages {
			c.Handle(ctx, source, msg)
		}
	}
}

// Handle ingests a single message, deletes it and, after a successful
// ingestion, decrements the customer's in-flight count for the queue.
func (c *Consumer) Handle(ctx context.Context, source Source, msg Message) engine.IngestResult {
	start := time.Now()
	result := c.ingester.IngestMessage(ctx, msg.Body)
	MessageCounter.WithLabelValues(source.Name(), result.Status.String()).Inc()

	// Cleanup must outlive a shutdown that interrupted the ingestion.
	cleanupCtx := context.WithoutCancel(ctx)
	if err := source.Delete(cleanupCtx, msg); err != nil {
		c.logger.Error("Failed to delete message", "queue", source.Name(), "message", msg.ID, "err", err)
	}

	logger := c.logger.With("queue", source.Name(), "message", msg.ID, "status", result.Status.String())
	if result.Asset != nil {
		logger = logger.With("asset", result.Asset.ID.String())
	}

	if result.Status.IsSuccessful() && result.Asset != nil {
		if err := c.queues.DecrementQueueCount(cleanupCtx, result.Asset.ID.Customer, source.Name(), 1); err != nil {
			logger.Warn("Failed to decrement queue count", "err", err)
		}
	}

	logger.Debug("Handled message", "duration", time.Since(start))
	return result
}
