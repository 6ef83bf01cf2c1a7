package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matrxe/twin-service/internal/worker/domain"
	"github.com/matrxe/twin-service/internal/worker/trainer"
	"github.com/matrxe/twin-service/shared/rabbitmq"
)

// TwinStore is the persistence surface the worker needs for pipeline state
// transitions.
type TwinStore interface {
	GetTwinByID(ctx context.Context, twinID string) (*domain.Twin, error)
	ClaimProcessing(ctx context.Context, twinID, workerID string, attempt int) (*domain.Twin, error)
	CompleteProcessing(ctx context.Context, twinID, artifactKey string) error
	FailProcessing(ctx context.Context, twinID, reason string) error
	RescheduleRetry(ctx context.Context, twinID string) error
	UpdateHeartbeat(ctx context.Context, twinID string) error
}

// QueuePublisher republishes retry jobs and parks exhausted ones.
type QueuePublisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
	PublishTo(ctx context.Context, routingKey string, body []byte, contentType string) error
	DeadLetterKey() string
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Storage           TwinStore
	RabbitClient      *rabbitmq.Client
	Publisher         QueuePublisher
	Trainer           trainer.Trainer
	QueueName         string
	Concurrency       int
	PrefetchCount     int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	MaxAttempts       int
	Backoff           BackoffConfig
}

// Worker consumes processing jobs and drives twins through the pipeline
type Worker struct {
	logger            *slog.Logger
	storage           TwinStore
	rabbitClient      *rabbitmq.Client
	publisher         QueuePublisher
	trainer           trainer.Trainer
	workerID          string
	queueName         string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	maxAttempts       int
	backoff           BackoffConfig
	jobsChan          chan *domain.TwinMessage
	wg                sync.WaitGroup
	stopChan          chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:            cfg.Logger,
		storage:           cfg.Storage,
		rabbitClient:      cfg.RabbitClient,
		publisher:         cfg.Publisher,
		trainer:           cfg.Trainer,
		workerID:          uuid.New().String(),
		queueName:         cfg.QueueName,
		concurrency:       cfg.Concurrency,
		prefetchCount:     cfg.PrefetchCount,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		maxAttempts:       cfg.MaxAttempts,
		backoff:           cfg.Backoff,
		jobsChan:          make(chan *domain.TwinMessage, cfg.Concurrency),
		stopChan:          make(chan struct{}),
	}
}

// Start begins consuming and processing jobs. It blocks until ctx is
// canceled or the delivery channel closes.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Int("max_attempts", w.maxAttempts),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
