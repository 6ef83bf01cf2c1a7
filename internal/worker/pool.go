package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/matrxe/twin-service/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				w.logger.Info("Worker goroutine stopping - jobsChan closed",
					slog.String("worker_name", workerName),
				)
				return
			}

			err := w.processTwin(ctx, msg)

			channel := w.rabbitClient.GetChannel()
			if channel == nil {
				w.logger.Error("Failed to get RabbitMQ channel for ACK/NACK",
					slog.String("worker_name", workerName),
					slog.String("twin_id", msg.TwinID),
				)
				continue
			}

			if err != nil {
				w.logger.Error("Twin processing failed",
					slog.String("worker_name", workerName),
					slog.String("twin_id", msg.TwinID),
					slog.Int("attempt", msg.Attempt),
					slog.String("error", err.Error()),
				)

				requeue := w.shouldRequeue(err)

				if nackErr := channel.Nack(msg.DeliveryTag, false, requeue); nackErr != nil {
					w.logger.Error("Failed to NACK message",
						slog.String("worker_name", workerName),
						slog.String("twin_id", msg.TwinID),
						slog.String("error", nackErr.Error()),
					)
				}
			} else {
				if ackErr := channel.Ack(msg.DeliveryTag, false); ackErr != nil {
					w.logger.Error("Failed to ACK message",
						slog.String("worker_name", workerName),
						slog.String("twin_id", msg.TwinID),
						slog.String("error", ackErr.Error()),
					)
				}
			}
		}
	}
}

// shouldRequeue decides whether a failed delivery goes back on the queue.
// Retries after transient failures travel as fresh publishes with a bumped
// attempt, so the broker-level requeue is reserved for interrupted work.
func (w *Worker) shouldRequeue(err error) bool {
	// Another worker holds or already finished this twin
	if errors.Is(err, domain.ErrAlreadyClaimed) {
		return false
	}

	// Missing row, the twin was deleted while the job was in flight
	if errors.Is(err, domain.ErrTwinNotFound) {
		return false
	}

	if errors.Is(err, domain.ErrMaxAttemptsExceeded) {
		return false
	}

	if errors.Is(err, domain.ErrInvalidPayload) {
		return false
	}

	var retryableErr *domain.RetryableError
	if errors.As(err, &retryableErr) {
		return true
	}

	// Default: don't requeue unknown errors
	return false
}
