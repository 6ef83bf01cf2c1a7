package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/matrxe/twin-service/internal/worker/domain"
	"github.com/matrxe/twin-service/internal/worker/trainer"
	"github.com/matrxe/twin-service/shared/pipeline"
)

// processTwin runs one delivery through the pipeline state machine. A nil
// return acknowledges the delivery; an error hands the requeue decision to
// the pool loop.
func (w *Worker) processTwin(ctx context.Context, msg *domain.TwinMessage) error {
	w.logger.Info("Processing twin",
		slog.String("twin_id", msg.TwinID),
		slog.Int("attempt", msg.Attempt),
		slog.String("worker_id", w.workerID),
	)

	// Step 1: Look up the twin. A missing row means it was deleted after
	// enqueue; the job is dropped.
	twin, err := w.storage.GetTwinByID(ctx, msg.TwinID)
	if err != nil {
		if errors.Is(err, domain.ErrTwinNotFound) {
			w.logger.Warn("Twin no longer exists, dropping job",
				slog.String("twin_id", msg.TwinID),
			)
			return fmt.Errorf("twin lookup: %w", err)
		}
		return domain.NewRetryableError(fmt.Errorf("twin lookup: %w", err))
	}

	// Step 2: Terminal rows absorb duplicate deliveries; the twin id is the
	// idempotency token.
	if domain.Terminal(twin.Status) {
		w.logger.Info("Twin already terminal, dropping duplicate delivery",
			slog.String("twin_id", msg.TwinID),
			slog.String("status", twin.Status),
		)
		return nil
	}

	// Step 3: Claim the twin. The conditional update guarantees at most one
	// worker invokes the trainer for a given delivery wave.
	claimed, err := w.storage.ClaimProcessing(ctx, msg.TwinID, w.workerID, msg.Attempt)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			return fmt.Errorf("claim twin: %w", err)
		}
		return domain.NewRetryableError(fmt.Errorf("claim twin: %w", err))
	}

	// Step 4: Heartbeat while the trainer runs so a stall is visible from
	// the status endpoint.
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendHeartbeat(jobCtx, claimed.TwinID, heartbeatDone)
	defer close(heartbeatDone)

	// Step 5: Invoke the trainer.
	result, trainErr := w.trainer.Train(jobCtx, &trainer.Input{
		TwinID:         claimed.TwinID,
		Language:       claimed.Language,
		VoiceSettings:  claimed.VoiceSettings,
		VoiceSampleKey: claimed.VoiceSampleKey,
		FaceImageKeys:  claimed.FaceImageKeys,
	})

	if trainErr == nil {
		// Step 6: Record the artifact. A vanished row here is a logged
		// no-op inside CompleteProcessing.
		if err := w.storage.CompleteProcessing(ctx, claimed.TwinID, result.ArtifactKey); err != nil {
			w.logger.Error("Failed to record training result",
				slog.String("twin_id", claimed.TwinID),
				slog.String("error", err.Error()),
			)
			// The artifact exists but the row update failed; requeue and let
			// the terminal check or a re-claim sort it out.
			return domain.NewRetryableError(err)
		}

		w.logger.Info("Twin processing completed",
			slog.String("twin_id", claimed.TwinID),
			slog.String("artifact_key", result.ArtifactKey),
			slog.Int("attempt", msg.Attempt),
		)
		return nil
	}

	// Shutdown mid-flight: leave the twin for another worker, requeue as-is.
	if ctx.Err() != nil {
		w.logger.Warn("Processing interrupted by shutdown",
			slog.String("twin_id", claimed.TwinID),
		)
		if reschedErr := w.storage.RescheduleRetry(context.Background(), claimed.TwinID); reschedErr != nil {
			w.logger.Error("Failed to release twin on shutdown",
				slog.String("twin_id", claimed.TwinID),
				slog.String("error", reschedErr.Error()),
			)
		}
		return domain.NewRetryableError(trainErr)
	}

	return w.handleTrainingFailure(ctx, msg, trainErr)
}

// handleTrainingFailure routes a failed attempt: transient failures inside
// the attempt budget are republished with a backoff delay, everything else
// lands the twin in failed.
func (w *Worker) handleTrainingFailure(ctx context.Context, msg *domain.TwinMessage, trainErr error) error {
	// A timed-out attempt counts as a transient failure
	retryable := trainer.IsRetryable(trainErr) || errors.Is(trainErr, context.DeadlineExceeded)

	if retryable && msg.Attempt < w.maxAttempts {
		return w.scheduleRetry(ctx, msg, trainErr)
	}

	reason := trainErr.Error()
	if err := w.storage.FailProcessing(ctx, msg.TwinID, reason); err != nil {
		w.logger.Error("Failed to mark twin failed",
			slog.String("twin_id", msg.TwinID),
			slog.String("error", err.Error()),
		)
		return domain.NewRetryableError(err)
	}

	if retryable {
		// Budget exhausted on a transient failure: park a copy for operators
		w.logger.Warn("Twin exceeded attempt budget",
			slog.String("twin_id", msg.TwinID),
			slog.Int("attempt", msg.Attempt),
			slog.Int("max_attempts", w.maxAttempts),
		)
		w.publishDeadLetter(msg)
		return fmt.Errorf("%w: %v", domain.ErrMaxAttemptsExceeded, trainErr)
	}

	w.logger.Warn("Twin failed with non-retryable error",
		slog.String("twin_id", msg.TwinID),
		slog.String("error", reason),
	)
	return fmt.Errorf("training failed permanently: %w", trainErr)
}

// scheduleRetry releases the twin back to queued, waits out the backoff and
// republishes the job with the attempt bumped. The original delivery gets
// acknowledged; the retry travels as a fresh message.
func (w *Worker) scheduleRetry(ctx context.Context, msg *domain.TwinMessage, trainErr error) error {
	if err := w.storage.RescheduleRetry(ctx, msg.TwinID); err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			// The row moved on, nothing to retry
			return fmt.Errorf("reschedule twin: %w", err)
		}
		return domain.NewRetryableError(fmt.Errorf("reschedule twin: %w", err))
	}

	delay := w.backoff.DelayWithJitter(msg.Attempt)
	w.logger.Info("Scheduling retry",
		slog.String("twin_id", msg.TwinID),
		slog.Int("attempt", msg.Attempt),
		slog.Int("next_attempt", msg.Attempt+1),
		slog.Duration("delay", delay),
		slog.String("error", trainErr.Error()),
	)

	// The delay runs in the job slot. Prefetch keeps this from blocking the
	// whole pool, and a shutdown republishes immediately instead of waiting.
	select {
	case <-time.After(delay):
	case <-w.stopChan:
	case <-ctx.Done():
	}

	job := &pipeline.Job{
		Kind:       pipeline.JobKindProcessTwin,
		TwinID:     msg.TwinID,
		Attempt:    msg.Attempt + 1,
		EnqueuedAt: time.Now().UTC(),
	}
	body, err := job.Marshal()
	if err != nil {
		return domain.NewRetryableError(err)
	}

	pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.publisher.Publish(pubCtx, body, pipeline.ContentTypeJSON); err != nil {
		w.logger.Error("Failed to republish retry job",
			slog.String("twin_id", msg.TwinID),
			slog.String("error", err.Error()),
		)
		// Requeue the original delivery so the attempt is not lost
		return domain.NewRetryableError(fmt.Errorf("republish retry: %w", err))
	}

	return nil
}

// publishDeadLetter parks a copy of an exhausted job on the dead letter
// queue. Best effort; the failure is already recorded on the row.
func (w *Worker) publishDeadLetter(msg *domain.TwinMessage) {
	key := w.publisher.DeadLetterKey()
	if key == "" {
		return
	}

	job := &pipeline.Job{
		Kind:       pipeline.JobKindProcessTwin,
		TwinID:     msg.TwinID,
		Attempt:    msg.Attempt,
		EnqueuedAt: time.Now().UTC(),
	}
	body, err := job.Marshal()
	if err != nil {
		w.logger.Error("Failed to encode dead letter",
			slog.String("twin_id", msg.TwinID),
			slog.String("error", err.Error()),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.publisher.PublishTo(ctx, key, body, pipeline.ContentTypeJSON); err != nil {
		w.logger.Error("Failed to publish dead letter",
			slog.String("twin_id", msg.TwinID),
			slog.String("error", err.Error()),
		)
	}
}

// sendHeartbeat periodically refreshes the twin's heartbeat timestamp while
// processing runs
func (w *Worker) sendHeartbeat(ctx context.Context, twinID string, done <-chan struct{}) {
	interval := w.heartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.storage.UpdateHeartbeat(ctx, twinID); err != nil {
				w.logger.Warn("Failed to update heartbeat",
					slog.String("twin_id", twinID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
