package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/matrxe/twin-service/internal/worker/domain"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// GetTwinByID retrieves a twin from the database by its ID
func (s *Storage) GetTwinByID(ctx context.Context, twinID string) (*domain.Twin, error) {
	query := `
		SELECT twin_id, user_id, name, language, voice_settings, status,
		       voice_sample_key, face_image_keys, processing_attempts
		FROM twins
		WHERE twin_id = $1
	`

	twin, err := scanTwin(s.db.QueryRowContext(ctx, query, twinID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTwinNotFound
		}
		return nil, fmt.Errorf("failed to get twin: %w", err)
	}

	return twin, nil
}

// ClaimProcessing attempts to move a twin into processing using optimistic
// locking. Only a queued or draft twin can be claimed; anything else means a
// concurrent worker or a terminal transition got there first. The attempt
// from the job payload is recorded on the row.
func (s *Storage) ClaimProcessing(ctx context.Context, twinID, workerID string, attempt int) (*domain.Twin, error) {
	query := `
		UPDATE twins
		SET status = $1,
		    processing_attempts = $2,
		    processing_error = NULL,
		    processing_started_at = NOW(),
		    processing_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE twin_id = $3
		  AND status IN ($4, $5)
		RETURNING twin_id, user_id, name, language, voice_settings, status,
		          voice_sample_key, face_image_keys, processing_attempts
	`

	twin, err := scanTwin(s.db.QueryRowContext(ctx, query,
		domain.StatusProcessing, attempt, twinID, domain.StatusQueued, domain.StatusDraft))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim twin - already claimed or not found",
				slog.String("twin_id", twinID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim twin: %w", err)
	}

	s.logger.Info("Twin claimed for processing",
		slog.String("twin_id", twinID),
		slog.String("worker_id", workerID),
		slog.Int("attempt", attempt),
	)

	return twin, nil
}

// CompleteProcessing moves a processing twin to ready and records the trained
// artifact. Zero rows means the twin was deleted or moved on meanwhile and the
// result is dropped.
func (s *Storage) CompleteProcessing(ctx context.Context, twinID, artifactKey string) error {
	query := `
		UPDATE twins
		SET status = $1,
		    artifact_key = $2,
		    processing_error = NULL,
		    processing_completed_at = NOW(),
		    updated_at = NOW()
		WHERE twin_id = $3 AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, domain.StatusReady, artifactKey, twinID, domain.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete processing: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete processing: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("Completion against a missing or transitioned twin, dropping result",
			slog.String("twin_id", twinID),
		)
	}

	return nil
}

// FailProcessing moves a processing twin to failed with the failure reason.
func (s *Storage) FailProcessing(ctx context.Context, twinID, reason string) error {
	query := `
		UPDATE twins
		SET status = $1,
		    processing_error = $2,
		    processing_completed_at = NOW(),
		    updated_at = NOW()
		WHERE twin_id = $3 AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, domain.StatusFailed, reason, twinID, domain.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark twin failed: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark twin failed: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("Failure update against a missing or transitioned twin",
			slog.String("twin_id", twinID),
		)
	}

	return nil
}

// RescheduleRetry puts a processing twin back in the queue ahead of a retry
// attempt.
func (s *Storage) RescheduleRetry(ctx context.Context, twinID string) error {
	query := `
		UPDATE twins
		SET status = $1,
		    updated_at = NOW()
		WHERE twin_id = $2 AND status = $3
	`

	res, err := s.db.ExecContext(ctx, query, domain.StatusQueued, twinID, domain.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to reschedule twin: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to reschedule twin: %w", err)
	}
	if rows == 0 {
		return domain.ErrAlreadyClaimed
	}

	return nil
}

// UpdateHeartbeat refreshes the processing heartbeat timestamp for a twin
func (s *Storage) UpdateHeartbeat(ctx context.Context, twinID string) error {
	query := `
		UPDATE twins
		SET processing_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE twin_id = $1 AND status = $2
	`

	res, err := s.db.ExecContext(ctx, query, twinID, domain.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("Heartbeat update - no rows affected (twin may not be processing)",
			slog.String("twin_id", twinID),
		)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTwin(row rowScanner) (*domain.Twin, error) {
	var (
		twin          domain.Twin
		voiceSettings []byte
		voiceKey      sql.NullString
		faceKeys      pq.StringArray
	)

	err := row.Scan(
		&twin.TwinID,
		&twin.UserID,
		&twin.Name,
		&twin.Language,
		&voiceSettings,
		&twin.Status,
		&voiceKey,
		&faceKeys,
		&twin.ProcessingAttempts,
	)
	if err != nil {
		return nil, err
	}

	twin.VoiceSettings = voiceSettings
	twin.VoiceSampleKey = voiceKey.String
	twin.FaceImageKeys = faceKeys

	return &twin, nil
}
