package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/matrxe/twin-service/internal/api/domain"
	"github.com/matrxe/twin-service/internal/api/model"
	"github.com/matrxe/twin-service/shared/postgresql"
)

const twinColumns = `
	twin_id, user_id, name, description, language,
	voice_settings, personality_tags, status,
	voice_sample_key, face_image_keys, artifact_key,
	processing_attempts, processing_error,
	processing_started_at, processing_completed_at, processing_heartbeat_at,
	created_at, updated_at
`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

func (s *Storage) CreateTwin(ctx context.Context, twin *model.Twin) error {
	query := `
		INSERT INTO twins (
			twin_id, user_id, name, description, language,
			voice_settings, personality_tags, status,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		twin.TwinID,
		twin.UserID,
		twin.Name,
		twin.Description,
		twin.Language,
		twin.VoiceSettings,
		twin.PersonalityTags,
		twin.Status,
		twin.CreatedAt,
		twin.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create twin: %w", err)
	}

	return nil
}

func (s *Storage) GetTwinByID(ctx context.Context, twinID string) (*model.Twin, error) {
	var twin model.Twin
	query := `SELECT ` + twinColumns + ` FROM twins WHERE twin_id = $1`

	err := s.db.GetContext(ctx, &twin, query, twinID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTwinNotFound
		}
		return nil, fmt.Errorf("failed to get twin: %w", err)
	}

	return &twin, nil
}

type TwinFilter struct {
	UserID   string
	Status   string
	PageSize int
	Cursor   *TwinCursor
}

type TwinCursor struct {
	CreatedAt time.Time
	TwinID    string
}

func (s *Storage) ListTwins(ctx context.Context, filter TwinFilter) ([]model.Twin, error) {
	query := `SELECT ` + twinColumns + ` FROM twins WHERE user_id = $1`
	args := []interface{}{filter.UserID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, twin_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.TwinID)
		argIdx += 2
	}

	// Order by created_at DESC, twin_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, twin_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var twins []model.Twin
	err := s.db.SelectContext(ctx, &twins, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list twins: %w", err)
	}

	return twins, nil
}

// SetAttachmentKeys records the object store locations of the uploaded media.
func (s *Storage) SetAttachmentKeys(ctx context.Context, twinID string, voiceSampleKey string, faceImageKeys []string) error {
	query := `
		UPDATE twins
		SET voice_sample_key = NULLIF($2, ''),
		    face_image_keys = $3,
		    updated_at = $4
		WHERE twin_id = $1
	`

	res, err := s.db.ExecContext(ctx, query, twinID, voiceSampleKey, pq.StringArray(faceImageKeys), time.Now())
	if err != nil {
		return fmt.Errorf("failed to set attachment keys: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set attachment keys: %w", err)
	}
	if rows == 0 {
		return domain.ErrTwinNotFound
	}

	return nil
}

// MarkQueued transitions a draft twin to queued. The status guard keeps a
// concurrent transition from being overwritten.
func (s *Storage) MarkQueued(ctx context.Context, twinID string) error {
	query := `
		UPDATE twins
		SET status = $2, updated_at = $3
		WHERE twin_id = $1 AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, twinID, domain.StatusQueued, time.Now(), domain.StatusDraft)
	if err != nil {
		return fmt.Errorf("failed to mark twin queued: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark twin queued: %w", err)
	}
	if rows == 0 {
		return domain.ErrStaleStatus
	}

	return nil
}

// RetryTwin moves a failed twin back to queued and returns the refreshed row.
// Only failed twins are retryable.
func (s *Storage) RetryTwin(ctx context.Context, twinID string) (*model.Twin, error) {
	query := `
		UPDATE twins
		SET status = $2, processing_error = NULL, updated_at = $3
		WHERE twin_id = $1 AND status = $4
		RETURNING ` + twinColumns

	var twin model.Twin
	err := s.db.GetContext(ctx, &twin, query, twinID, domain.StatusQueued, time.Now(), domain.StatusFailed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotRetryable
		}
		return nil, fmt.Errorf("failed to retry twin: %w", err)
	}

	return &twin, nil
}

func (s *Storage) DeleteTwin(ctx context.Context, twinID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM twins WHERE twin_id = $1`, twinID)
	if err != nil {
		return fmt.Errorf("failed to delete twin: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete twin: %w", err)
	}
	if rows == 0 {
		return domain.ErrTwinNotFound
	}

	return nil
}
