package model

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// Twin is the twins table row
type Twin struct {
	TwinID          string         `db:"twin_id"`
	UserID          string         `db:"user_id"`
	Name            string         `db:"name"`
	Description     sql.NullString `db:"description"`
	Language        string         `db:"language"`
	VoiceSettings   []byte         `db:"voice_settings"`
	PersonalityTags pq.StringArray `db:"personality_tags"`
	Status          string         `db:"status"`

	VoiceSampleKey sql.NullString `db:"voice_sample_key"`
	FaceImageKeys  pq.StringArray `db:"face_image_keys"`
	ArtifactKey    sql.NullString `db:"artifact_key"`

	ProcessingAttempts    int            `db:"processing_attempts"`
	ProcessingError       sql.NullString `db:"processing_error"`
	ProcessingStartedAt   sql.NullTime   `db:"processing_started_at"`
	ProcessingCompletedAt sql.NullTime   `db:"processing_completed_at"`
	ProcessingHeartbeatAt sql.NullTime   `db:"processing_heartbeat_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
