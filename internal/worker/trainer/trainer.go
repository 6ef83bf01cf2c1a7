// Package trainer talks to the model training backend. The backend is a
// black box: it takes the twin's media and settings and hands back the key
// of the trained artifact.
package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Input is everything the training backend needs for one twin.
type Input struct {
	TwinID          string          `json:"twin_id"`
	Language        string          `json:"language"`
	VoiceSettings   json.RawMessage `json:"voice_settings,omitempty"`
	VoiceSampleKey  string          `json:"voice_sample_key,omitempty"`
	FaceImageKeys   []string        `json:"face_image_keys,omitempty"`
}

// Result is a successful training outcome.
type Result struct {
	ArtifactKey string `json:"artifact_key"`
}

// Trainer runs one training job. Implementations must honor ctx cancellation.
type Trainer interface {
	Train(ctx context.Context, input *Input) (*Result, error)
}

// Error is a training failure with a retry hint. Network trouble and backend
// overload are retryable; a rejected input never will succeed and is not.
type Error struct {
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("trainer: %s", e.Message)
}

// NewError creates a trainer error.
func NewError(message string, retryable bool) *Error {
	return &Error{Message: message, Retryable: retryable}
}

// IsRetryable reports whether err is a trainer error marked retryable.
func IsRetryable(err error) bool {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Retryable
	}
	return false
}
