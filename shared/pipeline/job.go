package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobKindProcessTwin is the only job kind carried on the media queue
const JobKindProcessTwin = "process_twin"

// ContentTypeJSON is the content type of queue payloads
const ContentTypeJSON = "application/json"

var (
	// ErrUnknownKind is returned when a payload carries an unrecognized job kind
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrInvalidTwinID is returned when the payload twin id is not a UUID
	ErrInvalidTwinID = errors.New("invalid twin id in job payload")
)

// Job is the queue message driving one twin through the processing pipeline.
// The twin id doubles as the idempotency token; redundant deliveries of the
// same job collapse at the worker's terminal-state check.
type Job struct {
	Kind       string    `json:"kind"`
	TwinID     string    `json:"twin_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewProcessTwinJob builds a first-attempt processing job for a twin.
// Attempts are 1-based: the attempt budget counts total tries.
func NewProcessTwinJob(twinID string) *Job {
	return &Job{
		Kind:       JobKindProcessTwin,
		TwinID:     twinID,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
}

// NextAttempt derives the redelivery job published after a transient failure
func (j *Job) NextAttempt() *Job {
	return &Job{
		Kind:       j.Kind,
		TwinID:     j.TwinID,
		Attempt:    j.Attempt + 1,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Marshal encodes the job for publishing
func (j *Job) Marshal() ([]byte, error) {
	body, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return body, nil
}

// Unmarshal decodes and validates a queue payload
func Unmarshal(body []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	if job.Kind != JobKindProcessTwin {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
	}

	if _, err := uuid.Parse(job.TwinID); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTwinID, job.TwinID)
	}

	return &job, nil
}
