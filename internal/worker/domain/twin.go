package domain

import "encoding/json"

// Twin statuses as stored in the twins table.
const (
	StatusDraft      = "draft"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// Terminal reports whether a status admits no further pipeline transitions.
func Terminal(status string) bool {
	return status == StatusReady || status == StatusFailed
}

// Twin is the worker's view of a twin row: identity, pipeline state and the
// media the trainer needs.
type Twin struct {
	TwinID             string
	UserID             string
	Name               string
	Language           string
	VoiceSettings      json.RawMessage
	Status             string
	VoiceSampleKey     string
	FaceImageKeys      []string
	ProcessingAttempts int
}

// TwinMessage carries a decoded queue delivery through the worker pool.
type TwinMessage struct {
	TwinID      string
	Attempt     int
	DeliveryTag uint64
}
