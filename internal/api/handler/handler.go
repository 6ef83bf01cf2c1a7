package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/matrxe/twin-service/internal/api/dto"
	"github.com/matrxe/twin-service/internal/api/model"
	"github.com/matrxe/twin-service/internal/api/storage"
	"github.com/matrxe/twin-service/internal/config"
	"github.com/matrxe/twin-service/shared/objectstore"
)

// TwinStore is the persistence surface the handlers need.
type TwinStore interface {
	CreateTwin(ctx context.Context, twin *model.Twin) error
	GetTwinByID(ctx context.Context, twinID string) (*model.Twin, error)
	ListTwins(ctx context.Context, filter storage.TwinFilter) ([]model.Twin, error)
	SetAttachmentKeys(ctx context.Context, twinID string, voiceSampleKey string, faceImageKeys []string) error
	MarkQueued(ctx context.Context, twinID string) error
	RetryTwin(ctx context.Context, twinID string) (*model.Twin, error)
	DeleteTwin(ctx context.Context, twinID string) error
}

// ObjectStore persists twin media blobs.
type ObjectStore interface {
	Store(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Presign(ctx context.Context, filename, contentType string, ttl time.Duration) (*objectstore.PresignedUpload, error)
	RemovePrefix(ctx context.Context, prefix string) error
}

// Publisher hands jobs off to the processing queue.
type Publisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Store       TwinStore
	ObjectStore ObjectStore
	Publisher   Publisher
	Upload      config.UploadConfig
	Limits      dto.Limits
	PresignTTL  time.Duration
}

// TwinHandler handles twin-related HTTP requests
type TwinHandler struct {
	logger      *slog.Logger
	store       TwinStore
	objectStore ObjectStore
	publisher   Publisher
	upload      config.UploadConfig
	limits      dto.Limits
	presignTTL  time.Duration
}

// NewTwinHandler creates a new TwinHandler instance
func NewTwinHandler(deps *Dependencies) *TwinHandler {
	return &TwinHandler{
		logger:      deps.Logger,
		store:       deps.Store,
		objectStore: deps.ObjectStore,
		publisher:   deps.Publisher,
		upload:      deps.Upload,
		limits:      deps.Limits,
		presignTTL:  deps.PresignTTL,
	}
}
