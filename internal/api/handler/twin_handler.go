package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/matrxe/twin-service/internal/api/domain"
	"github.com/matrxe/twin-service/internal/api/dto"
	"github.com/matrxe/twin-service/internal/api/model"
	"github.com/matrxe/twin-service/internal/api/storage"
	"github.com/matrxe/twin-service/shared/objectstore"
	"github.com/matrxe/twin-service/shared/pipeline"
)

// CreateTwin handles POST /api/v1/twins
// Accepts a multipart form with twin metadata plus optional voice and face
// attachments. A twin with attachments is persisted, its media stored, and a
// processing job enqueued. The response always carries the status the record
// actually has, so an enqueue failure surfaces as a created twin still in
// draft rather than a phantom "queued".
func (h *TwinHandler) CreateTwin(c *gin.Context) {
	userID, ok := ActorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing actor identity"})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		h.logger.Error("Invalid multipart form", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart form"})
		return
	}

	req, err := dto.ParseCreateTwin(form, h.limits)
	if err != nil {
		h.respondParseError(c, err)
		return
	}

	now := time.Now()
	twin := model.Twin{
		TwinID:          uuid.New().String(),
		UserID:          userID,
		Name:            req.Name,
		Description:     nullString(req.Description),
		Language:        req.Language,
		VoiceSettings:   req.VoiceSettings,
		PersonalityTags: req.PersonalityTags,
		Status:          string(domain.StatusDraft),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := h.store.CreateTwin(c.Request.Context(), &twin); err != nil {
		h.logger.Error("Failed to create twin", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create twin"})
		return
	}

	status := domain.StatusDraft
	if req.HasAttachments() {
		status = h.ingestAttachments(c, &twin, req)
		if status == "" {
			return // response already written
		}
	}

	c.JSON(http.StatusCreated, dto.CreateTwinResponse{
		ID:     twin.TwinID,
		Status: string(status),
	})
}

// ingestAttachments stores the uploaded media, records the object keys and
// enqueues the processing job. It returns the status the twin ends up in, or
// "" when it already wrote an error response. Blob and record cleanup runs on
// storage failure so a 500 never leaves half a twin behind.
func (h *TwinHandler) ingestAttachments(c *gin.Context, twin *model.Twin, req *dto.CreateTwinRequest) domain.Status {
	ctx := c.Request.Context()

	voiceKey, faceKeys, err := h.storeAttachments(ctx, twin.TwinID, req)
	if err != nil {
		h.logger.Error("Failed to store attachments",
			slog.String("twin_id", twin.TwinID),
			slog.String("error", err.Error()),
		)
		h.cleanupTwin(twin.TwinID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store attachments"})
		return ""
	}

	if err := h.store.SetAttachmentKeys(ctx, twin.TwinID, voiceKey, faceKeys); err != nil {
		h.logger.Error("Failed to record attachment keys",
			slog.String("twin_id", twin.TwinID),
			slog.String("error", err.Error()),
		)
		h.cleanupTwin(twin.TwinID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store attachments"})
		return ""
	}

	if err := h.enqueueProcessing(ctx, twin.TwinID); err != nil {
		// The twin exists with its media; it just was not handed to the
		// pipeline. Report the status it really has.
		h.logger.Error("Failed to enqueue processing job",
			slog.String("twin_id", twin.TwinID),
			slog.String("error", err.Error()),
		)
		return domain.StatusDraft
	}

	if err := h.store.MarkQueued(ctx, twin.TwinID); err != nil {
		if errors.Is(err, domain.ErrStaleStatus) {
			// A worker already claimed the job. Report what the row says now.
			if current, gerr := h.store.GetTwinByID(ctx, twin.TwinID); gerr == nil {
				return domain.Status(current.Status)
			}
			return domain.StatusQueued
		}
		h.logger.Error("Failed to mark twin queued",
			slog.String("twin_id", twin.TwinID),
			slog.String("error", err.Error()),
		)
		return domain.StatusDraft
	}

	return domain.StatusQueued
}

// storeAttachments writes each blob under the twin's namespace, retrying
// transient object store failures a bounded number of times per blob.
func (h *TwinHandler) storeAttachments(ctx context.Context, twinID string, req *dto.CreateTwinRequest) (string, []string, error) {
	var voiceKey string
	if req.VoiceSample != nil {
		key := objectstore.BuildObjectKey(twinID, domain.RoleVoiceSample, 0, req.VoiceSample.Filename)
		stored, err := h.storeBlob(ctx, key, req.VoiceSample)
		if err != nil {
			return "", nil, err
		}
		voiceKey = stored
	}

	faceKeys := make([]string, 0, len(req.FaceImages))
	for i, img := range req.FaceImages {
		key := objectstore.BuildObjectKey(twinID, domain.RoleFaceImage, i, img.Filename)
		stored, err := h.storeBlob(ctx, key, img)
		if err != nil {
			return "", nil, err
		}
		faceKeys = append(faceKeys, stored)
	}

	return voiceKey, faceKeys, nil
}

func (h *TwinHandler) storeBlob(ctx context.Context, key string, att *dto.Attachment) (string, error) {
	var lastErr error
	for attempt := 0; attempt < h.upload.StoreRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(h.upload.StoreRetryDelay):
			}
		}

		stored, err := h.objectStore.Store(ctx, key, att.Data, att.ContentType)
		if err == nil {
			return stored, nil
		}
		lastErr = err
	}

	return "", &domain.StorageError{Key: key, Err: lastErr}
}

func (h *TwinHandler) enqueueProcessing(ctx context.Context, twinID string) error {
	job := pipeline.NewProcessTwinJob(twinID)
	body, err := job.Marshal()
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, body, pipeline.ContentTypeJSON)
}

// cleanupTwin removes the record and any blobs already written for it.
// Best effort; failures are logged and left for a sweeper.
func (h *TwinHandler) cleanupTwin(twinID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.objectStore.RemovePrefix(ctx, objectstore.TwinPrefix(twinID)); err != nil {
		h.logger.Error("Failed to clean up twin blobs",
			slog.String("twin_id", twinID),
			slog.String("error", err.Error()),
		)
	}
	if err := h.store.DeleteTwin(ctx, twinID); err != nil && !errors.Is(err, domain.ErrTwinNotFound) {
		h.logger.Error("Failed to clean up twin record",
			slog.String("twin_id", twinID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *TwinHandler) respondParseError(c *gin.Context, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "Validation failed",
			"field":  verr.Field,
			"detail": verr.Reason,
		})
		return
	}

	var tooLarge *domain.PayloadTooLargeError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "Attachment too large",
			"field": tooLarge.Field,
			"limit": tooLarge.Limit,
		})
		return
	}

	h.logger.Error("Failed to parse create request", slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
}

// GetTwin handles GET /api/v1/twins/:twin_id
func (h *TwinHandler) GetTwin(c *gin.Context) {
	twin, ok := h.fetchOwnedTwin(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, toTwinResponse(twin))
}

// ListTwins handles GET /api/v1/twins
// Lists the caller's twins with optional status filtering and cursor
// pagination.
func (h *TwinHandler) ListTwins(c *gin.Context) {
	userID, ok := ActorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing actor identity"})
		return
	}

	var req dto.ListTwinsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameters"})
		return
	}

	if req.Status != "" && !domain.Status(req.Status).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status filter"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeTwinCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
		return
	}

	filter := storage.TwinFilter{
		UserID:   userID,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	twins, err := h.store.ListTwins(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list twins", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list twins"})
		return
	}

	hasMore := len(twins) > req.PageSize
	if hasMore {
		twins = twins[:req.PageSize]
	}

	twinResponse := make([]dto.TwinResponse, len(twins))
	for i := range twins {
		twinResponse[i] = toTwinResponse(&twins[i])
	}

	var nextCursor string
	if hasMore {
		last := twins[len(twins)-1]
		nextCursor, err = EncodeTwinCursor(&storage.TwinCursor{
			CreatedAt: last.CreatedAt,
			TwinID:    last.TwinID,
		})
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encode next cursor"})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListTwinsResponse{
		Twins:      twinResponse,
		NextCursor: nextCursor,
	})
}

// ProcessingStatus handles GET /api/v1/twins/:twin_id/status
// Exposes the pipeline view of a twin: attempts, failure reason, heartbeat.
func (h *TwinHandler) ProcessingStatus(c *gin.Context) {
	twin, ok := h.fetchOwnedTwin(c)
	if !ok {
		return
	}

	resp := dto.ProcessingStatusResponse{
		ID:          twin.TwinID,
		Status:      twin.Status,
		Attempts:    twin.ProcessingAttempts,
		Error:       twin.ProcessingError.String,
		ArtifactKey: twin.ArtifactKey.String,
	}
	if twin.ProcessingStartedAt.Valid {
		resp.StartedAt = twin.ProcessingStartedAt.Time.Format(time.RFC3339)
	}
	if twin.ProcessingCompletedAt.Valid {
		resp.CompletedAt = twin.ProcessingCompletedAt.Time.Format(time.RFC3339)
	}
	if twin.ProcessingHeartbeatAt.Valid {
		resp.HeartbeatAt = twin.ProcessingHeartbeatAt.Time.Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, resp)
}

// RetryTwin handles POST /api/v1/twins/:twin_id/retry
// Moves a failed twin back into the queue. Only failed twins are eligible;
// everything else answers 409.
func (h *TwinHandler) RetryTwin(c *gin.Context) {
	twin, ok := h.fetchOwnedTwin(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	refreshed, err := h.store.RetryTwin(ctx, twin.TwinID)
	if err != nil {
		if errors.Is(err, domain.ErrNotRetryable) {
			c.JSON(http.StatusConflict, gin.H{
				"error":  "Only failed twins can be retried",
				"status": twin.Status,
			})
			return
		}
		h.logger.Error("Failed to retry twin",
			slog.String("twin_id", twin.TwinID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retry twin"})
		return
	}

	if err := h.enqueueProcessing(ctx, twin.TwinID); err != nil {
		h.logger.Error("Failed to enqueue retry job",
			slog.String("twin_id", twin.TwinID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue retry"})
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateTwinResponse{
		ID:     refreshed.TwinID,
		Status: refreshed.Status,
	})
}

// DeleteTwin handles DELETE /api/v1/twins/:twin_id
// Removes the record and its blobs. A worker finishing against the deleted
// row lands on a zero-row update and drops the result.
func (h *TwinHandler) DeleteTwin(c *gin.Context) {
	twin, ok := h.fetchOwnedTwin(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	if err := h.store.DeleteTwin(ctx, twin.TwinID); err != nil {
		if errors.Is(err, domain.ErrTwinNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Twin not found"})
			return
		}
		h.logger.Error("Failed to delete twin",
			slog.String("twin_id", twin.TwinID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete twin"})
		return
	}

	if err := h.objectStore.RemovePrefix(ctx, objectstore.TwinPrefix(twin.TwinID)); err != nil {
		h.logger.Error("Failed to remove twin blobs",
			slog.String("twin_id", twin.TwinID),
			slog.String("error", err.Error()),
		)
	}

	c.Status(http.StatusNoContent)
}

// fetchOwnedTwin resolves the :twin_id path parameter, loads the row and
// enforces ownership. It writes the error response itself and reports
// success through the second return.
func (h *TwinHandler) fetchOwnedTwin(c *gin.Context) (*model.Twin, bool) {
	userID, ok := ActorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing actor identity"})
		return nil, false
	}

	twinID := c.Param("twin_id")
	if _, err := uuid.Parse(twinID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "twin_id must be a valid UUID"})
		return nil, false
	}

	twin, err := h.store.GetTwinByID(c.Request.Context(), twinID)
	if err != nil {
		if errors.Is(err, domain.ErrTwinNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Twin not found"})
			return nil, false
		}
		h.logger.Error("Failed to get twin",
			slog.String("twin_id", twinID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get twin"})
		return nil, false
	}

	if twin.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Twin belongs to another user"})
		return nil, false
	}

	return twin, true
}

func toTwinResponse(twin *model.Twin) dto.TwinResponse {
	return dto.TwinResponse{
		ID:              twin.TwinID,
		Name:            twin.Name,
		Description:     twin.Description.String,
		Language:        twin.Language,
		VoiceSettings:   twin.VoiceSettings,
		PersonalityTags: twin.PersonalityTags,
		Status:          twin.Status,
		VoiceSampleKey:  twin.VoiceSampleKey.String,
		FaceImageKeys:   twin.FaceImageKeys,
		ArtifactKey:     twin.ArtifactKey.String,
		CreatedAt:       twin.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       twin.UpdatedAt.Format(time.RFC3339),
	}
}
