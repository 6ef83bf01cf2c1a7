package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/matrxe/twin-service/internal/api/dto"
)

const maxPresignTTL = time.Hour

// PresignUpload handles POST /api/v1/uploads/presign
// Issues a time-limited direct-upload URL so large media can bypass the API
// body limit. The returned key is what clients later reference in twin
// creation.
func (h *TwinHandler) PresignUpload(c *gin.Context) {
	if _, ok := ActorFromContext(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing actor identity"})
		return
	}

	var req dto.PresignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid presign request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if !strings.HasPrefix(req.ContentType, "audio/") && !strings.HasPrefix(req.ContentType, "image/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content_type must be audio/* or image/*"})
		return
	}

	ttl := h.presignTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl > maxPresignTTL {
		ttl = maxPresignTTL
	}

	grant, err := h.objectStore.Presign(c.Request.Context(), req.Filename, req.ContentType, ttl)
	if err != nil {
		h.logger.Error("Failed to presign upload", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to presign upload"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":        grant.URL,
		"key":        grant.Key,
		"expires_in": int(ttl.Seconds()),
	})
}
