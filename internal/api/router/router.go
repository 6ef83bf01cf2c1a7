package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/matrxe/twin-service/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "twin-api-service",
		})
	})

	twinHandler := handler.NewTwinHandler(deps)

	// API v1 routes; everything below requires a caller identity
	v1 := r.Group("/api/v1")
	v1.Use(ActorMiddleware())
	{
		twins := v1.Group("/twins")
		{
			// POST /api/v1/twins - Create a twin, optionally with media
			twins.POST("", twinHandler.CreateTwin)

			// GET /api/v1/twins - List the caller's twins with pagination
			twins.GET("", twinHandler.ListTwins)

			// GET /api/v1/twins/:twin_id - Get twin details
			twins.GET("/:twin_id", twinHandler.GetTwin)

			// GET /api/v1/twins/:twin_id/status - Pipeline view of a twin
			twins.GET("/:twin_id/status", twinHandler.ProcessingStatus)

			// POST /api/v1/twins/:twin_id/retry - Requeue a failed twin
			twins.POST("/:twin_id/retry", twinHandler.RetryTwin)

			// DELETE /api/v1/twins/:twin_id - Delete a twin and its media
			twins.DELETE("/:twin_id", twinHandler.DeleteTwin)
		}

		uploads := v1.Group("/uploads")
		{
			// POST /api/v1/uploads/presign - Direct-upload grant
			uploads.POST("/presign", twinHandler.PresignUpload)
		}
	}

	return r
}
