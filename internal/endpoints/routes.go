// Package endpoints holds the gin handlers for the download API. Handlers
// depend on the narrow JobService interface so they can be tested with
// mocks instead of a live broker.
package endpoints

import (
	"context"
	"time"

	"offliner/internal/media"
	"offliner/internal/progress"
	"offliner/internal/service"

	"github.com/gin-gonic/gin"
)

// JobService is the slice of the job layer the handlers consume.
type JobService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (string, error)
	Observe(ctx context.Context, requestID string) (progress.Record, error)
	Cancel(ctx context.Context, requestID string) error
	Artifact(ctx context.Context, requestID string) (string, error)
	Cleanup(requestID string)
	QueueDepth(ctx context.Context) (int64, error)
	PollInterval() time.Duration
}

// SetupRoutes configures all API routes.
func SetupRoutes(r *gin.Engine, svc JobService, runner media.Runner) {
	r.POST("/download", HandleDownload(svc))
	r.GET("/stream_progress/:request_id", HandleStreamProgress(svc))
	r.GET("/download_file/:request_id", HandleDownloadFile(svc))
	r.GET("/media_info", HandleMediaInfo(runner))
	r.GET("/health", HandleHealth(svc))
}

// HandleHealth reports service liveness plus the broker backlog.
func HandleHealth(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		depth, err := svc.QueueDepth(c.Request.Context())
		if err != nil {
			c.JSON(503, gin.H{"status": "degraded", "service": "offliner", "error": "broker unreachable"})
			return
		}
		c.JSON(200, gin.H{"status": "healthy", "service": "offliner", "queue_depth": depth})
	}
}
