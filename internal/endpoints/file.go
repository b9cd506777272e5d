package endpoints

import (
	"errors"
	"net/http"
	"path/filepath"

	"offliner/internal/service"

	"github.com/gin-gonic/gin"
)

// HandleDownloadFile streams the finished artifact as an attachment, then
// tears down what the request left on disk.
func HandleDownloadFile(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.Param("request_id")

		path, err := svc.Artifact(c.Request.Context(), requestID)
		if err != nil {
			switch {
			case errors.Is(err, service.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			case errors.Is(err, service.ErrNotReady):
				c.JSON(http.StatusNotFound, gin.H{"error": "File not ready"})
			default:
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			}
			return
		}

		c.FileAttachment(path, filepath.Base(path))
		svc.Cleanup(requestID)
	}
}
