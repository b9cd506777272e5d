package endpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// HandleStreamProgress emits the progress record for a request as
// server-sent events until the job reaches a terminal state. A client
// disconnect before that point flags the job for cancellation.
func HandleStreamProgress(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.Param("request_id")

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		ctx := c.Request.Context()
		if !emitProgress(c, svc, requestID) {
			cancelIfDisconnected(c, svc, requestID)
			return
		}

		ticker := time.NewTicker(svc.PollInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				cancelAfterDisconnect(svc, requestID)
				return
			case <-ticker.C:
				if !emitProgress(c, svc, requestID) {
					cancelIfDisconnected(c, svc, requestID)
					return
				}
			}
		}
	}
}

// emitProgress writes one SSE frame and reports whether streaming should
// continue.
func emitProgress(c *gin.Context, svc JobService, requestID string) bool {
	record, err := svc.Observe(c.Request.Context(), requestID)
	if err != nil {
		slog.Warn("Failed to read progress record", "request_id", requestID, "error", err)
		return false
	}

	payload, err := json.Marshal(record)
	if err != nil {
		slog.Warn("Failed to encode progress record", "request_id", requestID, "error", err)
		return false
	}

	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
		return false
	}
	c.Writer.Flush()

	return !record.Complete() && record.Err() == ""
}

// cancelIfDisconnected covers emit failures caused by the client going
// away, so a job is flagged even when the observe or write error beats the
// context branch to the exit.
func cancelIfDisconnected(c *gin.Context, svc JobService, requestID string) {
	if c.Request.Context().Err() != nil {
		cancelAfterDisconnect(svc, requestID)
	}
}

// cancelAfterDisconnect flags the job so the worker stops spending
// bandwidth on a stream nobody is watching.
func cancelAfterDisconnect(svc JobService, requestID string) {
	if err := svc.Cancel(context.Background(), requestID); err != nil {
		slog.Warn("Failed to flag cancellation after disconnect",
			"request_id", requestID, "error", err)
	}
}
