package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"offliner/internal/progress"
	"offliner/internal/quota"
	"offliner/internal/service"
	"offliner/internal/userconfig"

	"github.com/gin-gonic/gin"
)

// HandleDownload accepts a download submission and returns its request id.
// The form carries the raw input plus JSON-encoded config blobs; `duration`
// and `item_durations` come from the preview probe and feed the quota
// windows.
func HandleDownload(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := parseSubmission(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.ClientID = c.ClientIP()

		requestID, err := svc.Submit(c.Request.Context(), req)
		if err != nil {
			var violation *quota.Violation
			switch {
			case errors.As(err, &violation):
				c.JSON(http.StatusTooManyRequests, gin.H{
					"error":  violation.Error(),
					"reason": violation.Reason,
				})
			case errors.Is(err, service.ErrInvalidInput):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, progress.ErrExists):
				c.JSON(http.StatusConflict, gin.H{"error": "Request already in progress"})
			default:
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{"request_id": requestID})
	}
}

func parseSubmission(c *gin.Context) (service.SubmitRequest, error) {
	req := service.SubmitRequest{
		RawInput:     c.PostForm("inputURL"),
		PlaylistMode: c.PostForm("is_playlist_mode") == "true",
		Config:       userconfig.Default(),
	}

	if raw := c.PostForm("selected_urls"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.SelectedURLs); err != nil {
			return req, errors.New("selected_urls is not a valid JSON array")
		}
	}
	if raw := c.PostForm("user_config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Config); err != nil {
			return req, errors.New("user_config is not valid JSON")
		}
	}
	if raw := c.PostForm("item_configs"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.ItemConfigs); err != nil {
			return req, errors.New("item_configs is not valid JSON")
		}
	}

	if raw := c.PostForm("duration"); raw != "" {
		seconds, err := strconv.ParseFloat(raw, 64)
		if err != nil || seconds < 0 {
			return req, errors.New("duration must be a non-negative number")
		}
		req.DurationSeconds = seconds
	}
	if raw := c.PostForm("item_durations"); raw != "" && req.DurationSeconds == 0 {
		var items []float64
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return req, errors.New("item_durations is not a valid JSON array")
		}
		for _, seconds := range items {
			if seconds > 0 {
				req.DurationSeconds += seconds
			}
		}
	}

	return req, nil
}
