package endpoints

import (
	"log/slog"
	"net/http"

	"offliner/internal/media"
	"offliner/internal/resolver"

	"github.com/gin-gonic/gin"
)

// MediaEntry is one playlist item in a preview response.
type MediaEntry struct {
	ID           string  `json:"id"`
	URL          string  `json:"url"`
	Title        string  `json:"title"`
	Uploader     string  `json:"uploader"`
	Duration     float64 `json:"duration"`
	DurationText string  `json:"duration_text"`
	Thumbnail    string  `json:"thumbnail"`
}

// MediaInfoResponse is the preview payload the front-end renders before a
// submission. Spotify links carry only the platform tag; their metadata is
// resolved during the job itself.
type MediaInfoResponse struct {
	Platform     string       `json:"platform"`
	IsPlaylist   bool         `json:"is_playlist"`
	ID           string       `json:"id,omitempty"`
	Title        string       `json:"title,omitempty"`
	Uploader     string       `json:"uploader,omitempty"`
	Duration     float64      `json:"duration,omitempty"`
	DurationText string       `json:"duration_text,omitempty"`
	Thumbnail    string       `json:"thumbnail,omitempty"`
	Entries      []MediaEntry `json:"entries,omitempty"`
}

// HandleMediaInfo probes a URL for preview metadata without downloading.
func HandleMediaInfo(runner media.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Query("url")
		if raw == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "url query parameter is required"})
			return
		}

		platform := resolver.DetectPlatform(raw)
		if platform == resolver.PlatformUnknown {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported URL"})
			return
		}
		isPlaylist := resolver.IsPlaylistURL(raw)

		if platform == resolver.PlatformSpotify {
			c.JSON(http.StatusOK, MediaInfoResponse{
				Platform:   platform.String(),
				IsPlaylist: isPlaylist,
			})
			return
		}

		ctx := c.Request.Context()
		opts := media.BaseOptions("")

		if isPlaylist {
			info, err := runner.FlatPlaylist(ctx, raw, opts)
			if err != nil {
				slog.Warn("Playlist preview probe failed", "error", err)
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Could not read playlist"})
				return
			}
			resp := MediaInfoResponse{
				Platform:   platform.String(),
				IsPlaylist: true,
				Title:      info.Title,
			}
			for _, entry := range info.Entries {
				resp.Entries = append(resp.Entries, MediaEntry{
					ID:           entry.ID,
					URL:          entry.WatchURL(),
					Title:        entry.Title,
					Uploader:     entry.Author(),
					Duration:     entry.Duration,
					DurationText: entry.DurationText(),
					Thumbnail:    entry.ThumbnailURL(),
				})
			}
			c.JSON(http.StatusOK, resp)
			return
		}

		info, err := runner.Probe(ctx, raw, opts)
		if err != nil {
			slog.Warn("Preview probe failed", "error", err)
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Could not read media info"})
			return
		}
		c.JSON(http.StatusOK, MediaInfoResponse{
			Platform:     platform.String(),
			IsPlaylist:   false,
			ID:           info.ID,
			Title:        info.Title,
			Uploader:     info.Author(),
			Duration:     info.Duration,
			DurationText: info.DurationText(),
			Thumbnail:    info.BestThumbnail(),
		})
	}
}
