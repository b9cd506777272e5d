package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

var (
	// Broker and progress store location
	RedisURL = getEnvWithDefault("REDIS_URL", "redis://localhost:6379/0")

	// HTTP settings
	Port = getEnvWithDefault("PORT", "8080")

	// Filesystem layout
	DownloadsDir = getEnvWithDefault("DOWNLOADS_DIR", "Downloads")
	LogsDir      = getEnvWithDefault("LOGS_DIR", "logs")

	// Quota limits
	MaxDownloadsPerHour = getEnvInt("MAX_DOWNLOADS_PER_HOUR", 10)
	MaxDownloadsPerDay  = getEnvInt("MAX_DOWNLOADS_PER_DAY", 50)
	MaxDurationPerHour  = getEnvInt("MAX_DURATION_PER_HOUR", 120) // minutes
	MaxDurationPerDay   = getEnvInt("MAX_DURATION_PER_DAY", 600)  // minutes
	MaxContentDuration  = getEnvInt("MAX_CONTENT_DURATION", 60)   // minutes per item
	MaxPlaylistItems    = getEnvInt("MAX_PLAYLIST_ITEMS", 100)

	// Platform metadata API credentials (empty disables the Spotify resolver)
	SpotifyClientID     = os.Getenv("SPOTIFY_CLIENT_ID")
	SpotifyClientSecret = os.Getenv("SPOTIFY_CLIENT_SECRET")

	// External executables
	YtdlpPath       = getEnvWithDefault("YTDLP_PATH", "yt-dlp")
	RedisServerPath = getEnvWithDefault("REDIS_SERVER_PATH", "redis-server")
	WorkerCommand   = getEnvWithDefault("WORKER_COMMAND", "offliner-worker")

	// Download processing settings
	MaxDownloadWorkers = getEnvInt("MAX_DOWNLOAD_WORKERS", 4)

	// Progress streaming settings
	SSEPollInterval = time.Duration(getEnvInt("SSE_POLL_INTERVAL_MS", 500)) * time.Millisecond
)

// JobTimeout bounds a single job execution in the worker.
const JobTimeout = 30 * time.Minute

// ProgressTTL is the lifetime of a progress record.
const ProgressTTL = time.Hour

// TempDir is the session scratch root.
func TempDir() string { return filepath.Join(DownloadsDir, "Temp") }

// OutputDir holds staged artifacts for pipeline-owned sessions.
func OutputDir() string { return filepath.Join(DownloadsDir, "Output") }

// ZipDir is the alternate ZIP output location.
func ZipDir() string { return filepath.Join(DownloadsDir, "Zip") }

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
