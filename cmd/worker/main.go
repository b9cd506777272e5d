package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"offliner/internal/config"
	"offliner/internal/engine"
	"offliner/internal/media"
	"offliner/internal/pipeline"
	"offliner/internal/progress"
	"offliner/internal/queue"
	"offliner/internal/resolver"
	"offliner/internal/sponsorblock"
	"offliner/internal/spotify"

	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	// Initialize structured logging with JSON handler
	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(config.LogsDir, "worker.log"),
		MaxSize:    5, // megabytes
		MaxBackups: 3,
	}
	jsonHandler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, logFile), &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler))

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize job queue
	jobQueue, err := queue.NewQueue(ctx)
	if err != nil {
		slog.Error("Failed to connect to job queue", "error", err)
		os.Exit(1)
	}
	defer jobQueue.Close()

	// Initialize progress store
	store, err := progress.NewStore(ctx)
	if err != nil {
		slog.Error("Failed to connect to progress store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	runner := media.NewCommandRunner(config.YtdlpPath)

	// The tool is mandatory; refuse to take jobs we cannot process.
	version, err := runner.Version(ctx)
	if err != nil {
		slog.Error("Media tool unavailable", "error", err)
		os.Exit(1)
	}
	slog.Info("Media tool ready", "version", version)

	// Spotify translation is optional; without credentials those links are
	// rejected at resolution time.
	spotifyClient, err := spotify.NewClient(ctx, config.SpotifyClientID, config.SpotifyClientSecret)
	if err != nil {
		if !errors.Is(err, spotify.ErrNotConfigured) {
			slog.Error("Failed to create Spotify client", "error", err)
			os.Exit(1)
		}
		slog.Info("Spotify credentials not configured, translation disabled")
	}

	res := resolver.New(runner, spotifyClient)
	eng := engine.New(runner, store, sponsorblock.NewClient(""))
	pipe := pipeline.New(store, res, eng)

	slog.Info("Worker started, waiting for jobs...")

	// Main worker loop
	for {
		select {
		case <-ctx.Done():
			slog.Info("Context cancelled, shutting down")
			return
		case sig := <-sigChan:
			slog.Info("Received signal, shutting down gracefully", "signal", sig)
			cancel()
			return
		default:
			// Dequeue job (blocks until job available or timeout)
			job, err := jobQueue.Dequeue(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				slog.Error("Failed to dequeue job", "error", err)
				continue
			}

			if job == nil {
				// Timeout, no job available - loop continues
				continue
			}

			// Mark the job running exactly once; a requeue duplicate is
			// dropped here.
			started, err := jobQueue.StartJob(ctx, job.RequestID)
			if err != nil {
				slog.Error("Failed to mark job as started", "error", err, "request_id", job.RequestID)
				jobQueue.FailJob(ctx, job, "Failed to mark job as started")
				continue
			}
			if !started {
				slog.Warn("Job already running, skipping duplicate", "request_id", job.RequestID)
				continue
			}

			// Process the job - use a function to ensure defer runs
			func() {
				defer func() {
					if err := jobQueue.CompleteJob(ctx, job.RequestID); err != nil {
						slog.Error("Failed to mark job complete", "error", err, "request_id", job.RequestID)
					}
				}()

				slog.Info("Processing job", "request_id", job.RequestID, "playlist_mode", job.PlaylistMode)

				jobCtx, jobCancel := context.WithTimeout(ctx, config.JobTimeout)
				defer jobCancel()

				if err := pipe.Execute(jobCtx, job); err != nil {
					slog.Error("Job processing failed", "error", err, "request_id", job.RequestID)
					jobQueue.FailJob(ctx, job, err.Error())
				} else {
					slog.Info("Job completed", "request_id", job.RequestID)
				}
			}()
		}
	}
}
