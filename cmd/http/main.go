package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"offliner/internal/config"
	"offliner/internal/media"
	"offliner/internal/progress"
	"offliner/internal/queue"
	"offliner/internal/quota"
	"offliner/internal/server"
	"offliner/internal/service"
	"offliner/internal/supervisor"

	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	// Initialize structured logging to stdout and a rotating file
	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(config.LogsDir, "app.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 10,
	}
	jsonHandler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, logFile), &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler))

	cleanDirectories()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Bring up the broker and the worker subprocess
	super := supervisor.New()
	if err := super.EnsureBroker(ctx); err != nil {
		slog.Error("Failed to ensure broker", "error", err)
		os.Exit(1)
	}
	defer super.Shutdown()

	if err := super.StartWorker(); err != nil {
		slog.Error("Failed to start worker", "error", err)
		os.Exit(1)
	}

	store, err := progress.NewStore(ctx)
	if err != nil {
		slog.Error("Failed to connect to progress store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	jobQueue, err := queue.NewQueue(ctx)
	if err != nil {
		slog.Error("Failed to connect to job queue", "error", err)
		os.Exit(1)
	}
	defer jobQueue.Close()

	tracker := quota.NewTracker(quota.DefaultLimits())
	runner := media.NewCommandRunner(config.YtdlpPath)
	svc := service.New(store, jobQueue, tracker)

	srv := server.NewServer(config.Port, svc, runner)

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed to start", "error", err)
			cancel()
		}
	}()

	slog.Info("Offliner HTTP server started", "port", config.Port)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("Context cancelled")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	} else {
		slog.Info("Server exited gracefully")
	}
}

// cleanDirectories resets the scratch directories and makes sure the
// output and log locations exist.
func cleanDirectories() {
	for _, dir := range []string{config.TempDir(), config.ZipDir()} {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("Failed to clear directory", "dir", dir, "error", err)
		}
	}
	for _, dir := range []string{config.TempDir(), config.ZipDir(), config.OutputDir(), config.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Warn("Failed to create directory", "dir", dir, "error", err)
		}
	}
}
