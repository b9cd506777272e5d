// Package pipeline orchestrates one download job inside a worker: session
// setup, target resolution, the bounded download pool, packaging, staging
// and the terminal progress publication.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"offliner/internal/config"
	"offliner/internal/engine"
	"offliner/internal/progress"
	"offliner/internal/queue"
	"offliner/internal/resolver"
	"offliner/internal/userconfig"

	"github.com/dustin/go-humanize"
)

const allFailedMessage = "Could not download the file."

const terminalErrorMaxLen = 200

// TargetResolver resolves a job's inputs into download targets.
type TargetResolver interface {
	Resolve(ctx context.Context, req resolver.Request) ([]resolver.Target, error)
}

// Downloader produces one artifact per item request.
type Downloader interface {
	Download(ctx context.Context, req engine.Request, counts engine.Counter) (string, error)
}

// task is one unit of pool work: a target in one mode with its effective
// config.
type task struct {
	target resolver.Target
	mode   string
	config userconfig.UserConfig
}

// Pipeline executes dequeued jobs.
type Pipeline struct {
	store    *progress.Store
	resolver TargetResolver
	engine   Downloader

	tempRoot          string
	outputDir         string
	maxContentSeconds float64
}

// New creates a pipeline using the configured filesystem layout and limits.
func New(store *progress.Store, res TargetResolver, eng Downloader) *Pipeline {
	return &Pipeline{
		store:             store,
		resolver:          res,
		engine:            eng,
		tempRoot:          config.TempDir(),
		outputDir:         config.OutputDir(),
		maxContentSeconds: float64(config.MaxContentDuration) * 60,
	}
}

// Execute runs one job to a terminal progress state. The returned error is
// for worker-side logging only; every failure is already published to the
// progress record before Execute returns.
func (p *Pipeline) Execute(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			msg := truncateError(fmt.Sprintf("internal error: %v", r))
			p.publishError(ctx, job.RequestID, msg)
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	sess, err := newSession(p.tempRoot, job)
	if err != nil {
		p.publishError(ctx, job.RequestID, truncateError(err.Error()))
		return err
	}
	defer sess.teardown()

	p.update(ctx, job.RequestID, map[string]any{
		"temp_dir": sess.Dir,
		"percent":  5,
		"status":   "Preparing...",
		"phase":    progress.PhasePreparing,
	})

	if err := sess.provisionCredentials(job); err != nil {
		p.publishError(ctx, job.RequestID, truncateError(err.Error()))
		return err
	}

	targets, err := p.resolveTargets(ctx, job, sess)
	if err != nil {
		p.publishError(ctx, job.RequestID, truncateError(err.Error()))
		return err
	}

	tasks := buildTasks(targets, job)
	if len(tasks) == 0 {
		p.publishError(ctx, job.RequestID, "No results found for your request.")
		return resolver.ErrNoResults
	}

	result := NewResult(job.RequestID, len(tasks))
	p.update(ctx, job.RequestID, map[string]any{
		"total_items":     len(tasks),
		"completed_items": 0,
		"percent":         15,
		"status":          "Downloading...",
		"phase":           progress.PhaseDownloading,
	})

	cancelled := p.runPool(ctx, job, sess, tasks, result)
	if cancelled {
		p.publishCancelled(ctx, job.RequestID)
		return nil
	}

	if result.AllFailed() {
		p.publishError(ctx, job.RequestID, allFailedMessage)
		return fmt.Errorf("all %d items failed", result.Total())
	}

	artifact, err := p.finalize(ctx, job, sess, result)
	if err != nil {
		p.publishError(ctx, job.RequestID, truncateError(err.Error()))
		return err
	}

	p.publishDone(ctx, job, result, artifact)
	return nil
}

// resolveTargets maps the job onto a resolver request and runs it.
func (p *Pipeline) resolveTargets(ctx context.Context, job *queue.Job, sess *Session) ([]resolver.Target, error) {
	p.update(ctx, job.RequestID, map[string]any{
		"percent": 10,
		"status":  "Fetching media information...",
	})

	return p.resolver.Resolve(ctx, resolver.Request{
		RawInput:     job.RawInput,
		PlaylistMode: job.PlaylistMode,
		SelectedURLs: job.SelectedURLs,
		PreferMusic:  job.Config.PreferAlternateSource && job.Config.WantAudio,
		CookieFile:   sess.CookieFile,
		Workers:      job.Config.MaxDownloadWorkers,
	})
}

// buildTasks expands targets into per-mode tasks. An item override narrows
// a target to a single mode and may swap its container; otherwise the
// request-level want_audio/want_video flags apply.
func buildTasks(targets []resolver.Target, job *queue.Job) []task {
	var tasks []task
	for _, target := range targets {
		cfg := job.Config
		modes := []string{}
		if cfg.WantAudio {
			modes = append(modes, userconfig.ModeAudio)
		}
		if cfg.WantVideo {
			modes = append(modes, userconfig.ModeVideo)
		}

		if ov, ok := lookupOverride(job.ItemConfigs, target); ok {
			if ov.AudioFormat != "" {
				cfg.AudioFormat = ov.AudioFormat
			}
			if ov.VideoFormat != "" {
				cfg.VideoFormat = ov.VideoFormat
			}
			if ov.Mode != "" {
				modes = []string{ov.Mode}
			}
		}

		for _, mode := range modes {
			tasks = append(tasks, task{target: target, mode: mode, config: cfg})
		}
	}
	return tasks
}

func lookupOverride(overrides map[string]userconfig.ItemOverride, target resolver.Target) (userconfig.ItemOverride, bool) {
	if ov, ok := overrides[target.URL]; ok {
		return ov, true
	}
	if target.ID != "" {
		if ov, ok := overrides[target.ID]; ok {
			return ov, true
		}
	}
	return userconfig.ItemOverride{}, false
}

// runPool fans tasks out across a bounded worker pool and reports whether
// cancellation was observed. Item failures are recorded on the accumulator;
// only cancellation stops the pool early.
func (p *Pipeline) runPool(ctx context.Context, job *queue.Job, sess *Session, tasks []task, result *Result) bool {
	workers := job.Config.MaxDownloadWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	var cancelled atomic.Bool
	work := make(chan task)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range work {
				if cancelled.Load() || p.isCancelled(ctx, job.RequestID) {
					cancelled.Store(true)
					result.FinishTask(t.mode, "", true)
					continue
				}
				p.runTask(ctx, job, sess, t, result, &cancelled)
			}
		}()
	}

	for _, t := range tasks {
		if cancelled.Load() {
			break
		}
		work <- t
	}
	close(work)
	wg.Wait()

	return cancelled.Load() || p.isCancelled(ctx, job.RequestID)
}

func (p *Pipeline) runTask(ctx context.Context, job *queue.Job, sess *Session, t task, result *Result, cancelled *atomic.Bool) {
	if p.maxContentSeconds > 0 && t.target.DurationSeconds >= p.maxContentSeconds {
		slog.Warn("Skipping item over the duration cap",
			"request_id", job.RequestID, "title", t.target.Title,
			"duration_s", t.target.DurationSeconds)
		p.finishTask(ctx, job.RequestID, result, t.mode, "", true)
		return
	}

	path, err := p.engine.Download(ctx, engine.Request{
		RequestID:  job.RequestID,
		SessionDir: sess.Dir,
		CookieFile: sess.CookieFile,
		Target:     t.target,
		Mode:       t.mode,
		Config:     t.config,
	}, result)
	if err != nil {
		if errors.Is(err, engine.ErrCancelled) || ctx.Err() != nil {
			cancelled.Store(true)
		} else {
			slog.Error("Item download failed",
				"request_id", job.RequestID, "title", t.target.Title,
				"mode", t.mode, "error", err)
		}
		p.finishTask(ctx, job.RequestID, result, t.mode, "", true)
		return
	}
	p.finishTask(ctx, job.RequestID, result, t.mode, path, false)
}

func (p *Pipeline) finishTask(ctx context.Context, requestID string, result *Result, mode, path string, failed bool) {
	completed := result.FinishTask(mode, path, failed)
	p.update(ctx, requestID, map[string]any{
		"completed_items": completed,
		"percent":         result.ProgressPct(),
	})
}

// finalize packages multi-file results into a ZIP and stages the artifact
// out of owned sessions so teardown cannot take it along.
func (p *Pipeline) finalize(ctx context.Context, job *queue.Job, sess *Session, result *Result) (string, error) {
	p.update(ctx, job.RequestID, map[string]any{
		"percent": 95,
		"status":  "Finalizing...",
		"phase":   progress.PhaseFinalizing,
		"speed":   "",
		"eta":     "",
	})

	files := result.Files()
	var artifact string
	switch len(files) {
	case 0:
		return "", fmt.Errorf("no files produced")
	case 1:
		artifact = files[0]
	default:
		name := job.RawInput
		if job.PlaylistMode || name == "" {
			name = "offliner_playlist"
		}
		zipPath, err := packZip(sess.Dir, name, files)
		if err != nil {
			return "", err
		}
		artifact = zipPath
	}

	if sess.owned {
		staged, err := stage(artifact, p.outputDir)
		if err != nil {
			return "", err
		}
		artifact = staged
	}
	return artifact, nil
}

func (p *Pipeline) publishDone(ctx context.Context, job *queue.Job, result *Result, artifact string) {
	detail := "Ready to download"
	if notes := result.Notes(); len(notes) > 0 {
		detail = detail + ". " + strings.Join(notes, " ")
	}
	p.update(ctx, job.RequestID, map[string]any{
		"percent":   100,
		"status":    "Done!",
		"detail":    detail,
		"phase":     progress.PhaseDone,
		"complete":  true,
		"file_path": artifact,
		"speed":     "",
		"eta":       "",
	})

	size := int64(0)
	if info, err := os.Stat(artifact); err == nil {
		size = info.Size()
	}
	audioOK, audioErr, videoOK, videoErr := result.Counts()
	slog.Info("Job completed",
		"request_id", job.RequestID,
		"artifact", artifact,
		"size", humanize.Bytes(uint64(size)),
		"audio_ok", audioOK, "audio_err", audioErr,
		"video_ok", videoOK, "video_err", videoErr)
}

func (p *Pipeline) publishError(ctx context.Context, requestID, message string) {
	p.update(ctx, requestID, map[string]any{
		"percent":  100,
		"status":   "Error",
		"phase":    progress.PhaseError,
		"complete": true,
		"error":    message,
		"speed":    "",
		"eta":      "",
	})
}

func (p *Pipeline) publishCancelled(ctx context.Context, requestID string) {
	p.update(ctx, requestID, map[string]any{
		"percent":  100,
		"status":   "Cancelled",
		"phase":    progress.PhaseCancelled,
		"complete": true,
		"error":    progress.CancelMessage,
		"speed":    "",
		"eta":      "",
	})
	slog.Info("Job cancelled by client", "request_id", requestID)
}

func (p *Pipeline) update(ctx context.Context, requestID string, fields map[string]any) {
	if err := p.store.Update(ctx, requestID, fields); err != nil {
		slog.Warn("Failed to update progress record", "request_id", requestID, "error", err)
	}
}

func (p *Pipeline) isCancelled(ctx context.Context, requestID string) bool {
	cancelled, err := p.store.IsCancelled(ctx, requestID)
	return err == nil && cancelled
}

func truncateError(msg string) string {
	if len(msg) > terminalErrorMaxLen {
		return msg[:terminalErrorMaxLen]
	}
	return msg
}
