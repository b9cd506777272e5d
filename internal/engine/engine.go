// Package engine turns one resolved target into one on-disk artifact. It
// builds the external tool invocation, streams progress into the shared
// store, recognizes a small set of known failures worth a single retry, and
// pins down the produced file afterwards.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"offliner/internal/media"
	"offliner/internal/progress"
	"offliner/internal/resolver"
	"offliner/internal/sponsorblock"
	"offliner/internal/userconfig"
)

// ErrCancelled is returned when the cooperative cancellation flag aborted
// an in-flight download.
var ErrCancelled = errors.New("download cancelled")

// ErrNoPlayableFormats is surfaced verbatim to the user when even the
// pre-flight retry found nothing playable.
var ErrNoPlayableFormats = errors.New("No playable formats. Check your cookies.")

// sponsorSkipNote is published when segment removal failed and the item was
// retried without it.
const sponsorSkipNote = "SponsorBlock failed; continuing without SponsorBlock."

const detailMaxLen = 60

// sponsorFailureMarkers identify tool errors caused by the SponsorBlock
// postprocessor rather than the download itself.
var sponsorFailureMarkers = []string{
	"SponsorBlock",
	"unexpected keyword argument 'action'",
}

// Counter exposes the shared item counters the transfer hook needs to map
// a single item's progress onto the job-wide percent.
type Counter interface {
	Completed() int
	Total() int
}

// NoteRecorder is optionally implemented by the counter. Notes recorded
// through it survive into the terminal record, unlike the transient
// `detail` field that later hooks overwrite.
type NoteRecorder interface {
	RecordNote(note string)
}

// Request describes one download: which target, which mode, with which
// effective config, into which session directory.
type Request struct {
	RequestID  string
	SessionDir string
	CookieFile string
	Target     resolver.Target
	Mode       string
	Config     userconfig.UserConfig
}

// Engine drives the external media tool for single items.
type Engine struct {
	runner  media.Runner
	store   *progress.Store
	sponsor *sponsorblock.Client
}

// New creates an engine. The SponsorBlock client may be nil; segment
// probing is then skipped (removal still works, it just isn't announced).
func New(runner media.Runner, store *progress.Store, sponsor *sponsorblock.Client) *Engine {
	return &Engine{runner: runner, store: store, sponsor: sponsor}
}

// Download produces exactly one artifact for the request and returns its
// path. Per-item failures come back as errors; the caller decides whether
// the job continues.
func (e *Engine) Download(ctx context.Context, req Request, counts Counter) (string, error) {
	opts := buildOptions(req)

	info, opts, err := e.preflight(ctx, req, opts)
	if err != nil {
		return "", err
	}

	target := req.Target
	if target.Title == "" {
		target.Title = info.Title
	}
	if target.Uploader == "" {
		target.Uploader = info.Author()
	}
	if target.ID == "" {
		target.ID = info.ID
	}

	stem := outputStem(target)
	opts.OutputTemplate = filepath.Join(req.SessionDir, stem+".%(ext)s")

	e.announceSegments(ctx, req, target.ID, opts)

	hooks := e.hooks(ctx, req, counts, stem)
	result, err := e.runner.Download(ctx, target.URL, opts, hooks)
	if err != nil {
		result, err = e.retryKnownFailure(ctx, req, target.URL, opts, hooks, counts, err)
	}
	if err != nil {
		if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
			return "", ErrCancelled
		}
		return "", fmt.Errorf("download failed for %q: %w", target.Title, err)
	}

	path, err := e.resolveOutputPath(req, stem, result)
	if err != nil {
		return "", err
	}
	cleanupSidecars(req.SessionDir, stem)

	slog.Info("Item downloaded",
		"request_id", req.RequestID, "title", target.Title, "mode", req.Mode, "path", path)
	return path, nil
}

// preflight probes the target without downloading and verifies at least one
// playable format exists. With cookies in use a storyboard-only listing
// often means the pinned client surface rejected the session, so one retry
// runs with the tool's automatic client selection.
func (e *Engine) preflight(ctx context.Context, req Request, opts media.Options) (*media.Info, media.Options, error) {
	info, err := e.runner.Probe(ctx, req.Target.URL, opts)
	if err == nil && info.HasPlayableFormats() {
		return info, opts, nil
	}

	if opts.CookieFile != "" && opts.PlayerClient != "" {
		retryOpts := opts
		retryOpts.PlayerClient = ""
		retryInfo, retryErr := e.runner.Probe(ctx, req.Target.URL, retryOpts)
		if retryErr == nil && retryInfo.HasPlayableFormats() {
			slog.Info("Pre-flight succeeded with automatic client selection",
				"request_id", req.RequestID, "url", req.Target.URL)
			return retryInfo, retryOpts, nil
		}
	}

	if err != nil {
		return nil, opts, fmt.Errorf("failed to probe %s: %w", req.Target.URL, err)
	}
	return nil, opts, ErrNoPlayableFormats
}

// retryKnownFailure handles the two failure classes worth exactly one
// retry: a broken SponsorBlock postprocessor run eligible to continue
// without segment removal, and a credentialed 400-class client-surface
// rejection eligible for automatic client selection.
func (e *Engine) retryKnownFailure(ctx context.Context, req Request, url string, opts media.Options, hooks media.Hooks, counts Counter, runErr error) (*media.DownloadResult, error) {
	switch {
	case isSponsorFailure(runErr) && len(opts.SponsorBlockRemove) > 0:
		slog.Warn("SponsorBlock postprocessing failed, retrying without segment removal",
			"request_id", req.RequestID, "error", runErr)
		e.update(ctx, req.RequestID, map[string]any{"detail": sponsorSkipNote})
		if rec, ok := counts.(NoteRecorder); ok {
			rec.RecordNote(sponsorSkipNote)
		}
		opts.SponsorBlockRemove = nil
		opts.SponsorBlockAPI = ""
		return e.runner.Download(ctx, url, opts, hooks)

	case isClientSurfaceFailure(runErr) && opts.CookieFile != "" && opts.PlayerClient != "":
		slog.Warn("Client surface rejected credentialed download, retrying with automatic client",
			"request_id", req.RequestID, "error", runErr)
		opts.PlayerClient = ""
		return e.runner.Download(ctx, url, opts, hooks)
	}
	return nil, runErr
}

// hooks bridges tool events into the progress record. The transfer hook
// also polls the cancellation flag so a client disconnect kills the run.
func (e *Engine) hooks(ctx context.Context, req Request, counts Counter, stem string) media.Hooks {
	return media.Hooks{
		OnProgress: func(ev media.ProgressEvent) error {
			e.update(ctx, req.RequestID, map[string]any{
				"percent":      overallPercent(ev.Percent(), counts),
				"phase":        progress.PhaseDownloading,
				"status":       "Downloading...",
				"detail":       truncate(stem, detailMaxLen),
				"current_file": stem,
				"speed":        humanSpeed(ev.Speed),
				"eta":          humanETA(ev.ETA),
			})

			cancelled, err := e.store.IsCancelled(ctx, req.RequestID)
			if err == nil && cancelled {
				return ErrCancelled
			}
			return nil
		},
		OnPostprocess: func(ev media.PostprocessEvent) {
			if ev.Status != "started" {
				return
			}
			e.update(ctx, req.RequestID, map[string]any{
				"phase":  progress.PhaseConverting,
				"status": "Processing...",
				"detail": humanizePostprocessor(ev.Postprocessor),
				"speed":  "",
				"eta":    "",
			})
		},
	}
}

// announceSegments asks the SponsorBlock API how much will be cut so the
// progress detail can say so up front. Purely advisory.
func (e *Engine) announceSegments(ctx context.Context, req Request, videoID string, opts media.Options) {
	if e.sponsor == nil || videoID == "" || len(opts.SponsorBlockRemove) == 0 {
		return
	}
	res, err := e.sponsor.Segments(ctx, videoID, opts.SponsorBlockRemove)
	if err != nil {
		slog.Warn("SponsorBlock probe failed", "request_id", req.RequestID, "error", err)
		return
	}
	if res.HasSegments {
		e.update(ctx, req.RequestID, map[string]any{
			"detail": fmt.Sprintf("Removing %d sponsored segment(s) (%.0fs)",
				len(res.Segments), res.TotalDurationRemoved),
		})
	}
}

func (e *Engine) update(ctx context.Context, requestID string, fields map[string]any) {
	if err := e.store.Update(ctx, requestID, fields); err != nil {
		slog.Warn("Failed to update progress record", "request_id", requestID, "error", err)
	}
}

// resolveOutputPath determines where the artifact actually landed. The
// tool's own after-move report is authoritative; the session scan and the
// reconstructed path cover older tool versions that report nothing.
func (e *Engine) resolveOutputPath(req Request, stem string, result *media.DownloadResult) (string, error) {
	cont := container(req.Mode, req.Config)

	var reported string
	for _, p := range result.OutputPaths {
		if fileExists(p) {
			reported = p
			if strings.EqualFold(strings.TrimPrefix(filepath.Ext(p), "."), cont) {
				return p, nil
			}
		}
	}
	if reported != "" {
		// Audio extraction replaces the downloaded container; prefer the
		// converted sibling when it exists.
		if req.Mode == userconfig.ModeAudio {
			converted := strings.TrimSuffix(reported, filepath.Ext(reported)) + "." + cont
			if fileExists(converted) {
				return converted, nil
			}
		}
		return reported, nil
	}

	if p := scanForOutput(req.SessionDir, stem, cont); p != "" {
		return p, nil
	}

	reconstructed := filepath.Join(req.SessionDir, stem+"."+cont)
	if fileExists(reconstructed) {
		return reconstructed, nil
	}
	return "", fmt.Errorf("downloaded file not found for %q in %s", stem, req.SessionDir)
}

// scanForOutput finds files named after the stem, preferring an exact
// container match and otherwise the largest non-sidecar file.
func scanForOutput(dir, stem, cont string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var (
		best     string
		bestSize int64
	)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, stem+".") {
			continue
		}
		if isSidecar(name, stem) {
			continue
		}
		if strings.EqualFold(strings.TrimPrefix(filepath.Ext(name), "."), cont) {
			return filepath.Join(dir, name)
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			best, bestSize = filepath.Join(dir, name), info.Size()
		}
	}
	return best
}

var sidecarExts = map[string]bool{
	".jpg": true, ".png": true, ".webp": true,
	".vtt": true, ".srt": true, ".ass": true,
}

// isSidecar reports whether a file named after the stem is a thumbnail or
// subtitle byproduct, including language-suffixed variants like
// "<stem>.en.srt" or "<stem>.es-orig.vtt".
func isSidecar(name, stem string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if !sidecarExts[ext] {
		return false
	}
	if ext == ".jpg" || ext == ".png" || ext == ".webp" {
		return true
	}
	// Subtitles: either directly on the stem or with a language tag.
	rest := strings.TrimSuffix(strings.TrimPrefix(name, stem+"."), strings.TrimPrefix(ext, "."))
	rest = strings.TrimSuffix(rest, ".")
	if rest == "" {
		return true
	}
	return len(rest) <= 8 && !strings.ContainsAny(rest, " .")
}

// cleanupSidecars removes thumbnail and subtitle byproducts next to the
// artifact.
func cleanupSidecars(dir, stem string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, stem+".") {
			continue
		}
		if isSidecar(name, stem) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				slog.Warn("Failed to remove sidecar file", "path", name, "error", err)
			}
		}
	}
}

// outputStem builds the "<title> - <uploader>" filename stem, sanitized and
// capped so adding an extension stays under common path limits.
func outputStem(target resolver.Target) string {
	title := SanitizeFilename(target.Title)
	if title == "" {
		title = "download"
	}
	uploader := SanitizeFilename(target.Uploader)

	stem := title
	if uploader != "" {
		stem = title + " - " + uploader
	}
	if len(stem) > maxFilenameLen {
		stem = strings.TrimRight(stem[:maxFilenameLen], ". ")
	}
	return stem
}

// overallPercent maps one item's local percent onto the job-wide scale:
// resolution owns 0-15, downloads own 15-90, finalization owns the rest.
func overallPercent(localPct float64, counts Counter) int {
	total := counts.Total()
	if total <= 0 {
		total = 1
	}
	pct := 15 + (float64(counts.Completed())+localPct/100)/float64(total)*75
	if pct > 90 {
		pct = 90
	}
	return int(pct)
}

func isSponsorFailure(err error) bool {
	msg := err.Error()
	for _, marker := range sponsorFailureMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isClientSurfaceFailure matches the 400-class responses YouTube returns
// when a pinned player client does not accept the presented cookies.
func isClientSurfaceFailure(err error) bool {
	var runErr *media.RunError
	if !errors.As(err, &runErr) {
		return false
	}
	return strings.Contains(runErr.Stderr, "HTTP Error 400") ||
		strings.Contains(runErr.Stderr, "HTTP Error 403")
}

func humanSpeed(bytesPerSec float64) string {
	switch {
	case bytesPerSec >= 1024*1024:
		return fmt.Sprintf("%.1f MB/s", bytesPerSec/(1024*1024))
	case bytesPerSec >= 1024:
		return fmt.Sprintf("%d KB/s", int(bytesPerSec/1024))
	case bytesPerSec > 0:
		return fmt.Sprintf("%d B/s", int(bytesPerSec))
	}
	return ""
}

func humanETA(seconds float64) string {
	s := int(seconds)
	switch {
	case s >= 3600:
		return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
	case s >= 60:
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	case s > 0:
		return fmt.Sprintf("%ds", s)
	}
	return ""
}

var postprocessorLabels = map[string]string{
	"ExtractAudio":        "Converting audio",
	"AudioConvertor":      "Converting audio",
	"VideoConvertor":      "Converting video",
	"VideoRemuxer":        "Remuxing video",
	"Merger":              "Merging streams",
	"SponsorBlock":        "Scanning sponsored segments",
	"ModifyChapters":      "Removing sponsored segments",
	"Metadata":            "Embedding metadata",
	"FFmpegMetadata":      "Embedding metadata",
	"MetadataParser":      "Embedding metadata",
	"ThumbnailsConvertor": "Converting cover art",
	"EmbedThumbnail":      "Embedding cover art",
	"FixupM4a":            "Fixing container",
	"MoveFiles":           "Moving files",
}

// humanizePostprocessor maps a tool postprocessor name to a user-facing
// label. Unknown names pass through.
func humanizePostprocessor(name string) string {
	if label, ok := postprocessorLabels[name]; ok {
		return label
	}
	return name
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}
