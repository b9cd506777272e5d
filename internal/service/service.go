// Package service exposes the narrow job interface the HTTP edge consumes:
// submit, observe, cancel, fetch artifact. It owns request validation,
// quota accounting and progress-record bookkeeping so handlers stay thin.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"offliner/internal/config"
	"offliner/internal/progress"
	"offliner/internal/queue"
	"offliner/internal/quota"
	"offliner/internal/userconfig"

	"github.com/google/uuid"
)

var (
	// ErrInvalidInput wraps every request validation failure.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound means no progress record exists for the request id.
	ErrNotFound = errors.New("request not found")
	// ErrNotReady means the job has not reached terminal success yet.
	ErrNotReady = errors.New("artifact not ready")
)

// removalDelay keeps the progress record around briefly after the artifact
// was served, so a straggling stream poll still sees the terminal state.
const removalDelay = 30 * time.Second

// SubmitRequest is a parsed download submission.
type SubmitRequest struct {
	RawInput     string
	PlaylistMode bool
	SelectedURLs []string
	Config       userconfig.UserConfig
	ItemConfigs  map[string]userconfig.ItemOverride
	// ClientID is the opaque identity token used only for quota accounting.
	ClientID string
	// DurationSeconds is the total content duration reported by the
	// preview probe; zero when unknown.
	DurationSeconds float64
}

// Service implements the job interface over the progress store, the broker
// queue and the quota tracker.
type Service struct {
	store *progress.Store
	queue *queue.Queue
	quota *quota.Tracker
}

// New wires a service.
func New(store *progress.Store, q *queue.Queue, tracker *quota.Tracker) *Service {
	return &Service{store: store, queue: q, quota: tracker}
}

// Submit validates and enqueues a download job, returning its request id.
// Quota denials come back as *quota.Violation.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := validate(&req); err != nil {
		return "", err
	}

	count := 1
	if req.PlaylistMode {
		count = len(req.SelectedURLs)
	}
	if v := s.quota.CheckPlaylistSize(count); v != nil {
		return "", v
	}
	if v := s.quota.Check(req.ClientID, req.DurationSeconds); v != nil {
		return "", v
	}

	requestID := uuid.NewString()
	if err := s.store.Create(ctx, requestID, count); err != nil {
		return "", fmt.Errorf("failed to create progress record: %w", err)
	}

	job := &queue.Job{
		RequestID:    requestID,
		RawInput:     req.RawInput,
		PlaylistMode: req.PlaylistMode,
		SelectedURLs: req.SelectedURLs,
		Config:       req.Config,
		ItemConfigs:  req.ItemConfigs,
		ClientID:     req.ClientID,
		CreatedAt:    time.Now(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		// Best effort: never leave an orphaned record for a job that will
		// never run.
		if rmErr := s.store.Remove(ctx, requestID); rmErr != nil {
			slog.Warn("Failed to remove orphaned progress record",
				"request_id", requestID, "error", rmErr)
		}
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.quota.Record(req.ClientID, req.DurationSeconds, count)
	return requestID, nil
}

func validate(req *SubmitRequest) error {
	hasSelections := false
	for _, u := range req.SelectedURLs {
		if u != "" {
			hasSelections = true
			break
		}
	}
	if req.RawInput == "" && !hasSelections {
		return fmt.Errorf("%w: no URL or search query provided", ErrInvalidInput)
	}

	if err := req.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	for ref, ov := range req.ItemConfigs {
		if err := ov.Validate(); err != nil {
			return fmt.Errorf("%w: item %q: %v", ErrInvalidInput, ref, err)
		}
	}
	return nil
}

// Observe returns the current progress record for the id.
func (s *Service) Observe(ctx context.Context, requestID string) (progress.Record, error) {
	return s.store.Get(ctx, requestID)
}

// Cancel flags the job for cooperative cancellation.
func (s *Service) Cancel(ctx context.Context, requestID string) error {
	return s.store.RequestCancel(ctx, requestID)
}

// Artifact returns the artifact path for a terminally successful job.
func (s *Service) Artifact(ctx context.Context, requestID string) (string, error) {
	record, err := s.store.Get(ctx, requestID)
	if err != nil {
		return "", err
	}
	if record.Missing() {
		return "", ErrNotFound
	}
	if !record.Complete() {
		return "", ErrNotReady
	}
	if msg := record.Err(); msg != "" {
		return "", fmt.Errorf("job failed: %s", msg)
	}

	path := record.FilePath()
	if path == "" {
		return "", ErrNotReady
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("artifact missing: %w", err)
	}
	return path, nil
}

// Cleanup destroys what remains of a served request: the artifact, the
// session directory, and after a short delay the progress record.
func (s *Service) Cleanup(requestID string) {
	ctx := context.Background()

	record, err := s.store.Get(ctx, requestID)
	if err != nil {
		slog.Warn("Cleanup could not read progress record", "request_id", requestID, "error", err)
		return
	}
	if path := record.FilePath(); path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove served artifact", "path", path, "error", err)
		}
	}
	if dir := record.TempDir(); dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("Failed to remove session directory", "dir", dir, "error", err)
		}
	}

	time.AfterFunc(removalDelay, func() {
		if err := s.store.Remove(context.Background(), requestID); err != nil {
			slog.Warn("Failed to remove progress record", "request_id", requestID, "error", err)
		}
	})
}

// QueueDepth reports how many jobs are waiting in the broker.
func (s *Service) QueueDepth(ctx context.Context) (int64, error) {
	return s.queue.QueueLength(ctx)
}

// PollInterval returns the configured progress stream cadence.
func (s *Service) PollInterval() time.Duration {
	return config.SSEPollInterval
}
