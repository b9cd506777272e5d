// Package progress implements the shared download progress store backed by
// Redis. Records are small JSON documents keyed by request id with a fixed
// TTL; workers write coarse updates and the HTTP edge reads them and may
// flag cancellation.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"offliner/internal/config"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "progress:"

// Phases a record moves through. Terminal phases are done, error and
// cancelled.
const (
	PhasePreparing   = "preparing"
	PhaseDownloading = "downloading"
	PhaseConverting  = "converting"
	PhaseFinalizing  = "finalizing"
	PhaseDone        = "done"
	PhaseError       = "error"
	PhaseCancelled   = "cancelled"
)

// CancelMessage is the error string published when a client disconnect
// aborts a job.
const CancelMessage = "Cancelled by client disconnect"

// missingMessage is the error surfaced for ids with no live record.
const missingMessage = "Session not found"

// ErrExists is returned by Create when a live record already exists for the
// request id. A duplicate create is a client bug.
var ErrExists = errors.New("progress record already exists")

// Record is the wire shape of a progress entry. It stays a plain map so
// fields this build does not know about survive read-merge-write updates.
type Record map[string]any

// Percent returns the overall percent, 0 when unset.
func (r Record) Percent() int { return r.intField("percent") }

// Phase returns the coarse phase string.
func (r Record) Phase() string { return r.stringField("phase") }

// Status returns the short user-facing status line.
func (r Record) Status() string { return r.stringField("status") }

// Complete reports whether the record is terminal.
func (r Record) Complete() bool { return r.boolField("complete") }

// Err returns the terminal error message, empty on success.
func (r Record) Err() string { return r.stringField("error") }

// FilePath returns the published artifact path, empty until terminal
// success.
func (r Record) FilePath() string { return r.stringField("file_path") }

// TempDir returns the session directory the record belongs to.
func (r Record) TempDir() string { return r.stringField("temp_dir") }

// CancelRequested reports the cooperative cancellation flag.
func (r Record) CancelRequested() bool { return r.boolField("cancel_requested") }

// Missing reports whether this is the synthetic record for an unknown id.
func (r Record) Missing() bool { return r.stringField("error") == missingMessage }

// CompletedItems returns the number of finished item tasks.
func (r Record) CompletedItems() int { return r.intField("completed_items") }

// TotalItems returns the published task count.
func (r Record) TotalItems() int { return r.intField("total_items") }

func (r Record) stringField(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

func (r Record) boolField(key string) bool {
	if v, ok := r[key].(bool); ok {
		return v
	}
	return false
}

func (r Record) intField(key string) int {
	switch v := r[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Store reads and writes progress records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore connects to Redis using REDIS_URL and verifies the connection.
func NewStore(ctx context.Context) (*Store, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to progress store: %w", err)
	}
	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing client. Used by tests and by
// callers sharing one connection pool with the queue.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Create writes the initial record for a fresh request id with the full
// TTL. It fails with ErrExists when a live record is already present.
func (s *Store) Create(ctx context.Context, requestID string, totalItems int) error {
	record := Record{
		"percent":          0,
		"phase":            PhasePreparing,
		"status":           "Preparing...",
		"detail":           "",
		"speed":            "",
		"eta":              "",
		"current_file":     "",
		"completed_items":  0,
		"total_items":      totalItems,
		"complete":         false,
		"cancel_requested": false,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal progress record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, keyPrefix+requestID, data, config.ProgressTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to create progress record: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Update merges fields into the stored record, preserving its remaining
// TTL. Updating an absent record is a no-op: the record may have expired or
// been removed while a stale writer was still running.
func (s *Store) Update(ctx context.Context, requestID string, fields map[string]any) error {
	key := keyPrefix + requestID

	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read progress record: %w", err)
	}

	record := Record{}
	if err := json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("failed to decode progress record: %w", err)
	}
	for k, v := range fields {
		record[k] = v
	}

	merged, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal progress record: %w", err)
	}
	if err := s.client.Set(ctx, key, merged, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to write progress record: %w", err)
	}
	return nil
}

// Get returns the stored record. A missing or expired id yields a synthetic
// record so stream consumers always receive well-formed JSON.
func (s *Store) Get(ctx context.Context, requestID string) (Record, error) {
	data, err := s.client.Get(ctx, keyPrefix+requestID).Bytes()
	if err == redis.Nil {
		return Record{"status": "Unknown", "error": missingMessage}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress record: %w", err)
	}

	record := Record{}
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode progress record: %w", err)
	}
	return record, nil
}

// RequestCancel sets the cancellation flag. The flag is monotonic: nothing
// ever clears it for a live record.
func (s *Store) RequestCancel(ctx context.Context, requestID string) error {
	return s.Update(ctx, requestID, map[string]any{"cancel_requested": true})
}

// IsCancelled reports the cancellation flag; a missing record is not
// cancelled.
func (s *Store) IsCancelled(ctx context.Context, requestID string) (bool, error) {
	record, err := s.Get(ctx, requestID)
	if err != nil {
		return false, err
	}
	return record.CancelRequested(), nil
}

// Remove deletes the record.
func (s *Store) Remove(ctx context.Context, requestID string) error {
	if err := s.client.Del(ctx, keyPrefix+requestID).Err(); err != nil {
		return fmt.Errorf("failed to remove progress record: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
