// Package quota enforces per-client sliding-window download limits. All
// state is in-process and mutex-guarded; the tracker lives in the HTTP edge
// and is consulted before a job is enqueued.
package quota

import (
	"fmt"
	"sync"
	"time"

	"offliner/internal/config"
)

// Violation reason tags, surfaced to clients in 429 responses.
const (
	ReasonContentDuration = "content_duration_exceeded"
	ReasonHourlyDownloads = "hourly_downloads_exceeded"
	ReasonDailyDownloads  = "daily_downloads_exceeded"
	ReasonHourlyDuration  = "hourly_duration_exceeded"
	ReasonDailyDuration   = "daily_duration_exceeded"
	ReasonPlaylistItems   = "playlist_items_exceeded"
)

// Limits holds the configured caps. Durations are minutes.
type Limits struct {
	MaxDownloadsPerHour int
	MaxDownloadsPerDay  int
	MaxDurationPerHour  float64
	MaxDurationPerDay   float64
	MaxContentDuration  float64
	MaxPlaylistItems    int
}

// DefaultLimits reads the caps from the environment-backed config.
func DefaultLimits() Limits {
	return Limits{
		MaxDownloadsPerHour: config.MaxDownloadsPerHour,
		MaxDownloadsPerDay:  config.MaxDownloadsPerDay,
		MaxDurationPerHour:  float64(config.MaxDurationPerHour),
		MaxDurationPerDay:   float64(config.MaxDurationPerDay),
		MaxContentDuration:  float64(config.MaxContentDuration),
		MaxPlaylistItems:    config.MaxPlaylistItems,
	}
}

// Violation describes a denied check: which cap was hit and the numbers
// behind it. Counts and minutes share the Observed/Limit fields.
type Violation struct {
	Reason   string  `json:"reason"`
	Observed float64 `json:"observed"`
	Limit    float64 `json:"limit"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("quota exceeded: %s (observed %.1f, limit %.1f)", v.Reason, v.Observed, v.Limit)
}

type entry struct {
	at      time.Time
	minutes float64
}

type usage struct {
	hourly []entry
	daily  []entry
}

// Tracker keeps sliding-window usage per opaque client identity.
type Tracker struct {
	mu      sync.Mutex
	limits  Limits
	clients map[string]*usage
	now     func() time.Time
}

// NewTracker creates a tracker with the given limits.
func NewTracker(limits Limits) *Tracker {
	return &Tracker{
		limits:  limits,
		clients: make(map[string]*usage),
		now:     time.Now,
	}
}

// Limits returns the configured caps.
func (t *Tracker) Limits() Limits {
	return t.limits
}

// Check evaluates a prospective download of durationSeconds for identity.
// It prunes expired entries, then returns the first violation in cap order,
// or nil when the request is allowed. A value exactly at a cap is a
// violation.
func (t *Tracker) Check(identity string, durationSeconds float64) *Violation {
	t.mu.Lock()
	defer t.mu.Unlock()

	minutes := durationSeconds / 60
	now := t.now()
	u := t.prune(identity, now)

	if minutes >= t.limits.MaxContentDuration {
		return &Violation{Reason: ReasonContentDuration, Observed: minutes, Limit: t.limits.MaxContentDuration}
	}
	if len(u.hourly) >= t.limits.MaxDownloadsPerHour {
		return &Violation{Reason: ReasonHourlyDownloads, Observed: float64(len(u.hourly)), Limit: float64(t.limits.MaxDownloadsPerHour)}
	}
	if len(u.daily) >= t.limits.MaxDownloadsPerDay {
		return &Violation{Reason: ReasonDailyDownloads, Observed: float64(len(u.daily)), Limit: float64(t.limits.MaxDownloadsPerDay)}
	}
	if projected := sumMinutes(u.hourly) + minutes; projected >= t.limits.MaxDurationPerHour {
		return &Violation{Reason: ReasonHourlyDuration, Observed: projected, Limit: t.limits.MaxDurationPerHour}
	}
	if projected := sumMinutes(u.daily) + minutes; projected >= t.limits.MaxDurationPerDay {
		return &Violation{Reason: ReasonDailyDuration, Observed: projected, Limit: t.limits.MaxDurationPerDay}
	}
	return nil
}

// CheckPlaylistSize reports whether a selection of n playlist items fits
// under the per-playlist cap. Unlike the windowed checks, exactly at the
// cap is allowed; the cap is the permitted maximum.
func (t *Tracker) CheckPlaylistSize(n int) *Violation {
	if n > t.limits.MaxPlaylistItems {
		return &Violation{Reason: ReasonPlaylistItems, Observed: float64(n), Limit: float64(t.limits.MaxPlaylistItems)}
	}
	return nil
}

// Record charges identity for count downloads totalling durationSeconds.
// The duration is split evenly across the stamped entries so window sums
// equal the recorded total.
func (t *Tracker) Record(identity string, durationSeconds float64, count int) {
	if count < 1 {
		count = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	u := t.prune(identity, now)
	share := durationSeconds / 60 / float64(count)
	for i := 0; i < count; i++ {
		e := entry{at: now, minutes: share}
		u.hourly = append(u.hourly, e)
		u.daily = append(u.daily, e)
	}
}

// prune drops entries outside their window. Callers hold the lock.
func (t *Tracker) prune(identity string, now time.Time) *usage {
	u, ok := t.clients[identity]
	if !ok {
		u = &usage{}
		t.clients[identity] = u
	}
	u.hourly = keepSince(u.hourly, now.Add(-time.Hour))
	u.daily = keepSince(u.daily, now.Add(-24*time.Hour))
	return u
}

func keepSince(entries []entry, cutoff time.Time) []entry {
	kept := entries[:0]
	for _, e := range entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}

func sumMinutes(entries []entry) float64 {
	var total float64
	for _, e := range entries {
		total += e.minutes
	}
	return total
}
