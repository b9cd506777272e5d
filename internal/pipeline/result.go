package pipeline

import "sync"

// Result is the shared per-job accumulator. Worker pool goroutines update
// it under the mutex; methods only touch fields and never perform I/O while
// holding the lock.
type Result struct {
	mu        sync.Mutex
	RequestID string

	audioOK  int
	audioErr int
	videoOK  int
	videoErr int

	files     []string
	notes     []string
	total     int
	completed int
}

// NewResult creates an accumulator for a job with the given task count.
func NewResult(requestID string, totalItems int) *Result {
	return &Result{RequestID: requestID, total: totalItems}
}

// Completed returns the number of finished tasks, successful or not.
func (r *Result) Completed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// Total returns the task count.
func (r *Result) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// ProgressPct maps completed tasks into the 15-85 band reserved for the
// download phase.
func (r *Result) ProgressPct() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.total == 0 {
		return 15
	}
	return 15 + r.completed*70/r.total
}

// FinishTask records one task outcome and returns the new completed count.
// A non-empty path registers the produced file.
func (r *Result) FinishTask(mode string, path string, failed bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.completed++
	switch {
	case mode == "audio" && failed:
		r.audioErr++
	case mode == "audio":
		r.audioOK++
	case failed:
		r.videoErr++
	default:
		r.videoOK++
	}
	if path != "" {
		r.files = append(r.files, path)
	}
	return r.completed
}

// RecordNote keeps a job-level note for the terminal record. Duplicates
// are collapsed so a note surfacing on several items reads once.
func (r *Result) RecordNote(note string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.notes {
		if existing == note {
			return
		}
	}
	r.notes = append(r.notes, note)
}

// Notes returns a copy of the recorded notes.
func (r *Result) Notes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notes...)
}

// Files returns a copy of the produced file paths.
func (r *Result) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}

// Counts returns the per-mode success and failure tallies.
func (r *Result) Counts() (audioOK, audioErr, videoOK, videoErr int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audioOK, r.audioErr, r.videoOK, r.videoErr
}

// AllFailed reports whether every task failed.
func (r *Result) AllFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total > 0 && r.audioOK+r.videoOK == 0
}
