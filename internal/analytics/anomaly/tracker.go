package anomaly

import (
	"sync"
)

// RunTracker keeps the history of detection runs in call order.
type RunTracker struct {
	mu      sync.RWMutex
	history []RunSummary
}

// NewRunTracker creates an empty tracker.
func NewRunTracker() *RunTracker {
	return &RunTracker{}
}

// Record appends a summary. Identical summaries are kept.
func (r *RunTracker) Record(s RunSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, s)
}

// History returns a copy of all recorded summaries, oldest first.
func (r *RunTracker) History() []RunSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RunSummary, len(r.history))
	copy(out, r.history)
	return out
}

// Last returns the most recent summary.
func (r *RunTracker) Last() (RunSummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.history) == 0 {
		return RunSummary{}, false
	}
	return r.history[len(r.history)-1], true
}

func (r *RunTracker) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.history)
}
