package metrics

import (
	"sync"
	"time"
)

// =============================================================================
// Run Tracker
// =============================================================================

// runWindow is how many recent runs feed the error-rate calculation.
const runWindow = 20

// RunRecord describes one completed cycle of a periodic job.
type RunRecord struct {
	StartedAt time.Time
	Duration  time.Duration
	Processed int
	Err       error
}

// RunTracker keeps a ring of the last runWindow run outcomes plus lifetime
// counters. The poll loop reports every cycle here and the health endpoint
// reads it.
type RunTracker struct {
	mu sync.RWMutex

	startedAt   time.Time
	lastRun     time.Time
	lastSuccess time.Time
	runCount    int64
	errorCount  int64

	recent []RunRecord // ring buffer, most recent last
}

// NewRunTracker creates a tracker. The zero start time is set on first use.
func NewRunTracker() *RunTracker {
	return &RunTracker{
		startedAt: time.Now(),
		recent:    make([]RunRecord, 0, runWindow),
	}
}

// RecordRun records one completed cycle.
func (t *RunTracker) RecordRun(rec RunRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastRun = rec.StartedAt
	t.runCount++
	if rec.Err != nil {
		t.errorCount++
	} else {
		t.lastSuccess = rec.StartedAt
	}

	if len(t.recent) >= runWindow {
		copy(t.recent, t.recent[1:])
		t.recent = t.recent[:runWindow-1]
	}
	t.recent = append(t.recent, rec)
}

// Snapshot is a point-in-time view of the tracker.
type Snapshot struct {
	LastRun     time.Time
	LastSuccess time.Time
	RunCount    int64
	ErrorCount  int64
	Uptime      time.Duration
	RecentRuns  int
	RecentErrs  int
}

// Snapshot returns the current counters.
func (t *RunTracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	errs := 0
	for _, r := range t.recent {
		if r.Err != nil {
			errs++
		}
	}

	return Snapshot{
		LastRun:     t.lastRun,
		LastSuccess: t.lastSuccess,
		RunCount:    t.runCount,
		ErrorCount:  t.errorCount,
		Uptime:      time.Since(t.startedAt),
		RecentRuns:  len(t.recent),
		RecentErrs:  errs,
	}
}

// Healthy reports whether the job looks alive: a successful run within
// 2x the interval, and an error rate at or below 50% across the recent
// window. A tracker with no runs yet is healthy by definition.
func (t *RunTracker) Healthy(interval time.Duration) bool {
	snap := t.Snapshot()

	if snap.RunCount == 0 {
		return true
	}
	if snap.LastSuccess.IsZero() || time.Since(snap.LastSuccess) > 2*interval {
		return false
	}
	if snap.RecentRuns > 0 && snap.RecentErrs*2 > snap.RecentRuns {
		return false
	}
	return true
}
