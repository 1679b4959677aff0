package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestRunTrackerCounters(t *testing.T) {
	tr := NewRunTracker()

	now := time.Now()
	tr.RecordRun(RunRecord{StartedAt: now, Duration: time.Second, Processed: 3})
	tr.RecordRun(RunRecord{StartedAt: now, Duration: time.Second, Err: errors.New("boom")})

	snap := tr.Snapshot()
	if snap.RunCount != 2 {
		t.Errorf("run count = %d, want 2", snap.RunCount)
	}
	if snap.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", snap.ErrorCount)
	}
	if snap.RecentRuns != 2 || snap.RecentErrs != 1 {
		t.Errorf("recent = %d/%d, want 2/1", snap.RecentErrs, snap.RecentRuns)
	}
}

func TestRunTrackerRingBounded(t *testing.T) {
	tr := NewRunTracker()

	for i := 0; i < runWindow+10; i++ {
		tr.RecordRun(RunRecord{StartedAt: time.Now()})
	}

	snap := tr.Snapshot()
	if snap.RecentRuns != runWindow {
		t.Errorf("recent runs = %d, want %d", snap.RecentRuns, runWindow)
	}
	if snap.RunCount != int64(runWindow+10) {
		t.Errorf("run count = %d, want %d", snap.RunCount, runWindow+10)
	}
}

func TestHealthyBeforeFirstRun(t *testing.T) {
	tr := NewRunTracker()
	if !tr.Healthy(time.Minute) {
		t.Error("tracker with no runs should be healthy")
	}
}

func TestUnhealthyWithoutRecentSuccess(t *testing.T) {
	tr := NewRunTracker()
	tr.RecordRun(RunRecord{StartedAt: time.Now().Add(-10 * time.Minute)})

	// lastSuccess is 10m old, interval 1m, cutoff 2m.
	tr.mu.Lock()
	tr.lastSuccess = time.Now().Add(-10 * time.Minute)
	tr.mu.Unlock()

	if tr.Healthy(time.Minute) {
		t.Error("stale success should read unhealthy")
	}
}

func TestUnhealthyOnHighErrorRate(t *testing.T) {
	tr := NewRunTracker()

	now := time.Now()
	for i := 0; i < 8; i++ {
		tr.RecordRun(RunRecord{StartedAt: now})
	}
	for i := 0; i < 12; i++ {
		tr.RecordRun(RunRecord{StartedAt: now, Err: errors.New("fail")})
	}

	// 12 errors in the last 20 runs is over the 50% threshold even though
	// the last success is recent.
	if tr.Healthy(time.Minute) {
		t.Error("error rate above 50% should read unhealthy")
	}
}

func TestHealthyAtBoundaryErrorRate(t *testing.T) {
	tr := NewRunTracker()

	now := time.Now()
	for i := 0; i < 10; i++ {
		tr.RecordRun(RunRecord{StartedAt: now})
		tr.RecordRun(RunRecord{StartedAt: now, Err: errors.New("fail")})
	}

	// Exactly 50% errors with a fresh success stays healthy.
	if !tr.Healthy(time.Minute) {
		t.Error("error rate of exactly 50% should remain healthy")
	}
}
