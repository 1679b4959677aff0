package scheduler

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"emailbot/core/service/pipeline"
	"emailbot/pkg/logger"
	"emailbot/pkg/metrics"
)

type stubRunner struct {
	calls atomic.Int64
	block chan struct{} // when set, RunCycle waits here
	err   error
}

func (r *stubRunner) RunCycle(ctx context.Context) (*pipeline.CycleSummary, error) {
	r.calls.Add(1)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &pipeline.CycleSummary{Fetched: 1, Completed: 1}, nil
}

func (r *stubRunner) LatencyStats() map[string]metrics.LatencyStats {
	return nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: logger.LevelError, Output: io.Discard})
}

func TestRunOnce(t *testing.T) {
	runner := &stubRunner{}
	s := NewScheduler(runner, time.Minute, testLogger())

	summary, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if summary.Completed != 1 {
		t.Errorf("completed = %d", summary.Completed)
	}
	if runner.calls.Load() != 1 {
		t.Errorf("runner called %d times", runner.calls.Load())
	}

	h := s.Health()
	if h.RunCount != 1 || h.ErrorCount != 0 {
		t.Errorf("health = %+v", h)
	}
}

func TestRunOnceRejectsOverlap(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	s := NewScheduler(runner, time.Minute, testLogger())

	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		close(started)
		_, _ = s.RunOnce(context.Background())
		close(finished)
	}()
	<-started

	// Wait until the first run is actually inside RunCycle.
	for runner.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Error("overlapping RunOnce must be rejected")
	}
	if s.TriggerNow() {
		t.Error("TriggerNow must obey the same single-flight guard")
	}

	close(runner.block)
	<-finished

	if runner.calls.Load() != 1 {
		t.Errorf("only the first run may execute, got %d", runner.calls.Load())
	}
}

func TestTriggerNowRunsOneCycle(t *testing.T) {
	runner := &stubRunner{}
	s := NewScheduler(runner, time.Minute, testLogger())

	if !s.TriggerNow() {
		t.Fatal("idle scheduler must accept a trigger")
	}

	deadline := time.After(time.Second)
	for runner.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("triggered cycle never ran")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestStartStop(t *testing.T) {
	runner := &stubRunner{}
	s := NewScheduler(runner, 10*time.Millisecond, testLogger())

	s.Start()
	s.Start() // second call is a no-op

	deadline := time.After(time.Second)
	for runner.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("ticker never fired")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	s.Stop()
	after := runner.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if runner.calls.Load() != after {
		t.Error("cycles must not run after Stop")
	}
	if s.Health().Running {
		t.Error("stopped scheduler must not report running")
	}
}

func TestHealthTracksErrors(t *testing.T) {
	runner := &stubRunner{err: errors.New("poll failed")}
	s := NewScheduler(runner, time.Minute, testLogger())

	for i := 0; i < 3; i++ {
		if _, err := s.RunOnce(context.Background()); err == nil {
			t.Fatal("expected cycle error")
		}
	}

	h := s.Health()
	if h.RunCount != 3 || h.ErrorCount != 3 {
		t.Errorf("health = %+v", h)
	}
	if h.Healthy {
		t.Error("all-failing scheduler must be unhealthy")
	}
}

func TestHealthBeforeFirstRun(t *testing.T) {
	s := NewScheduler(&stubRunner{}, time.Minute, testLogger())
	h := s.Health()
	if !h.Healthy {
		t.Error("a scheduler with no runs yet is healthy")
	}
	if h.Running || h.InFlight {
		t.Errorf("health = %+v", h)
	}
}
