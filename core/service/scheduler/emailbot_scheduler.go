// Package scheduler drives the polling cycle on a fixed interval.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"emailbot/core/service/pipeline"
	"emailbot/pkg/apperr"
	"emailbot/pkg/logger"
	"emailbot/pkg/metrics"
)

// errAlreadyRunning reports a rejected immediate run. Maps to 409.
var errAlreadyRunning = apperr.Conflict("a processing cycle is already running")

// CycleRunner is what the scheduler drives; satisfied by the pipeline
// orchestrator.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*pipeline.CycleSummary, error)
	LatencyStats() map[string]metrics.LatencyStats
}

// =============================================================================
// Scheduler - periodic single-flight trigger for the processing pipeline
// =============================================================================

// cycleTimeout bounds one full cycle regardless of batch size.
const cycleTimeout = 10 * time.Minute

// Health is the scheduler view for the health endpoint.
type Health struct {
	Running    bool      `json:"running"`
	Healthy    bool      `json:"healthy"`
	InFlight   bool      `json:"in_flight"`
	LastRun    time.Time `json:"last_run"`
	NextRun    time.Time `json:"next_run"`
	RunCount   int64     `json:"run_count"`
	ErrorCount int64     `json:"error_count"`
	UptimeSec  float64   `json:"uptime_seconds"`
}

// Scheduler runs the pipeline every interval. Cycles never overlap: a
// tick or manual trigger that arrives while a cycle is in flight is
// dropped, not queued.
type Scheduler struct {
	orch     CycleRunner
	interval time.Duration
	tracker  *metrics.RunTracker
	log      *logger.Logger

	running  atomic.Bool // loop started
	inFlight atomic.Bool // a cycle is executing right now

	mu         sync.Mutex
	nextRun    time.Time
	intervalCh chan time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler. The loop does not start until Start.
func NewScheduler(orch CycleRunner, interval time.Duration, log *logger.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		orch:       orch,
		interval:   interval,
		tracker:    metrics.NewRunTracker(),
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		intervalCh: make(chan time.Duration, 1),
	}
}

// Start launches the polling loop. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.log.WithField("interval", s.Interval().String()).Info("scheduler starting")
	go s.run()
}

// Stop cancels the loop and waits for any in-flight cycle to finish.
func (s *Scheduler) Stop() {
	if !s.running.Load() {
		return
	}
	s.log.Info("scheduler stopping")
	s.cancel()
	<-s.done
	s.running.Store(false)
}

// TriggerNow runs one cycle immediately, subject to the same single-flight
// guard as the ticker. Returns false when a cycle is already in flight.
func (s *Scheduler) TriggerNow() bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer s.inFlight.Store(false)
		s.runCycle()
	}()
	return true
}

// RunOnce runs one cycle synchronously. Used by the immediate processing
// endpoint; honors the single-flight guard.
func (s *Scheduler) RunOnce(ctx context.Context) (*pipeline.CycleSummary, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, errAlreadyRunning
	}
	defer s.inFlight.Store(false)

	ctx, cancel := context.WithTimeout(ctx, cycleTimeout)
	defer cancel()
	return s.execute(ctx)
}

// SetInterval changes the polling cadence. A running loop picks the new
// interval up immediately; the one-minute floor mirrors config validation.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d < time.Minute {
		return apperr.InvalidInput("interval", "must be at least one minute")
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()

	// Coalesce: only the latest pending change matters.
	select {
	case s.intervalCh <- d:
	default:
		select {
		case <-s.intervalCh:
		default:
		}
		s.intervalCh <- d
	}
	return nil
}

// Interval returns the current polling cadence.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Health reports the scheduler state. A scheduler with no completed runs
// is healthy; afterwards health requires a success within 2x the interval
// and a recent error rate at or below half.
func (s *Scheduler) Health() Health {
	snap := s.tracker.Snapshot()
	s.mu.Lock()
	next := s.nextRun
	interval := s.interval
	s.mu.Unlock()

	return Health{
		Running:    s.running.Load(),
		Healthy:    s.tracker.Healthy(interval),
		InFlight:   s.inFlight.Load(),
		LastRun:    snap.LastRun,
		NextRun:    next,
		RunCount:   snap.RunCount,
		ErrorCount: snap.ErrorCount,
		UptimeSec:  snap.Uptime.Seconds(),
	}
}

// LatencyStats proxies per-stage pipeline latency for the status endpoint.
func (s *Scheduler) LatencyStats() map[string]metrics.LatencyStats {
	return s.orch.LatencyStats()
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()
	s.setNextRun(time.Now().Add(s.Interval()))

	for {
		select {
		case <-s.ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case d := <-s.intervalCh:
			ticker.Reset(d)
			s.setNextRun(time.Now().Add(d))
			s.log.WithField("interval", d.String()).Info("scheduler interval updated")
		case <-ticker.C:
			s.setNextRun(time.Now().Add(s.Interval()))
			if !s.inFlight.CompareAndSwap(false, true) {
				// Previous cycle still running; skip this tick.
				s.log.Warn("cycle still in flight, skipping tick")
				continue
			}
			s.runCycle()
			s.inFlight.Store(false)
		}
	}
}

// runCycle executes one cycle against the scheduler's own context so a
// manual trigger is bounded the same way as a ticked one.
func (s *Scheduler) runCycle() {
	ctx, cancel := context.WithTimeout(s.ctx, cycleTimeout)
	defer cancel()

	if _, err := s.execute(ctx); err != nil {
		s.log.WithError(err).Error("processing cycle failed")
	}
}

// execute runs the pipeline once and records the outcome.
func (s *Scheduler) execute(ctx context.Context) (*pipeline.CycleSummary, error) {
	started := time.Now()
	summary, err := s.orch.RunCycle(ctx)

	rec := metrics.RunRecord{
		StartedAt: started,
		Duration:  time.Since(started),
		Err:       err,
	}
	if summary != nil {
		rec.Processed = summary.Completed
	}
	s.tracker.RecordRun(rec)

	if err == nil && summary.Fetched > 0 {
		s.log.WithField("summary", summary.String()).Info("processing cycle finished")
	}
	return summary, err
}

func (s *Scheduler) setNextRun(t time.Time) {
	s.mu.Lock()
	s.nextRun = t
	s.mu.Unlock()
}
