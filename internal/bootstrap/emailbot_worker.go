package bootstrap

import (
	"context"
	"os"
	"sync"
	"time"

	"emailbot/config"
	"emailbot/pkg/logger"

	"github.com/rs/zerolog"
)

// archiveSweepInterval is how often expired archived bodies are purged.
// The Mongo TTL index does the real work; the sweep covers deployments
// where TTL monitors are disabled.
const archiveSweepInterval = 24 * time.Hour

// archiveRetention matches the archive adapter's expiry window.
const archiveRetention = 90 * 24 * time.Hour

// Worker runs the polling scheduler and the background maintenance loops.
type Worker struct {
	deps   *Dependencies
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	zlog   zerolog.Logger
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	logger.Init(logger.Config{
		Level:   logger.LevelInfo,
		Service: "emailbot-worker",
	})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Logger()

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	return w, cleanup, nil
}

func (w *Worker) Start() {
	if w.deps.Config.SchedulerEnabled {
		w.deps.Scheduler.Start()
		w.zlog.Info().
			Dur("interval", w.deps.Config.PollingInterval).
			Msg("polling scheduler started")
	} else {
		w.zlog.Warn().Msg("scheduler disabled, emails process only via manual triggers")
	}

	if w.deps.BodyArchive != nil {
		w.wg.Add(1)
		go w.archiveSweep()
	}

	<-w.ctx.Done()
}

func (w *Worker) Stop() {
	w.cancel()
	w.deps.Scheduler.Stop()
	w.wg.Wait()
	w.zlog.Info().Msg("worker stopped")
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}

// archiveSweep purges archived bodies past retention once a day.
func (w *Worker) archiveSweep() {
	defer w.wg.Done()

	ticker := time.NewTicker(archiveSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(w.ctx, time.Minute)
			deleted, err := w.deps.BodyArchive.DeleteOlderThan(ctx, time.Now().UTC().Add(-archiveRetention))
			cancel()
			if err != nil {
				w.zlog.Error().Err(err).Msg("archive sweep failed")
				continue
			}
			if deleted > 0 {
				w.zlog.Info().Int64("deleted", deleted).Msg("archive sweep purged expired bodies")
			}
		}
	}
}
