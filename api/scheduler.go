/*
scheduler.go - Host-owned periodic driver for the recurrence engine

PURPOSE:
  The engine has no timers of its own. This scheduler calls its three
  entry points on independent cadences:
    - ScanAndProcess: materialize due occurrences (default hourly)
    - ScanAndRemind:  send lead-time reminders   (default daily)
    - SweepExpired:   complete ended series       (default daily)

DESIGN:
  - One goroutine per job, each with its own ticker
  - Each job runs once immediately on start
  - A job's runs never overlap with themselves (one goroutine per job);
    different jobs may overlap, which the engine's per-obligation locks
    and version checks make safe
  - Stop cancels the context of in-flight scans; a scan aborted between
    items leaves every processed item durably committed

CONFIGURATION:
  - ProcessInterval, RemindInterval, SweepInterval
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: /api/admin/scan|remind|sweep (manual runs)
  - cmd/recurringd: process-due / remind / sweep for cron-driven setups
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/recurring-engine/recurring"
)

// Scheduler drives the engine periodically.
type Scheduler struct {
	Engine          *recurring.Engine
	ProcessInterval time.Duration
	RemindInterval  time.Duration
	SweepInterval   time.Duration
	Enabled         bool
	// Now is the clock; tests replace it.
	Now func() time.Time

	logger *zap.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewScheduler creates a new scheduler.
func NewScheduler(engine *recurring.Engine, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Engine:          engine,
		ProcessInterval: 1 * time.Hour,
		RemindInterval:  24 * time.Hour,
		SweepInterval:   24 * time.Hour,
		Enabled:         true,
		Now:             time.Now,
		logger:          logger.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("scheduler disabled, not starting")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.startJob(ctx, "process", s.ProcessInterval, s.runProcess)
	s.startJob(ctx, "remind", s.RemindInterval, s.runRemind)
	s.startJob(ctx, "sweep", s.SweepInterval, s.runSweep)

	s.logger.Info("scheduler started",
		zap.Duration("process_interval", s.ProcessInterval),
		zap.Duration("remind_interval", s.RemindInterval),
		zap.Duration("sweep_interval", s.SweepInterval),
	)
}

// Stop stops the scheduler and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) startJob(ctx context.Context, name string, interval time.Duration, run func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Run immediately on start
		run(ctx)

		for {
			select {
			case <-ticker.C:
				run(ctx)
			case <-ctx.Done():
				s.logger.Debug("job stopped", zap.String("job", name))
				return
			}
		}
	}()
}

// RunNow runs every job once, synchronously (for testing/admin).
func (s *Scheduler) RunNow(ctx context.Context) {
	s.runProcess(ctx)
	s.runRemind(ctx)
	s.runSweep(ctx)
}

func (s *Scheduler) runProcess(ctx context.Context) {
	report, err := s.Engine.ScanAndProcess(ctx, s.Now())
	if err != nil {
		s.logger.Error("process scan failed", zap.Error(err))
		return
	}
	if report.Failed > 0 {
		s.logger.Warn("process scan had failures",
			zap.String("run_id", report.RunID),
			zap.Int("failed", report.Failed),
		)
	}
}

func (s *Scheduler) runRemind(ctx context.Context) {
	if _, err := s.Engine.ScanAndRemind(ctx, s.Now()); err != nil {
		s.logger.Error("reminder scan failed", zap.Error(err))
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	if _, err := s.Engine.SweepExpired(ctx, s.Now()); err != nil {
		s.logger.Error("expiry sweep failed", zap.Error(err))
	}
}
