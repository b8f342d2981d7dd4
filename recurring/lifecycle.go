package recurring

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/recurring-engine/generic"
)

// =============================================================================
// LIFECYCLE CONTROLLER - Explicit, narrow status transitions
// =============================================================================

// Resume policy: pausing freezes NextDue. Resuming before the frozen date
// keeps it. Resuming after it advances along the schedule to the first
// occurrence on or after now; occurrences that fell inside the pause are
// skipped, never materialized. If the series ended during the pause the
// obligation resumes straight into COMPLETED.

type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

type Lifecycle struct {
	store   Store
	locks   *keyedMutex
	logger  *zap.Logger
	metrics *Metrics
}

func newLifecycle(store Store, locks *keyedMutex, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		store:   store,
		locks:   locks,
		logger:  logger.Named("lifecycle"),
		metrics: NewMetrics(),
	}
}

// Pause moves ACTIVE to PAUSED. NextDue is kept as is.
func (l *Lifecycle) Pause(ctx context.Context, id ObligationID, now time.Time) (*Obligation, error) {
	return l.transition(ctx, id, ActionPause, now, func(ob *Obligation) error {
		if ob.Status != StatusActive {
			return invalidTransition(ob, ActionPause)
		}
		ob.Status = StatusPaused
		return nil
	})
}

// Resume moves PAUSED to ACTIVE, or to COMPLETED when the series ended
// while paused.
func (l *Lifecycle) Resume(ctx context.Context, id ObligationID, now time.Time) (*Obligation, error) {
	return l.transition(ctx, id, ActionResume, now, func(ob *Obligation) error {
		if ob.Status != StatusPaused {
			return invalidTransition(ob, ActionResume)
		}
		if ob.NextDue == nil || !ob.NextDue.Before(now) {
			ob.Status = StatusActive
			return nil
		}

		occ := NextOnOrAfter(*ob.NextDue, now, ob.Frequency, ob.CustomRule, ob.EndDate)
		switch occ.Kind {
		case Unsupported:
			return &generic.UnsupportedScheduleError{ID: string(ob.ID), Reason: occ.Reason}
		case SeriesEnded:
			ob.Status = StatusCompleted
			ob.NextDue = nil
		default:
			ob.Status = StatusActive
			ob.NextDue = timePtr(occ.At)
		}
		return nil
	})
}

// Cancel moves ACTIVE or PAUSED to CANCELLED and clears NextDue.
func (l *Lifecycle) Cancel(ctx context.Context, id ObligationID, now time.Time) (*Obligation, error) {
	return l.transition(ctx, id, ActionCancel, now, func(ob *Obligation) error {
		if ob.Status.Terminal() {
			return invalidTransition(ob, ActionCancel)
		}
		ob.Status = StatusCancelled
		ob.NextDue = nil
		return nil
	})
}

func (l *Lifecycle) transition(ctx context.Context, id ObligationID, action Action, now time.Time, apply func(*Obligation) error) (*Obligation, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	var out Obligation
	var from Status
	err := l.store.WithTx(ctx, func(tx Tx) error {
		current, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		from = current.Status
		updated := current.Clone()
		if err := apply(&updated); err != nil {
			return err
		}
		updated.UpdatedAt = now
		if err := updated.CheckInvariants(); err != nil {
			return err
		}
		if err := tx.Save(ctx, updated); err != nil {
			return err
		}
		updated.Version++
		out = updated
		return nil
	})
	if err != nil {
		return nil, classify(string(action)+" "+string(id), err)
	}

	fields := []zap.Field{
		zap.String("obligation_id", string(id)),
		zap.String("action", string(action)),
		zap.String("from", string(from)),
		zap.String("to", string(out.Status)),
	}
	if out.NextDue != nil {
		fields = append(fields, zap.Time("next_due", *out.NextDue))
	}
	l.logger.Info("obligation status changed", fields...)
	return &out, nil
}

func invalidTransition(ob *Obligation, action Action) error {
	return &generic.InvalidTransitionError{ID: string(ob.ID), From: string(ob.Status), Action: string(action)}
}

// SweepExpired completes ACTIVE obligations whose EndDate has passed. The
// scanner never selects them, so without the sweep they would stay ACTIVE
// with a NextDue that can no longer be reached.
func (l *Lifecycle) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	started := time.Now()
	defer func() {
		l.metrics.ScanDuration.WithLabelValues(string(RunSweep)).Observe(time.Since(started).Seconds())
	}()

	run := ScanRun{ID: "run-" + uuid.NewString(), Kind: RunSweep, Status: RunRunning, AsOf: now, StartedAt: started}
	l.saveRun(ctx, run)

	expired, err := l.store.FindExpired(ctx, now)
	if err != nil {
		err = classify("find expired", err)
		run.Status = RunFailed
		run.Error = err.Error()
		l.finishRun(ctx, run)
		return 0, err
	}

	run.Candidates = len(expired)
	var sweepErr error
	for _, ob := range expired {
		completed, err := l.completeExpired(ctx, ob.ID, now)
		switch {
		case err != nil:
			run.Failed++
			l.logger.Warn("failed to complete expired obligation",
				zap.String("obligation_id", string(ob.ID)),
				zap.Error(err),
			)
		case completed:
			run.Succeeded++
		default:
			run.Skipped++
		}
		if err != nil && generic.IsSystemic(err) {
			sweepErr = err
			break
		}
	}

	l.metrics.ScanItemsTotal.WithLabelValues(string(RunSweep), "completed").Add(float64(run.Succeeded))
	l.metrics.ScanItemsTotal.WithLabelValues(string(RunSweep), "failed").Add(float64(run.Failed))
	run.Status = RunCompleted
	if sweepErr != nil {
		run.Status = RunAborted
		run.Error = sweepErr.Error()
	}
	if run.Succeeded > 0 {
		l.logger.Info("expired obligations completed", zap.String("run_id", run.ID), zap.Int("count", run.Succeeded))
	}
	l.finishRun(ctx, run)
	return run.Succeeded, sweepErr
}

func (l *Lifecycle) completeExpired(ctx context.Context, id ObligationID, now time.Time) (bool, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	completed := false
	err := l.store.WithTx(ctx, func(tx Tx) error {
		current, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != StatusActive || current.EndDate == nil || !current.EndDate.Before(now) {
			return nil
		}
		updated := current.Clone()
		updated.Status = StatusCompleted
		updated.NextDue = nil
		updated.UpdatedAt = now
		if err := tx.Save(ctx, updated); err != nil {
			return err
		}
		completed = true
		return nil
	})
	if err != nil {
		return false, classify("complete expired "+string(id), err)
	}
	return completed, nil
}

func (l *Lifecycle) saveRun(ctx context.Context, run ScanRun) {
	if err := l.store.SaveRun(ctx, run); err != nil {
		l.logger.Warn("failed to save run record", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (l *Lifecycle) finishRun(ctx context.Context, run ScanRun) {
	completed := time.Now()
	run.CompletedAt = &completed
	if run.Error != "" {
		ctx = context.WithoutCancel(ctx)
	}
	l.saveRun(ctx, run)
}
