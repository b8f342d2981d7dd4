package recurring

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/recurring-engine/generic"
)

// =============================================================================
// REMINDER ENGINE - Once per approaching occurrence
// =============================================================================

// De-duplication is keyed by the NextDue value: a reminder is claimed by
// recording LastRemindedDue = NextDue before the notification goes out.
// Advancing the schedule changes NextDue and so re-arms the reminder. A
// pause/resume cycle that reproduces the same NextDue does not.
//
// Claim-then-send gives at-most-once delivery per occurrence even when two
// reminder scans overlap. A notifier failure after the claim is logged and
// counted; redelivery is the notifier's responsibility.

type ReminderResult struct {
	ObligationID ObligationID
	Due          time.Time
	DaysUntilDue int
	Err          error
}

type ReminderReport struct {
	RunID      string
	AsOf       time.Time
	Candidates int
	Reminded   int
	Failed     int
	Results    []ReminderResult
}

type Reminders struct {
	store    Store
	notifier Notifier
	locks    *keyedMutex
	logger   *zap.Logger
	metrics  *Metrics
}

func newReminders(store Store, notifier Notifier, locks *keyedMutex, logger *zap.Logger) *Reminders {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reminders{
		store:    store,
		notifier: notifier,
		locks:    locks,
		logger:   logger.Named("reminders"),
		metrics:  NewMetrics(),
	}
}

// ScanAndRemind sends one reminder per obligation whose NextDue is within
// its ReminderDays lead window and has not been reminded for that NextDue.
// AutoProcess does not matter here.
func (r *Reminders) ScanAndRemind(ctx context.Context, now time.Time) (*ReminderReport, error) {
	started := time.Now()
	defer func() {
		r.metrics.ScanDuration.WithLabelValues(string(RunRemind)).Observe(time.Since(started).Seconds())
	}()

	run := ScanRun{ID: "run-" + uuid.NewString(), Kind: RunRemind, Status: RunRunning, AsOf: now, StartedAt: started}
	r.saveRun(ctx, run)

	candidates, err := r.store.FindApproaching(ctx, now)
	if err != nil {
		err = classify("find approaching", err)
		r.finishRun(ctx, run, nil, err)
		return nil, err
	}

	report := &ReminderReport{RunID: run.ID, AsOf: now, Candidates: len(candidates)}
	var scanErr error
	for _, ob := range candidates {
		if err := ctx.Err(); err != nil {
			scanErr = err
			break
		}
		res, sent := r.remindOne(ctx, ob, now)
		if !sent && res.Err == nil {
			continue
		}
		report.Results = append(report.Results, res)
		if res.Err != nil {
			report.Failed++
			if generic.IsSystemic(res.Err) {
				scanErr = res.Err
				break
			}
			continue
		}
		report.Reminded++
	}

	r.metrics.ScanItemsTotal.WithLabelValues(string(RunRemind), "reminded").Add(float64(report.Reminded))
	r.metrics.ScanItemsTotal.WithLabelValues(string(RunRemind), "failed").Add(float64(report.Failed))
	if report.Reminded > 0 || report.Failed > 0 {
		r.logger.Info("reminder scan completed",
			zap.String("run_id", run.ID),
			zap.Int("candidates", report.Candidates),
			zap.Int("reminded", report.Reminded),
			zap.Int("failed", report.Failed),
		)
	}
	r.finishRun(ctx, run, report, scanErr)
	return report, scanErr
}

// remindOne claims and sends one reminder. sent is false when the
// obligation turned out to be outside the window or already reminded.
func (r *Reminders) remindOne(ctx context.Context, ob Obligation, now time.Time) (ReminderResult, bool) {
	res := ReminderResult{ObligationID: ob.ID}
	if ob.Status != StatusActive || ob.NextDue == nil {
		return res, false
	}
	due := *ob.NextDue
	res.Due = due
	if !generic.LeadWindow(now, ob.ReminderDays).Contains(due) {
		return res, false
	}
	if ob.LastRemindedDue != nil && ob.LastRemindedDue.Equal(due) {
		return res, false
	}

	unlock := r.locks.Lock(ob.ID)
	claimed, err := r.store.MarkReminded(ctx, ob.ID, due)
	unlock()
	if err != nil {
		res.Err = classify("mark reminded "+string(ob.ID), err)
		return res, false
	}
	if !claimed {
		return res, false
	}

	res.DaysUntilDue = generic.DaysUntil(now, due)
	ob.LastRemindedDue = timePtr(due)
	if err := r.notifier.Notify(ctx, ob.UserID, NotifyReminder, reminderPayload(ob, res.DaysUntilDue)); err != nil {
		r.metrics.NotifyFailuresTotal.WithLabelValues(string(NotifyReminder)).Inc()
		r.logger.Warn("reminder notification failed",
			zap.String("obligation_id", string(ob.ID)),
			zap.String("user_id", string(ob.UserID)),
			zap.Time("due", due),
			zap.Error(err),
		)
		res.Err = err
		return res, true
	}
	r.metrics.RemindersSentTotal.Inc()
	return res, true
}

func (r *Reminders) saveRun(ctx context.Context, run ScanRun) {
	if err := r.store.SaveRun(ctx, run); err != nil {
		r.logger.Warn("failed to save run record", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (r *Reminders) finishRun(ctx context.Context, run ScanRun, report *ReminderReport, err error) {
	completed := time.Now()
	run.CompletedAt = &completed
	run.Status = RunCompleted
	if report != nil {
		run.Candidates = report.Candidates
		run.Succeeded = report.Reminded
		run.Failed = report.Failed
		run.Skipped = report.Candidates - report.Reminded - report.Failed
	}
	if err != nil {
		run.Status = RunFailed
		if report != nil {
			run.Status = RunAborted
		}
		run.Error = err.Error()
		ctx = context.WithoutCancel(ctx)
	}
	r.saveRun(ctx, run)
}
