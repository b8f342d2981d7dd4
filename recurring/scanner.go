package recurring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/recurring-engine/generic"
)

// =============================================================================
// DUE-SET SCANNER - At most one occurrence per obligation per scan
// =============================================================================

// Catch-up policy: each scan materializes at most ONE occurrence per
// obligation. An obligation that missed N periods while the host was down
// catches up over N subsequent scans, one entry per scan. This bounds the
// work per scan and avoids a burst of near-identical entries stamped with
// the same wall-clock time.

type ItemStatus string

const (
	ItemProcessed ItemStatus = "processed"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
	// ItemAwaitingConfirmation is a due obligation with AutoProcess off.
	ItemAwaitingConfirmation ItemStatus = "awaiting_confirmation"
	// ItemSkipped means another processor got there first, or the scan
	// was aborted before reaching the item.
	ItemSkipped ItemStatus = "skipped"
)

type ItemResult struct {
	ObligationID ObligationID
	Status       ItemStatus
	EntryID      generic.EntryID
	NextDue      *time.Time
	Err          error
}

func (r ItemResult) Succeeded() bool {
	return r.Status == ItemProcessed || r.Status == ItemCompleted
}

type ScanReport struct {
	RunID      string
	AsOf       time.Time
	Candidates int
	Processed  int
	Failed     int
	Skipped    int
	// Aborted is set when a systemic storage failure stopped the scan.
	Aborted bool
	Results []ItemResult
}

type ScannerOptions struct {
	// Concurrency is the number of obligations processed in parallel.
	Concurrency int
	// ItemTimeout bounds one obligation's processing attempt.
	ItemTimeout time.Duration
}

func (o ScannerOptions) withDefaults() ScannerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = 10 * time.Second
	}
	return o
}

type Scanner struct {
	store     Store
	processor *Processor
	opts      ScannerOptions
	logger    *zap.Logger
	metrics   *Metrics
}

func NewScanner(store Store, processor *Processor, opts ScannerOptions, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		store:     store,
		processor: processor,
		opts:      opts.withDefaults(),
		logger:    logger.Named("scanner"),
		metrics:   NewMetrics(),
	}
}

// ScanAndProcess processes every obligation due at now, once.
//
// Per-item failures are captured in the report and never stop the batch.
// A systemic storage failure cancels the items not yet started; they are
// reported as skipped and the whole scan is retried by the next scheduled
// invocation. The returned error is non-nil only when the due set could
// not be loaded or the scan was aborted.
func (s *Scanner) ScanAndProcess(ctx context.Context, now time.Time) (*ScanReport, error) {
	started := time.Now()
	defer func() {
		s.metrics.ScanDuration.WithLabelValues(string(RunProcess)).Observe(time.Since(started).Seconds())
	}()

	run := ScanRun{
		ID:        "run-" + uuid.NewString(),
		Kind:      RunProcess,
		Status:    RunRunning,
		AsOf:      now,
		StartedAt: started,
	}
	s.saveRun(ctx, run)

	due, err := s.store.FindDue(ctx, now)
	if err != nil {
		err = classify("find due", err)
		s.finishRun(ctx, run, nil, err)
		return nil, err
	}

	report := &ScanReport{
		RunID:      run.ID,
		AsOf:       now,
		Candidates: len(due),
		Results:    make([]ItemResult, len(due)),
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.opts.Concurrency)
	for i, ob := range due {
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				report.Results[i] = ItemResult{ObligationID: ob.ID, Status: ItemSkipped, Err: err}
				return err
			}
			res := s.processOne(gctx, ob, now)
			report.Results[i] = res
			if abortsScan(gctx, res.Err) {
				return res.Err
			}
			return nil
		})
	}
	scanErr := group.Wait()

	for _, res := range report.Results {
		switch {
		case res.Succeeded():
			report.Processed++
		case res.Status == ItemFailed:
			report.Failed++
		default:
			report.Skipped++
		}
		s.metrics.ScanItemsTotal.WithLabelValues(string(RunProcess), string(res.Status)).Inc()
	}

	if scanErr != nil {
		report.Aborted = true
		scanErr = fmt.Errorf("scan aborted after systemic failure: %w", scanErr)
		s.logger.Error("scan aborted",
			zap.String("run_id", run.ID),
			zap.Int("processed", report.Processed),
			zap.Error(scanErr),
		)
	} else if report.Candidates > 0 {
		s.logger.Info("scan completed",
			zap.String("run_id", run.ID),
			zap.Int("candidates", report.Candidates),
			zap.Int("processed", report.Processed),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped),
		)
	}

	s.finishRun(ctx, run, report, scanErr)
	return report, scanErr
}

func (s *Scanner) processOne(ctx context.Context, ob Obligation, now time.Time) ItemResult {
	res := ItemResult{ObligationID: ob.ID}
	if !ob.AutoProcess {
		res.Status = ItemAwaitingConfirmation
		res.NextDue = cloneTime(ob.NextDue)
		return res
	}

	itemCtx, cancel := context.WithTimeout(ctx, s.opts.ItemTimeout)
	defer cancel()

	out, err := s.processor.Process(itemCtx, ob, TriggerAuto, now)
	switch {
	case err == nil:
		res.EntryID = out.Entry.ID
		res.NextDue = cloneTime(out.Obligation.NextDue)
		res.Status = ItemProcessed
		if out.Completed {
			res.Status = ItemCompleted
		}
	case errors.Is(err, generic.ErrConcurrentModification),
		errors.Is(err, generic.ErrDuplicateIdempotencyKey),
		errors.Is(err, generic.ErrNotDue),
		errors.Is(err, generic.ErrNotActive):
		// Another scan or a manual trigger moved it first.
		res.Status = ItemSkipped
		res.Err = err
	default:
		res.Status = ItemFailed
		res.Err = err
		s.logger.Warn("obligation processing failed",
			zap.String("obligation_id", string(ob.ID)),
			zap.String("user_id", string(ob.UserID)),
			zap.Error(err),
		)
	}
	return res
}

// abortsScan reports whether an item's failure stops the rest of the scan.
// An item running out of its own ItemTimeout fails only that item; store
// unavailability and cancellation of the scan itself stop everything.
func abortsScan(scanCtx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, generic.ErrStoreUnavailable) {
		return true
	}
	return generic.IsSystemic(err) && scanCtx.Err() != nil
}

func (s *Scanner) saveRun(ctx context.Context, run ScanRun) {
	if err := s.store.SaveRun(ctx, run); err != nil {
		s.logger.Warn("failed to save run record", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (s *Scanner) finishRun(ctx context.Context, run ScanRun, report *ScanReport, err error) {
	completed := time.Now()
	run.CompletedAt = &completed
	run.Status = RunCompleted
	if report != nil {
		run.Candidates = report.Candidates
		run.Succeeded = report.Processed
		run.Failed = report.Failed
		run.Skipped = report.Skipped
	}
	if err != nil {
		run.Error = err.Error()
		run.Status = RunFailed
		if report != nil && report.Aborted {
			run.Status = RunAborted
		}
		// The scan context may be the thing that failed.
		ctx = context.WithoutCancel(ctx)
	}
	s.saveRun(ctx, run)
}
