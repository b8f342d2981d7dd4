package recurring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warp/recurring-engine/generic"
)

// =============================================================================
// ENGINE - One Store, one Notifier, one lock table
// =============================================================================

// Engine wires the components to a shared per-obligation lock table so that
// a manual "process now", a lifecycle transition and a scan never work on
// the same obligation at the same time within one process. Across
// processes the store's version check takes over.
type Engine struct {
	*Service
	processor *Processor
	scanner   *Scanner
	reminders *Reminders
	lifecycle *Lifecycle
	store     Store
}

type Option func(*engineOptions)

type engineOptions struct {
	logger  *zap.Logger
	scanner ScannerOptions
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

func WithScannerOptions(opts ScannerOptions) Option {
	return func(o *engineOptions) { o.scanner = opts }
}

func New(store Store, notifier Notifier, opts ...Option) *Engine {
	o := engineOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	locks := newKeyedMutex()
	processor := newProcessor(store, notifier, locks, o.logger)
	return &Engine{
		Service:   newService(store, locks, o.logger),
		processor: processor,
		scanner:   NewScanner(store, processor, o.scanner, o.logger),
		reminders: newReminders(store, notifier, locks, o.logger),
		lifecycle: newLifecycle(store, locks, o.logger),
		store:     store,
	}
}

// ScanAndProcess is the due-processing driver entry point.
func (e *Engine) ScanAndProcess(ctx context.Context, now time.Time) (*ScanReport, error) {
	return e.scanner.ScanAndProcess(ctx, now)
}

// ScanAndRemind is the reminder driver entry point.
func (e *Engine) ScanAndRemind(ctx context.Context, now time.Time) (*ReminderReport, error) {
	return e.reminders.ScanAndRemind(ctx, now)
}

// SweepExpired completes ACTIVE obligations whose end date has passed.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	return e.lifecycle.SweepExpired(ctx, now)
}

// ProcessNow materializes the current NextDue of the obligation regardless
// of AutoProcess and of whether it is due yet.
func (e *Engine) ProcessNow(ctx context.Context, owner generic.UserID, id ObligationID, now time.Time) (*ProcessResult, error) {
	ob, err := e.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	return e.processor.Process(ctx, *ob, TriggerManual, now)
}

func (e *Engine) Pause(ctx context.Context, owner generic.UserID, id ObligationID, now time.Time) (*Obligation, error) {
	if _, err := e.Get(ctx, owner, id); err != nil {
		return nil, err
	}
	return e.lifecycle.Pause(ctx, id, now)
}

func (e *Engine) Resume(ctx context.Context, owner generic.UserID, id ObligationID, now time.Time) (*Obligation, error) {
	if _, err := e.Get(ctx, owner, id); err != nil {
		return nil, err
	}
	return e.lifecycle.Resume(ctx, id, now)
}

func (e *Engine) Cancel(ctx context.Context, owner generic.UserID, id ObligationID, now time.Time) (*Obligation, error) {
	if _, err := e.Get(ctx, owner, id); err != nil {
		return nil, err
	}
	return e.lifecycle.Cancel(ctx, id, now)
}

// Runs returns the most recent scan run records.
func (e *Engine) Runs(ctx context.Context, limit int) ([]ScanRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	runs, err := e.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, classify("list runs", err)
	}
	return runs, nil
}
