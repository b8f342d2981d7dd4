package recurring

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/recurring-engine/generic"
)

// =============================================================================
// OBLIGATION PROCESSOR - One occurrence from "due" to "processed"
// =============================================================================

type Trigger string

const (
	// TriggerAuto is the scanner path; it honors AutoProcess and due-ness.
	TriggerAuto Trigger = "auto"
	// TriggerManual is "process now"; it bypasses AutoProcess.
	TriggerManual Trigger = "manual"
)

type ProcessResult struct {
	Entry generic.Entry
	// Obligation is the state after processing.
	Obligation Obligation
	// Completed is true when this occurrence was the last of the series.
	Completed bool
	// NotifyErr is the notifier's error, if any. Financial state is
	// committed regardless.
	NotifyErr error
}

type Processor struct {
	store    Store
	notifier Notifier
	locks    *keyedMutex
	logger   *zap.Logger
	metrics  *Metrics
	newID    func() string
}

func NewProcessor(store Store, notifier Notifier, logger *zap.Logger) *Processor {
	return newProcessor(store, notifier, newKeyedMutex(), logger)
}

func newProcessor(store Store, notifier Notifier, locks *keyedMutex, logger *zap.Logger) *Processor {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:    store,
		notifier: notifier,
		locks:    locks,
		logger:   logger.Named("processor"),
		metrics:  NewMetrics(),
		newID:    uuid.NewString,
	}
}

// Process materializes the occurrence ob.NextDue.
//
// ob is the caller's snapshot. Inside the transaction the obligation is
// re-read and must still carry the same Version and NextDue; otherwise
// somebody else processed or changed it first and ErrConcurrentModification
// is returned. Together with the per-obligation lock and the idempotency
// key this makes concurrent processing of one snapshot produce exactly one
// entry.
//
// Unsupported schedules are detected before anything is written: the
// obligation stays ACTIVE with NextDue untouched and no entry exists.
func (p *Processor) Process(ctx context.Context, ob Obligation, trigger Trigger, now time.Time) (*ProcessResult, error) {
	result, err := p.process(ctx, ob, trigger, now)
	p.metrics.ProcessedTotal.WithLabelValues(string(trigger), processOutcome(result, err)).Inc()
	if err != nil {
		return nil, err
	}

	p.logger.Info("obligation processed",
		zap.String("obligation_id", string(ob.ID)),
		zap.String("user_id", string(ob.UserID)),
		zap.String("trigger", string(trigger)),
		zap.String("entry_id", string(result.Entry.ID)),
		zap.Time("occurrence", result.Entry.Occurrence),
		zap.Bool("completed", result.Completed),
	)

	result.NotifyErr = p.notify(ctx, result)
	return result, nil
}

func (p *Processor) process(ctx context.Context, ob Obligation, trigger Trigger, now time.Time) (*ProcessResult, error) {
	if ob.Status != StatusActive {
		return nil, &generic.NotActiveError{ID: string(ob.ID), Status: string(ob.Status)}
	}
	if trigger == TriggerAuto && !ob.AutoProcess {
		return nil, generic.ErrManualConfirmationRequired
	}

	unlock := p.locks.Lock(ob.ID)
	defer unlock()

	var result *ProcessResult
	err := p.store.WithTx(ctx, func(tx Tx) error {
		current, err := tx.Get(ctx, ob.ID)
		if err != nil {
			return err
		}
		if current.Status != StatusActive {
			return &generic.NotActiveError{ID: string(current.ID), Status: string(current.Status)}
		}
		if current.Version != ob.Version || !sameTime(current.NextDue, ob.NextDue) {
			return generic.ErrConcurrentModification
		}
		if current.NextDue == nil {
			return &generic.ValidationError{Field: "next_due", Reason: "active obligation without next due date"}
		}
		occurrence := *current.NextDue
		if trigger == TriggerAuto && occurrence.After(now) {
			return generic.ErrNotDue
		}

		next := Next(occurrence, current.Frequency, current.CustomRule, current.EndDate)
		if next.Kind == Unsupported {
			return &generic.UnsupportedScheduleError{ID: string(current.ID), Reason: next.Reason}
		}

		entry := p.materialize(*current, occurrence, now)
		if err := generic.NewLedger(tx).Append(ctx, entry); err != nil {
			return err
		}

		updated := current.Clone()
		updated.LastProcessed = timePtr(now)
		updated.UpdatedAt = now
		if next.Kind == SeriesEnded {
			updated.Status = StatusCompleted
			updated.NextDue = nil
		} else {
			updated.NextDue = timePtr(next.At)
		}
		if err := tx.Save(ctx, updated); err != nil {
			return err
		}
		updated.Version++

		result = &ProcessResult{
			Entry:      entry,
			Obligation: updated,
			Completed:  next.Kind == SeriesEnded,
		}
		return nil
	})
	if err != nil {
		return nil, classify("process "+string(ob.ID), err)
	}
	return result, nil
}

func (p *Processor) materialize(ob Obligation, occurrence, now time.Time) generic.Entry {
	return generic.Entry{
		ID:             generic.EntryID(p.newID()),
		UserID:         ob.UserID,
		SourceID:       generic.SourceID(ob.ID),
		Kind:           ob.Kind,
		Amount:         ob.Amount,
		Category:       ob.Category,
		Subcategory:    ob.Subcategory,
		Description:    ob.Description,
		PaymentMethod:  ob.PaymentMethod,
		Status:         generic.EntryCompleted,
		OccurredAt:     now,
		Occurrence:     occurrence,
		IdempotencyKey: ob.IdempotencyKey(occurrence),
		Metadata: map[string]string{
			"frequency": string(ob.Frequency),
		},
		CreatedAt: now,
	}
}

func (p *Processor) notify(ctx context.Context, result *ProcessResult) error {
	ob := result.Obligation
	err := p.notifier.Notify(ctx, ob.UserID, NotifyProcessed, processedPayload(ob, result.Entry))
	if err != nil {
		p.metrics.NotifyFailuresTotal.WithLabelValues(string(NotifyProcessed)).Inc()
		p.logger.Warn("processed notification failed",
			zap.String("obligation_id", string(ob.ID)),
			zap.String("user_id", string(ob.UserID)),
			zap.Error(err),
		)
	}
	return err
}

// classify passes engine errors through and wraps everything else as a
// StorageError.
func classify(op string, err error) error {
	var storageErr *generic.StorageError
	switch {
	case errors.As(err, &storageErr):
		return err
	case errors.Is(err, generic.ErrValidation),
		errors.Is(err, generic.ErrNotActive),
		errors.Is(err, generic.ErrUnsupportedSchedule),
		errors.Is(err, generic.ErrInvalidTransition),
		errors.Is(err, generic.ErrConcurrentModification),
		errors.Is(err, generic.ErrDuplicateIdempotencyKey),
		errors.Is(err, generic.ErrObligationNotFound),
		errors.Is(err, generic.ErrManualConfirmationRequired),
		errors.Is(err, generic.ErrNotDue):
		return err
	}
	return &generic.StorageError{Op: op, Err: err}
}

func processOutcome(result *ProcessResult, err error) string {
	switch {
	case err == nil && result.Completed:
		return "completed"
	case err == nil:
		return "materialized"
	case errors.Is(err, generic.ErrUnsupportedSchedule):
		return "unsupported"
	case errors.Is(err, generic.ErrNotActive):
		return "not_active"
	case errors.Is(err, generic.ErrConcurrentModification), errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		return "conflict"
	case errors.Is(err, generic.ErrNotDue), errors.Is(err, generic.ErrManualConfirmationRequired):
		return "skipped"
	}
	return "error"
}
