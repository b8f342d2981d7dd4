package recurring

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/recurring-engine/generic"
)

// =============================================================================
// OBLIGATION SERVICE - Create / read / narrow update / delete
// =============================================================================

// Service methods take an owner. A non-empty owner that does not match the
// obligation's UserID is reported as ErrObligationNotFound so callers
// cannot probe for other users' IDs. An empty owner skips the check.
type Service struct {
	store  Store
	locks  *keyedMutex
	logger *zap.Logger
	newID  func() string
}

func NewService(store Store, logger *zap.Logger) *Service {
	return newService(store, newKeyedMutex(), logger)
}

func newService(store Store, locks *keyedMutex, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		locks:  locks,
		logger: logger.Named("service"),
		newID:  uuid.NewString,
	}
}

// Create validates in and stores a new ACTIVE obligation with NextDue set
// to StartDate.
func (s *Service) Create(ctx context.Context, in NewObligation, now time.Time) (*Obligation, error) {
	if err := ValidateNew(in); err != nil {
		return nil, err
	}

	reminderDays := DefaultReminderDays
	if in.ReminderDays != nil {
		reminderDays = *in.ReminderDays
	}
	var rule CustomRule
	if in.Frequency == Custom {
		rule = append(CustomRule(nil), in.CustomRule...)
	}

	ob := Obligation{
		ID:            ObligationID(s.newID()),
		UserID:        in.UserID,
		Kind:          in.Kind,
		Amount:        generic.NewAmount(in.Amount, in.Currency),
		Category:      in.Category,
		Subcategory:   in.Subcategory,
		Description:   in.Description,
		PaymentMethod: in.PaymentMethod,
		Frequency:     in.Frequency,
		CustomRule:    rule,
		StartDate:     in.StartDate,
		EndDate:       cloneTime(in.EndDate),
		NextDue:       timePtr(in.StartDate),
		Status:        StatusActive,
		ReminderDays:  reminderDays,
		AutoProcess:   in.AutoProcess,
		Metadata:      in.Metadata,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if ob.Metadata == nil {
		ob.Metadata = map[string]any{}
	}

	if err := s.store.Create(ctx, ob); err != nil {
		return nil, classify("create obligation", err)
	}
	s.logger.Info("obligation created",
		zap.String("obligation_id", string(ob.ID)),
		zap.String("user_id", string(ob.UserID)),
		zap.String("frequency", string(ob.Frequency)),
		zap.Time("next_due", *ob.NextDue),
	)
	return &ob, nil
}

func (s *Service) Get(ctx context.Context, owner generic.UserID, id ObligationID) (*Obligation, error) {
	ob, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, classify("get obligation", err)
	}
	if owner != "" && ob.UserID != owner {
		return nil, generic.ErrObligationNotFound
	}
	return ob, nil
}

// List returns obligations matching filter, ordered by NextDue with
// completed and cancelled ones last.
func (s *Service) List(ctx context.Context, filter Filter) ([]Obligation, error) {
	if filter.Limit <= 0 {
		filter.Limit = 10
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	obs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, classify("list obligations", err)
	}
	return obs, nil
}

// UpdateDetails applies patch. Schedule fields (frequency, rule, dates,
// status, NextDue) cannot be changed here; use the lifecycle transitions.
func (s *Service) UpdateDetails(ctx context.Context, owner generic.UserID, id ObligationID, patch DetailsPatch, now time.Time) (*Obligation, error) {
	if err := ValidatePatch(patch); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	var out Obligation
	err := s.store.WithTx(ctx, func(tx Tx) error {
		current, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if owner != "" && current.UserID != owner {
			return generic.ErrObligationNotFound
		}

		updated := current.Clone()
		if patch.Amount != nil {
			updated.Amount = generic.NewAmount(*patch.Amount, current.Amount.Currency)
		}
		if patch.Category != nil {
			updated.Category = *patch.Category
		}
		if patch.Subcategory != nil {
			updated.Subcategory = *patch.Subcategory
		}
		if patch.Description != nil {
			updated.Description = *patch.Description
		}
		if patch.PaymentMethod != nil {
			updated.PaymentMethod = *patch.PaymentMethod
		}
		if patch.ReminderDays != nil {
			updated.ReminderDays = *patch.ReminderDays
		}
		if patch.AutoProcess != nil {
			updated.AutoProcess = *patch.AutoProcess
		}
		if patch.Metadata != nil {
			updated.Metadata = patch.Metadata
		}
		updated.UpdatedAt = now

		if err := tx.Save(ctx, updated); err != nil {
			return err
		}
		updated.Version++
		out = updated
		return nil
	})
	if err != nil {
		return nil, classify("update obligation "+string(id), err)
	}
	return &out, nil
}

// Delete removes the obligation. Entries it already produced stay.
func (s *Service) Delete(ctx context.Context, owner generic.UserID, id ObligationID) error {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.store.Delete(ctx, id); err != nil {
		return classify("delete obligation "+string(id), err)
	}
	s.logger.Info("obligation deleted", zap.String("obligation_id", string(id)))
	return nil
}

// Entries lists the ledger entries produced by the obligation, newest first.
func (s *Service) Entries(ctx context.Context, owner generic.UserID, id ObligationID) ([]generic.Entry, error) {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return nil, err
	}
	entries, err := s.store.Entries(ctx, generic.SourceID(id))
	if err != nil {
		return nil, classify("list entries "+string(id), err)
	}
	return entries, nil
}
