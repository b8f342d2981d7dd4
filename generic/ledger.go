/*
ledger.go - Append-only entry log

PURPOSE:
  The Ledger is the write path for materialized money movements. It checks
  the idempotency key before appending so a duplicate materialization is
  reported as ErrDuplicateIdempotencyKey rather than as an opaque
  constraint failure from the database.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. IDEMPOTENT: Same idempotency key = same entry (no duplicates)
  3. COMPLETE: Entries carry kind, amount and category copied from the
     source at materialization time; later edits to the source do not
     rewrite history.

SEE ALSO:
  - store.go: Low-level persistence interface
  - recurring/processor.go: Appends through a transactional EntryStore
*/
package generic

import (
	"context"
	"fmt"
)

type Ledger struct {
	Store EntryStore
}

func NewLedger(store EntryStore) *Ledger {
	return &Ledger{Store: store}
}

// Append validates and persists a single entry.
func (l *Ledger) Append(ctx context.Context, e Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	if e.IdempotencyKey != "" {
		exists, err := l.Store.Exists(ctx, e.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("check idempotency key: %w", err)
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.AppendEntry(ctx, e)
}

func validateEntry(e Entry) error {
	switch {
	case e.ID == "":
		return &ValidationError{Field: "id", Reason: "required"}
	case e.UserID == "":
		return &ValidationError{Field: "user_id", Reason: "required"}
	case !e.Kind.Valid():
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", e.Kind)}
	case e.Amount.IsNegative():
		return &ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	return nil
}
