/*
store.go - Persistence interface for recurring obligations

PURPOSE:
  Defines what the engine needs from a storage engine: the due-set and
  approaching-set queries, narrow writes, and a transactional unit that
  spans the obligation update and the ledger entry it produces.

ATOMICITY:
  Processing an obligation is (a) append entry, (b) set lastProcessed,
  (c)-(d) advance or complete the schedule. All of it runs inside one
  WithTx call; if fn returns an error nothing is persisted. A partial
  outcome would cause duplicate or missing materializations later.

OPTIMISTIC LOCKING:
  Tx.Save only succeeds when the stored Version equals the Version of the
  obligation being saved, and bumps it. A loser of a race gets
  generic.ErrConcurrentModification.

ERRORS:
  Implementations wrap connection-level failures with
  generic.ErrStoreUnavailable so the scanner can stop early.

IMPLEMENTATIONS:
  - store/sqlite: SQLite (production)
  - store/memory: in-memory with snapshot rollback (tests, dev)
*/
package recurring

import (
	"context"
	"time"

	"github.com/warp/recurring-engine/generic"
)

// Reader is the read side shared by Store and Tx.
type Reader interface {
	// Get returns the obligation or generic.ErrObligationNotFound.
	Get(ctx context.Context, id ObligationID) (*Obligation, error)
}

// Tx is the transactional view handed to WithTx callbacks.
type Tx interface {
	Reader
	generic.EntryStore

	// Save writes ob if its Version matches the stored one, then bumps it.
	Save(ctx context.Context, ob Obligation) error
}

type Store interface {
	Reader
	generic.EntryReader

	// Create inserts a new obligation (Version starts at 1).
	Create(ctx context.Context, ob Obligation) error

	// Delete removes the obligation. Its entries stay in the ledger.
	Delete(ctx context.Context, id ObligationID) error

	List(ctx context.Context, filter Filter) ([]Obligation, error)

	// FindDue returns ACTIVE obligations with NextDue <= now and EndDate
	// unset or after now, ordered by NextDue.
	FindDue(ctx context.Context, now time.Time) ([]Obligation, error)

	// FindApproaching returns ACTIVE obligations with NextDue > now that
	// fall inside their own ReminderDays lead window and have not been
	// reminded for the current NextDue yet.
	FindApproaching(ctx context.Context, now time.Time) ([]Obligation, error)

	// FindExpired returns ACTIVE obligations whose EndDate is before now.
	FindExpired(ctx context.Context, now time.Time) ([]Obligation, error)

	// MarkReminded records that a reminder went out for due. It returns
	// false, without writing, if NextDue is no longer due or a reminder
	// for due was already recorded.
	MarkReminded(ctx context.Context, id ObligationID, due time.Time) (bool, error)

	SaveRun(ctx context.Context, run ScanRun) error
	ListRuns(ctx context.Context, limit int) ([]ScanRun, error)

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
