/*
store.go - Persistence interface for ledger entries

PURPOSE:
  Defines the interface between the ledger and the database. Entries are
  append-only; there is no Update or Delete.

IDEMPOTENCY:
  Every entry carries an idempotency key. The recurrence engine derives it
  from the obligation ID and the occurrence being materialized, so the same
  occurrence can never be written twice even if two processors race past
  every other guard. Stores enforce the key with a unique index.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - store/memory/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level append with explicit duplicate check
  - recurring/store.go: Obligation store that embeds EntryStore in its Tx
*/
package generic

import "context"

// EntryStore handles persistence of ledger entries.
// IMPORTANT: append-only. Historical entries outlive their source.
type EntryStore interface {
	// AppendEntry persists an entry. Returns ErrDuplicateIdempotencyKey
	// if the key exists.
	AppendEntry(ctx context.Context, e Entry) error

	// Exists checks if an idempotency key already exists.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// EntryReader lists entries produced by one source, newest first.
type EntryReader interface {
	Entries(ctx context.Context, source SourceID) ([]Entry, error)
}
