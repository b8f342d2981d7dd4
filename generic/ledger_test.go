package generic_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurring-engine/generic"
)

// entryLog is a minimal EntryStore.
type entryLog struct {
	entries []generic.Entry
	keys    map[string]bool
}

func newEntryLog() *entryLog {
	return &entryLog{keys: make(map[string]bool)}
}

func (l *entryLog) AppendEntry(_ context.Context, e generic.Entry) error {
	if l.keys[e.IdempotencyKey] {
		return generic.ErrDuplicateIdempotencyKey
	}
	l.keys[e.IdempotencyKey] = true
	l.entries = append(l.entries, e)
	return nil
}

func (l *entryLog) Exists(_ context.Context, key string) (bool, error) {
	return l.keys[key], nil
}

func rentEntry(id, key string) generic.Entry {
	return generic.Entry{
		ID:             generic.EntryID(id),
		UserID:         "user-1",
		SourceID:       "ob-rent",
		Kind:           generic.KindExpense,
		Amount:         generic.MustAmount("1500000.00", "IDR"),
		Category:       "Housing",
		Status:         generic.EntryCompleted,
		Occurrence:     time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		IdempotencyKey: key,
	}
}

func TestLedger_Append(t *testing.T) {
	// GIVEN: An empty ledger
	store := newEntryLog()
	ledger := generic.NewLedger(store)

	// WHEN: Appending one entry
	err := ledger.Append(context.Background(), rentEntry("e-1", "ob-rent:2025-01-01T00:00:00Z"))

	// THEN: It is stored
	require.NoError(t, err)
	require.Len(t, store.entries, 1)
	assert.Equal(t, "1500000.00 IDR", store.entries[0].Amount.String())
}

func TestLedger_DuplicateIdempotencyKey(t *testing.T) {
	// GIVEN: An entry for an occurrence already exists
	store := newEntryLog()
	ledger := generic.NewLedger(store)
	key := "ob-rent:2025-01-01T00:00:00Z"
	require.NoError(t, ledger.Append(context.Background(), rentEntry("e-1", key)))

	// WHEN: Appending a second entry for the same occurrence
	err := ledger.Append(context.Background(), rentEntry("e-2", key))

	// THEN: It is rejected and nothing is added
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	assert.Len(t, store.entries, 1)
}

func TestLedger_RejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*generic.Entry)
		field  string
	}{
		{"missing id", func(e *generic.Entry) { e.ID = "" }, "id"},
		{"missing user", func(e *generic.Entry) { e.UserID = "" }, "user_id"},
		{"unknown kind", func(e *generic.Entry) { e.Kind = "REFUND" }, "kind"},
		{"negative amount", func(e *generic.Entry) { e.Amount = generic.MustAmount("-1.00", "IDR") }, "amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newEntryLog()
			e := rentEntry("e-1", "k")
			tt.modify(&e)

			err := generic.NewLedger(store).Append(context.Background(), e)

			assert.ErrorIs(t, err, generic.ErrValidation)
			var verr *generic.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Empty(t, store.entries)
		})
	}
}

func TestAmount_String(t *testing.T) {
	assert.Equal(t, "12.50 USD", generic.MustAmount("12.5", "USD").String())
	assert.Equal(t, "0.00 IDR", generic.MustAmount("0", "").String())
	assert.False(t, generic.MustAmount("1.005", "IDR").HasValidScale())
}

func TestIsSystemic(t *testing.T) {
	assert.True(t, generic.IsSystemic(&generic.StorageError{Op: "save", Err: generic.ErrStoreUnavailable}))
	assert.True(t, generic.IsSystemic(context.Canceled))
	assert.False(t, generic.IsSystemic(&generic.StorageError{Op: "save", Err: generic.ErrConcurrentModification}))
	assert.False(t, generic.IsSystemic(generic.ErrNotActive))
}
