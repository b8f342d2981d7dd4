package recurring_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/recurring-engine/generic"
	"github.com/warp/recurring-engine/recurring"
	"github.com/warp/recurring-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptr[T any](v T) *T { return &v }

// sentNotification is one call recorded by recordingNotifier.
type sentNotification struct {
	UserID  generic.UserID
	Kind    recurring.NotificationKind
	Payload recurring.Payload
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, userID generic.UserID, kind recurring.NotificationKind, p recurring.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{UserID: userID, Kind: kind, Payload: p})
	return n.err
}

func (n *recordingNotifier) count(kind recurring.NotificationKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.Kind == kind {
			c++
		}
	}
	return c
}

func newTestEngine(t *testing.T) (*recurring.Engine, *memory.Memory, *recordingNotifier) {
	t.Helper()
	store := memory.New()
	notifier := &recordingNotifier{}
	engine := recurring.New(store, notifier, recurring.WithLogger(zaptest.NewLogger(t)))
	return engine, store, notifier
}

// monthlyRent is an ACTIVE auto-processed expense due on start.
func monthlyRent(id string, start time.Time) recurring.Obligation {
	return recurring.Obligation{
		ID:           recurring.ObligationID(id),
		UserID:       "user-1",
		Kind:         generic.KindExpense,
		Amount:       generic.MustAmount("1500000.00", "IDR"),
		Category:     "Housing",
		Description:  "Rent",
		Frequency:    recurring.Monthly,
		StartDate:    start,
		NextDue:      ptr(start),
		Status:       recurring.StatusActive,
		ReminderDays: 3,
		AutoProcess:  true,
		Version:      1,
		CreatedAt:    start,
		UpdatedAt:    start,
	}
}

func seed(t *testing.T, store recurring.Store, obs ...recurring.Obligation) {
	t.Helper()
	for _, ob := range obs {
		require.NoError(t, store.Create(context.Background(), ob))
	}
}

func reload(t *testing.T, store recurring.Store, id recurring.ObligationID) recurring.Obligation {
	t.Helper()
	ob, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return *ob
}

func entries(t *testing.T, store recurring.Store, id recurring.ObligationID) []generic.Entry {
	t.Helper()
	es, err := store.Entries(context.Background(), generic.SourceID(id))
	require.NoError(t, err)
	return es
}

func rule(s string) recurring.CustomRule {
	return recurring.CustomRule(json.RawMessage(s))
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// faultyStore wraps a Store and fails selected operations.
type faultyStore struct {
	recurring.Store

	mu sync.Mutex
	// saveErr is returned by Tx.Save for the listed obligations.
	saveErr map[recurring.ObligationID]error
	// findDueErr is returned by FindDue.
	findDueErr error
	// markErr is returned by MarkReminded.
	markErr error
	// stalled obligations block in Tx.Get until the context is done.
	stalled map[recurring.ObligationID]bool
}

func newFaultyStore(inner recurring.Store) *faultyStore {
	return &faultyStore{
		Store:   inner,
		saveErr: make(map[recurring.ObligationID]error),
		stalled: make(map[recurring.ObligationID]bool),
	}
}

func (f *faultyStore) failSave(id recurring.ObligationID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErr[id] = err
}

func (f *faultyStore) stall(id recurring.ObligationID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stalled[id] = true
}

func (f *faultyStore) FindDue(ctx context.Context, now time.Time) ([]recurring.Obligation, error) {
	if f.findDueErr != nil {
		return nil, f.findDueErr
	}
	return f.Store.FindDue(ctx, now)
}

func (f *faultyStore) MarkReminded(ctx context.Context, id recurring.ObligationID, due time.Time) (bool, error) {
	if f.markErr != nil {
		return false, f.markErr
	}
	return f.Store.MarkReminded(ctx, id, due)
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(recurring.Tx) error) error {
	return f.Store.WithTx(ctx, func(tx recurring.Tx) error {
		return fn(&faultyTx{Tx: tx, parent: f})
	})
}

type faultyTx struct {
	recurring.Tx
	parent *faultyStore
}

func (t *faultyTx) Get(ctx context.Context, id recurring.ObligationID) (*recurring.Obligation, error) {
	t.parent.mu.Lock()
	stalled := t.parent.stalled[id]
	t.parent.mu.Unlock()
	if stalled {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return t.Tx.Get(ctx, id)
}

func (t *faultyTx) Save(ctx context.Context, ob recurring.Obligation) error {
	t.parent.mu.Lock()
	err := t.parent.saveErr[ob.ID]
	t.parent.mu.Unlock()
	if err != nil {
		return err
	}
	return t.Tx.Save(ctx, ob)
}
