// Package memory provides an in-memory recurring.Store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/recurring-engine/generic"
	"github.com/warp/recurring-engine/recurring"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	obligations map[recurring.ObligationID]recurring.Obligation
	entries     map[generic.SourceID][]generic.Entry
	idempotency map[string]bool
	runs        map[string]recurring.ScanRun
}

var _ recurring.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		obligations: make(map[recurring.ObligationID]recurring.Obligation),
		entries:     make(map[generic.SourceID][]generic.Entry),
		idempotency: make(map[string]bool),
		runs:        make(map[string]recurring.ScanRun),
	}
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

func (m *Memory) Create(_ context.Context, ob recurring.Obligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.obligations[ob.ID]; ok {
		return fmt.Errorf("obligation %s already exists", ob.ID)
	}
	if ob.Version == 0 {
		ob.Version = 1
	}
	m.obligations[ob.ID] = ob.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id recurring.ObligationID) (*recurring.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id recurring.ObligationID) (*recurring.Obligation, error) {
	ob, ok := m.obligations[id]
	if !ok {
		return nil, generic.ErrObligationNotFound
	}
	c := ob.Clone()
	return &c, nil
}

func (m *Memory) Delete(_ context.Context, id recurring.ObligationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.obligations[id]; !ok {
		return generic.ErrObligationNotFound
	}
	delete(m.obligations, id)
	return nil
}

func (m *Memory) List(_ context.Context, filter recurring.Filter) ([]recurring.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := m.collect(func(ob recurring.Obligation) bool {
		return (filter.UserID == "" || ob.UserID == filter.UserID) &&
			(filter.Kind == "" || ob.Kind == filter.Kind) &&
			(filter.Status == "" || ob.Status == filter.Status) &&
			(filter.Frequency == "" || ob.Frequency == filter.Frequency)
	})

	if filter.Offset >= len(result) {
		return []recurring.Obligation{}, nil
	}
	result = result[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *Memory) FindDue(_ context.Context, now time.Time) ([]recurring.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(func(ob recurring.Obligation) bool {
		return ob.Status == recurring.StatusActive &&
			ob.NextDue != nil && !ob.NextDue.After(now) &&
			(ob.EndDate == nil || ob.EndDate.After(now))
	}), nil
}

func (m *Memory) FindApproaching(_ context.Context, now time.Time) ([]recurring.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(func(ob recurring.Obligation) bool {
		if ob.Status != recurring.StatusActive || ob.NextDue == nil {
			return false
		}
		if ob.LastRemindedDue != nil && ob.LastRemindedDue.Equal(*ob.NextDue) {
			return false
		}
		return generic.LeadWindow(now, ob.ReminderDays).Contains(*ob.NextDue)
	}), nil
}

func (m *Memory) FindExpired(_ context.Context, now time.Time) ([]recurring.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(func(ob recurring.Obligation) bool {
		return ob.Status == recurring.StatusActive && ob.EndDate != nil && ob.EndDate.Before(now)
	}), nil
}

func (m *Memory) MarkReminded(_ context.Context, id recurring.ObligationID, due time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ob, ok := m.obligations[id]
	if !ok {
		return false, generic.ErrObligationNotFound
	}
	if ob.Status != recurring.StatusActive || ob.NextDue == nil || !ob.NextDue.Equal(due) {
		return false, nil
	}
	if ob.LastRemindedDue != nil && ob.LastRemindedDue.Equal(due) {
		return false, nil
	}
	ob.LastRemindedDue = &due
	m.obligations[id] = ob
	return true, nil
}

// collect returns clones of the matching obligations ordered by NextDue,
// with unscheduled ones last. Callers hold the lock.
func (m *Memory) collect(match func(recurring.Obligation) bool) []recurring.Obligation {
	result := make([]recurring.Obligation, 0)
	for _, ob := range m.obligations {
		if match(ob) {
			result = append(result, ob.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		switch {
		case a.NextDue == nil && b.NextDue != nil:
			return false
		case a.NextDue != nil && b.NextDue == nil:
			return true
		case a.NextDue != nil && !a.NextDue.Equal(*b.NextDue):
			return a.NextDue.Before(*b.NextDue)
		}
		return a.ID < b.ID
	})
	return result
}

// saveLocked applies the optimistic version check. LastRemindedDue is owned
// by MarkReminded and is never overwritten here.
func (m *Memory) saveLocked(ob recurring.Obligation) error {
	stored, ok := m.obligations[ob.ID]
	if !ok {
		return generic.ErrObligationNotFound
	}
	if stored.Version != ob.Version {
		return generic.ErrConcurrentModification
	}
	next := ob.Clone()
	next.LastRemindedDue = stored.LastRemindedDue
	next.Version = stored.Version + 1
	m.obligations[ob.ID] = next
	return nil
}

// =============================================================================
// ENTRIES - Append-only
// =============================================================================

func (m *Memory) appendLocked(e generic.Entry) error {
	if e.IdempotencyKey != "" && m.idempotency[e.IdempotencyKey] {
		return generic.ErrDuplicateIdempotencyKey
	}
	m.entries[e.SourceID] = append(m.entries[e.SourceID], e)
	if e.IdempotencyKey != "" {
		m.idempotency[e.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) AppendEntry(_ context.Context, e generic.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

func (m *Memory) Entries(_ context.Context, source generic.SourceID) ([]generic.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.entries[source]
	result := make([]generic.Entry, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		result = append(result, stored[i])
	}
	return result, nil
}

// =============================================================================
// SCAN RUNS
// =============================================================================

func (m *Memory) SaveRun(_ context.Context, run recurring.ScanRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) ListRuns(_ context.Context, limit int) ([]recurring.ScanRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]recurring.ScanRun, 0, len(m.runs))
	for _, run := range m.runs {
		result = append(result, run)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(recurring.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	obligations map[recurring.ObligationID]recurring.Obligation
	entries     map[generic.SourceID][]generic.Entry
	idempotency map[string]bool
}

func (m *Memory) snapshot() memorySnapshot {
	obs := make(map[recurring.ObligationID]recurring.Obligation, len(m.obligations))
	for k, v := range m.obligations {
		obs[k] = v.Clone()
	}
	entries := make(map[generic.SourceID][]generic.Entry, len(m.entries))
	for k, v := range m.entries {
		entries[k] = append([]generic.Entry{}, v...)
	}
	idemp := make(map[string]bool, len(m.idempotency))
	for k, v := range m.idempotency {
		idemp[k] = v
	}
	return memorySnapshot{obligations: obs, entries: entries, idempotency: idemp}
}

func (m *Memory) restore(s memorySnapshot) {
	m.obligations = s.obligations
	m.entries = s.entries
	m.idempotency = s.idempotency
}

// txView operates on the parent's maps directly; the parent's write lock
// is held for the whole callback.
type txView struct {
	parent *Memory
}

func (tv *txView) Get(_ context.Context, id recurring.ObligationID) (*recurring.Obligation, error) {
	return tv.parent.getLocked(id)
}

func (tv *txView) Save(_ context.Context, ob recurring.Obligation) error {
	return tv.parent.saveLocked(ob)
}

func (tv *txView) AppendEntry(_ context.Context, e generic.Entry) error {
	return tv.parent.appendLocked(e)
}

func (tv *txView) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	return tv.parent.idempotency[idempotencyKey], nil
}
