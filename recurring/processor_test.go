package recurring_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/recurring-engine/generic"
	"github.com/warp/recurring-engine/recurring"
	"github.com/warp/recurring-engine/store/memory"
)

func newTestProcessor(t *testing.T) (*recurring.Processor, *memory.Memory, *recordingNotifier) {
	store := memory.New()
	notifier := &recordingNotifier{}
	return recurring.NewProcessor(store, notifier, zaptest.NewLogger(t)), store, notifier
}

// =============================================================================
// MATERIALIZATION
// =============================================================================

func TestProcess_MaterializesAndAdvances(t *testing.T) {
	// GIVEN: A monthly rent due Jan 1
	p, store, notifier := newTestProcessor(t)
	ob := monthlyRent("ob-rent", day(2025, time.January, 1))
	seed(t, store, ob)
	now := day(2025, time.January, 1).Add(2 * time.Hour)

	// WHEN: Processing it
	res, err := p.Process(context.Background(), ob, recurring.TriggerAuto, now)

	// THEN: One entry copies the obligation's fields and the schedule moves one period
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, generic.KindExpense, res.Entry.Kind)
	assert.True(t, res.Entry.Amount.Equal(ob.Amount))
	assert.Equal(t, "Housing", res.Entry.Category)
	assert.Equal(t, generic.SourceID("ob-rent"), res.Entry.SourceID)
	assert.Equal(t, day(2025, time.January, 1), res.Entry.Occurrence)
	assert.Equal(t, now, res.Entry.OccurredAt)
	assert.Equal(t, "ob-rent:2025-01-01T00:00:00Z", res.Entry.IdempotencyKey)

	stored := reload(t, store, "ob-rent")
	assert.Equal(t, day(2025, time.February, 1), *stored.NextDue)
	assert.Equal(t, now, *stored.LastProcessed)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, stored.Version, res.Obligation.Version)
	assert.Len(t, entries(t, store, "ob-rent"), 1)

	assert.Equal(t, 1, notifier.count(recurring.NotifyProcessed))
	assert.Equal(t, recurring.PriorityLow, notifier.sent[0].Payload.Priority)
}

func TestProcess_SeriesScenarioCompletes(t *testing.T) {
	// GIVEN: MONTHLY from 2024-01-31 until 2024-04-15
	p, store, _ := newTestProcessor(t)
	ob := monthlyRent("ob-1", day(2024, time.January, 31))
	ob.EndDate = ptr(day(2024, time.April, 15))
	seed(t, store, ob)
	ctx := context.Background()

	// WHEN: Processing each occurrence on its due date
	var dues []time.Time
	for i := 0; i < 3; i++ {
		current := reload(t, store, "ob-1")
		dues = append(dues, *current.NextDue)
		_, err := p.Process(ctx, current, recurring.TriggerAuto, *current.NextDue)
		require.NoError(t, err)
	}

	// THEN: Three entries on the clamped dates, then COMPLETED with no next due
	assert.Equal(t, []time.Time{
		day(2024, time.January, 31),
		day(2024, time.February, 29),
		day(2024, time.March, 29),
	}, dues)

	final := reload(t, store, "ob-1")
	assert.Equal(t, recurring.StatusCompleted, final.Status)
	assert.Nil(t, final.NextDue)
	assert.Len(t, entries(t, store, "ob-1"), 3)

	// AND: No fourth entry is ever created
	_, err := p.Process(ctx, final, recurring.TriggerManual, day(2024, time.May, 1))
	assert.ErrorIs(t, err, generic.ErrNotActive)
	assert.Len(t, entries(t, store, "ob-1"), 3)
}

func TestProcess_LastOccurrenceReportsCompleted(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ob := monthlyRent("ob-1", day(2025, time.March, 1))
	ob.EndDate = ptr(day(2025, time.March, 20))
	seed(t, store, ob)

	res, err := p.Process(context.Background(), ob, recurring.TriggerAuto, day(2025, time.March, 1))

	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, recurring.StatusCompleted, res.Obligation.Status)
	assert.Nil(t, res.Obligation.NextDue)
}

// =============================================================================
// IDEMPOTENCE
// =============================================================================

func TestProcess_ConcurrentSameSnapshot(t *testing.T) {
	// GIVEN: Two processors sharing a store, both holding the same snapshot
	store := memory.New()
	ob := monthlyRent("ob-1", day(2025, time.January, 1))
	seed(t, store, ob)
	procs := []*recurring.Processor{
		recurring.NewProcessor(store, nil, zap.NewNop()),
		recurring.NewProcessor(store, nil, zap.NewNop()),
	}
	now := day(2025, time.January, 2)

	// WHEN: Both process it concurrently, several times over
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = procs[i%2].Process(context.Background(), ob, recurring.TriggerAuto, now)
		}()
	}
	wg.Wait()

	// THEN: Exactly one entry exists, the losers saw a conflict
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, entries(t, store, "ob-1"), 1)
	assert.Equal(t, day(2025, time.February, 1), *reload(t, store, "ob-1").NextDue)
}

func TestProcess_StaleSnapshotRejected(t *testing.T) {
	// GIVEN: A snapshot taken before someone else processed the obligation
	p, store, _ := newTestProcessor(t)
	stale := monthlyRent("ob-1", day(2025, time.January, 1))
	seed(t, store, stale)
	_, err := p.Process(context.Background(), stale, recurring.TriggerAuto, day(2025, time.January, 1))
	require.NoError(t, err)

	// WHEN: Processing the stale snapshot
	_, err = p.Process(context.Background(), stale, recurring.TriggerManual, day(2025, time.January, 1))

	// THEN: Nothing new is written
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.Len(t, entries(t, store, "ob-1"), 1)
}

// =============================================================================
// ATOMICITY
// =============================================================================

func TestProcess_FailedSaveLeavesNoEntry(t *testing.T) {
	// GIVEN: A store whose obligation update fails after the entry was appended
	inner := memory.New()
	store := newFaultyStore(inner)
	ob := monthlyRent("ob-1", day(2025, time.January, 1))
	seed(t, store, ob)
	store.failSave("ob-1", errors.New("disk full"))
	p := recurring.NewProcessor(store, nil, zaptest.NewLogger(t))

	// WHEN: Processing
	_, err := p.Process(context.Background(), ob, recurring.TriggerAuto, day(2025, time.January, 1))

	// THEN: The whole unit rolled back
	var storageErr *generic.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Empty(t, entries(t, inner, "ob-1"))
	after := reload(t, inner, "ob-1")
	assert.Equal(t, day(2025, time.January, 1), *after.NextDue)
	assert.Nil(t, after.LastProcessed)
	assert.Equal(t, int64(1), after.Version)

	// AND: A retry after the fault clears succeeds exactly once
	store.failSave("ob-1", nil)
	_, err = p.Process(context.Background(), ob, recurring.TriggerAuto, day(2025, time.January, 1))
	require.NoError(t, err)
	assert.Len(t, entries(t, inner, "ob-1"), 1)
}

// =============================================================================
// GUARDS
// =============================================================================

func TestProcess_NotActive(t *testing.T) {
	for _, status := range []recurring.Status{recurring.StatusPaused, recurring.StatusCompleted, recurring.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			p, store, notifier := newTestProcessor(t)
			ob := monthlyRent("ob-1", day(2025, time.January, 1))
			ob.Status = status
			if status.Terminal() {
				ob.NextDue = nil
			}
			seed(t, store, ob)

			_, err := p.Process(context.Background(), ob, recurring.TriggerManual, day(2025, time.January, 1))

			var notActive *generic.NotActiveError
			require.ErrorAs(t, err, &notActive)
			assert.Equal(t, string(status), notActive.Status)
			assert.Empty(t, entries(t, store, "ob-1"))
			assert.Equal(t, int64(1), reload(t, store, "ob-1").Version)
			assert.Empty(t, notifier.sent)
		})
	}
}

func TestProcess_AutoProcessOff(t *testing.T) {
	// GIVEN: A due obligation that needs manual confirmation
	p, store, _ := newTestProcessor(t)
	ob := monthlyRent("ob-1", day(2025, time.January, 1))
	ob.AutoProcess = false
	seed(t, store, ob)

	// WHEN: The automatic path reaches it
	_, err := p.Process(context.Background(), ob, recurring.TriggerAuto, day(2025, time.January, 2))

	// THEN: It is left alone
	assert.ErrorIs(t, err, generic.ErrManualConfirmationRequired)
	assert.Empty(t, entries(t, store, "ob-1"))

	// WHEN: The user processes it manually
	res, err := p.Process(context.Background(), ob, recurring.TriggerManual, day(2025, time.January, 2))

	// THEN: It materializes
	require.NoError(t, err)
	assert.Equal(t, day(2025, time.February, 1), *res.Obligation.NextDue)
}

func TestProcess_AutoNotDue(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ob := monthlyRent("ob-1", day(2025, time.January, 10))
	seed(t, store, ob)

	_, err := p.Process(context.Background(), ob, recurring.TriggerAuto, day(2025, time.January, 9))

	assert.ErrorIs(t, err, generic.ErrNotDue)
	assert.Empty(t, entries(t, store, "ob-1"))
}

func TestProcess_ManualBeforeDue(t *testing.T) {
	// GIVEN: An occurrence due next week
	p, store, _ := newTestProcessor(t)
	ob := monthlyRent("ob-1", day(2025, time.January, 10))
	seed(t, store, ob)

	// WHEN: The user pays early
	res, err := p.Process(context.Background(), ob, recurring.TriggerManual, day(2025, time.January, 3))

	// THEN: The entry stands for the scheduled occurrence
	require.NoError(t, err)
	assert.Equal(t, day(2025, time.January, 10), res.Entry.Occurrence)
	assert.Equal(t, day(2025, time.January, 3), res.Entry.OccurredAt)
}

func TestProcess_UnsupportedScheduleLeavesStateUntouched(t *testing.T) {
	// GIVEN: A CUSTOM obligation whose rule cannot be interpreted
	p, store, _ := newTestProcessor(t)
	ob := monthlyRent("ob-1", day(2025, time.January, 1))
	ob.Frequency = recurring.Custom
	ob.CustomRule = rule(`{"cron": "0 0 1 * *"}`)
	seed(t, store, ob)

	// WHEN: Processing
	_, err := p.Process(context.Background(), ob, recurring.TriggerAuto, day(2025, time.January, 1))

	// THEN: Reported, nothing written, still ACTIVE on the same date
	var unsupported *generic.UnsupportedScheduleError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "ob-1", unsupported.ID)

	after := reload(t, store, "ob-1")
	assert.Equal(t, recurring.StatusActive, after.Status)
	assert.Equal(t, day(2025, time.January, 1), *after.NextDue)
	assert.Empty(t, entries(t, store, "ob-1"))
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestProcess_NotifyFailureKeepsFinancialState(t *testing.T) {
	// GIVEN: A notifier that always fails and an observed logger
	core, logs := observer.New(zapcore.WarnLevel)
	store := memory.New()
	notifier := &recordingNotifier{err: errors.New("push gateway down")}
	p := recurring.NewProcessor(store, notifier, zap.New(core))
	ob := monthlyRent("ob-1", day(2025, time.January, 1))
	seed(t, store, ob)

	// WHEN: Processing
	res, err := p.Process(context.Background(), ob, recurring.TriggerAuto, day(2025, time.January, 1))

	// THEN: Processing succeeded and the failure is reported, not rolled back
	require.NoError(t, err)
	assert.EqualError(t, res.NotifyErr, "push gateway down")
	assert.Len(t, entries(t, store, "ob-1"), 1)
	assert.Equal(t, day(2025, time.February, 1), *reload(t, store, "ob-1").NextDue)

	warnings := logs.FilterMessage("processed notification failed").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "ob-1", warnings[0].ContextMap()["obligation_id"])
}

func TestProcess_IncomeNotificationText(t *testing.T) {
	p, store, notifier := newTestProcessor(t)
	ob := monthlyRent("ob-salary", day(2025, time.January, 25))
	ob.Kind = generic.KindIncome
	ob.Category = "Salary"
	ob.Description = ""
	ob.Amount = generic.MustAmount("8000000", "IDR")
	seed(t, store, ob)

	_, err := p.Process(context.Background(), ob, recurring.TriggerAuto, day(2025, time.January, 25))
	require.NoError(t, err)

	require.Len(t, notifier.sent, 1)
	sent := notifier.sent[0]
	assert.Equal(t, generic.UserID("user-1"), sent.UserID)
	assert.Equal(t, recurring.ObligationID("ob-salary"), sent.Payload.ObligationID)
	assert.Equal(t, "Recurring income processed", sent.Payload.Title)
	assert.Contains(t, sent.Payload.Message, "Salary")
	entry, ok := sent.Payload.Metadata["entry"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "8000000.00", entry["amount"])
}
