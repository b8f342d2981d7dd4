package recurring_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/recurring-engine/generic"
	"github.com/warp/recurring-engine/recurring"
	"github.com/warp/recurring-engine/store/memory"
)

func TestRemind_OncePerOccurrence(t *testing.T) {
	// GIVEN: Rent due in two days with a three-day lead time
	engine, store, notifier := newTestEngine(t)
	now := day(2025, time.January, 8)
	seed(t, store, monthlyRent("ob-rent", day(2025, time.January, 10)))
	ctx := context.Background()

	// WHEN: The reminder scan runs
	report, err := engine.ScanAndRemind(ctx, now)

	// THEN: One medium-priority reminder goes out
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reminded)
	require.Len(t, report.Results, 1)
	assert.Equal(t, 2, report.Results[0].DaysUntilDue)
	assert.Equal(t, day(2025, time.January, 10), report.Results[0].Due)

	require.Equal(t, 1, notifier.count(recurring.NotifyReminder))
	sent := notifier.sent[0]
	assert.Equal(t, recurring.PriorityMedium, sent.Payload.Priority)
	assert.Contains(t, sent.Payload.Message, "2 day(s)")
	assert.Equal(t, day(2025, time.January, 10), sent.Payload.Metadata["due_date"])

	// WHEN: It runs again, before and after an unrelated edit
	again, err := engine.ScanAndRemind(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	_, err = engine.UpdateDetails(ctx, "user-1", "ob-rent", recurring.DetailsPatch{Description: ptr("Apartment rent")}, now)
	require.NoError(t, err)
	afterEdit, err := engine.ScanAndRemind(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)

	// THEN: Nothing more is sent for that due date
	assert.Equal(t, 0, again.Reminded)
	assert.Equal(t, 0, afterEdit.Reminded)
	assert.Equal(t, 1, notifier.count(recurring.NotifyReminder))
}

func TestRemind_NextOccurrenceGetsItsOwnReminder(t *testing.T) {
	// GIVEN: A reminded occurrence that was then processed
	engine, store, notifier := newTestEngine(t)
	seed(t, store, monthlyRent("ob-rent", day(2025, time.January, 10)))
	ctx := context.Background()

	_, err := engine.ScanAndRemind(ctx, day(2025, time.January, 8))
	require.NoError(t, err)
	_, err = engine.ScanAndProcess(ctx, day(2025, time.January, 10))
	require.NoError(t, err)

	// WHEN: The February occurrence enters its lead window
	report, err := engine.ScanAndRemind(ctx, day(2025, time.February, 7))

	// THEN: It is reminded too
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reminded)
	assert.Equal(t, day(2025, time.February, 10), report.Results[0].Due)
	assert.Equal(t, 2, notifier.count(recurring.NotifyReminder))
}

func TestRemind_SkipsIneligible(t *testing.T) {
	now := day(2025, time.January, 8)

	tests := []struct {
		name   string
		modify func(*recurring.Obligation)
	}{
		{"outside lead window", func(ob *recurring.Obligation) { ob.NextDue = ptr(day(2025, time.January, 15)) }},
		{"due right now", func(ob *recurring.Obligation) { ob.NextDue = ptr(now) }},
		{"already overdue", func(ob *recurring.Obligation) { ob.NextDue = ptr(day(2025, time.January, 5)) }},
		{"zero lead time", func(ob *recurring.Obligation) { ob.ReminderDays = 0 }},
		{"paused", func(ob *recurring.Obligation) { ob.Status = recurring.StatusPaused }},
		{"already reminded", func(ob *recurring.Obligation) { ob.LastRemindedDue = ptr(*ob.NextDue) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, store, notifier := newTestEngine(t)
			ob := monthlyRent("ob-1", day(2025, time.January, 10))
			tt.modify(&ob)
			seed(t, store, ob)

			report, err := engine.ScanAndRemind(context.Background(), now)

			require.NoError(t, err)
			assert.Equal(t, 0, report.Reminded)
			assert.Empty(t, notifier.sent)
		})
	}
}

func TestRemind_AutoProcessDoesNotMatter(t *testing.T) {
	engine, store, notifier := newTestEngine(t)
	ob := monthlyRent("ob-1", day(2025, time.January, 10))
	ob.AutoProcess = false
	seed(t, store, ob)

	_, err := engine.ScanAndRemind(context.Background(), day(2025, time.January, 9))

	require.NoError(t, err)
	assert.Equal(t, 1, notifier.count(recurring.NotifyReminder))
}

func TestRemind_NotifyFailureIsNotRetried(t *testing.T) {
	// GIVEN: A notifier that fails
	store := memory.New()
	notifier := &recordingNotifier{err: errors.New("push gateway down")}
	engine := recurring.New(store, notifier, recurring.WithLogger(zaptest.NewLogger(t)))
	seed(t, store, monthlyRent("ob-1", day(2025, time.January, 10)))
	ctx := context.Background()

	// WHEN: Two reminder scans run
	first, err := engine.ScanAndRemind(ctx, day(2025, time.January, 8))
	require.NoError(t, err)
	second, err := engine.ScanAndRemind(ctx, day(2025, time.January, 9))
	require.NoError(t, err)

	// THEN: The failure is reported once and delivery is not attempted again
	assert.Equal(t, 1, first.Failed)
	assert.Equal(t, 0, first.Reminded)
	assert.Equal(t, 0, second.Candidates)
	assert.Len(t, notifier.sent, 1)
}

func TestRemind_StoreUnavailableAbortsScan(t *testing.T) {
	store := newFaultyStore(memory.New())
	seed(t, store,
		monthlyRent("ob-1", day(2025, time.January, 9)),
		monthlyRent("ob-2", day(2025, time.January, 10)),
	)
	store.markErr = fmt.Errorf("update: %w", generic.ErrStoreUnavailable)
	notifier := &recordingNotifier{}
	engine := recurring.New(store, notifier, recurring.WithLogger(zaptest.NewLogger(t)))

	report, err := engine.ScanAndRemind(context.Background(), day(2025, time.January, 8))

	assert.ErrorIs(t, err, generic.ErrStoreUnavailable)
	assert.Equal(t, 2, report.Candidates)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, notifier.sent)

	runs, err := engine.Runs(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, recurring.RunAborted, runs[0].Status)
}
