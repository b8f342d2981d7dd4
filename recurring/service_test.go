package recurring_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurring-engine/generic"
	"github.com/warp/recurring-engine/recurring"
)

func validInput() recurring.NewObligation {
	return recurring.NewObligation{
		UserID:      "user-1",
		Kind:        generic.KindIncome,
		Amount:      decimal.RequireFromString("8000000"),
		Category:    "Salary",
		Description: "Monthly salary",
		Frequency:   recurring.Monthly,
		StartDate:   day(2025, time.January, 25),
		AutoProcess: true,
	}
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_Defaults(t *testing.T) {
	// GIVEN: A valid input without currency or reminder days
	engine, store, _ := newTestEngine(t)
	now := day(2025, time.January, 1)

	// WHEN: Creating it
	ob, err := engine.Create(context.Background(), validInput(), now)

	// THEN: It is ACTIVE, due on its start date, with defaults applied
	require.NoError(t, err)
	assert.NotEmpty(t, ob.ID)
	assert.Equal(t, recurring.StatusActive, ob.Status)
	assert.Equal(t, day(2025, time.January, 25), *ob.NextDue)
	assert.Equal(t, recurring.DefaultReminderDays, ob.ReminderDays)
	assert.Equal(t, generic.DefaultCurrency, ob.Amount.Currency)
	assert.Equal(t, int64(1), ob.Version)
	assert.NotNil(t, ob.Metadata)
	assert.Nil(t, ob.LastProcessed)

	stored := reload(t, store, ob.ID)
	assert.Equal(t, ob.ID, stored.ID)
	assert.True(t, stored.Amount.Equal(generic.MustAmount("8000000", "IDR")))
}

func TestCreate_ExplicitZeroReminderDays(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	in := validInput()
	in.ReminderDays = ptr(0)

	ob, err := engine.Create(context.Background(), in, day(2025, time.January, 1))

	require.NoError(t, err)
	assert.Equal(t, 0, ob.ReminderDays)
}

func TestCreate_CustomRuleKept(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	in := validInput()
	in.Frequency = recurring.Custom
	in.CustomRule = rule(`{"days": [1, 15]}`)

	ob, err := engine.Create(context.Background(), in, day(2025, time.January, 1))

	require.NoError(t, err)
	assert.JSONEq(t, `{"days": [1, 15]}`, string(ob.CustomRule))
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*recurring.NewObligation)
		field  string
	}{
		{"missing user", func(in *recurring.NewObligation) { in.UserID = "" }, "user_id"},
		{"unknown kind", func(in *recurring.NewObligation) { in.Kind = "REFUND" }, "kind"},
		{"negative amount", func(in *recurring.NewObligation) { in.Amount = decimal.RequireFromString("-5") }, "amount"},
		{"three decimals", func(in *recurring.NewObligation) { in.Amount = decimal.RequireFromString("1.005") }, "amount"},
		{"missing category", func(in *recurring.NewObligation) { in.Category = "" }, "category"},
		{"long description", func(in *recurring.NewObligation) { in.Description = string(make([]byte, 501)) }, "description"},
		{"unknown frequency", func(in *recurring.NewObligation) { in.Frequency = "HOURLY" }, "frequency"},
		{"lowercase currency", func(in *recurring.NewObligation) { in.Currency = "idr" }, "currency"},
		{"reminder too long", func(in *recurring.NewObligation) { in.ReminderDays = ptr(400) }, "reminder_days"},
		{"negative reminder", func(in *recurring.NewObligation) { in.ReminderDays = ptr(-1) }, "reminder_days"},
		{"missing start", func(in *recurring.NewObligation) { in.StartDate = time.Time{} }, "start_date"},
		{"end before start", func(in *recurring.NewObligation) { in.EndDate = ptr(day(2025, time.January, 1)) }, "end_date"},
		{"custom without rule", func(in *recurring.NewObligation) { in.Frequency = recurring.Custom }, "custom_rule"},
		{"custom rule not an object", func(in *recurring.NewObligation) {
			in.Frequency = recurring.Custom
			in.CustomRule = rule(`[1, 15]`)
		}, "custom_rule"},
		{"rule on fixed frequency", func(in *recurring.NewObligation) { in.CustomRule = rule(`{"days": [1]}`) }, "custom_rule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, store, _ := newTestEngine(t)
			in := validInput()
			tt.modify(&in)

			_, err := engine.Create(context.Background(), in, day(2025, time.January, 1))

			var verr *generic.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.ErrorIs(t, err, generic.ErrValidation)

			all, err := store.List(context.Background(), recurring.Filter{})
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestCreate_UnsupportedRuleAcceptedButNeverProcessed(t *testing.T) {
	// GIVEN: A CUSTOM obligation with a well-formed but uninterpretable rule
	engine, store, _ := newTestEngine(t)
	in := validInput()
	in.Frequency = recurring.Custom
	in.CustomRule = rule(`{"cron": "0 0 1 * *"}`)
	ob, err := engine.Create(context.Background(), in, day(2025, time.January, 1))
	require.NoError(t, err)

	// WHEN: It comes due
	report, err := engine.ScanAndProcess(context.Background(), day(2025, time.January, 25))

	// THEN: It fails per item and stays as it was
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, entries(t, store, ob.ID))
}

// =============================================================================
// READ / LIST
// =============================================================================

func TestGet_Ownership(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	seed(t, store, monthlyRent("ob-1", day(2025, time.January, 1)))
	ctx := context.Background()

	_, err := engine.Get(ctx, "user-1", "ob-1")
	assert.NoError(t, err)

	_, err = engine.Get(ctx, "user-2", "ob-1")
	assert.ErrorIs(t, err, generic.ErrObligationNotFound)

	_, err = engine.Get(ctx, "user-1", "missing")
	assert.ErrorIs(t, err, generic.ErrObligationNotFound)
}

func TestList_FiltersAndPages(t *testing.T) {
	// GIVEN: Five obligations for user-1 on consecutive days and one for user-2
	engine, store, _ := newTestEngine(t)
	for i := 0; i < 5; i++ {
		seed(t, store, monthlyRent(fmt.Sprintf("ob-%d", i), day(2025, time.January, 5-i)))
	}
	other := monthlyRent("other", day(2025, time.January, 1))
	other.UserID = "user-2"
	seed(t, store, other)
	ctx := context.Background()

	// WHEN: Listing user-1's obligations two at a time
	page1, err := engine.List(ctx, recurring.Filter{UserID: "user-1", Limit: 2})
	require.NoError(t, err)
	page3, err := engine.List(ctx, recurring.Filter{UserID: "user-1", Limit: 2, Offset: 4})
	require.NoError(t, err)

	// THEN: Ordered by next due date, only user-1's
	require.Len(t, page1, 2)
	assert.Equal(t, recurring.ObligationID("ob-4"), page1[0].ID)
	assert.Equal(t, recurring.ObligationID("ob-3"), page1[1].ID)
	require.Len(t, page3, 1)
	assert.Equal(t, recurring.ObligationID("ob-0"), page3[0].ID)

	paused, err := engine.List(ctx, recurring.Filter{UserID: "user-1", Status: recurring.StatusPaused})
	require.NoError(t, err)
	assert.Empty(t, paused)
}

// =============================================================================
// UPDATE / DELETE
// =============================================================================

func TestUpdateDetails(t *testing.T) {
	// GIVEN: An obligation in USD
	engine, store, _ := newTestEngine(t)
	ob := monthlyRent("ob-1", day(2025, time.January, 1))
	ob.Amount = generic.MustAmount("20.00", "USD")
	seed(t, store, ob)

	// WHEN: Changing amount and category
	updated, err := engine.UpdateDetails(context.Background(), "user-1", "ob-1", recurring.DetailsPatch{
		Amount:      ptr(decimal.RequireFromString("25.50")),
		Category:    ptr("Streaming"),
		AutoProcess: ptr(false),
	}, day(2025, time.January, 2))

	// THEN: Descriptive fields change, the schedule does not
	require.NoError(t, err)
	assert.Equal(t, "25.50 USD", updated.Amount.String())
	assert.Equal(t, "Streaming", updated.Category)
	assert.False(t, updated.AutoProcess)
	assert.Equal(t, "Rent", updated.Description)
	assert.Equal(t, day(2025, time.January, 1), *updated.NextDue)
	assert.Equal(t, recurring.Monthly, updated.Frequency)
	assert.Equal(t, int64(2), reload(t, store, "ob-1").Version)
}

func TestUpdateDetails_Rejected(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	seed(t, store, monthlyRent("ob-1", day(2025, time.January, 1)))
	ctx := context.Background()
	now := day(2025, time.January, 2)

	_, err := engine.UpdateDetails(ctx, "user-1", "ob-1", recurring.DetailsPatch{Category: ptr("  ")}, now)
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = engine.UpdateDetails(ctx, "user-1", "ob-1", recurring.DetailsPatch{Amount: ptr(decimal.RequireFromString("-1"))}, now)
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = engine.UpdateDetails(ctx, "user-2", "ob-1", recurring.DetailsPatch{Category: ptr("X")}, now)
	assert.ErrorIs(t, err, generic.ErrObligationNotFound)

	assert.Equal(t, int64(1), reload(t, store, "ob-1").Version)
}

func TestDelete_KeepsEntries(t *testing.T) {
	// GIVEN: An obligation that already produced an entry
	engine, store, _ := newTestEngine(t)
	seed(t, store, monthlyRent("ob-1", day(2025, time.January, 1)))
	ctx := context.Background()
	_, err := engine.ProcessNow(ctx, "user-1", "ob-1", day(2025, time.January, 1))
	require.NoError(t, err)

	// WHEN: Deleting it
	require.NoError(t, engine.Delete(ctx, "user-1", "ob-1"))

	// THEN: It is gone, its ledger history is not
	_, err = engine.Get(ctx, "user-1", "ob-1")
	assert.ErrorIs(t, err, generic.ErrObligationNotFound)
	assert.Len(t, entries(t, store, "ob-1"), 1)
}

func TestDelete_OtherUser(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	seed(t, store, monthlyRent("ob-1", day(2025, time.January, 1)))

	err := engine.Delete(context.Background(), "user-2", "ob-1")

	assert.ErrorIs(t, err, generic.ErrObligationNotFound)
	reload(t, store, "ob-1")
}

// =============================================================================
// ENGINE ENTRY POINTS
// =============================================================================

func TestProcessNow_BypassesAutoProcess(t *testing.T) {
	engine, store, notifier := newTestEngine(t)
	ob := monthlyRent("ob-1", day(2025, time.January, 10))
	ob.AutoProcess = false
	seed(t, store, ob)

	res, err := engine.ProcessNow(context.Background(), "user-1", "ob-1", day(2025, time.January, 3))

	require.NoError(t, err)
	assert.Equal(t, day(2025, time.February, 10), *res.Obligation.NextDue)
	assert.Equal(t, 1, notifier.count(recurring.NotifyProcessed))

	es, err := engine.Entries(context.Background(), "user-1", "ob-1")
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, res.Entry.ID, es[0].ID)
}

func TestProcessNow_OtherUser(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	seed(t, store, monthlyRent("ob-1", day(2025, time.January, 1)))

	_, err := engine.ProcessNow(context.Background(), "user-2", "ob-1", day(2025, time.January, 1))

	assert.ErrorIs(t, err, generic.ErrObligationNotFound)
	assert.Empty(t, entries(t, store, "ob-1"))
}
