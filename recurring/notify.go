package recurring

import (
	"context"
	"fmt"

	"github.com/warp/recurring-engine/generic"
)

// =============================================================================
// NOTIFICATIONS - Outbound contract, delivery is somebody else's problem
// =============================================================================

type NotificationKind string

const (
	// NotifyProcessed is sent after an occurrence was materialized.
	NotifyProcessed NotificationKind = "TRANSACTION_ALERT"
	// NotifyReminder is sent when an occurrence enters its lead window.
	NotifyReminder NotificationKind = "BILL_REMINDER"
)

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
)

type Payload struct {
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	Priority     Priority       `json:"priority"`
	ObligationID ObligationID   `json:"obligation_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Notifier delivers one notification. Failures are logged by the engine
// and never roll back financial state; retrying is up to the implementation.
type Notifier interface {
	Notify(ctx context.Context, userID generic.UserID, kind NotificationKind, payload Payload) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, generic.UserID, NotificationKind, Payload) error {
	return nil
}

func kindWord(k generic.EntryKind) string {
	switch k {
	case generic.KindExpense:
		return "expense"
	case generic.KindTransfer:
		return "transfer"
	}
	return "income"
}

func processedPayload(ob Obligation, entry generic.Entry) Payload {
	meta := map[string]any{
		"entry": map[string]any{
			"id":          string(entry.ID),
			"kind":        string(entry.Kind),
			"amount":      entry.Amount.Value.StringFixed(generic.AmountScale),
			"currency":    entry.Amount.Currency,
			"category":    entry.Category,
			"description": entry.Description,
			"occurrence":  entry.Occurrence,
		},
		"status": string(ob.Status),
	}
	if ob.NextDue != nil {
		meta["next_due"] = *ob.NextDue
	}
	return Payload{
		Title:        fmt.Sprintf("Recurring %s processed", kindWord(ob.Kind)),
		Message:      fmt.Sprintf("Recurring transaction for %s has been processed.", ob.Label()),
		Priority:     PriorityLow,
		ObligationID: ob.ID,
		Metadata:     meta,
	}
}

func reminderPayload(ob Obligation, daysUntilDue int) Payload {
	return Payload{
		Title:        fmt.Sprintf("Reminder: upcoming recurring %s", kindWord(ob.Kind)),
		Message:      fmt.Sprintf("Recurring transaction for %s will be processed in %d day(s).", ob.Label(), daysUntilDue),
		Priority:     PriorityMedium,
		ObligationID: ob.ID,
		Metadata: map[string]any{
			"amount":         ob.Amount.Value.StringFixed(generic.AmountScale),
			"currency":       ob.Amount.Currency,
			"due_date":       *ob.NextDue,
			"days_until_due": daysUntilDue,
			"frequency":      string(ob.Frequency),
			"auto_process":   ob.AutoProcess,
		},
	}
}
