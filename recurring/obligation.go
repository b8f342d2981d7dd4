/*
Package recurring implements the recurring-obligation engine.

PURPOSE:
  Tracks financial obligations that repeat on a schedule (salary, rent,
  subscriptions), computes their next occurrence, materializes due
  occurrences into ledger entries and sends reminders ahead of due dates.

COMPONENTS (leaf first):
  - calculator.go: Next(), the pure recurrence calculator
  - custom.go:     interpreter for CUSTOM rules
  - processor.go:  one obligation from "due" to "processed", atomically
  - scanner.go:    drives the processor over the due set
  - reminder.go:   lead-time reminders, once per occurrence
  - lifecycle.go:  pause / resume / cancel / end-of-series sweep
  - service.go:    create / read / narrow update / delete
  - engine.go:     facade wiring the above to one Store and Notifier

STATE MACHINE:
  ACTIVE --pause--> PAUSED --resume--> ACTIVE
  ACTIVE|PAUSED --cancel--> CANCELLED   (terminal)
  ACTIVE --series ends--> COMPLETED     (terminal, set by the processor)

INVARIANTS:
  - NextDue is nil if and only if Status is COMPLETED or CANCELLED.
  - An occurrence is materialized at most once (idempotency key
    "<obligation id>:<occurrence>" plus optimistic versioning).

NO TIMERS:
  The engine has no goroutines of its own. ScanAndProcess and
  ScanAndRemind are called by a host-owned driver (api.Scheduler or the
  recurringd CLI under cron) and are safe to call concurrently.
*/
package recurring

import (
	"encoding/json"
	"time"

	"github.com/warp/recurring-engine/generic"
)

// =============================================================================
// ENUMS
// =============================================================================

type ObligationID string

type Frequency string

const (
	Daily     Frequency = "DAILY"
	Weekly    Frequency = "WEEKLY"
	Biweekly  Frequency = "BIWEEKLY"
	Monthly   Frequency = "MONTHLY"
	Quarterly Frequency = "QUARTERLY"
	Yearly    Frequency = "YEARLY"
	Custom    Frequency = "CUSTOM"
)

func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Biweekly, Monthly, Quarterly, Yearly, Custom:
		return true
	}
	return false
}

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal statuses have no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// DefaultReminderDays is the lead time used when none is given.
const DefaultReminderDays = 3

// =============================================================================
// OBLIGATION
// =============================================================================

// CustomRule is stored as-is and only interpreted by the calculator.
type CustomRule = json.RawMessage

type Obligation struct {
	ID     ObligationID
	UserID generic.UserID

	Kind          generic.EntryKind
	Amount        generic.Amount
	Category      string
	Subcategory   string
	Description   string
	PaymentMethod string

	Frequency  Frequency
	CustomRule CustomRule

	StartDate time.Time
	EndDate   *time.Time

	LastProcessed *time.Time
	NextDue       *time.Time
	Status        Status

	ReminderDays int
	AutoProcess  bool

	// LastRemindedDue is the NextDue value the last reminder was sent for.
	LastRemindedDue *time.Time

	Metadata map[string]any

	// Version is bumped on every save; stores reject stale writes.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Label is what notifications call the obligation.
func (o Obligation) Label() string {
	if o.Description != "" {
		return o.Description
	}
	return o.Category
}

// IdempotencyKey identifies one occurrence of this obligation.
func (o Obligation) IdempotencyKey(occurrence time.Time) string {
	return string(o.ID) + ":" + occurrence.UTC().Format(time.RFC3339)
}

// CheckInvariants verifies the NextDue/Status relationship.
func (o Obligation) CheckInvariants() error {
	switch {
	case o.Status.Terminal() && o.NextDue != nil:
		return &generic.ValidationError{Field: "next_due", Reason: "must be unset when " + string(o.Status)}
	case !o.Status.Terminal() && o.NextDue == nil:
		return &generic.ValidationError{Field: "next_due", Reason: "must be set when " + string(o.Status)}
	}
	return nil
}

// Clone returns a copy that shares no pointers with o.
func (o Obligation) Clone() Obligation {
	c := o
	c.EndDate = cloneTime(o.EndDate)
	c.LastProcessed = cloneTime(o.LastProcessed)
	c.NextDue = cloneTime(o.NextDue)
	c.LastRemindedDue = cloneTime(o.LastRemindedDue)
	if o.CustomRule != nil {
		c.CustomRule = append(CustomRule(nil), o.CustomRule...)
	}
	if o.Metadata != nil {
		c.Metadata = make(map[string]any, len(o.Metadata))
		for k, v := range o.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// =============================================================================
// QUERIES
// =============================================================================

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	UserID    generic.UserID
	Kind      generic.EntryKind
	Status    Status
	Frequency Frequency
	Limit     int
	Offset    int
}

// =============================================================================
// SCAN RUNS - Audit record of each driver invocation
// =============================================================================

type RunKind string

const (
	RunProcess RunKind = "process"
	RunRemind  RunKind = "remind"
	RunSweep   RunKind = "sweep"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
	RunFailed    RunStatus = "failed"
)

type ScanRun struct {
	ID          string
	Kind        RunKind
	Status      RunStatus
	AsOf        time.Time
	Candidates  int
	Succeeded   int
	Failed      int
	Skipped     int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}
