package recurring

import (
	"time"

	"github.com/warp/recurring-engine/generic"
)

// =============================================================================
// RECURRENCE CALCULATOR - Pure, one period at a time
// =============================================================================

type OccurrenceKind int

const (
	// NextOccurrence carries the next due date in At.
	NextOccurrence OccurrenceKind = iota
	// SeriesEnded means the next date would fall after EndDate.
	SeriesEnded
	// Unsupported means a CUSTOM rule could not be interpreted; Reason says why.
	Unsupported
)

func (k OccurrenceKind) String() string {
	switch k {
	case NextOccurrence:
		return "next"
	case SeriesEnded:
		return "series_ended"
	case Unsupported:
		return "unsupported"
	}
	return "unknown"
}

type Occurrence struct {
	Kind   OccurrenceKind
	At     time.Time
	Reason string
}

// Next returns the occurrence strictly after currentDue. It always advances
// from the stored due date by exactly one period; it never looks at the
// wall clock, so the caller decides how many times to advance.
//
// Month-based frequencies keep the day-of-month of currentDue and clamp to
// the last day of shorter months. Clamping is not undone later: Jan 31
// advances to Feb 29 (2024) and then to Mar 29.
func Next(currentDue time.Time, freq Frequency, rule CustomRule, endDate *time.Time) Occurrence {
	var next time.Time
	switch freq {
	case Daily:
		next = currentDue.AddDate(0, 0, 1)
	case Weekly:
		next = currentDue.AddDate(0, 0, 7)
	case Biweekly:
		next = currentDue.AddDate(0, 0, 14)
	case Monthly:
		next = generic.AddMonthsClamped(currentDue, 1)
	case Quarterly:
		next = generic.AddMonthsClamped(currentDue, 3)
	case Yearly:
		next = generic.AddYearsClamped(currentDue, 1)
	case Custom:
		at, reason := nextCustom(currentDue, rule)
		if reason != "" {
			return Occurrence{Kind: Unsupported, Reason: reason}
		}
		next = at
	default:
		return Occurrence{Kind: Unsupported, Reason: "unknown frequency " + string(freq)}
	}

	if endDate != nil && next.After(*endDate) {
		return Occurrence{Kind: SeriesEnded}
	}
	return Occurrence{Kind: NextOccurrence, At: next}
}

// Advance returns the occurrence n periods after the anchor from. Calendar
// frequencies jump by the closed-form offset, so clamping does not
// accumulate: Jan 31 advanced 3 months is Apr 30. CUSTOM rules apply Next n
// times. It stops early on SeriesEnded or Unsupported.
func Advance(from time.Time, n int, freq Frequency, rule CustomRule, endDate *time.Time) Occurrence {
	var at time.Time
	switch freq {
	case Daily:
		at = from.AddDate(0, 0, n)
	case Weekly:
		at = from.AddDate(0, 0, 7*n)
	case Biweekly:
		at = from.AddDate(0, 0, 14*n)
	case Monthly:
		at = generic.AddMonthsClamped(from, n)
	case Quarterly:
		at = generic.AddMonthsClamped(from, 3*n)
	case Yearly:
		at = generic.AddYearsClamped(from, n)
	default:
		occ := Occurrence{Kind: NextOccurrence, At: from}
		for i := 0; i < n; i++ {
			occ = Next(occ.At, freq, rule, endDate)
			if occ.Kind != NextOccurrence {
				return occ
			}
		}
		return occ
	}

	if n > 0 && endDate != nil && at.After(*endDate) {
		return Occurrence{Kind: SeriesEnded}
	}
	return Occurrence{Kind: NextOccurrence, At: at}
}

// maxForwardSteps bounds NextOnOrAfter for DAILY schedules paused for
// decades; hitting it is reported as Unsupported rather than looping.
const maxForwardSteps = 100_000

// NextOnOrAfter advances from currentDue until the occurrence is not before
// now. currentDue itself is returned if it is already on or after now.
func NextOnOrAfter(currentDue, now time.Time, freq Frequency, rule CustomRule, endDate *time.Time) Occurrence {
	occ := Occurrence{Kind: NextOccurrence, At: currentDue}
	for i := 0; occ.At.Before(now); i++ {
		if i == maxForwardSteps {
			return Occurrence{Kind: Unsupported, Reason: "schedule did not reach the present"}
		}
		occ = Next(occ.At, freq, rule, endDate)
		if occ.Kind != NextOccurrence {
			return occ
		}
	}
	return occ
}
