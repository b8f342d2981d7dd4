package generic

import "time"

// =============================================================================
// WINDOW - Half-open time range used for lead-time checks
// =============================================================================

// Window is the range (Start, End]. Reminder lead windows exclude the
// current instant (an occurrence due right now is due, not approaching)
// and include the far edge.
type Window struct {
	Start time.Time
	End   time.Time
}

// LeadWindow returns the window of the given number of days after now.
func LeadWindow(now time.Time, days int) Window {
	return Window{Start: now, End: now.Add(Days(days))}
}

// Contains reports whether t falls in (Start, End].
func (w Window) Contains(t time.Time) bool {
	return t.After(w.Start) && !t.After(w.End)
}

func (w Window) String() string {
	return "(" + w.Start.Format(time.RFC3339) + ", " + w.End.Format(time.RFC3339) + "]"
}
