package generic

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// CALENDAR ARITHMETIC - Month-end clamping instead of time.AddDate overflow
// =============================================================================

// time.AddDate normalizes Jan 31 + 1 month to Mar 2/3. Schedules want the
// last day of the target month instead, so the helpers below clamp.

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AddMonthsClamped adds n calendar months keeping the day-of-month, or the
// last day of the target month when it is shorter. Clock time and location
// are preserved.
func AddMonthsClamped(t time.Time, n int) time.Time {
	total := int(t.Month()) - 1 + n
	year := t.Year() + floorDiv(total, 12)
	month := time.Month(floorMod(total, 12) + 1)

	day := t.Day()
	if last := DaysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// AddYearsClamped adds n years; Feb 29 becomes Feb 28 in non-leap years.
func AddYearsClamped(t time.Time, n int) time.Time {
	return AddMonthsClamped(t, 12*n)
}

// DaysUntil returns the whole days from now until t, rounded up.
// Zero or negative when t is not in the future.
func DaysUntil(now, t time.Time) int {
	return int(math.Ceil(t.Sub(now).Hours() / 24))
}

// Days converts a day count into a duration.
func Days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// =============================================================================
// ZONES - Calendar math happens in the zone of the schedule's anchor
// =============================================================================

// ZoneOf returns a name for t's location that LoadZone resolves back to the
// same calendar. IANA names are kept; unnamed and Local zones become a fixed
// "+07:00" style offset taken at t.
func ZoneOf(t time.Time) string {
	loc := t.Location()
	if loc == time.UTC {
		return "UTC"
	}
	if name := loc.String(); name != "" && name != "Local" {
		if _, err := time.LoadLocation(name); err == nil {
			return name
		}
	}
	_, offset := t.Zone()
	if offset == 0 {
		return "UTC"
	}
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%c%02d:%02d", sign, offset/3600, offset%3600/60)
}

// LoadZone resolves a name produced by ZoneOf.
func LoadZone(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	if name[0] == '+' || name[0] == '-' {
		hh, mm, ok := strings.Cut(name[1:], ":")
		h, errH := strconv.Atoi(hh)
		m, errM := strconv.Atoi(mm)
		if !ok || errH != nil || errM != nil || h > 23 || m > 59 {
			return nil, fmt.Errorf("invalid zone offset %q", name)
		}
		offset := h*3600 + m*60
		if name[0] == '-' {
			offset = -offset
		}
		return time.FixedZone(name, offset), nil
	}
	return time.LoadLocation(name)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int) int { return a - floorDiv(a, b)*b }
