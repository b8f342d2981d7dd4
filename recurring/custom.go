package recurring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/recurring-engine/generic"
)

// customSpec is the shape of CUSTOM rules the calculator understands.
//
// Two mutually exclusive forms:
//
//	{"every": 10, "unit": "days"}              fixed interval
//	{"days": [1, 15], "months": [1, 7]}        calendar filter
//	{"dayOfWeek": 1}                           calendar filter (Mondays)
//
// Calendar filters combine with AND; an unset field matches anything.
// Anything else, including unknown keys, is unsupported.
type customSpec struct {
	Days      []int  `json:"days,omitempty"`
	Months    []int  `json:"months,omitempty"`
	DayOfWeek *int   `json:"dayOfWeek,omitempty"`
	Every     int    `json:"every,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

// customSearchYears covers every leap-year cycle; a filter with no match
// inside it (e.g. day 31 of February) never matches.
const customSearchYears = 4

// nextCustom returns the next occurrence, or a non-empty reason when the
// rule cannot be interpreted.
func nextCustom(currentDue time.Time, rule CustomRule) (time.Time, string) {
	spec, reason := parseCustom(rule)
	if reason != "" {
		return time.Time{}, reason
	}

	if spec.Every > 0 {
		switch spec.Unit {
		case "days":
			return currentDue.AddDate(0, 0, spec.Every), ""
		case "weeks":
			return currentDue.AddDate(0, 0, 7*spec.Every), ""
		case "months":
			return generic.AddMonthsClamped(currentDue, spec.Every), ""
		case "years":
			return generic.AddYearsClamped(currentDue, spec.Every), ""
		}
		return time.Time{}, fmt.Sprintf("unknown interval unit %q", spec.Unit)
	}

	days := toSet(spec.Days)
	months := toSet(spec.Months)

	limit := currentDue.AddDate(customSearchYears, 0, 0)
	for i := 1; ; i++ {
		candidate := time.Date(currentDue.Year(), currentDue.Month(), currentDue.Day()+i,
			currentDue.Hour(), currentDue.Minute(), currentDue.Second(), currentDue.Nanosecond(),
			currentDue.Location())
		if candidate.After(limit) {
			return time.Time{}, fmt.Sprintf("rule matches no date within %d years", customSearchYears)
		}
		if months != nil && !months[int(candidate.Month())] {
			continue
		}
		if days != nil && !days[candidate.Day()] {
			continue
		}
		if spec.DayOfWeek != nil && int(candidate.Weekday()) != *spec.DayOfWeek {
			continue
		}
		return candidate, ""
	}
}

func parseCustom(rule CustomRule) (customSpec, string) {
	var spec customSpec
	if len(bytes.TrimSpace(rule)) == 0 || bytes.Equal(bytes.TrimSpace(rule), []byte("null")) {
		return spec, "custom rule is empty"
	}

	dec := json.NewDecoder(bytes.NewReader(rule))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return spec, "cannot interpret custom rule: " + err.Error()
	}

	hasFilter := len(spec.Days) > 0 || len(spec.Months) > 0 || spec.DayOfWeek != nil
	hasInterval := spec.Every != 0 || spec.Unit != ""
	switch {
	case hasFilter && hasInterval:
		return spec, "custom rule mixes interval and calendar filters"
	case !hasFilter && !hasInterval:
		return spec, "custom rule has no schedule fields"
	case hasInterval && spec.Every <= 0:
		return spec, "interval must be positive"
	}

	for _, d := range spec.Days {
		if d < 1 || d > 31 {
			return spec, fmt.Sprintf("day-of-month %d out of range", d)
		}
	}
	for _, m := range spec.Months {
		if m < 1 || m > 12 {
			return spec, fmt.Sprintf("month %d out of range", m)
		}
	}
	if spec.DayOfWeek != nil && (*spec.DayOfWeek < 0 || *spec.DayOfWeek > 6) {
		return spec, fmt.Sprintf("day-of-week %d out of range", *spec.DayOfWeek)
	}
	return spec, ""
}

func toSet(values []int) map[int]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[int]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
