// Package window selects the observation subset feeding one fitting call.
// Symmetric windows are day-of-year based and wrap at the 1/365 boundary;
// trailing windows are calendar-date based and therefore immune to
// year-boundary arithmetic.
package window

import (
	"time"

	"github.com/kye/vegsense/internal/models"
)

const cycleDays = 365

// WrapDay maps an observation's day-of-year onto the [1, 365] cycle. Day 366
// folds onto 365 so leap-day observations pool with the end of the cycle;
// other out-of-range values wrap cyclically.
func WrapDay(day int) int {
	if day == 366 {
		return 365
	}
	return wrapCycle(day)
}

// wrapCycle is the pure cyclic wrap used for window arithmetic, where an
// offset of 366 means the first day of the next cycle rather than a leap day.
func wrapCycle(day int) int {
	d := ((day-1)%cycleDays + cycleDays) % cycleDays
	return d + 1
}

// DaySet returns the wrapped day-of-year set {target-width, ..., target+width}.
// Every value is in [1, 365]; days past the boundary wrap, never clip.
func DaySet(targetDay, width int) map[int]bool {
	set := make(map[int]bool, 2*width+1)
	for d := targetDay - width; d <= targetDay+width; d++ {
		set[wrapCycle(d)] = true
	}
	return set
}

// SymmetricDOY selects observations whose day-of-year falls within ±width
// days of targetDay, wrapped, across all pooled years. Returns an empty
// slice (not an error) when nothing matches.
func SymmetricDOY(obs []models.Observation, targetDay, width int) []models.Observation {
	set := DaySet(targetDay, width)
	var out []models.Observation
	for _, o := range obs {
		if set[WrapDay(o.DayOfYear)] {
			out = append(out, o)
		}
	}
	return out
}

// Trailing selects observations whose date lies in the days-long calendar
// range ending at target, inclusive. The range may reach into the previous
// year; day-of-year encoding plays no part here.
func Trailing(obs []models.Observation, target time.Time, days int) []models.Observation {
	start := target.AddDate(0, 0, -(days - 1))
	var out []models.Observation
	for _, o := range obs {
		if !o.Date.Before(start) && !o.Date.After(target) {
			out = append(out, o)
		}
	}
	return out
}
