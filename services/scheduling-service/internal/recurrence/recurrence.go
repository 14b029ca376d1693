// Package recurrence expands recurring time-off rules into concrete calendar
// dates. Rules are expanded on read; occurrences are never materialized.
package recurrence

import (
	"time"

	"github.com/drmauij/viali/services/scheduling-service/internal/model"
)

// Rule is the recurrence part of a time-off entry.
type Rule struct {
	Pattern    model.RecurrencePattern
	StartDate  time.Time // first occurrence; civil date
	DaysOfWeek []int     // 0=Sunday .. 6=Saturday; weekly/biweekly only
	Until      *time.Time
	Count      *int
}

// Expand returns the rule's occurrence dates inside [from, to] (inclusive
// civil dates), ordered ascending. Malformed rules (unknown pattern, count
// <= 0) expand to nothing.
//
// Count-bounded rules are always enumerated from StartDate because the Nth
// occurrence depends on every occurrence before it. Open-ended rules resume
// enumeration near the query window instead; the two paths produce identical
// sets (see TestFastForwardMatchesCanonical).
func Expand(rule Rule, from, to time.Time) []time.Time {
	return expand(rule, from, to, rule.Count == nil)
}

func expand(rule Rule, from, to time.Time, fastForward bool) []time.Time {
	from = Civil(from)
	to = Civil(to)
	start := Civil(rule.StartDate)
	if to.Before(from) || !valid(rule) {
		return nil
	}

	var until *time.Time
	if rule.Until != nil {
		u := Civil(*rule.Until)
		until = &u
	}

	remaining := -1
	if rule.Count != nil {
		remaining = *rule.Count
		fastForward = false
	}

	var out []time.Time
	// emit consumes one generated occurrence; false stops enumeration.
	emit := func(d time.Time) bool {
		if remaining == 0 {
			return false
		}
		if until != nil && d.After(*until) {
			return false
		}
		if d.After(to) {
			return false
		}
		if remaining > 0 {
			remaining--
		}
		if !d.Before(from) {
			out = append(out, d)
		}
		return true
	}

	days := weekdaySet(rule.DaysOfWeek)

	switch rule.Pattern {
	case model.PatternDaily:
		d := start
		if fastForward && from.After(d) {
			d = from
		}
		for {
			if len(days) == 0 || days[int(d.Weekday())] {
				if !emit(d) {
					return out
				}
			} else if d.After(to) {
				return out
			}
			d = d.AddDate(0, 0, 1)
		}

	case model.PatternWeekly, model.PatternBiweekly:
		interval := 1
		if rule.Pattern == model.PatternBiweekly {
			interval = 2
		}
		step := interval * 7

		if len(days) == 0 {
			// StartDate's weekday, every interval weeks.
			d := start
			if fastForward {
				elapsed := daysBetween(start, from) / step
				if elapsed > 1 {
					d = start.AddDate(0, 0, (elapsed-1)*step)
				}
			}
			for {
				if !emit(d) {
					return out
				}
				d = d.AddDate(0, 0, step)
			}
		}

		// Listed weekdays within each active week. Weeks are Sunday-based
		// and counted from StartDate's week.
		base := weekStart(start)
		week := 0
		if fastForward {
			elapsed := daysBetween(base, from) / step
			if elapsed > 1 {
				week = elapsed - 1
			}
		}
		for ; ; week++ {
			ws := base.AddDate(0, 0, week*step)
			if ws.After(to) {
				return out
			}
			for wd := 0; wd <= 6; wd++ {
				if !days[wd] {
					continue
				}
				d := ws.AddDate(0, 0, wd)
				if d.Before(start) {
					continue
				}
				if !emit(d) {
					return out
				}
			}
		}

	case model.PatternMonthly:
		// Same day-of-month as StartDate, one month per occurrence.
		i := 0
		if fastForward {
			months := (from.Year()-start.Year())*12 + int(from.Month()) - int(start.Month()) - 1
			if months > 0 {
				i = months
			}
		}
		for ; ; i++ {
			if !emit(start.AddDate(0, i, 0)) {
				return out
			}
		}
	}

	return nil
}

func valid(rule Rule) bool {
	switch rule.Pattern {
	case model.PatternDaily, model.PatternWeekly, model.PatternBiweekly, model.PatternMonthly:
	default:
		return false
	}
	if rule.Count != nil && *rule.Count <= 0 {
		return false
	}
	return true
}

// Civil truncates an instant to its calendar date, normalized to UTC
// midnight so dates compare independently of source location.
func Civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func weekStart(d time.Time) time.Time {
	return d.AddDate(0, 0, -int(d.Weekday()))
}

func daysBetween(a, b time.Time) int {
	if b.Before(a) {
		return 0
	}
	return int(b.Sub(a) / (24 * time.Hour))
}

func weekdaySet(days []int) map[int]bool {
	if len(days) == 0 {
		return nil
	}
	set := make(map[int]bool, len(days))
	for _, d := range days {
		if d >= 0 && d <= 6 {
			set[d] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
