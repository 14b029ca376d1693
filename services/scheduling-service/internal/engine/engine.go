// Package engine resolves which time slots are bookable for a provider on a
// day. It is a pure computation over datasets already fetched for the
// (provider, date) pair; it performs no I/O and holds no state.
package engine

import (
	"time"

	"github.com/drmauij/viali/services/scheduling-service/internal/model"
	"github.com/drmauij/viali/services/scheduling-service/internal/recurrence"
)

// DefaultGranularity is the slot tick used when the caller does not ask for
// a specific one.
const DefaultGranularity = 15 * time.Minute

// Interval is a contiguous open span, half-open [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Sources carries the five constraint datasets for one provider. Empty
// slices are valid input: a missing source contributes no grants and no
// vetoes.
type Sources struct {
	Mode        model.OperatingMode
	Weekly      []model.WeeklyScheduleEntry
	Windows     []model.AvailabilityWindow
	TimeOff     []model.TimeOff
	Absences    []model.Absence
	Commitments []model.Commitment
}

// Resolve returns the ordered bookable intervals for a provider on the given
// civil date, evaluated in the hospital's location. Commitments, time-off
// and absences veto regardless of mode; the mode then decides whether the
// weekly schedule, the availability windows, or either grant the remaining
// ticks. Contiguous bookable ticks are coalesced.
func Resolve(loc *time.Location, date time.Time, granularity time.Duration, src Sources) []Interval {
	return ResolveExcluding(loc, date, granularity, src, "")
}

// ResolveExcluding is Resolve with one commitment left out of the conflict
// set, so a reschedule does not collide with the slot it is vacating.
func ResolveExcluding(loc *time.Location, date time.Time, granularity time.Duration, src Sources, excludeCommitmentID string) []Interval {
	if loc == nil {
		loc = time.UTC
	}
	if granularity <= 0 {
		granularity = DefaultGranularity
	}

	day := recurrence.Civil(date)
	dayStart := atMinute(day, 0, loc)
	dayEnd := atMinute(day.AddDate(0, 0, 1), 0, loc)

	permittedWeekly := weeklyIntervals(day, loc, src.Weekly)
	permittedWindows := windowIntervals(day, loc, src.Windows)
	blocked := blockedIntervals(day, dayStart, dayEnd, loc, src, excludeCommitmentID)

	var out []Interval
	var open *Interval
	for t := dayStart; t.Before(dayEnd); t = t.Add(granularity) {
		tickEnd := t.Add(granularity)
		if tickEnd.After(dayEnd) {
			tickEnd = dayEnd
		}

		ok := !overlapsAny(t, tickEnd, blocked)
		if ok {
			switch src.Mode {
			case model.ModeWindowsRequired:
				ok = containedInAny(t, tickEnd, permittedWindows)
			default:
				ok = containedInAny(t, tickEnd, permittedWeekly) || containedInAny(t, tickEnd, permittedWindows)
			}
		}

		if !ok {
			open = nil
			continue
		}
		if open != nil && open.End.Equal(t) {
			open.End = tickEnd
			continue
		}
		out = append(out, Interval{Start: t, End: tickEnd})
		open = &out[len(out)-1]
	}
	return out
}

// weeklyIntervals resolves the weekday's active entries to instants and
// merges them, so overlapping split shifts behave as their union.
func weeklyIntervals(day time.Time, loc *time.Location, entries []model.WeeklyScheduleEntry) []Interval {
	weekday := int(day.Weekday())
	var raw []Interval
	for _, e := range entries {
		if !e.Active || e.Weekday != weekday || e.EndMinute <= e.StartMinute {
			continue
		}
		raw = append(raw, Interval{
			Start: atMinute(day, e.StartMinute, loc),
			End:   atMinute(day, e.EndMinute, loc),
		})
	}
	return mergeIntervals(raw)
}

func windowIntervals(day time.Time, loc *time.Location, windows []model.AvailabilityWindow) []Interval {
	var raw []Interval
	for _, w := range windows {
		if !recurrence.Civil(w.Date).Equal(day) || w.EndMinute <= w.StartMinute {
			continue
		}
		raw = append(raw, Interval{
			Start: atMinute(day, w.StartMinute, loc),
			End:   atMinute(day, w.EndMinute, loc),
		})
	}
	return mergeIntervals(raw)
}

func blockedIntervals(day, dayStart, dayEnd time.Time, loc *time.Location, src Sources, excludeCommitmentID string) []Interval {
	var blocked []Interval

	for _, a := range src.Absences {
		if !day.Before(recurrence.Civil(a.StartDate)) && !day.After(recurrence.Civil(a.EndDate)) {
			blocked = append(blocked, Interval{Start: dayStart, End: dayEnd})
		}
	}

	for _, to := range src.TimeOff {
		blocked = append(blocked, timeOffIntervals(to, day, dayStart, dayEnd, loc)...)
	}

	for _, c := range src.Commitments {
		if !c.Status.Blocks() {
			continue
		}
		if excludeCommitmentID != "" && c.ID == excludeCommitmentID {
			continue
		}
		if c.EndTime.After(c.StartTime) {
			blocked = append(blocked, Interval{Start: c.StartTime, End: c.EndTime})
		}
	}

	return blocked
}

// timeOffIntervals reports how a single time-off rule blocks the given day.
// Non-recurring rules occupy their whole [StartDate, EndDate] span; recurring
// rules are expanded to occurrence dates. A rule with a time-of-day range
// blocks only that sub-range per occurrence day.
func timeOffIntervals(to model.TimeOff, day, dayStart, dayEnd time.Time, loc *time.Location) []Interval {
	applies := false
	if to.IsRecurring {
		rule := recurrence.Rule{
			Pattern:    to.Pattern,
			StartDate:  to.StartDate,
			DaysOfWeek: to.DaysOfWeek,
			Until:      to.RecurrenceEndDate,
			Count:      to.RecurrenceCount,
		}
		for _, occ := range recurrence.Expand(rule, day, day) {
			if occ.Equal(day) {
				applies = true
				break
			}
		}
	} else {
		applies = !day.Before(recurrence.Civil(to.StartDate)) && !day.After(recurrence.Civil(to.EndDate))
	}
	if !applies {
		return nil
	}

	if to.StartMinute == nil || to.EndMinute == nil {
		return []Interval{{Start: dayStart, End: dayEnd}}
	}
	if *to.EndMinute <= *to.StartMinute {
		return nil
	}
	return []Interval{{
		Start: atMinute(day, *to.StartMinute, loc),
		End:   atMinute(day, *to.EndMinute, loc),
	}}
}

// atMinute resolves (civil date, minute of day) to an instant in loc. DST
// gaps normalize to the nearest valid instant.
func atMinute(day time.Time, minute int, loc *time.Location) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, minute/60, minute%60, 0, 0, loc)
}

func mergeIntervals(in []Interval) []Interval {
	if len(in) <= 1 {
		return in
	}
	sortIntervals(in)
	merged := make([]Interval, 0, len(in))
	for _, cur := range in {
		if len(merged) == 0 {
			merged = append(merged, cur)
			continue
		}
		last := &merged[len(merged)-1]
		if cur.Start.After(last.End) {
			merged = append(merged, cur)
			continue
		}
		if cur.End.After(last.End) {
			last.End = cur.End
		}
	}
	return merged
}

func sortIntervals(in []Interval) {
	// Small n; insertion sort keeps deps minimal.
	for i := 1; i < len(in); i++ {
		j := i
		for j > 0 && (in[j].Start.Before(in[j-1].Start) || (in[j].Start.Equal(in[j-1].Start) && in[j].End.Before(in[j-1].End))) {
			in[j], in[j-1] = in[j-1], in[j]
			j--
		}
	}
}

func overlapsAny(start, end time.Time, blocked []Interval) bool {
	for _, b := range blocked {
		// Half-open intervals: [start,end) overlaps [b.Start,b.End) iff
		// start < b.End && b.Start < end.
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}

func containedInAny(start, end time.Time, permitted []Interval) bool {
	for _, p := range permitted {
		if !start.Before(p.Start) && !end.After(p.End) {
			return true
		}
	}
	return false
}
