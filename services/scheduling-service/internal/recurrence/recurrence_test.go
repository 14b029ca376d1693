package recurrence

import (
	"testing"
	"time"

	"github.com/drmauij/viali/services/scheduling-service/internal/model"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func intp(n int) *int { return &n }

func TestMonthlyFiniteCount(t *testing.T) {
	rule := Rule{
		Pattern:   model.PatternMonthly,
		StartDate: date(2026, time.January, 15),
		Count:     intp(3),
	}

	got := Expand(rule, date(2026, time.January, 1), date(2026, time.December, 31))
	want := []time.Time{
		date(2026, time.January, 15),
		date(2026, time.February, 15),
		date(2026, time.March, 15),
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d occurrences, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("occurrence %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	// The rule is exhausted before April; an April window sees nothing.
	if got := Expand(rule, date(2026, time.April, 1), date(2026, time.April, 30)); len(got) != 0 {
		t.Fatalf("expected no occurrences in April, got %v", got)
	}
}

func TestFiniteCountSpansQueryWindow(t *testing.T) {
	// 10 weekly occurrences from a Monday. A window over weeks 8-12 must see
	// only occurrences 8-10: the count is consumed from the start even for
	// occurrences before the window.
	start := date(2026, time.January, 5) // Monday
	rule := Rule{
		Pattern:   model.PatternWeekly,
		StartDate: start,
		Count:     intp(10),
	}

	got := Expand(rule, start.AddDate(0, 0, 7*7), start.AddDate(0, 0, 12*7))
	if len(got) != 3 {
		t.Fatalf("expected 3 occurrences, got %d: %v", len(got), got)
	}
	if !got[0].Equal(start.AddDate(0, 0, 7*7)) || !got[2].Equal(start.AddDate(0, 0, 9*7)) {
		t.Fatalf("unexpected occurrences: %v", got)
	}
}

func TestFiniteRuleTotalOccurrences(t *testing.T) {
	for _, pattern := range []model.RecurrencePattern{
		model.PatternDaily, model.PatternWeekly, model.PatternBiweekly, model.PatternMonthly,
	} {
		rule := Rule{
			Pattern:   pattern,
			StartDate: date(2026, time.March, 4), // Wednesday
			Count:     intp(7),
		}
		got := Expand(rule, date(2025, time.January, 1), date(2028, time.December, 31))
		if len(got) != 7 {
			t.Fatalf("pattern %s: expected 7 occurrences over the rule lifetime, got %d", pattern, len(got))
		}
		for i := 1; i < len(got); i++ {
			if !got[i].After(got[i-1]) {
				t.Fatalf("pattern %s: occurrences not strictly ascending: %v", pattern, got)
			}
		}
	}
}

func TestWeeklyDaysOfWeek(t *testing.T) {
	// Wednesdays, starting from a Monday three weeks before the window.
	rule := Rule{
		Pattern:    model.PatternWeekly,
		StartDate:  date(2026, time.February, 2), // Monday
		DaysOfWeek: []int{3},
	}

	got := Expand(rule, date(2026, time.February, 23), date(2026, time.March, 1))
	if len(got) != 1 {
		t.Fatalf("expected 1 occurrence, got %v", got)
	}
	if got[0].Weekday() != time.Wednesday || !got[0].Equal(date(2026, time.February, 25)) {
		t.Fatalf("expected Wednesday Feb 25, got %s", got[0])
	}
}

func TestBiweeklySkipsAlternateWeeks(t *testing.T) {
	rule := Rule{
		Pattern:    model.PatternBiweekly,
		StartDate:  date(2026, time.January, 5), // Monday
		DaysOfWeek: []int{1, 5},                 // Mon, Fri
	}

	got := Expand(rule, date(2026, time.January, 1), date(2026, time.February, 1))
	want := []time.Time{
		date(2026, time.January, 5),  // Mon week 0
		date(2026, time.January, 9),  // Fri week 0
		date(2026, time.January, 19), // Mon week 2
		date(2026, time.January, 23), // Fri week 2
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d occurrences, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("occurrence %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestDailyWithWeekdayFilter(t *testing.T) {
	rule := Rule{
		Pattern:    model.PatternDaily,
		StartDate:  date(2026, time.January, 5),
		DaysOfWeek: []int{6, 0}, // weekends only
	}

	got := Expand(rule, date(2026, time.January, 5), date(2026, time.January, 18))
	if len(got) != 4 {
		t.Fatalf("expected 4 weekend occurrences, got %d: %v", len(got), got)
	}
	for _, d := range got {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			t.Fatalf("expected weekend day, got %s", d)
		}
	}
}

func TestRecurrenceEndDateBound(t *testing.T) {
	until := date(2026, time.January, 31)
	rule := Rule{
		Pattern:   model.PatternWeekly,
		StartDate: date(2026, time.January, 5),
		Until:     &until,
	}

	got := Expand(rule, date(2026, time.January, 1), date(2026, time.March, 31))
	if len(got) != 4 {
		t.Fatalf("expected 4 occurrences before end date, got %d: %v", len(got), got)
	}
}

func TestCountAndEndDateWhicheverFirst(t *testing.T) {
	until := date(2026, time.January, 12)
	rule := Rule{
		Pattern:   model.PatternWeekly,
		StartDate: date(2026, time.January, 5),
		Until:     &until,
		Count:     intp(10),
	}
	// End date cuts the rule off after two occurrences.
	got := Expand(rule, date(2026, time.January, 1), date(2026, time.December, 31))
	if len(got) != 2 {
		t.Fatalf("expected 2 occurrences, got %d: %v", len(got), got)
	}
}

func TestMalformedRulesFailClosed(t *testing.T) {
	base := Rule{StartDate: date(2026, time.January, 5)}

	bad := base
	bad.Pattern = "fortnightly"
	if got := Expand(bad, date(2026, time.January, 1), date(2026, time.December, 31)); got != nil {
		t.Fatalf("unknown pattern should expand to nothing, got %v", got)
	}

	zero := base
	zero.Pattern = model.PatternWeekly
	zero.Count = intp(0)
	if got := Expand(zero, date(2026, time.January, 1), date(2026, time.December, 31)); got != nil {
		t.Fatalf("count=0 should expand to nothing, got %v", got)
	}

	negative := base
	negative.Pattern = model.PatternDaily
	negative.Count = intp(-3)
	if got := Expand(negative, date(2026, time.January, 1), date(2026, time.December, 31)); got != nil {
		t.Fatalf("negative count should expand to nothing, got %v", got)
	}
}

// The fast-forward path is an optimization over canonical from-start
// enumeration; for open-ended rules both must produce identical sets for any
// query window.
func TestFastForwardMatchesCanonical(t *testing.T) {
	until := date(2031, time.June, 30)
	rules := []Rule{
		{Pattern: model.PatternDaily, StartDate: date(2024, time.February, 29)},
		{Pattern: model.PatternDaily, StartDate: date(2024, time.January, 1), DaysOfWeek: []int{1, 3, 5}},
		{Pattern: model.PatternWeekly, StartDate: date(2023, time.November, 15)},
		{Pattern: model.PatternWeekly, StartDate: date(2023, time.November, 13), DaysOfWeek: []int{2, 4}},
		{Pattern: model.PatternBiweekly, StartDate: date(2024, time.May, 7)},
		{Pattern: model.PatternBiweekly, StartDate: date(2024, time.May, 5), DaysOfWeek: []int{0, 6}},
		{Pattern: model.PatternMonthly, StartDate: date(2023, time.January, 31)},
		{Pattern: model.PatternMonthly, StartDate: date(2024, time.August, 15), Until: &until},
	}
	windows := [][2]time.Time{
		{date(2026, time.January, 1), date(2026, time.January, 31)},
		{date(2026, time.August, 10), date(2026, time.September, 20)},
		{date(2030, time.December, 1), date(2031, time.December, 31)},
		{date(2023, time.January, 1), date(2023, time.December, 31)},
	}

	for ri, rule := range rules {
		for wi, w := range windows {
			fast := expand(rule, w[0], w[1], true)
			naive := expand(rule, w[0], w[1], false)
			if len(fast) != len(naive) {
				t.Fatalf("rule %d window %d: fast-forward %d occurrences, canonical %d", ri, wi, len(fast), len(naive))
			}
			for i := range naive {
				if !fast[i].Equal(naive[i]) {
					t.Fatalf("rule %d window %d occurrence %d: fast-forward %s, canonical %s", ri, wi, i, fast[i], naive[i])
				}
			}
		}
	}
}

func TestExpandIsPure(t *testing.T) {
	rule := Rule{
		Pattern:    model.PatternWeekly,
		StartDate:  date(2026, time.January, 5),
		DaysOfWeek: []int{1, 4},
	}
	a := Expand(rule, date(2026, time.February, 1), date(2026, time.February, 28))
	b := Expand(rule, date(2026, time.February, 1), date(2026, time.February, 28))
	if len(a) != len(b) {
		t.Fatalf("expected identical results, got %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			t.Fatalf("occurrence %d differs: %s vs %s", i, a[i], b[i])
		}
	}
}
