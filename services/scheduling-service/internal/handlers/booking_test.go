package handlers

import (
	"testing"
	"time"
)

func TestHospitalDay(t *testing.T) {
	zurich, err := time.LoadLocation("Europe/Zurich")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	// 23:30 UTC on Wednesday is already past midnight in Zurich; bookings
	// made then belong to the hospital's Thursday.
	got := hospitalDay(time.Date(2026, time.January, 7, 23, 30, 0, 0, time.UTC), zurich)
	if got.Year() != 2026 || got.Month() != time.January || got.Day() != 8 {
		t.Fatalf("expected hospital-local 2026-01-08, got %s", got)
	}

	// Mid-day instants keep their date.
	got = hospitalDay(time.Date(2026, time.January, 7, 12, 0, 0, 0, time.UTC), zurich)
	if got.Day() != 7 {
		t.Fatalf("expected 2026-01-07, got %s", got)
	}

	// A nil location falls back to UTC.
	got = hospitalDay(time.Date(2026, time.January, 7, 23, 30, 0, 0, time.UTC), nil)
	if got.Day() != 7 {
		t.Fatalf("expected UTC date 2026-01-07 with nil location, got %s", got)
	}
}
