package slotcache

import (
	"testing"
	"time"

	"github.com/drmauij/viali/services/scheduling-service/internal/engine"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCacheRoundTrip(t *testing.T) {
	c, err := New(16, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	d := day(2026, time.January, 7)
	intervals := []engine.Interval{{Start: d.Add(8 * time.Hour), End: d.Add(18 * time.Hour)}}

	if _, ok := c.Get("h1", "p1", d); ok {
		t.Fatalf("expected miss on empty cache")
	}
	c.Put("h1", "p1", d, intervals)

	got, ok := c.Get("h1", "p1", d)
	if !ok || len(got) != 1 || !got[0].Start.Equal(intervals[0].Start) {
		t.Fatalf("expected cached intervals back, got %v ok=%v", got, ok)
	}

	// Different provider and different date are separate keys.
	if _, ok := c.Get("h1", "p2", d); ok {
		t.Fatalf("unexpected hit for other provider")
	}
	if _, ok := c.Get("h1", "p1", d.AddDate(0, 0, 1)); ok {
		t.Fatalf("unexpected hit for other date")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c, err := New(16, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	d := day(2026, time.January, 7)
	now := d
	c.now = func() time.Time { return now }

	c.Put("h1", "p1", d, nil)
	if _, ok := c.Get("h1", "p1", d); !ok {
		t.Fatalf("expected hit before expiry")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("h1", "p1", d); ok {
		t.Fatalf("expected miss after TTL")
	}
}

func TestInvalidateProvider(t *testing.T) {
	c, err := New(16, 0)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	d1 := day(2026, time.January, 7)
	d2 := day(2026, time.January, 8)
	c.Put("h1", "p1", d1, nil)
	c.Put("h1", "p1", d2, nil)
	c.Put("h1", "p2", d1, nil)

	c.InvalidateProvider("h1", "p1")

	if _, ok := c.Get("h1", "p1", d1); ok {
		t.Fatalf("expected p1 day 1 invalidated")
	}
	if _, ok := c.Get("h1", "p1", d2); ok {
		t.Fatalf("expected p1 day 2 invalidated")
	}
	if _, ok := c.Get("h1", "p2", d1); !ok {
		t.Fatalf("expected p2 untouched")
	}
}

func TestInvalidateDay(t *testing.T) {
	c, err := New(16, 0)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	d1 := day(2026, time.January, 7)
	d2 := day(2026, time.January, 8)
	c.Put("h1", "p1", d1, nil)
	c.Put("h1", "p1", d2, nil)

	c.InvalidateDay("h1", "p1", d1)

	if _, ok := c.Get("h1", "p1", d1); ok {
		t.Fatalf("expected day 1 invalidated")
	}
	if _, ok := c.Get("h1", "p1", d2); !ok {
		t.Fatalf("expected day 2 retained")
	}
}
