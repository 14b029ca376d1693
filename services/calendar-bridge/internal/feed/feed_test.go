package feed

import (
	"bytes"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/drmauij/viali/services/calendar-bridge/internal/storage"
)

func sampleCommitments() []storage.FeedCommitment {
	return []storage.FeedCommitment{
		{
			ID:        "c1",
			Kind:      "appointment",
			StartTime: time.Date(2026, time.January, 7, 9, 0, 0, 0, time.UTC),
			EndTime:   time.Date(2026, time.January, 7, 9, 30, 0, 0, time.UTC),
			Status:    "booked",
		},
		{
			ID:        "c2",
			Kind:      "procedure",
			StartTime: time.Date(2026, time.January, 7, 14, 0, 0, 0, time.UTC),
			EndTime:   time.Date(2026, time.January, 7, 15, 0, 0, 0, time.UTC),
			Status:    "booked",
		},
	}
}

func TestBuildDeterministic(t *testing.T) {
	at := time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)
	a := Build("p1", sampleCommitments(), at)
	b := Build("p1", sampleCommitments(), at)
	if !bytes.Equal(a, b) {
		t.Fatalf("identical inputs must produce byte-identical output")
	}

	// A different generation time changes only DTSTAMP lines.
	c := Build("p1", sampleCommitments(), at.Add(time.Hour))
	aLines := strings.Split(string(a), "\r\n")
	cLines := strings.Split(string(c), "\r\n")
	if len(aLines) != len(cLines) {
		t.Fatalf("line counts differ: %d vs %d", len(aLines), len(cLines))
	}
	for i := range aLines {
		if aLines[i] == cLines[i] {
			continue
		}
		if !strings.HasPrefix(aLines[i], "DTSTAMP:") || !strings.HasPrefix(cLines[i], "DTSTAMP:") {
			t.Fatalf("unexpected diff at line %d: %q vs %q", i, aLines[i], cLines[i])
		}
	}
}

func TestBuildEventFields(t *testing.T) {
	out := string(Build("p1", sampleCommitments(), time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)))

	for _, want := range []string{
		"BEGIN:VCALENDAR",
		"END:VCALENDAR",
		"UID:c1@viali",
		"UID:c2@viali",
		"DTSTART:20260107T090000Z",
		"DTEND:20260107T093000Z",
		"SUMMARY:Appointment",
		"SUMMARY:Procedure",
		"TRANSP:OPAQUE",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("feed missing %q:\n%s", want, out)
		}
	}

	// Busy blocks only: no patient-identifying fields.
	if strings.Contains(out, "ATTENDEE") || strings.Contains(out, "DESCRIPTION") {
		t.Fatalf("feed must not carry attendee details:\n%s", out)
	}
}

func TestBuildEmptyFeed(t *testing.T) {
	out := string(Build("p1", nil, time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)))
	if !strings.Contains(out, "BEGIN:VCALENDAR") || strings.Contains(out, "BEGIN:VEVENT") {
		t.Fatalf("empty feed must still be a valid empty calendar:\n%s", out)
	}
}

func TestWriteLineFoldsOnRuneBoundaries(t *testing.T) {
	// "é" is two octets; placed so the 75-octet fold point lands inside it.
	line := strings.Repeat("a", 74) + "éé"
	var b bytes.Buffer
	writeLine(&b, line)
	out := b.String()

	if !utf8.ValidString(out) {
		t.Fatalf("folded output is not valid UTF-8: %q", out)
	}
	for _, folded := range strings.Split(strings.TrimSuffix(out, "\r\n"), "\r\n ") {
		if len(folded) > 75 {
			t.Fatalf("folded line exceeds 75 octets: %q", folded)
		}
	}
	if unfolded := strings.ReplaceAll(strings.TrimSuffix(out, "\r\n"), "\r\n ", ""); unfolded != line {
		t.Fatalf("unfolding must reproduce the input, got %q", unfolded)
	}
}

func TestEscape(t *testing.T) {
	if got := escape("a;b,c\nd"); got != `a\;b\,c\nd` {
		t.Fatalf("unexpected escaping: %q", got)
	}
}
