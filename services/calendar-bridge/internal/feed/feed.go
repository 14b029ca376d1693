// Package feed serves per-provider calendar exports. The external scheduling
// service polls the feed and treats every event as a busy block; event UIDs
// are stable so regeneration never produces phantom changes.
package feed

import (
	"bytes"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/drmauij/viali/services/calendar-bridge/internal/storage"
)

const (
	prodID   = "-//viali//calendar-bridge//EN"
	icsStamp = "20060102T150405Z"
)

// Build renders the ICS document. Output is deterministic for identical
// inputs apart from the DTSTAMP carrying generatedAt.
func Build(providerID string, commitments []storage.FeedCommitment, generatedAt time.Time) []byte {
	var b bytes.Buffer
	writeLine(&b, "BEGIN:VCALENDAR")
	writeLine(&b, "VERSION:2.0")
	writeLine(&b, "PRODID:"+prodID)
	writeLine(&b, "CALSCALE:GREGORIAN")
	writeLine(&b, "METHOD:PUBLISH")

	stamp := generatedAt.UTC().Format(icsStamp)
	for _, c := range commitments {
		writeLine(&b, "BEGIN:VEVENT")
		writeLine(&b, "UID:"+c.ID+"@viali")
		writeLine(&b, "DTSTAMP:"+stamp)
		writeLine(&b, "DTSTART:"+c.StartTime.UTC().Format(icsStamp))
		writeLine(&b, "DTEND:"+c.EndTime.UTC().Format(icsStamp))
		writeLine(&b, "SUMMARY:"+escape(summary(c)))
		writeLine(&b, "STATUS:CONFIRMED")
		writeLine(&b, "TRANSP:OPAQUE")
		writeLine(&b, fmt.Sprintf("X-VIALI-PROVIDER:%s", escape(providerID)))
		writeLine(&b, "END:VEVENT")
	}

	writeLine(&b, "END:VCALENDAR")
	return b.Bytes()
}

// summary intentionally omits patient names; the feed leaves the building.
func summary(c storage.FeedCommitment) string {
	switch c.Kind {
	case "procedure":
		return "Procedure"
	default:
		return "Appointment"
	}
}

// escape per RFC 5545 §3.3.11.
func escape(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		";", `\;`,
		",", `\,`,
		"\n", `\n`,
	)
	return r.Replace(s)
}

// writeLine folds content lines longer than 75 octets, CRLF terminated.
// The fold point backs off to a rune boundary so a multi-byte UTF-8
// sequence is never split across the continuation.
func writeLine(b *bytes.Buffer, line string) {
	const limit = 75
	for len(line) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		b.WriteString(line[:cut])
		b.WriteString("\r\n ")
		line = line[cut:]
	}
	b.WriteString(line)
	b.WriteString("\r\n")
}
