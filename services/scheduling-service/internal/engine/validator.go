package engine

import (
	"fmt"
	"time"
)

type RejectionCode string

const (
	// CodeProviderNotAvailable: the provider has no bookable intervals at all
	// on the requested date.
	CodeProviderNotAvailable RejectionCode = "PROVIDER_NOT_AVAILABLE"
	// CodeSlotNotAvailable: bookable intervals exist but none fully contains
	// the requested range.
	CodeSlotNotAvailable RejectionCode = "SLOT_NOT_AVAILABLE"
)

// Rejection is a business outcome, not a transport error. Message is safe to
// surface to the caller.
type Rejection struct {
	Code    RejectionCode
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Validate re-resolves the requested day and confirms [start, end) is fully
// contained in one bookable interval. A nil return means the booking may
// proceed. Reschedules pass their own commitment id as excludeCommitmentID so
// the vacated slot does not conflict with itself.
//
// Full containment is required, not mere overlap: a range straddling the edge
// of an interval is rejected.
func Validate(loc *time.Location, granularity time.Duration, src Sources, start, end time.Time, excludeCommitmentID string) *Rejection {
	if !end.After(start) {
		return &Rejection{
			Code:    CodeSlotNotAvailable,
			Message: "requested range is empty or inverted",
		}
	}

	// The civil day comes from the instant in the hospital's location; a
	// request near local midnight may carry a different calendar date in its
	// own offset.
	intervals := ResolveExcluding(loc, start.In(timeLoc(loc)), granularity, src, excludeCommitmentID)
	if len(intervals) == 0 {
		return &Rejection{
			Code:    CodeProviderNotAvailable,
			Message: "provider has no availability on the requested date",
		}
	}

	for _, iv := range intervals {
		if !start.Before(iv.Start) && !end.After(iv.End) {
			return nil
		}
	}

	nearest := nearestInterval(intervals, start)
	return &Rejection{
		Code: CodeSlotNotAvailable,
		Message: fmt.Sprintf("requested time is not available; nearest open interval is %s-%s",
			nearest.Start.In(timeLoc(loc)).Format("15:04"),
			nearest.End.In(timeLoc(loc)).Format("15:04")),
	}
}

func nearestInterval(intervals []Interval, at time.Time) Interval {
	best := intervals[0]
	bestDist := intervalDistance(best, at)
	for _, iv := range intervals[1:] {
		if d := intervalDistance(iv, at); d < bestDist {
			best, bestDist = iv, d
		}
	}
	return best
}

func intervalDistance(iv Interval, at time.Time) time.Duration {
	if at.Before(iv.Start) {
		return iv.Start.Sub(at)
	}
	if at.After(iv.End) {
		return at.Sub(iv.End)
	}
	return 0
}

func timeLoc(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
