package model

import "time"

// OperatingMode controls which constraint sources grant availability for a
// provider. It is fixed at registration time per (provider, hospital).
type OperatingMode string

const (
	// ModeAlwaysAvailable: the weekly schedule grants availability, with
	// date-specific windows as an additive fallback.
	ModeAlwaysAvailable OperatingMode = "always_available"
	// ModeWindowsRequired: only explicit availability windows grant
	// availability; the weekly schedule is ignored.
	ModeWindowsRequired OperatingMode = "windows_required"
)

func (m OperatingMode) Valid() bool {
	return m == ModeAlwaysAvailable || m == ModeWindowsRequired
}

type Provider struct {
	ID         string
	HospitalID string
	Name       string
	Mode       OperatingMode
	CreatedAt  time.Time
}

// WeeklyScheduleEntry is one recurring shift on a weekday. A provider may
// have several entries per weekday (split shifts); overlapping active entries
// are treated as their union.
type WeeklyScheduleEntry struct {
	ID          string
	HospitalID  string
	ProviderID  string
	Weekday     int // 0=Sunday .. 6=Saturday
	StartMinute int // minute of day, inclusive
	EndMinute   int // minute of day, exclusive
	Active      bool
}

// AvailabilityWindow is explicit one-day availability, independent of the
// weekly schedule. Deleting a window does not cancel commitments already
// booked inside it.
type AvailabilityWindow struct {
	ID          string
	HospitalID  string
	ProviderID  string
	Date        time.Time // civil date; time-of-day is not significant
	StartMinute int
	EndMinute   int
	SlotMinutes int
	Notes       string
}

// RecurrencePattern for time-off rules.
type RecurrencePattern string

const (
	PatternDaily    RecurrencePattern = "daily"
	PatternWeekly   RecurrencePattern = "weekly"
	PatternBiweekly RecurrencePattern = "biweekly"
	PatternMonthly  RecurrencePattern = "monthly"
)

// TimeOff blocks provider time. With no StartMinute/EndMinute the whole day
// is blocked. Recurring rules are expanded on read, never materialized.
type TimeOff struct {
	ID          string
	HospitalID  string
	ProviderID  string
	StartDate   time.Time // civil date
	EndDate     time.Time // civil date, inclusive
	StartMinute *int
	EndMinute   *int
	Reason      string

	IsRecurring       bool
	Pattern           RecurrencePattern
	DaysOfWeek        []int // 0=Sunday .. 6=Saturday; weekly/biweekly only
	RecurrenceEndDate *time.Time
	RecurrenceCount   *int
}

// Absence is an externally synced full-day block. Every day in
// [StartDate, EndDate] is fully blocked regardless of operating mode.
type Absence struct {
	ID         string
	HospitalID string
	ProviderID string
	Type       string
	StartDate  time.Time
	EndDate    time.Time
	SourceID   string
}

type CommitmentKind string

const (
	KindAppointment CommitmentKind = "appointment"
	KindProcedure   CommitmentKind = "procedure"
)

type CommitmentStatus string

const (
	StatusBooked    CommitmentStatus = "booked"
	StatusCompleted CommitmentStatus = "completed"
	StatusCancelled CommitmentStatus = "cancelled"
	StatusNoShow    CommitmentStatus = "no_show"
)

// Blocks reports whether a commitment in this status occupies provider time.
func (s CommitmentStatus) Blocks() bool {
	return s != StatusCancelled && s != StatusNoShow
}

// Commitment is an existing appointment or procedure.
type Commitment struct {
	ID           string
	HospitalID   string
	ProviderID   string
	PatientID    string
	Kind         CommitmentKind
	StartTime    time.Time // absolute instant
	EndTime      time.Time // absolute instant
	Status       CommitmentStatus
	ExternalRef  string // external booking id when created via the bridge
	CancelledAt  *time.Time
	CancelReason string
	CreatedAt    time.Time
}
