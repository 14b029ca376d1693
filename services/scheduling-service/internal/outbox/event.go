package outbox

import (
	"encoding/json"
	"time"

	"github.com/drmauij/viali/services/scheduling-service/internal/model"
)

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	EventCommitmentBooked      = "scheduling.commitment.booked.v1"
	EventCommitmentRescheduled = "scheduling.commitment.rescheduled.v1"
	EventCommitmentCancelled   = "scheduling.commitment.cancelled.v1"
)

// CommitmentPayload is the wire body shared by all commitment events. The
// calendar bridge consumes it to keep the external service in sync.
type CommitmentPayload struct {
	CommitmentID string    `json:"commitmentId"`
	HospitalID   string    `json:"hospitalId"`
	ProviderID   string    `json:"providerId"`
	PatientID    string    `json:"patientId"`
	Kind         string    `json:"kind"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	Status       string    `json:"status"`
	ExternalRef  string    `json:"externalRef,omitempty"`
	CancelReason string    `json:"cancelReason,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

func CommitmentEvent(eventType string, c model.Commitment, occurredAt time.Time) (Event, error) {
	payload, err := json.Marshal(CommitmentPayload{
		CommitmentID: c.ID,
		HospitalID:   c.HospitalID,
		ProviderID:   c.ProviderID,
		PatientID:    c.PatientID,
		Kind:         string(c.Kind),
		StartTime:    c.StartTime,
		EndTime:      c.EndTime,
		Status:       string(c.Status),
		ExternalRef:  c.ExternalRef,
		CancelReason: c.CancelReason,
		OccurredAt:   occurredAt,
	})
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: "commitment",
		AggregateID:   c.ID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}
