// Package webhook ingests booking notifications from the external scheduling
// service. The contract with the external side is deliberately forgiving:
// anything we cannot process is acknowledged with 202 and logged, never
// surfaced as a hard failure, so their retry queue does not wedge on us.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/drmauij/viali/services/calendar-bridge/internal/storage"
)

const (
	EventCreated     = "booking.created"
	EventRescheduled = "booking.rescheduled"
	EventCancelled   = "booking.cancelled"

	signatureHeader = "X-Webhook-Signature"
	maxBodyBytes    = 1 << 20
)

// Store is the slice of the bridge repository the webhook writes through.
type Store interface {
	GetProviderMapping(ctx context.Context, externalCalendarID string) (storage.ProviderMapping, error)
	GetOrCreatePatient(ctx context.Context, hospitalID, externalRef, name, email string) (string, error)
	CreateExternalCommitment(ctx context.Context, c storage.Commitment) (string, error)
	RescheduleByExternalRef(ctx context.Context, externalRef string, start, end time.Time) (string, error)
	CancelByExternalRef(ctx context.Context, externalRef, reason string) (string, error)
}

type Handler struct {
	store  Store
	logger *slog.Logger
	secret string
}

func NewHandler(store Store, logger *slog.Logger, secret string) *Handler {
	return &Handler{store: store, logger: logger, secret: secret}
}

type attendee struct {
	Ref   string `json:"ref"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type event struct {
	EventType  string   `json:"event_type"`
	BookingID  string   `json:"booking_id"`
	CalendarID string   `json:"calendar_id"`
	Attendee   attendee `json:"attendee"`
	Kind       string   `json:"kind"`
	StartTime  string   `json:"start_time"`
	EndTime    string   `json:"end_time"`
	Reason     string   `json:"reason"`
}

// ServeHTTP handles POST /api/v1/webhook/bookings.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(body, r.Header.Get(signatureHeader)) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var evt event
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if evt.BookingID == "" {
		http.Error(w, "booking_id required", http.StatusBadRequest)
		return
	}

	status, detail := h.process(r.Context(), evt)
	if status == http.StatusAccepted {
		h.logger.Warn("webhook event acknowledged but not processed",
			"event_type", evt.EventType, "booking_id", evt.BookingID, "detail", detail)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": detail})
}

// process returns 200 with "processed" on success and 202 with a reason for
// everything that is received but skipped.
func (h *Handler) process(ctx context.Context, evt event) (int, string) {
	switch evt.EventType {
	case EventCreated:
		return h.created(ctx, evt)
	case EventRescheduled:
		return h.rescheduled(ctx, evt)
	case EventCancelled:
		return h.cancelled(ctx, evt)
	default:
		return http.StatusAccepted, "unknown event type"
	}
}

func (h *Handler) created(ctx context.Context, evt event) (int, string) {
	start, end, ok := parseRange(evt.StartTime, evt.EndTime)
	if !ok {
		return http.StatusAccepted, "invalid time range"
	}

	mapping, err := h.store.GetProviderMapping(ctx, evt.CalendarID)
	if err != nil {
		if storage.IsNotFound(err) {
			return http.StatusAccepted, "no provider mapping"
		}
		return http.StatusAccepted, "mapping lookup failed"
	}

	attendeeRef := strings.TrimSpace(evt.Attendee.Ref)
	if attendeeRef == "" {
		return http.StatusAccepted, "missing attendee"
	}
	patientID, err := h.store.GetOrCreatePatient(ctx, mapping.HospitalID, attendeeRef, evt.Attendee.Name, evt.Attendee.Email)
	if err != nil {
		return http.StatusAccepted, "patient mapping failed"
	}

	kind := evt.Kind
	if kind != "procedure" {
		kind = "appointment"
	}
	if _, err := h.store.CreateExternalCommitment(ctx, storage.Commitment{
		HospitalID:  mapping.HospitalID,
		ProviderID:  mapping.ProviderID,
		PatientID:   patientID,
		Kind:        kind,
		StartTime:   start,
		EndTime:     end,
		ExternalRef: evt.BookingID,
	}); err != nil {
		if storage.IsConflict(err) {
			return http.StatusAccepted, "slot conflict"
		}
		return http.StatusAccepted, "commitment write failed"
	}
	return http.StatusOK, "processed"
}

func (h *Handler) rescheduled(ctx context.Context, evt event) (int, string) {
	start, end, ok := parseRange(evt.StartTime, evt.EndTime)
	if !ok {
		return http.StatusAccepted, "invalid time range"
	}
	if _, err := h.store.RescheduleByExternalRef(ctx, evt.BookingID, start, end); err != nil {
		if storage.IsNotFound(err) {
			return http.StatusAccepted, "unknown booking"
		}
		if storage.IsConflict(err) {
			return http.StatusAccepted, "slot conflict"
		}
		return http.StatusAccepted, "commitment update failed"
	}
	return http.StatusOK, "processed"
}

func (h *Handler) cancelled(ctx context.Context, evt event) (int, string) {
	if _, err := h.store.CancelByExternalRef(ctx, evt.BookingID, evt.Reason); err != nil {
		if storage.IsNotFound(err) {
			return http.StatusAccepted, "unknown booking"
		}
		return http.StatusAccepted, "commitment cancel failed"
	}
	return http.StatusOK, "processed"
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	if h.secret == "" {
		// Signature enforcement requires a configured secret; dev setups may
		// run without one.
		return true
	}
	signature = strings.TrimSpace(strings.TrimPrefix(signature, "sha256="))
	want := Sign(body, h.secret)
	return hmac.Equal([]byte(signature), []byte(want))
}

// Sign computes the hex HMAC-SHA256 the external service sends with each
// delivery.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseRange(rawStart, rawEnd string) (time.Time, time.Time, bool) {
	start, err := time.Parse(time.RFC3339, rawStart)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end, err := time.Parse(time.RFC3339, rawEnd)
	if err != nil || !end.After(start) {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}
