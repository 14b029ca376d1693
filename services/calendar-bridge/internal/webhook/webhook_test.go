package webhook

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/drmauij/viali/services/calendar-bridge/internal/storage"
)

type fakeStore struct {
	mappings    map[string]storage.ProviderMapping
	patients    map[string]string
	created     []storage.Commitment
	rescheduled map[string][2]time.Time
	cancelled   map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		mappings:    map[string]storage.ProviderMapping{},
		patients:    map[string]string{},
		rescheduled: map[string][2]time.Time{},
		cancelled:   map[string]string{},
	}
}

func (f *fakeStore) GetProviderMapping(_ context.Context, externalCalendarID string) (storage.ProviderMapping, error) {
	m, ok := f.mappings[externalCalendarID]
	if !ok {
		return storage.ProviderMapping{}, pgx.ErrNoRows
	}
	return m, nil
}

func (f *fakeStore) GetOrCreatePatient(_ context.Context, hospitalID, externalRef, name, email string) (string, error) {
	key := hospitalID + "/" + externalRef
	if id, ok := f.patients[key]; ok {
		return id, nil
	}
	id := "patient-" + externalRef
	f.patients[key] = id
	return id, nil
}

func (f *fakeStore) CreateExternalCommitment(_ context.Context, c storage.Commitment) (string, error) {
	f.created = append(f.created, c)
	return "commitment-" + c.ExternalRef, nil
}

func (f *fakeStore) RescheduleByExternalRef(_ context.Context, externalRef string, start, end time.Time) (string, error) {
	if _, ok := f.cancelled[externalRef]; ok {
		return "", pgx.ErrNoRows
	}
	f.rescheduled[externalRef] = [2]time.Time{start, end}
	return "commitment-" + externalRef, nil
}

func (f *fakeStore) CancelByExternalRef(_ context.Context, externalRef, reason string) (string, error) {
	f.cancelled[externalRef] = reason
	return "commitment-" + externalRef, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func post(t *testing.T, h *Handler, body, secret string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/bookings", bytes.NewBufferString(body))
	if secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign([]byte(body), secret))
	}
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	return rw
}

func TestWebhookCreatedMapsPatientAndCommitment(t *testing.T) {
	store := newFakeStore()
	store.mappings["cal-9"] = storage.ProviderMapping{ExternalCalendarID: "cal-9", HospitalID: "h1", ProviderID: "p1"}
	h := NewHandler(store, discardLogger(), "hook-secret")

	body := `{
		"event_type": "booking.created",
		"booking_id": "ext-1",
		"calendar_id": "cal-9",
		"attendee": {"ref": "att-7", "name": "Jan Muster", "email": "jan@example.com"},
		"kind": "appointment",
		"start_time": "2026-01-07T09:00:00Z",
		"end_time": "2026-01-07T09:30:00Z"
	}`
	rw := post(t, h, body, "hook-secret")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	if len(store.created) != 1 {
		t.Fatalf("expected 1 commitment, got %d", len(store.created))
	}
	c := store.created[0]
	if c.HospitalID != "h1" || c.ProviderID != "p1" || c.ExternalRef != "ext-1" {
		t.Fatalf("unexpected commitment: %+v", c)
	}
	if c.PatientID != "patient-att-7" {
		t.Fatalf("expected attendee mapped to patient, got %q", c.PatientID)
	}
}

func TestWebhookRescheduled(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(store, discardLogger(), "hook-secret")

	body := `{
		"event_type": "booking.rescheduled",
		"booking_id": "ext-1",
		"start_time": "2026-01-07T11:00:00Z",
		"end_time": "2026-01-07T11:30:00Z"
	}`
	rw := post(t, h, body, "hook-secret")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	got, ok := store.rescheduled["ext-1"]
	if !ok || got[0].Hour() != 11 {
		t.Fatalf("expected reschedule recorded, got %v", store.rescheduled)
	}
}

func TestWebhookCancelled(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(store, discardLogger(), "hook-secret")

	body := `{"event_type": "booking.cancelled", "booking_id": "ext-1", "reason": "patient request"}`
	rw := post(t, h, body, "hook-secret")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	if store.cancelled["ext-1"] != "patient request" {
		t.Fatalf("expected cancellation recorded, got %v", store.cancelled)
	}
}

func TestWebhookUnknownEventTypeAcknowledged(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(store, discardLogger(), "hook-secret")

	body := `{"event_type": "booking.mystery", "booking_id": "ext-1"}`
	rw := post(t, h, body, "hook-secret")
	if rw.Code != http.StatusAccepted {
		t.Fatalf("unknown event type must be acknowledged with 202, got %d", rw.Code)
	}
	if len(store.created) != 0 {
		t.Fatalf("nothing must be written for unknown events")
	}
}

func TestWebhookMissingMappingAcknowledged(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(store, discardLogger(), "hook-secret")

	body := `{
		"event_type": "booking.created",
		"booking_id": "ext-1",
		"calendar_id": "unmapped",
		"attendee": {"ref": "att-7"},
		"start_time": "2026-01-07T09:00:00Z",
		"end_time": "2026-01-07T09:30:00Z"
	}`
	rw := post(t, h, body, "hook-secret")
	if rw.Code != http.StatusAccepted {
		t.Fatalf("missing mapping must be acknowledged with 202, got %d", rw.Code)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(store, discardLogger(), "hook-secret")

	body := `{"event_type": "booking.cancelled", "booking_id": "ext-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/bookings", bytes.NewBufferString(body))
	req.Header.Set("X-Webhook-Signature", "deadbeef")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rw.Code)
	}
	if len(store.cancelled) != 0 {
		t.Fatalf("nothing must be written for unsigned deliveries")
	}
}
