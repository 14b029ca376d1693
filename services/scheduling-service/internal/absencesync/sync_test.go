package absencesync

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/drmauij/viali/services/scheduling-service/internal/model"
)

type fakeStore struct {
	hospitalID string
	sourceID   string
	absences   []model.Absence
	calls      int
}

func (f *fakeStore) ReplaceAbsencesBySource(_ context.Context, hospitalID, sourceID string, absences []model.Absence) error {
	f.hospitalID = hospitalID
	f.sourceID = sourceID
	f.absences = absences
	f.calls++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSyncOnceReplacesSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"a1","providerId":"p1","type":"sick_leave","startDate":"2026-02-10","endDate":"2026-02-12"},
			{"id":"a2","providerId":"p2","type":"training","startDate":"2026-03-01","endDate":"2026-03-01"}
		]`))
	}))
	defer srv.Close()

	store := &fakeStore{}
	s := New(store, nil, discardLogger(), Config{
		Endpoint:   srv.URL,
		HospitalID: "h1",
		SourceID:   "hr",
	})

	if err := s.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if store.calls != 1 || store.hospitalID != "h1" || store.sourceID != "hr" {
		t.Fatalf("unexpected store call: %+v", store)
	}
	if len(store.absences) != 2 {
		t.Fatalf("expected 2 absences, got %v", store.absences)
	}
	a := store.absences[0]
	if a.ProviderID != "p1" || a.Type != "sick_leave" {
		t.Fatalf("unexpected absence: %+v", a)
	}
	want := time.Date(2026, time.February, 12, 0, 0, 0, 0, time.UTC)
	if !a.EndDate.Equal(want) {
		t.Fatalf("expected end date %s, got %s", want, a.EndDate)
	}
}

func TestSyncOnceSkipsMalformedRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id":"bad1","providerId":"","startDate":"2026-02-10","endDate":"2026-02-12"},
			{"id":"bad2","providerId":"p1","startDate":"not-a-date","endDate":"2026-02-12"},
			{"id":"bad3","providerId":"p1","startDate":"2026-02-12","endDate":"2026-02-10"},
			{"id":"ok","providerId":"p1","type":"vacation","startDate":"2026-02-10","endDate":"2026-02-12"}
		]`))
	}))
	defer srv.Close()

	store := &fakeStore{}
	s := New(store, nil, discardLogger(), Config{Endpoint: srv.URL, HospitalID: "h1"})

	if err := s.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(store.absences) != 1 || store.absences[0].ID != "ok" {
		t.Fatalf("expected only the valid record, got %v", store.absences)
	}
}

func TestSyncOnceFeedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := &fakeStore{}
	s := New(store, nil, discardLogger(), Config{Endpoint: srv.URL, HospitalID: "h1"})

	if err := s.SyncOnce(context.Background()); err == nil {
		t.Fatalf("expected error on upstream failure")
	}
	if store.calls != 0 {
		t.Fatalf("store must not be touched on feed failure")
	}
}
