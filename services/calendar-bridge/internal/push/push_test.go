package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPPusherSendsNotification(t *testing.T) {
	var got Notification
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewHTTPPusher(srv.URL, "push-token")
	err := p.Push(context.Background(), Notification{
		EventType:    "scheduling.commitment.booked.v1",
		CommitmentID: "c1",
		ProviderID:   "p1",
		Status:       "booked",
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if got.CommitmentID != "c1" || got.EventType != "scheduling.commitment.booked.v1" {
		t.Fatalf("unexpected notification: %+v", got)
	}
	if auth != "Bearer push-token" {
		t.Fatalf("expected bearer token, got %q", auth)
	}
}

func TestHTTPPusherNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPPusher(srv.URL, "")
	if err := p.Push(context.Background(), Notification{CommitmentID: "c1"}); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestHTTPPusherMissingURL(t *testing.T) {
	p := NewHTTPPusher("", "")
	if err := p.Push(context.Background(), Notification{}); err == nil {
		t.Fatalf("expected error when url is not configured")
	}
}
