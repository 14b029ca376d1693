package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/drmauij/viali/libs/auth"
)

func TestRequireStaff(t *testing.T) {
	secret := "test-secret"
	h := RequireStaff(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-User-Id") != "staff-1" || r.Header.Get("X-Hospital-Id") != "h1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}), secret)

	// No token.
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "http://example.com", nil))
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rw.Code)
	}

	// Valid staff token; spoofed identity headers must be replaced.
	token, err := auth.SignHS256(auth.Claims{
		Sub:        "staff-1",
		HospitalID: "h1",
		Scope:      "staff",
		Iat:        time.Now().Unix(),
		Exp:        time.Now().Add(time.Hour).Unix(),
	}, secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-User-Id", "attacker")
	rw = httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", rw.Code)
	}

	// Feed-scoped tokens are rejected on the staff surface.
	feedToken, err := auth.SignHS256(auth.Claims{
		Sub:        "feed",
		HospitalID: "h1",
		ProviderID: "p1",
		Scope:      auth.ScopeFeed,
		Exp:        time.Now().Add(time.Hour).Unix(),
	}, secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("Authorization", "Bearer "+feedToken)
	rw = httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for feed token, got %d", rw.Code)
	}

	// Wrong secret.
	badToken, _ := auth.SignHS256(auth.Claims{Sub: "x"}, "other-secret")
	req = httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("Authorization", "Bearer "+badToken)
	rw = httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rw.Code)
	}
}
