package handlers

import (
	"net/http"
	"strings"

	"github.com/drmauij/viali/libs/auth"
)

// RequireStaff guards the staff CRUD surface. Verified claims are forwarded
// as headers; any client-supplied identity headers are stripped first.
func RequireStaff(next http.Handler, jwtSecret string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") || len(strings.TrimSpace(authHeader)) <= len("Bearer ") {
			http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		claims, err := auth.ParseAndVerifyHS256(token, jwtSecret)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if claims.Scope == auth.ScopeFeed {
			// Feed tokens are read-only calendar credentials, never staff.
			http.Error(w, "insufficient scope", http.StatusForbidden)
			return
		}

		r.Header.Del("X-User-Id")
		r.Header.Del("X-Hospital-Id")
		r.Header.Set("X-User-Id", claims.Sub)
		r.Header.Set("X-Hospital-Id", claims.HospitalID)
		next.ServeHTTP(w, r)
	})
}
