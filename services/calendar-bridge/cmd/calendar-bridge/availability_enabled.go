//go:build protogen

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/drmauij/viali/libs/runtime"
	"github.com/drmauij/viali/services/calendar-bridge/internal/availability"
)

func setupAvailabilityRoutes(ctx context.Context, mux *http.ServeMux, logger *slog.Logger) {
	addr := runtime.Getenv("SCHEDULING_GRPC_ADDR", "scheduling-service:9094")
	client, err := availability.NewClient(addr)
	if err != nil {
		logger.Error("availability client init failed", "err", err)
		return
	}

	go func() {
		<-ctx.Done()
		_ = client.Close()
	}()

	mux.HandleFunc("/debug/availability", func(w http.ResponseWriter, r *http.Request) {
		hospitalID := r.URL.Query().Get("hospital_id")
		providerID := r.URL.Query().Get("provider_id")
		date := r.URL.Query().Get("date")
		if hospitalID == "" || providerID == "" || date == "" {
			http.Error(w, "hospital_id, provider_id and date are required", http.StatusBadRequest)
			return
		}

		reqCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp, err := client.ResolveSlots(reqCtx, hospitalID, providerID, date)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}
