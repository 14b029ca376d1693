package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/drmauij/viali/libs/auth"
	"github.com/drmauij/viali/libs/config"
	"github.com/drmauij/viali/libs/db"
	"github.com/drmauij/viali/libs/httpx"
	"github.com/drmauij/viali/libs/kafkax"
	otelx "github.com/drmauij/viali/libs/otel"
	"github.com/drmauij/viali/libs/runtime"
	"github.com/drmauij/viali/services/calendar-bridge/internal/consumer"
	"github.com/drmauij/viali/services/calendar-bridge/internal/feed"
	"github.com/drmauij/viali/services/calendar-bridge/internal/inbox"
	"github.com/drmauij/viali/services/calendar-bridge/internal/push"
	"github.com/drmauij/viali/services/calendar-bridge/internal/storage"
	"github.com/drmauij/viali/services/calendar-bridge/internal/webhook"
)

// commitmentPayload mirrors the body of scheduling.commitment.*.v1 events.
type commitmentPayload struct {
	CommitmentID string    `json:"commitmentId"`
	HospitalID   string    `json:"hospitalId"`
	ProviderID   string    `json:"providerId"`
	Kind         string    `json:"kind"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	Status       string    `json:"status"`
	ExternalRef  string    `json:"externalRef"`
}

func requireStaff(next http.HandlerFunc, jwtSecret string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
		if raw == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := auth.ParseAndVerifyHS256(raw, jwtSecret)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if claims.Scope == auth.ScopeFeed {
			http.Error(w, "feed tokens cannot manage the bridge", http.StatusForbidden)
			return
		}
		next(w, r)
	})
}

func mappingHandler(repo *storage.Repository, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var m storage.ProviderMapping
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		if m.ExternalCalendarID == "" || m.HospitalID == "" || m.ProviderID == "" {
			http.Error(w, "external_calendar_id, hospital_id and provider_id required", http.StatusBadRequest)
			return
		}
		if err := repo.UpsertProviderMapping(r.Context(), m); err != nil {
			logger.Error("mapping upsert failed", "err", err)
			http.Error(w, "failed to store mapping", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func main() {
	service := config.String("SERVICE_NAME", "calendar-bridge")
	port, err := config.Port("PORT", "8086")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}

	repo := storage.NewRepository(pool)
	inboxRepo := inbox.NewRepository(pool)
	feedHandler := feed.NewHandler(repo, logger)
	webhookHandler := webhook.NewHandler(repo, logger, config.String("WEBHOOK_SECRET", ""))

	var pusher push.Pusher
	if url := config.String("EXTERNAL_CALENDAR_URL", ""); url != "" {
		pusher = push.NewHTTPPusher(url, config.String("EXTERNAL_CALENDAR_TOKEN", ""))
	} else {
		pusher = push.NewNoopPusher()
	}

	consumerCfg := consumer.Config{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "calendar-bridge"),
		Topics: []string{
			"scheduling.commitment.booked.v1",
			"scheduling.commitment.rescheduled.v1",
			"scheduling.commitment.cancelled.v1",
		},
	}
	eventConsumer := consumer.New(logger, inboxRepo, consumerCfg, func(ctx context.Context, msg kafka.Message) error {
		var payload commitmentPayload
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid commitment payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if payload.CommitmentID == "" || payload.ProviderID == "" {
			logger.Error("missing commitment fields", "topic", msg.Topic)
			return nil
		}
		// Imports that originated from the external side echo back here;
		// pushing them again would loop.
		if payload.ExternalRef != "" {
			return nil
		}
		if err := pusher.Push(ctx, push.Notification{
			EventType:    msg.Topic,
			CommitmentID: payload.CommitmentID,
			HospitalID:   payload.HospitalID,
			ProviderID:   payload.ProviderID,
			Kind:         payload.Kind,
			StartTime:    payload.StartTime.UTC().Format(time.RFC3339),
			EndTime:      payload.EndTime.UTC().Format(time.RFC3339),
			Status:       payload.Status,
		}); err != nil {
			return err
		}
		logger.Info("commitment pushed", "commitment_id", payload.CommitmentID, "event_type", msg.Topic)
		return nil
	})
	go eventConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("/api/v1/feed/", feedHandler.ServeFeed)
	mux.Handle("/api/v1/feed-tokens", requireStaff(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			feedHandler.IssueToken(w, r)
		case http.MethodDelete:
			feedHandler.RevokeToken(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}, jwtSecret))
	mux.Handle("/api/v1/mappings", requireStaff(mappingHandler(repo, logger), jwtSecret))
	mux.Handle("/api/v1/webhook/bookings", webhookHandler)
	setupAvailabilityRoutes(ctx, mux, logger)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(15*time.Second),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "calendar-bridge")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
