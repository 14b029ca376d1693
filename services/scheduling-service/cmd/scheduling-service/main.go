package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/drmauij/viali/libs/config"
	"github.com/drmauij/viali/libs/db"
	"github.com/drmauij/viali/libs/httpx"
	"github.com/drmauij/viali/libs/kafkax"
	otelx "github.com/drmauij/viali/libs/otel"
	"github.com/drmauij/viali/libs/runtime"
	"github.com/drmauij/viali/services/scheduling-service/internal/absencesync"
	"github.com/drmauij/viali/services/scheduling-service/internal/handlers"
	"github.com/drmauij/viali/services/scheduling-service/internal/outbox"
	"github.com/drmauij/viali/services/scheduling-service/internal/slotcache"
	"github.com/drmauij/viali/services/scheduling-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8084")
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

	repo := storage.NewRepository(pool)
	cache, err := slotcache.New(config.Int("SLOT_CACHE_SIZE", slotcache.DefaultSize), config.Minutes("SLOT_CACHE_TTL_MINUTES", 5*time.Minute))
	if err != nil {
		logger.Error("slot cache init failed", "err", err)
		panic(err)
	}

	outboxRepo := outbox.NewRepository(pool)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	syncer := absencesync.New(repo, cache, logger, absencesync.Config{
		Endpoint:   config.String("ABSENCE_FEED_URL", ""),
		HospitalID: config.String("ABSENCE_FEED_HOSPITAL_ID", ""),
		SourceID:   config.String("ABSENCE_FEED_SOURCE_ID", "hr"),
		Schedule:   config.String("ABSENCE_SYNC_SCHEDULE", ""),
	})
	if err := syncer.Start(ctx); err != nil {
		logger.Error("absence sync init failed", "err", err)
		panic(err)
	}
	defer syncer.Stop()

	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}

	bookingHandler := handlers.NewBookingHandler(repo, outboxRepo, cache, logger)
	scheduleHandler := handlers.NewScheduleHandler(repo, cache, logger)

	// The public surface is rate limited per client; Redis when configured so
	// multiple replicas share the window, else in-process.
	var publicLimit httpx.Middleware
	limit := config.Int("PUBLIC_RATE_LIMIT", 120)
	window := config.Minutes("PUBLIC_RATE_WINDOW_MINUTES", time.Minute)
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		publicLimit = httpx.NewRedisRateLimiter(rdb, limit, window, "sched").Middleware(logger, true)
	} else {
		publicLimit = httpx.NewRateLimiter(limit, window).Middleware()
	}
	public := func(h http.HandlerFunc) http.Handler {
		return publicLimit(h)
	}
	staff := func(h http.HandlerFunc) http.Handler {
		return handlers.RequireStaff(h, jwtSecret)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.Handle("/api/v1/public/slots", public(bookingHandler.Slots))
	mux.Handle("/api/v1/public/book", public(bookingHandler.Book))
	mux.Handle("/api/v1/commitments", staff(bookingHandler.List))
	mux.Handle("/api/v1/commitments/reschedule", staff(bookingHandler.Reschedule))
	mux.Handle("/api/v1/commitments/cancel", staff(bookingHandler.Cancel))
	mux.Handle("/api/v1/providers", staff(scheduleHandler.Providers))
	mux.Handle("/api/v1/schedule/weekly", staff(scheduleHandler.WeeklySchedule))
	mux.Handle("/api/v1/schedule/windows", staff(scheduleHandler.Windows))
	mux.Handle("/api/v1/schedule/timeoff", staff(scheduleHandler.TimeOff))

	if err := startGrpcServer(ctx, logger, repo); err != nil {
		logger.Error("grpc server init failed", "err", err)
	}

	// The public endpoints are called from hospital booking pages in the
	// browser; origins come from config, empty disables CORS entirely.
	var corsOrigins []string
	for _, o := range strings.Split(config.String("CORS_ALLOWED_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			corsOrigins = append(corsOrigins, o)
		}
	}
	cors := httpx.WithCORS(httpx.CORSPolicy{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Idempotency-Key"},
		MaxAge:         10 * time.Minute,
	})

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		cors,
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
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
