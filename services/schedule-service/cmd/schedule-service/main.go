package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/driverduty/libs/config"
	"github.com/md-rashed-zaman/driverduty/libs/httpx"
	"github.com/md-rashed-zaman/driverduty/libs/kafkax"
	otelx "github.com/md-rashed-zaman/driverduty/libs/otel"
	"github.com/md-rashed-zaman/driverduty/libs/runtime"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/availability"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/conflict"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/consumer"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/handlers"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/inbox"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/messages"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/metrics"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/outbox"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/policy"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/scheduling"
)

func main() {
	service := config.String("SERVICE_NAME", "schedule-service")
	logger := runtime.NewLogger(service, config.String("LOG_LEVEL", "info"))
	if err := run(service, logger); err != nil {
		logger.Error("schedule service failed", "err", err)
		os.Exit(1)
	}
}

func run(service string, logger *slog.Logger) error {
	port, err := config.Port("PORT", "8090")
	if err != nil {
		return err
	}
	backendKind, err := config.OneOf("STORE_BACKEND", "postgres", "postgres", "mongo", "memory")
	if err != nil {
		return err
	}

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

	pol, err := policy.Load(config.String("POLICY_FILE", ""))
	if err != nil {
		return err
	}
	if err := messages.Init(config.String("DEFAULT_LOCALE", "en")); err != nil {
		return err
	}
	recorder, err := metrics.NewRecorder(nil)
	if err != nil {
		return err
	}

	be, err := openBackend(ctx, backendKind, logger)
	if err != nil {
		return err
	}
	defer be.close()
	logger.Info("schedule store ready", "backend", backendKind,
		"min_rest_hours", pol.MinRestHours, "max_weekly_hours", pol.MaxWeeklyHours, "timezone", pol.Timezone)

	policies := policy.NewStaticProvider(pol)
	engine := conflict.NewEngine(be.store, policies, recorder)
	slots := availability.NewCalculator(be.store, policies)
	scheduler := scheduling.NewService(be.store, engine, recorder, logger)

	brokers := config.String("KAFKA_BROKERS", "")
	checks := be.checks
	if be.pool != nil {
		retention, err := config.Duration("OUTBOX_RETENTION", 7*24*time.Hour)
		if err != nil {
			return err
		}
		publisher := outbox.NewPublisher(be.pool, outbox.NewRepository(be.pool), logger, outbox.PublisherConfig{
			Brokers:   brokers,
			PollEvery: 2 * time.Second,
			BatchSize: 50,
			Retention: retention,
		})
		go publisher.Run(ctx)

		if strings.TrimSpace(brokers) != "" {
			rosterConsumer := consumer.New(logger, inbox.NewRepository(be.pool), consumer.Config{
				Brokers: brokers,
				GroupID: config.String("KAFKA_GROUP_ID", service),
				Topic:   config.String("KAFKA_ROSTER_TOPIC", consumer.DefaultRosterTopic),
			}, consumer.RosterHandler(be.store))
			go rosterConsumer.Run(ctx)
			checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
		}
	}

	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/metrics", promhttp.Handler())
	handlers.NewScheduleHandler(engine, slots, scheduler, logger).Register(mux)

	rateLimit, closeLimiter, err := rateLimiter(logger)
	if err != nil {
		return err
	}
	defer closeLimiter()
	timeoutSeconds, err := config.Int("REQUEST_TIMEOUT_SECONDS", 10)
	if err != nil {
		return err
	}
	bodyLimit, err := config.Int("REQUEST_BODY_LIMIT_BYTES", 1<<20)
	if err != nil {
		return err
	}

	corsCredentials, err := config.Bool("CORS_ALLOW_CREDENTIALS", false)
	if err != nil {
		return err
	}

	handler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   httpx.ParseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods:   httpx.ParseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
			AllowedHeaders:   httpx.ParseList(config.String("CORS_ALLOWED_HEADERS", "Content-Type,Accept-Language,X-Request-Id")),
			ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
			AllowCredentials: corsCredentials,
			MaxAge:           10 * time.Minute,
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(int64(bodyLimit)),
		httpx.WithTimeout(time.Duration(timeoutSeconds)*time.Second),
		rateLimit,
	)
	handler = otelhttp.NewHandler(handler, "schedule")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
	return nil
}

// rateLimiter prefers Redis so limits hold across replicas, and falls back to
// the in-process limiter. Probes and metrics scrapes are never limited.
func rateLimiter(logger *slog.Logger) (httpx.Middleware, func(), error) {
	perMinute, err := config.Int("RATE_LIMIT_PER_MINUTE", 600)
	if err != nil {
		return nil, nil, err
	}
	failOpen, err := config.Bool("RATE_LIMIT_FAIL_OPEN", true)
	if err != nil {
		return nil, nil, err
	}
	opts := httpx.RateLimitOptions{Logger: logger, FailOpen: failOpen, RetryAfter: time.Minute}
	exempt := []string{"/healthz", "/readyz", "/metrics"}

	addr := strings.TrimSpace(config.String("REDIS_ADDR", ""))
	if addr == "" {
		logger.Info("rate limiting enabled (in-memory)", "per_minute", perMinute)
		limiter := httpx.NewMemoryLimiter(perMinute, time.Minute)
		return httpx.Unless(httpx.RateLimit(limiter, opts), exempt...), func() {}, nil
	}

	redisDB, err := config.Int("REDIS_DB", 0)
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       redisDB,
	})
	limiter := httpx.NewRedisLimiter(rdb, perMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "schedule-rl"))
	logger.Info("rate limiting enabled (redis)", "per_minute", perMinute, "redis_addr", addr)
	return httpx.Unless(httpx.RateLimit(limiter, opts), exempt...), func() { _ = rdb.Close() }, nil
}
