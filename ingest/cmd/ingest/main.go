package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"moneyflow-events/ingest/internal/api"
	"moneyflow-events/ingest/internal/dispatch"
	"moneyflow-events/ingest/internal/idempotency"
	"moneyflow-events/ingest/internal/pipeline"
	"moneyflow-events/ingest/internal/repos"
	"moneyflow-events/ingest/internal/validate"
	"moneyflow-events/shared/authx"
	"moneyflow-events/shared/cachex"
	"moneyflow-events/shared/config"
	"moneyflow-events/shared/dbx"
	"moneyflow-events/shared/logx"
	"moneyflow-events/shared/metricsx"
	"moneyflow-events/shared/mqx"
	"moneyflow-events/shared/observability"
)

const jwtClockSkewSec = 30

func main() {
	cfg, configProblems := config.Load("ingest", 3000)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.DatabaseURL == "" {
		configProblems = append(configProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(configProblems) > 0 {
		logger.Warn(ctx, "config_invalid", "configuration has problems",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", configProblems),
		)
	}

	shutdownTracer := func(context.Context) error { return nil }
	if cfg.OtelEnabled {
		shutdown, err := observability.InitTracer(ctx, observability.FromConfig(cfg))
		if err != nil {
			logger.Warn(ctx, "otel_init_failed", "tracer init failed", slog.String("error", err.Error()))
		} else {
			shutdownTracer = shutdown
		}
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = dbx.NewPool(ctx, cfg)
		if err != nil {
			configProblems = append(configProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(ctx, "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}
	var db repos.DBTX
	if dbPool != nil {
		db = dbPool
	}
	eventsRepo := repos.NewEventsRepo(db)
	if dbPool != nil {
		if err := eventsRepo.EnsureSchema(ctx); err != nil {
			logger.Error(ctx, "db_schema_failed", "failed to ensure schema",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	var queue *dispatch.QueueSink
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := mqx.NewProducer(cfg)
		if err != nil {
			logger.Error(ctx, "kafka_init_failed", "kafka producer init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else {
			queue = dispatch.NewQueueSink(producer, dispatch.QueueConfig{
				Topic:           cfg.KafkaTopicEvents,
				ErrorTopic:      cfg.KafkaTopicErrors,
				ConnectAttempts: cfg.KafkaConnectAttempts,
				BackoffBase:     time.Duration(cfg.KafkaConnectBackoffMS) * time.Millisecond,
				BackoffMax:      time.Duration(cfg.KafkaConnectMaxBackoff) * time.Millisecond,
				Cooldown:        time.Duration(cfg.KafkaReconnectCooldown) * time.Millisecond,
			}, logger)
			go queue.KeepConnected(ctx, time.Duration(cfg.KafkaReconnectCooldown)*time.Millisecond)
		}
	} else {
		logger.Warn(ctx, "kafka_disabled", "KAFKA_BROKERS not set, all events go to storage")
	}

	guard, closeGuard := newGuard(ctx, cfg, logger)

	var dispatchQueue dispatch.Queue
	if queue != nil {
		dispatchQueue = queue
	}
	dispatcher := dispatch.New(dispatchQueue, eventsRepo, dispatch.Config{
		CriticalTypes: cfg.CriticalEventTypes,
		Timeout:       time.Duration(cfg.KafkaDispatchTimeoutMS) * time.Millisecond,
	}, logger)
	pipe := pipeline.New(guard, dispatcher, pipeline.Options{SanitizePII: cfg.SanitizePII}, logger)
	handler := api.NewHandler(validate.New(cfg.MaxBatchSize), pipe, int64(cfg.MaxBodyBytes), logger)

	router := api.NewRouter(api.RouterConfig{
		Config:   cfg,
		Version:  version,
		Logger:   logger,
		Handler:  handler,
		Verifier: newVerifier(ctx, cfg, logger),
		Ready: func(ctx context.Context) []config.Problem {
			problems := append([]config.Problem(nil), configProblems...)
			if err := dbx.Ping(ctx, dbPool); err != nil {
				problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "database unavailable"})
			}
			if queue != nil && !queue.Healthy() {
				problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "queue " + queue.State().String()})
			}
			return problems
		},
	})

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.Bool("queue_enabled", queue != nil),
			slog.String("idempotency_backend", cfg.IdempotencyBackend),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logger.Warn(ctx, "dispatch_drain_timeout", "pending dispatches did not finish", slog.String("error", err.Error()))
	}
	stop()
	closeGuard()
	if queue != nil {
		_ = queue.Close()
	}
	if dbPool != nil {
		dbPool.Close()
	}
	_ = shutdownTracer(shutdownCtx)
	logger.Info(context.Background(), "service_stop", "service stopped")
}

// newGuard picks the idempotency backend. Redis falls back to the in-process
// guard when it is not reachable at startup.
func newGuard(ctx context.Context, cfg config.Config, logger logx.Logger) (idempotency.Guard, func()) {
	if cfg.IdempotencyBackend == "redis" {
		client, err := cachex.New(cfg)
		if err == nil {
			err = client.Ping(ctx)
		}
		if err == nil {
			logger.Info(ctx, "idempotency_backend", "using redis idempotency guard")
			return idempotency.NewRedisGuard(client, cfg.IdempotencyTTL(), logger), func() { _ = client.Close() }
		}
		logger.Warn(ctx, "redis_unavailable", "redis unavailable, using in-memory idempotency guard",
			slog.String("error", err.Error()),
		)
	}
	guard := idempotency.NewMemoryGuard(cfg.IdempotencyTTL(), cfg.IdempotencySweep())
	guard.Start(ctx)
	return guard, guard.Close
}

// newVerifier builds the optional token chain. A nil interface disables auth.
func newVerifier(ctx context.Context, cfg config.Config, logger logx.Logger) authx.Verifier {
	var chain authx.Chain
	if cfg.JWTSecret != "" {
		v, err := authx.NewHMACVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, jwtClockSkewSec)
		if err != nil {
			logger.Warn(ctx, "auth_init_failed", "hmac verifier init failed", slog.String("error", err.Error()))
		} else {
			chain = append(chain, v)
		}
	}
	if cfg.JWKSURL != "" {
		v, err := authx.NewJWTVerifier(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWKSURL, cfg.JWKSTTLSec, jwtClockSkewSec)
		if err != nil {
			logger.Warn(ctx, "auth_init_failed", "jwks verifier init failed", slog.String("error", err.Error()))
		} else {
			chain = append(chain, v)
		}
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}
