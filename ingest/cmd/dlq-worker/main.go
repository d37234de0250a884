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

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"moneyflow-events/ingest/internal/replay"
	"moneyflow-events/ingest/internal/repos"
	"moneyflow-events/shared/config"
	"moneyflow-events/shared/dbx"
	"moneyflow-events/shared/logx"
	"moneyflow-events/shared/metricsx"
	"moneyflow-events/shared/mqx"
	"moneyflow-events/shared/observability"
)

const (
	defaultGroup   = "moneyflow-dlq-replay"
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
)

func main() {
	cfg, problems := config.Load("dlq-worker", 3001)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}
	group := cfg.KafkaGroupID
	if group == "" {
		group = defaultGroup
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.FromConfig(cfg)); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := dbx.NewPool(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()
	repo := repos.NewEventsRepo(dbPool)
	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Error(ctx, "db_schema_failed", "failed to ensure schema",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	reader, err := mqx.NewConsumer(cfg, cfg.KafkaTopicErrors, group)
	if err != nil {
		logger.Error(ctx, "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	metricsSrv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           metricsx.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn(ctx, "metrics_server_failed", "metrics server failed", slog.String("error", err.Error()))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	replayer := replay.New(repo, logger)
	logger.Info(ctx, "consumer_start", "dead-letter replay started",
		slog.String("topic", cfg.KafkaTopicErrors),
		slog.String("group", group),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		if err := handle(ctx, replayer, msg, logger); err != nil {
			break
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, group, stats.Lag)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info(context.Background(), "consumer_stop", "dead-letter replay stopped")
}

// handle retries storage failures on the same message until it succeeds or
// ctx ends. Poison letters are logged and skipped.
func handle(ctx context.Context, replayer *replay.Replayer, msg kafka.Message, logger logx.Logger) error {
	delay := retryBaseDelay
	for {
		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.kafka.message.key", string(msg.Key)),
		)
		err := replayer.Handle(spanCtx, msg.Value)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		switch {
		case err == nil:
			return nil
		case errors.Is(err, replay.ErrPoison):
			logger.Warn(ctx, "dead_letter_skipped", "unreplayable dead letter skipped",
				slog.String("key", string(msg.Key)),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
			return nil
		}

		logger.Error(ctx, "dead_letter_replay_failed", "failed to store dead letter, retrying",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("key", string(msg.Key)),
			slog.Int64("delay_ms", delay.Milliseconds()),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}
