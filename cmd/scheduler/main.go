package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/ratelimit"
	"github.com/lalithlochan/herald/internal/receipts"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/sqs"
	"github.com/lalithlochan/herald/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald scheduler",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("tick_schedule", cfg.TickSchedule),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	limiter, closeLimiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	// Audit events are optional; Postgres keeps the full trail either way.
	var sink delivery.EventSink
	if cfg.SQSAuditQueue != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSAuditQueue,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, audit events will not be published", zap.Error(err))
		} else {
			sink = producer
		}
	}

	sender, err := newSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	audit := delivery.NewAudit(repo, sink, logger)
	dispatcher := delivery.NewDispatcher(repo, sender, audit, logger, delivery.Config{
		SendTimeout: cfg.SendTimeout,
	})

	tick, err := worker.TickGranularity(cfg.TickSchedule)
	if err != nil {
		return err
	}

	w := worker.New(repo, dispatcher, audit, worker.Config{
		Workers:         cfg.TickWorkers,
		SendRatePerSec:  cfg.SendRatePerSec,
		Tick:            tick,
		DefaultSendTime: cfg.DefaultSendTime,
	}, logger)

	scheduler, err := worker.NewScheduler(w, cfg.TickSchedule, cfg.TickTimeout, logger)
	if err != nil {
		return err
	}
	scheduler.Start()

	statsCtx, stopStats := context.WithCancel(context.Background())
	defer stopStats()
	go reportPoolStats(statsCtx, database)

	handler := api.NewHandler(logger, audit, w, receipts.NewTracker())
	router := api.NewRouter(handler, api.RouterConfig{
		Limiter: limiter,
		DB:      database,
		Logger:  logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		scheduler.Stop(ctx)

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// newLimiter builds the limiter for sensitive actions. The redis backend
// shares buckets between instances; the memory backend is per process.
func newLimiter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (api.Limiter, func(), error) {
	if cfg.RateLimitBackend != config.RateLimitBackendRedis {
		return ratelimit.New(ratelimit.Config{
			MaxAttempts: cfg.RateLimitMaxAttempts,
			Window:      cfg.RateLimitWindow,
		}), func() {}, nil
	}

	client, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	limiter := redis.NewRateLimiter(client, logger, redis.RateLimitConfig{
		Limit:  cfg.RateLimitMaxAttempts,
		Window: cfg.RateLimitWindow,
	})
	return limiter, func() { _ = client.Close() }, nil
}

// newSender wires every channel behind its own circuit breaker.
func newSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (channel.Sender, error) {
	if cfg.DisableChannels {
		logger.Warn("channels disabled, messages will only be logged")
		return channel.NewLogSender(logger), nil
	}

	protect := func(name string, s channel.Sender, key circuitbreaker.KeyFunc) channel.Sender {
		bc := circuitbreaker.DefaultConfig(name)
		bc.OnStateChange = func(name string, from, to circuitbreaker.State) {
			metrics.SetCircuitState(name, int(to))
			logger.Info("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
		return circuitbreaker.NewProtectedSender(s, bc, key, logger)
	}

	email, err := channel.NewSESSender(ctx, channel.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES email sender: %w", err)
	}

	senders := []channel.Sender{protect("ses", email, nil)}

	push, err := channel.NewSNSSender(ctx, channel.SNSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, push notifications disabled", zap.Error(err))
	} else {
		senders = append(senders, protect("sns", push, nil))
	}

	webhook := channel.NewWebhookSender(logger, channel.WebhookConfig{
		DefaultTimeout: time.Duration(cfg.WebhookTimeout) * time.Second,
	})
	senders = append(senders, protect("webhook", webhook, circuitbreaker.WebhookHost))

	logger.Info("initialized multi-channel notification system",
		zap.Bool("email_enabled", true),
		zap.Bool("push_enabled", push != nil),
		zap.Bool("webhook_enabled", true),
	)

	return channel.NewMultiSender(logger, senders...), nil
}

func reportPoolStats(ctx context.Context, database *db.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(int(database.Pool().Stat().AcquiredConns()))
		}
	}
}
