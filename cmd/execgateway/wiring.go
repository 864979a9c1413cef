package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efreitasn/execgateway/internal/broker"
	"github.com/efreitasn/execgateway/internal/config"
	"github.com/efreitasn/execgateway/internal/gate"
	"github.com/efreitasn/execgateway/internal/reservation"
	"github.com/efreitasn/execgateway/internal/service"
	"github.com/efreitasn/execgateway/internal/store"
	"github.com/efreitasn/execgateway/internal/store/postgres"
)

const (
	redisPrefix = "execgateway"

	// Pushed events can overtake the submission that created the order.
	eventAttempts = 5
	eventWait     = 100 * time.Millisecond
)

func newLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// openStore returns PostgreSQL when DATABASE_URL is set and the in-memory
// store otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL is empty, state is kept in memory and lost on restart")
		return store.NewMemory(), func() {}, nil
	}

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	st := postgres.New(pool, logger)
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, pool.Close, nil
}

// openCoordination returns Redis-backed reservations and halt flags when
// REDIS_ADDR is set and in-memory ones otherwise.
func openCoordination(ctx context.Context, cfg *config.Config, logger *slog.Logger) (reservation.Store, gate.Flags, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR is empty, reservations and halt flags are process-local")
		return reservation.NewMemory(cfg.ReservationTTL), gate.NewMemoryFlags(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	closeFn := func() { _ = client.Close() }
	return reservation.NewRedis(client, redisPrefix, cfg.ReservationTTL), gate.NewRedisFlags(client, redisPrefix), closeFn, nil
}

// newBroker builds the configured adapter. Paper events and stream events
// are applied through fills; the stream runs until ctx ends.
func newBroker(ctx context.Context, cfg *config.Config, fills *service.FillService, logger *slog.Logger) broker.Adapter {
	var adapter broker.Adapter
	switch cfg.BrokerMode {
	case config.BrokerModeHTTP:
		adapter = broker.NewHTTPAdapter(broker.HTTPConfig{
			BaseURL:   cfg.BrokerURL,
			APIKey:    cfg.BrokerAPIKey,
			APISecret: cfg.BrokerAPISecret,
			Timeout:   cfg.BrokerTimeout,
		})
	default:
		paper := broker.NewPaper()
		paper.SetEventSink(func(ev broker.Event) {
			go func() {
				_ = fills.HandleEventWithRetry(ctx, ev, "paper", eventAttempts, eventWait)
			}()
		})
		adapter = paper
	}

	if cfg.BrokerStreamURL != "" {
		stream := broker.NewStream(broker.StreamConfig{
			URL:       cfg.BrokerStreamURL,
			APIKey:    cfg.BrokerAPIKey,
			Secret:    []byte(cfg.WebhookSecret),
			Tolerance: cfg.WebhookTolerance,
		}, func(ctx context.Context, ev broker.Event) error {
			return fills.HandleEventWithRetry(ctx, ev, "stream", eventAttempts, eventWait)
		}, logger)
		go stream.Run(ctx)
	}
	return adapter
}
