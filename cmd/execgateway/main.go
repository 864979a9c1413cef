package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/efreitasn/execgateway/internal/config"
	"github.com/efreitasn/execgateway/internal/gate"
	"github.com/efreitasn/execgateway/internal/handler"
	"github.com/efreitasn/execgateway/internal/reconcile"
	"github.com/efreitasn/execgateway/internal/service"
	"github.com/efreitasn/execgateway/internal/workpool"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// System of record.
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeStore()

	// Reservations and halt flags.
	reservations, flags, closeRedis, err := openCoordination(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeRedis()

	// Broker and the fill processor it reports to.
	fillSvc := service.NewFillService(st, logger)
	adapter := newBroker(ctx, cfg, fillSvc, logger)

	engine := reconcile.NewEngine(reconcile.Config{
		Interval:               cfg.ReconInterval,
		Timeout:                cfg.ReconTimeout,
		Concurrency:            cfg.ReconConcurrency,
		FillLookback:           cfg.ReconFillLookback,
		OscillationThreshold:   cfg.ReconOscillationThreshold,
		PositionSyncGatesReady: cfg.ReconPositionSyncGatesReady,
	}, st, adapter, fillSvc, logger)

	chain := gate.NewChain(flags, reservations, engine, st, gate.NotReadyPolicy(cfg.ReconNotReadyPolicy), logger)
	orderSvc := service.NewOrderService(
		st,
		reservations,
		chain,
		adapter,
		workpool.New(cfg.WorkerPoolSize),
		service.Limits{
			DefaultPosition:  cfg.DefaultPositionLimit,
			PositionBySymbol: cfg.PositionLimits,
			MaxOrderQuantity: cfg.MaxOrderQuantity,
			MaxOrderNotional: cfg.MaxOrderNotional,
		},
		cfg.BrokerTimeout,
		logger,
	)

	// Router.
	router := handler.NewRouter(orderSvc, fillSvc, engine, st, handler.Config{
		APIKeys:          cfg.APIKeys,
		AdminKeys:        cfg.AdminAPIKeys,
		RateLimitRPS:     cfg.RateLimitRPS,
		RateLimitBurst:   cfg.RateLimitBurst,
		WebhookSecret:    cfg.WebhookSecret,
		WebhookTolerance: cfg.WebhookTolerance,
	}, logger)
	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET is empty, broker webhooks are disabled")
	}

	// Reconciliation runs a pass at startup and then on its interval, in the
	// background until ctx is cancelled.
	engine.Start(ctx)

	// Configure HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Start HTTP server in a goroutine.
	go func() {
		logger.Info("server starting",
			slog.String("addr", addr),
			slog.String("broker", adapter.Name()),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Graceful shutdown: stop HTTP server, cancel context (stops reconciliation
	// and the broker stream).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	cancel()

	logger.Info("server stopped")
}
