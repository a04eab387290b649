// coinflow-trader — a multi-exchange automated trading engine.
//
// Architecture:
//
//	main.go                  — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go         — orchestrator: wires registry → bus → strategy → risk → execution
//	exchange/registry.go     — per-venue adapter construction and connection caching
//	exchange/{binance,bybit,kraken}.go — venue adapters: REST + streaming normalized to the shared types
//	market/bus.go            — symbol-partitioned pub/sub market data bus
//	market/book.go           — local order book mirror, reconciled from snapshot + deltas
//	strategy/runtime.go      — per-(strategy,symbol) evaluation loop with CPU-budget degradation
//	signal/combiner.go       — weighted multi-strategy signal aggregation into a trade intent
//	risk/manager.go          — pre-trade risk gate: per-trade, concentration, drawdown, daily limits
//	portfolio/core.go        — authoritative balance/position ledger, fill application
//	execution/engine.go      — order placement, uncertain-placement reconciliation, stop supervision
//	store/store.go           — crash-safe JSON snapshot persistence for portfolio state
//	api/server.go            — read-only health/status/config HTTP surface
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"coinflow-trader/internal/api"
	"coinflow-trader/internal/config"
	"coinflow-trader/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("CRYPTO_TRADING_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, *cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Monitoring.Health.Endpoint != "" || cfg.Monitoring.Health.Port != 0 {
		apiServer = api.NewServer(*cfg, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if !cfg.EnableLiveTrading {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("coinflow-trader started",
		"symbols", cfg.Trading.Symbols,
		"strategies", cfg.Trading.Strategies,
		"live_trading", cfg.EnableLiveTrading,
	)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
