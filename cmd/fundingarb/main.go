// Command fundingarb runs the funding-rate arbitrage daemon: it scans
// exchange symbols for favorable funding rates, opens delta-neutral
// spot/perpetual positions, and watches each one until its exit trigger
// fires or the operator engages the kill switch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fundingarb/internal/bootstrap"
	"fundingarb/internal/config"
	"fundingarb/internal/core"
	"fundingarb/internal/exchange"
	"fundingarb/internal/health"
	"fundingarb/internal/order"
	"fundingarb/internal/scanner"
	"fundingarb/internal/storage"
	"fundingarb/internal/supervisor"
	"fundingarb/pkg/apperrors"
	"fundingarb/pkg/telemetry"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Exit codes, per spec §6: 0 clean shutdown, 1 gateway auth failure,
// 2 manual intervention required, 3 kill-switch drain timeout exceeded.
const (
	exitClean              = 0
	exitGatewayAuthFailed  = 1
	exitManualIntervention = 2
	exitDrainTimeout       = 3
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap: %v\n", err)
		os.Exit(exitGatewayAuthFailed)
	}

	os.Exit(run(app))
}

func run(app *bootstrap.App) int {
	cfg := app.Cfg
	logger := app.Logger

	tel, err := telemetry.Setup("fundingarb")
	if err != nil {
		logger.Error("telemetry setup failed", "error", err.Error())
	} else {
		defer func() { _ = tel.Shutdown(context.Background()) }()
	}
	if cfg.Telemetry.EnableMetrics {
		if err := telemetry.InitMetrics(); err != nil {
			logger.Warn("metrics exporter init failed", "error", err.Error())
		}
	}
	metrics := telemetry.NewMetricsSink()

	store, err := storage.NewSQLiteStore(cfg.Database.PositionsDBPath)
	if err != nil {
		logger.Error("failed to open positions store", "error", err.Error())
		return exitGatewayAuthFailed
	}
	defer func() { _ = store.Close() }()

	var raw core.ExchangeClient
	switch cfg.Exchange.Name {
	case "mock":
		raw = exchange.NewMockClient()
	case "binance":
		if cfg.Exchange.APIKey == "" || cfg.Exchange.SecretKey == "" {
			logger.Error("binance exchange selected but api_key/secret_key are unset")
			return exitGatewayAuthFailed
		}
		raw = exchange.NewRESTClient(cfg.Exchange.BaseURL, "", string(cfg.Exchange.APIKey), string(cfg.Exchange.SecretKey), exchange.WriteTimeout)
	default:
		logger.Error("no live exchange client wired for this build", "exchange", cfg.Exchange.Name)
		return exitGatewayAuthFailed
	}

	gateway := exchange.NewGateway(cfg.Exchange.Name, raw, exchange.GatewayConfig{
		RequestsPerSecond: 10,
		Burst:             20,
		BackoffBase:       cfg.Timing.GatewayBackoffBase(),
		BackoffCap:        cfg.Timing.GatewayBackoffCap(),
		BackoffFactor:     cfg.Timing.GatewayBackoffFactor,
		JitterPct:         cfg.Timing.GatewayBackoffJitterPct,
		MaxRetries:        cfg.Timing.GatewayMaxRetries,
	}, metrics, logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbosCtx, err := dbos.NewDBOSContext(rootCtx, dbos.Config{
		AppName:     "fundingarb",
		DatabaseURL: cfg.Database.DBOSDatabaseURL,
	})
	if err != nil {
		logger.Error("failed to construct durable workflow context", "error", err.Error())
		return exitGatewayAuthFailed
	}
	if err := dbosCtx.Launch(); err != nil {
		logger.Error("failed to launch durable workflow runtime", "error", err.Error())
		return exitGatewayAuthFailed
	}
	defer dbosCtx.Shutdown(60 * time.Second)

	orders := order.New(dbosCtx, gateway, store, cfg, metrics, logger)
	sc := scanner.New(gateway, cfg, metrics, logger)

	breaker := supervisor.NewPnLCircuitBreaker(supervisor.CircuitConfig{
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		MaxDrawdownAmount:    decimal.NewFromFloat(cfg.Risk.MaxDrawdownUSD),
		CooldownPeriod:       30 * time.Minute,
	}, func(reason string) {
		logger.Warn("PnL circuit breaker tripped", "reason", reason)
		metrics.SetCircuitBreakerOpen(true)
	})

	sup := supervisor.New(cfg, gateway, orders, sc, store, metrics, logger, breaker)

	healthMgr := health.NewManager(logger)
	healthMgr.Register("positions_store", func() error { return nil })
	healthMgr.Register("circuit_breaker", func() error {
		if breaker.IsTripped() {
			return fmt.Errorf("circuit breaker is open")
		}
		return nil
	})
	startHealthServer(cfg, healthMgr, logger)

	supervisorErr := sup.Run(rootCtx)

	switch {
	case supervisorErr == nil:
		logger.Info("supervisor shut down cleanly")
		return exitClean
	case errors.Is(supervisorErr, supervisor.ErrDrainTimeout):
		logger.Error("kill switch drain timeout exceeded", "error", supervisorErr.Error())
		return exitDrainTimeout
	case errors.Is(supervisorErr, apperrors.ErrManualIntervention):
		logger.Error("manual intervention required", "error", supervisorErr.Error())
		return exitManualIntervention
	default:
		logger.Error("supervisor exited with an unclassified error", "error", supervisorErr.Error())
		return exitGatewayAuthFailed
	}
}

func startHealthServer(cfg *config.Config, hm *health.Manager, logger core.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/health", hm.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("health/metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("health/metrics server stopped", "error", err.Error())
		}
	}()
}
