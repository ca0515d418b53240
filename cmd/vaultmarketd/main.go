package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vaultmarket/beacon"
	"vaultmarket/config"
	"vaultmarket/native/listing"
	"vaultmarket/observability/logging"
	"vaultmarket/rpc"
	"vaultmarket/state"
	"vaultmarket/storage"
)

const shutdownGrace = 10 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("VAULTMARKET_ENV"))
	logger := logging.Setup("vaultmarketd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	manager := state.NewManager(db)

	engine := listing.NewEngine()
	engine.SetState(manager)
	engine.SetRounds(cfg.Rounds())

	relay := beacon.NewClient(cfg.BeaconBaseURL, nil)
	verifyBeaconSchedule(logger, relay, cfg.Rounds())

	server := rpc.NewServer(engine, relay, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rpcSrv := &http.Server{Addr: cfg.RPCAddress, Handler: server.Handler()}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: metricsMux()}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("starting JSON-RPC server", "addr", cfg.RPCAddress, "network", cfg.NetworkName)
		if err := rpcSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("rpc server: %w", err)
		}
	}()
	go func() {
		logger.Info("starting metrics server", "addr", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failed", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := rpcSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("rpc shutdown", slog.Any("error", err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown", slog.Any("error", err))
	}
	logger.Info("vaultmarketd stopped")
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// verifyBeaconSchedule compares the configured round schedule against what
// the relay advertises. A mismatch only warns; the node keeps the configured
// schedule so round math stays deterministic while the relay is unreachable
// or misconfigured.
func verifyBeaconSchedule(logger *slog.Logger, relay *beacon.Client, local beacon.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	advertised, err := relay.Schedule(ctx)
	if err != nil {
		logger.Warn("beacon relay unreachable, using configured schedule", slog.Any("error", err))
		return
	}
	if advertised != local {
		logger.Warn("beacon schedule mismatch",
			"configuredGenesis", local.Genesis, "configuredPeriod", local.Period,
			"relayGenesis", advertised.Genesis, "relayPeriod", advertised.Period)
	}
}
