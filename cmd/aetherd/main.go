package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aetherhq/aether/pkg/config"
	"github.com/aetherhq/aether/pkg/events"
	"github.com/aetherhq/aether/pkg/flow"
	"github.com/aetherhq/aether/pkg/hydrator"
	"github.com/aetherhq/aether/pkg/index"
	"github.com/aetherhq/aether/pkg/metrics"
	"github.com/aetherhq/aether/pkg/planner"
	"github.com/aetherhq/aether/pkg/queue"
	"github.com/aetherhq/aether/pkg/registry"
	"github.com/aetherhq/aether/pkg/storage/memory"
	"github.com/aetherhq/aether/pkg/storage/postgres"
	"github.com/aetherhq/aether/pkg/tools"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting aetherd", "pod_id", cfg.PodID, "workers", cfg.Workers,
		"storage", storageProfile(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keyring := events.ParseKeyring(cfg.AuditKeysJSON, cfg.AuditSecret)

	store, closeStore, err := openStore(ctx, cfg, keyring)
	if err != nil {
		slog.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// The stored keys are a discovery mirror; verification always uses the
	// environment keyring.
	if err := store.SeedAuditKeys(ctx, keyring); err != nil {
		slog.Warn("audit key seeding failed", "error", err)
	}

	provider := registry.NewFSProvider(cfg.RegistryPath, cfg.LayersDir)
	defer provider.Close()
	tenants := registry.NewFSTenantProvider(cfg.TenantConfigDir)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	engine, err := flow.New(flow.Deps{
		Store:    store,
		Registry: provider,
		Tenants:  tenants,
		Trees:    index.NewInMemory(),
		Hydrator: hydrator.NewStub(),
		Planner:  planner.NewStub(),
		Tools:    tools.NewStub(),
		Metrics:  m,
	})
	if err != nil {
		slog.Error("failed to build flow engine", "error", err)
		os.Exit(1)
	}

	qcfg := queue.DefaultConfig()
	qcfg.Workers = cfg.Workers
	qcfg.PollInterval = time.Duration(cfg.WorkerPollMS) * time.Millisecond

	pool := queue.NewWorkerPool(cfg.PodID, store, engine, qcfg, m)
	pool.Start(ctx)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = startMetricsServer(cfg.MetricsAddr, reg)
	}

	// Block until SIGTERM/SIGINT.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("shutdown signal received", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	pool.Stop()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", "error", err)
		}
	}
	cancel()
	slog.Info("aetherd stopped")
}

// openStore selects the storage profile: Postgres when DATABASE_URL is set,
// the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, kr *events.Keyring) (queue.Store, func(), error) {
	if cfg.Postgres() {
		pgcfg := postgres.DefaultConfig(cfg.DatabaseURL)
		pgcfg.SnapshotEvery = int64(cfg.SnapshotEvery)
		pgcfg.RefreshMVEvery = int64(cfg.RefreshMVEvery)
		pgcfg.ApprovalWait = time.Duration(cfg.ApprovalWaitS) * time.Second
		pgcfg.ApprovalPoll = time.Duration(cfg.ApprovalPollMS) * time.Millisecond
		pgcfg.TenantSlots = cfg.TenantMaxConcurrency

		store, err := postgres.New(ctx, pgcfg, kr)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}

	store := memory.New(kr)
	store.ApprovalWait = time.Duration(cfg.ApprovalWaitS) * time.Second
	store.ApprovalPoll = time.Duration(cfg.ApprovalPollMS) * time.Millisecond
	store.TenantSlots = cfg.TenantMaxConcurrency
	return store, func() {}, nil
}

func startMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		slog.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func storageProfile(cfg *config.Config) string {
	if cfg.Postgres() {
		return "postgres"
	}
	return "memory"
}
