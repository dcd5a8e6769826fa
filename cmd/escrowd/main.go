// Escrowd - off-chain orchestrator for on-chain escrow payments
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meridian-labs/escrowd/internal/chain"
	"github.com/meridian-labs/escrowd/internal/config"
	"github.com/meridian-labs/escrowd/internal/escrow"
	"github.com/meridian-labs/escrowd/internal/health"
	"github.com/meridian-labs/escrowd/internal/logging"
	"github.com/meridian-labs/escrowd/internal/metrics"
	"github.com/meridian-labs/escrowd/internal/registry"
	"github.com/meridian-labs/escrowd/internal/scanner"
	"github.com/meridian-labs/escrowd/internal/scheduler"
	"github.com/meridian-labs/escrowd/internal/settle"
	"github.com/meridian-labs/escrowd/internal/source"
	"github.com/meridian-labs/escrowd/internal/traces"
	"github.com/meridian-labs/escrowd/internal/wallet"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting escrowd",
		"version", Version, "commit", Commit, "build_time", BuildTime,
		"env", cfg.Env, "network", cfg.Network)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTraces(shutdownCtx)
	}()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	sources := source.NewPostgresStore(db)
	escrows := escrow.NewPostgresStore(db)
	wallets := wallet.NewPostgresStore(db)
	registryStore := registry.NewPostgresStore(db)
	encrypter, err := wallet.NewEncrypter(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init wallet encrypter: %w", err)
	}
	provider := chain.NewClient(cfg.ProviderURL, cfg.ProviderProjectID)

	scan := scanner.New(scanner.Config{
		Provider:     provider,
		Sources:      sources,
		Payments:     escrows,
		Purchases:    escrows,
		Transactions: escrows,
		Registry:     registryStore,
		Wallets:      wallets,
		LeaseTimeout: cfg.SyncLeaseTimeout,
	})
	pipelines := settle.New(settle.Config{
		Provider:     provider,
		Sources:      sources,
		Payments:     escrows,
		Purchases:    escrows,
		Transactions: escrows,
		Registry:     registryStore,
		Wallets:      wallets,
		Encrypter:    encrypter,
	})

	sched := scheduler.New(ctx)
	jobs := []scheduler.Job{
		{Name: "scan", Interval: cfg.ScanInterval, Run: scan.Run},
		{Name: "batch-pay", Interval: cfg.BatchPayInterval, Run: pipelines.RunBatchPay},
		{Name: "submit-result", Interval: cfg.SettleInterval, Run: pipelines.RunSubmitResult},
		{Name: "collect", Interval: cfg.SettleInterval, Run: pipelines.RunCollect},
		{Name: "authorize-refund", Interval: cfg.SettleInterval, Run: pipelines.RunAuthorizeRefund},
		{Name: "request-refund", Interval: cfg.SettleInterval, Run: pipelines.RunRequestRefund},
		{Name: "cancel-refund", Interval: cfg.SettleInterval, Run: pipelines.RunCancelRefund},
		{Name: "collect-refund", Interval: cfg.SettleInterval, Run: pipelines.RunCollectRefund},
		{Name: "register-agent", Interval: cfg.RegistryInterval, Run: pipelines.RunRegisterAgent},
		{Name: "deregister-agent", Interval: cfg.RegistryInterval, Run: pipelines.RunDeregisterAgent},
		{Name: "sweep-wallet-locks", Interval: cfg.LockSweepInterval,
			Run: scheduler.SweepWalletLocks(wallets, cfg.WalletLockTimeout, time.Now)},
		{Name: "sweep-sync-leases", Interval: cfg.LockSweepInterval,
			Run: scheduler.SweepSyncLeases(sources, cfg.SyncLeaseTimeout, time.Now)},
		{Name: "expire-unfunded", Interval: cfg.LockSweepInterval,
			Run: scheduler.ExpireUnfunded(sources, escrows, time.Now)},
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return err
		}
	}

	checks := health.NewRegistry()
	checks.Register("database", health.DatabasePing(db))
	checks.Register("provider", health.ProviderTip(provider, 10*time.Minute, time.Now))

	ops := opsServer(cfg.MetricsAddr, checks)
	go func() {
		logger.Info("ops listener started", "addr", cfg.MetricsAddr)
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops listener failed", "error", err)
		}
	}()

	sched.Start()
	logger.Info("scheduler started", "jobs", len(jobs))

	<-ctx.Done()
	logger.Info("shutting down")
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ops.Shutdown(shutdownCtx)
}

func opsServer(addr string, checks *health.Registry) *http.Server {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		healthy, _ := checks.CheckAll(r.Context())
		if !healthy {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
