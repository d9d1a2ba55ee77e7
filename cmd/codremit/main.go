// codremit - Cash-on-delivery collection reconciliation and risk engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codremit/codremit/internal/api"
	"github.com/codremit/codremit/internal/bus"
	"github.com/codremit/codremit/internal/cache"
	"github.com/codremit/codremit/internal/discrepancy"
	"github.com/codremit/codremit/internal/domain"
	"github.com/codremit/codremit/internal/forecast"
	"github.com/codremit/codremit/internal/ingest"
	"github.com/codremit/codremit/internal/ledger"
	"github.com/codremit/codremit/internal/lock"
	"github.com/codremit/codremit/internal/payout"
	"github.com/codremit/codremit/internal/recon"
	"github.com/codremit/codremit/internal/remit"
	"github.com/codremit/codremit/internal/repository"
	"github.com/codremit/codremit/internal/risk"
	"github.com/codremit/codremit/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("CODREMIT_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting codremit",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("CODREMIT_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"lock", cfg.Lock.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Infrastructure
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	locker, err := lock.New(cfg.Lock)
	if err != nil {
		slog.Error("failed to initialize locker", "error", err)
		os.Exit(1)
	}
	defer locker.Close()
	slog.Info("locker initialized", "type", cfg.Lock.Type)

	notifier := bus.NewNotifier(busImpl)

	// Risk scoring and the customer ledger
	flagEngine, err := risk.NewFlagEngine()
	if err != nil {
		slog.Error("failed to initialize flag engine", "error", err)
		os.Exit(1)
	}
	riskSvc := risk.NewService(repo, cacheImpl, flagEngine, cfg.Risk)
	if err := riskSvc.ReloadFlagRules(ctx); err != nil {
		slog.Warn("no flag rules loaded - configure via POST /rules/reload", "error", err)
	}
	ledgerSvc := ledger.NewService(repo, notifier)
	slog.Info("risk services initialized")

	// Reconciliation pipeline
	discSvc := discrepancy.NewService(repo, busImpl, notifier, cfg.Discrepancy)
	engine := recon.NewEngine(repo, busImpl, discSvc, cfg.Recon)
	slog.Info("reconciliation engine initialized",
		"absolute_tolerance", cfg.Recon.AbsoluteTolerance,
		"percent_tolerance", cfg.Recon.PercentTolerance,
	)

	// Ingestion adapters
	verifier := ingest.NewHMACVerifier(carrierSecretsFromEnv())
	pushAdapter := ingest.NewPushAdapter(verifier, repo, busImpl)
	fileProcessor := ingest.NewFileProcessor(engine, cfg.Ingest)

	// One poll scheduler per polled carrier.
	if pollURL := os.Getenv("CODREMIT_POLL_URL"); pollURL != "" {
		poller := ingest.NewHTTPPoller(pollURL)
		for _, carrierID := range splitList(os.Getenv("CODREMIT_POLL_CARRIERS")) {
			sched := ingest.NewPollScheduler(poller, repo, busImpl, carrierID, cfg.Ingest.PollInterval)
			go sched.Run(ctx)
		}
	}

	// Remittance and payouts
	remitSvc := remit.NewService(repo, locker, cfg.Remit)
	provider := payout.NewHTTPProvider(cfg.Payout.ProviderURL)
	coordinator := payout.NewCoordinator(repo, locker, provider, busImpl, cfg.Payout)
	slog.Info("remittance services initialized")

	// Analytics
	analytics := forecast.NewService(repo, busImpl, notifier, cfg.Forecast)

	// Async workers: report consumers, pending lookups, sweeps
	asyncWorker := worker.NewWorker(busImpl, repo, engine, discSvc, analytics, cfg.Ingest, cfg.Discrepancy)
	if err := asyncWorker.Start(); err != nil {
		slog.Error("failed to start workers", "error", err)
		os.Exit(1)
	}

	// HTTP server
	handler := api.NewHandler(repo, cacheImpl, engine, riskSvc, ledgerSvc, discSvc, pushAdapter, fileProcessor, remitSvc, coordinator, analytics, Version)
	srv := api.NewServer(cfg.Server, handler)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("codremit is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop workers", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("codremit shutdown complete")
}

// carrierSecretsFromEnv reads webhook secrets from CODREMIT_CARRIER_SECRETS,
// formatted as "carrier1=secret1,carrier2=secret2".
func carrierSecretsFromEnv() map[string]string {
	secrets := make(map[string]string)
	for _, pair := range splitList(os.Getenv("CODREMIT_CARRIER_SECRETS")) {
		if k, v, ok := strings.Cut(pair, "="); ok && k != "" {
			secrets[k] = v
		}
	}
	return secrets
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  codremit - COD collection reconciliation")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /orders/score                    - Gate a cash order")
	fmt.Println("    POST /collectibles                    - Register a shipped order")
	fmt.Println("    POST /carriers/{id}/events            - Carrier push webhook")
	fmt.Println("    POST /files                           - Bulk settlement file")
	fmt.Println("    GET  /discrepancies                   - Open discrepancy queue")
	fmt.Println("    GET  /eligibility                     - Remittance tier")
	fmt.Println("    POST /batches                         - Build a remittance batch")
	fmt.Println("    POST /batches/{id}/payout             - Initiate payout")
	fmt.Println("    GET  /forecast                        - Cash-flow projection")
	fmt.Println("    GET  /health                          - Health check")
	fmt.Println()
}
