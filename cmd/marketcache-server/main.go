package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"marketcache/internal/acquire"
	"marketcache/internal/api"
	"marketcache/internal/config"
	"marketcache/internal/metrics"
	"marketcache/internal/provider"
	"marketcache/internal/scheduler"
	"marketcache/internal/store"
	"marketcache/internal/util"
)

func main() {
	// Load config.
	cfgPath := "config/marketcache.yaml"
	if p := os.Getenv("MARKETCACHE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// Setup logging.
	w, closeLog, logPath, err := util.OpenLogFile(cfg.Logging.Dir, "marketcache-server", time.Now())
	if err != nil {
		log.Fatalf("opening log file: %v", err)
	}
	defer closeLog()
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, w)
	util.SetDefault(logger)
	if logPath != "" {
		logger.Info("logging to file", "path", logPath)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	// Stores.
	cache := store.NewParquetStore(cfg.Storage.DataDir)
	var (
		history store.OperationStore
		heads   store.HeadStore
	)
	if cfg.Storage.SQLitePath != "" {
		db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening sqlite: %w", err)
		}
		defer db.Close()
		history, heads = db, db
	}

	// Provider.
	prov, closeProv, err := openProvider(cfg, logger)
	if err != nil {
		return err
	}
	defer closeProv()

	a := cfg.Acquisition
	orch := acquire.NewOrchestrator(cache, prov, acquire.Options{
		MaxSegmentBars: a.MaxSegmentBars,
		SegmentBarsFor: a.SegmentBarsFor,
		Backoff: util.Backoff{
			Attempts: a.RetryAttempts,
			Base:     a.RetryBase,
			Max:      a.RetryMax,
		},
		SaveInterval:     a.SaveInterval,
		MaxTrailingGap:   a.MaxTrailingGap,
		FallbackLookback: a.FallbackLookback,
		OperationTimeout: a.OperationTimeout,
		ValidateSymbols:  a.SymbolValidation(),
		HistoryLimit:     a.HistoryLimit,
		Heads:            acquire.NewHeadCache(prov, heads, a.HeadCacheTTL, logger),
		History:          history,
		Metrics:          m,
		Logger:           logger,
	})

	svc := api.NewMarketDataService(cache, orch, prov, m, logger)
	srv := api.NewServer(svc, m, reg, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Scheduler.
	var sched *scheduler.Scheduler
	if cfg.Schedule.Enabled && len(cfg.Schedule.Jobs) > 0 {
		loc, err := time.LoadLocation(cfg.Schedule.Location)
		if err != nil {
			return fmt.Errorf("schedule.location: %w", err)
		}
		sched = scheduler.New(ctx, orch, loc, logger)
		if err := sched.Register(cfg.Schedule.Jobs); err != nil {
			return err
		}
		sched.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("marketcache server listening", "addr", httpServer.Addr, "provider", cfg.Provider.Kind)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down marketcache server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		shutdown(shutdownCtx, sched, orch, httpServer, logger)
		return nil
	})
	return g.Wait()
}

// shutdown stops the scheduler, then the orchestrator, then the HTTP server.
// Open event streams end only when their operations finish, so the
// orchestrator must stop before http.Server.Shutdown waits on them.
func shutdown(ctx context.Context, sched *scheduler.Scheduler, orch *acquire.Orchestrator, hs *http.Server, logger *slog.Logger) {
	if sched != nil {
		select {
		case <-sched.Stop().Done():
		case <-ctx.Done():
		}
	}
	if err := orch.Shutdown(ctx); err != nil {
		logger.Error("orchestrator shutdown error", "error", err)
	}
	if err := hs.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
		hs.Close()
	}
}

// openProvider returns the configured market-data provider and a close
// function for it.
func openProvider(cfg *config.Config, logger *slog.Logger) (provider.Provider, func(), error) {
	switch cfg.Provider.Kind {
	case "remote":
		rp, err := provider.DialRemote(cfg.Provider.Addr, cfg.Provider.CallTimeout)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using remote provider", "addr", cfg.Provider.Addr)
		return rp, func() {
			if err := rp.Close(); err != nil {
				logger.Warn("closing provider connection", "error", err)
			}
		}, nil
	default:
		if cfg.Alpaca.APIKey == "" {
			logger.Warn("alpaca credentials are empty; provider calls will fail")
		}
		return provider.NewAlpacaProvider(alpacaOptions(cfg.Alpaca)), func() {}, nil
	}
}

func alpacaOptions(a config.Alpaca) provider.AlpacaOptions {
	return provider.AlpacaOptions{
		APIKey:          a.APIKey,
		APISecret:       a.APISecret,
		BaseURL:         a.BaseURL,
		DataURL:         a.DataURL,
		Feed:            a.Feed,
		RateLimitPerMin: a.RateLimitPerMin,
		Burst:           a.Burst,
	}
}
