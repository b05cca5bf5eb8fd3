package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"marketcache/internal/config"
	"marketcache/internal/provider"
	"marketcache/internal/util"
)

func main() {
	cfgPath := "config/marketcache.yaml"
	if p := os.Getenv("MARKETCACHE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	w, closeLog, _, err := util.OpenLogFile(cfg.Logging.Dir, "provider-host", time.Now())
	if err != nil {
		log.Fatalf("opening log file: %v", err)
	}
	defer closeLog()
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, w)
	util.SetDefault(logger)

	prov := provider.NewAlpacaProvider(provider.AlpacaOptions{
		APIKey:          cfg.Alpaca.APIKey,
		APISecret:       cfg.Alpaca.APISecret,
		BaseURL:         cfg.Alpaca.BaseURL,
		DataURL:         cfg.Alpaca.DataURL,
		Feed:            cfg.Alpaca.Feed,
		RateLimitPerMin: cfg.Alpaca.RateLimitPerMin,
		Burst:           cfg.Alpaca.Burst,
	})
	host := provider.NewHost(prov, provider.HostOptions{
		MaxBars:     cfg.Acquisition.MaxSegmentBars,
		CallTimeout: cfg.Provider.CallTimeout,
	}, logger)

	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(provider.LoggingInterceptor(logger)))
	host.RegisterGRPC(gs)

	lis, err := net.Listen("tcp", cfg.Provider.ListenAddr)
	if err != nil {
		log.Fatalf("listening on %s: %v", cfg.Provider.ListenAddr, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		logger.Info("provider host listening", "addr", lis.Addr().String(), "feed", cfg.Alpaca.Feed)
		if err := gs.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down provider host")

	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(cfg.Server.ShutdownTimeout):
		gs.Stop()
	}
}
