package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ohlcv_ledger/api"
	"ohlcv_ledger/cache"
	"ohlcv_ledger/codec"
	"ohlcv_ledger/config"
	"ohlcv_ledger/fetcher"
	"ohlcv_ledger/ingest"
	"ohlcv_ledger/ledger"
	"ohlcv_ledger/middleware"
	"ohlcv_ledger/monitoring"
	"ohlcv_ledger/store"
	"ohlcv_ledger/utils"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	if err := utils.InitLogger(cfg.App.LogLevel, cfg.App.LogDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer utils.Logger.Sync()

	// Open store
	kv, err := store.Open(store.Options{
		Path:           cfg.Store.Path,
		SyncWrites:     cfg.Store.SyncWrites,
		BlockCacheSize: cfg.Store.BlockCacheSize,
	})
	if err != nil {
		utils.Logger.Fatalw("Failed to open store", "path", cfg.Store.Path, "error", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			utils.Error(err, "Failed to close store")
		}
	}()

	comp := codec.NewCompressor(cfg.Codec.Compressor)
	if comp == nil {
		utils.Logger.Fatalw("Unknown compressor", "compressor", cfg.Codec.Compressor)
	}
	l := ledger.New(kv, codec.New(comp), ledger.WithStaleTolerance(cfg.Aggregation.StaleToleranceMs))
	pipeline := ingest.NewPipeline(l, ingest.AggregationConfig{
		Version:  cfg.Aggregation.Version,
		Location: cfg.Aggregation.Location,
	}, ingest.WithLogger(utils.Logger.With("component", "ingest")))
	windows := cache.NewWindowCache(l, cfg.Cache.MaxWindows)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Monitoring
	monitoring.RegisterHealthCheck("store", kv.Ping)
	monitoring.StartMetricsCollection(ctx, 15*time.Second, kv.Size)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", monitoring.HealthCheckHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	api.NewHandler(l, windows).Register(mux)
	server := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           utils.RequestLogger(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		utils.Logger.Infow("HTTP server listening", "addr", cfg.App.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Error(err, "HTTP server failed")
			stop()
		}
	}()

	// One fetch loop per symbol
	rest := fetcher.NewRESTClient(cfg.Fetcher.BaseURL, cfg.Fetcher.RequestTimeout)
	pollerCfg := fetcher.PollerConfig{
		Interval:        cfg.Fetcher.PollInterval,
		Limit:           cfg.Fetcher.Limit,
		InitialLoadDays: cfg.Fetcher.InitialLoadDays,
	}
	var wg sync.WaitGroup
	for _, symbol := range cfg.App.Symbols {
		symbol := symbol
		logger := utils.Logger.With("component", "fetcher", "symbol", symbol)
		poller := fetcher.NewPoller(rest, pipeline, l, pollerCfg, logger)
		run := func() error { return poller.Run(ctx, symbol) }
		if cfg.Fetcher.Mode == "stream" {
			stream := fetcher.NewStream(cfg.Fetcher.StreamURL, poller, logger)
			run = func() error { return stream.Run(ctx, symbol) }
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				err := middleware.Recover("fetcher:"+symbol, run)
				if err == nil || ctx.Err() != nil {
					return
				}
				monitoring.SetLastError(err)
				utils.Error(err, "Fetch loop stopped, restarting", "symbol", symbol)
				select {
				case <-ctx.Done():
				case <-time.After(10 * time.Second):
				}
			}
		}()
	}

	utils.Logger.Infow("OHLCV ledger started",
		"env", cfg.App.Environment,
		"symbols", cfg.App.Symbols,
		"mode", cfg.Fetcher.Mode,
		"aggregation_version", cfg.Aggregation.Version,
		"timezone", cfg.Aggregation.Location.String(),
	)

	<-ctx.Done()
	utils.Logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		utils.Error(err, "HTTP server shutdown failed")
	}
	wg.Wait()
}
