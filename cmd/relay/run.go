package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/adapter"
	"github.com/modelrelay/relay/internal/adapter/anthropic"
	"github.com/modelrelay/relay/internal/adapter/gemini"
	"github.com/modelrelay/relay/internal/adapter/localhttp"
	"github.com/modelrelay/relay/internal/adapter/ollama"
	"github.com/modelrelay/relay/internal/adapter/openaic"
	"github.com/modelrelay/relay/internal/auth"
	"github.com/modelrelay/relay/internal/cache"
	"github.com/modelrelay/relay/internal/catalog"
	"github.com/modelrelay/relay/internal/circuitbreaker"
	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/internal/ratelimit"
	"github.com/modelrelay/relay/internal/router"
	"github.com/modelrelay/relay/internal/server"
	"github.com/modelrelay/relay/internal/storage/sqlite"
	"github.com/modelrelay/relay/internal/telemetry"
	"github.com/modelrelay/relay/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.Default()

	logger.Info("starting relay", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store, logger); err != nil {
		return err
	}

	// First snapshot before the listener opens; later refreshes are driven
	// by admin mutations and the refresher worker.
	cat := catalog.New(store, logger)
	if err := cat.Refresh(ctx); err != nil {
		return err
	}

	// All adapters share one cached-DNS transport. The resolver is refreshed
	// in the background so long-lived processes pick up DNS changes.
	resolver := &dnscache.Resolver{}
	client := adapter.NewHTTPClient(resolver)

	adapters := adapter.NewRegistry()
	adapters.Register(openaic.New(relay.TypeOpenAICompatible, client))
	adapters.Register(openaic.New(relay.TypeVLLMLocal, client))
	adapters.Register(anthropic.New(client))
	adapters.Register(gemini.New(client))
	adapters.Register(ollama.New(client))
	adapters.Register(localhttp.New(relay.TypeTransformersLocal, client))
	adapters.Register(localhttp.New(relay.TypeGenericHTTP, client))

	var metrics *telemetry.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("tracer shutdown", "error", err)
			}
		}()
	}

	sessions := auth.NewSessionStore(cfg.Auth.SessionTTL)
	authn, err := auth.New(cat, sessions, cfg.Auth.RequireAuth, logger)
	if err != nil {
		return err
	}

	limiter := ratelimit.NewRegistry()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	recorder := worker.NewRecorder(store, worker.RecorderOptions{
		Metrics:     metrics,
		Logger:      logger,
		FullCapture: cfg.Recorder.FullCapture,
	})
	maintenance := worker.NewMaintenance(worker.MaintenanceOptions{
		Sessions:  sessions,
		Limiter:   limiter,
		Breakers:  breakers,
		Pruner:    store,
		Retention: time.Duration(cfg.Recorder.RetentionDays) * 24 * time.Hour,
		Logger:    logger,
	})
	refresher := worker.NewCatalogRefresher(cat, logger)

	engine := router.New(router.Deps{
		Catalog:  cat,
		Adapters: adapters,
		Auth:     authn,
		Limiter:  limiter,
		Breakers: breakers,
		Recorder: recorder,
		Metrics:  metrics,
		Logger:   logger,
	})

	statsCache, err := cache.NewMemory(4096, time.Minute)
	if err != nil {
		return err
	}

	handler := server.New(server.Deps{
		Auth:           authn,
		Engine:         engine,
		Catalog:        cat,
		Store:          store,
		Sessions:       authn,
		Creds:          auth.NewManager(store),
		Invalidate:     authn,
		Cache:          statsCache,
		Metrics:        metrics,
		Gatherer:       gatherer,
		ReadyCheck:     store.Ping,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	runner := worker.NewRunner(logger, recorder, maintenance, refresher)
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- runner.Run(workerCtx)
	}()
	go refreshDNS(workerCtx, resolver)

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	logger.Info("relay ready", "addr", cfg.Server.Addr,
		"providers", len(cfg.Providers), "require_auth", cfg.Auth.RequireAuth)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case err := <-srvErr:
		return err
	case err := <-workerErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Workers stop after the listener so the recorder can drain records from
	// requests that completed during shutdown.
	stopWorkers()
	if err := <-workerErr; err != nil {
		return err
	}

	logger.Info("relay stopped")
	return nil
}

// refreshDNS re-resolves cached entries every 5 minutes, dropping names no
// adapter has dialed since the last pass.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	tick := time.NewTicker(5 * time.Minute)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			resolver.Refresh(true)
		}
	}
}
