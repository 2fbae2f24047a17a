// Command heksher runs the Heksher settings service: one process fronting
// one PostgreSQL database, serving the /api/v1 surface plus health and
// admin endpoints.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heksher-io/heksher/internal/api"
	"github.com/heksher-io/heksher/internal/cache"
	"github.com/heksher-io/heksher/internal/config"
	"github.com/heksher-io/heksher/internal/database"
	"github.com/heksher-io/heksher/internal/health"
	"github.com/heksher-io/heksher/internal/logger"
	"github.com/heksher-io/heksher/internal/observability"
	"github.com/heksher-io/heksher/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		return 1
	}

	log := logger.New(&cfg.App)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DocOnly {
		log.Info("starting in doc-only mode, no database connection will be made")
		docAPI := api.NewDocOnlyAPI(api.Options{Version: cfg.App.Version})
		return serveHTTP(ctx, log, cfg, docAPI.Router)
	}

	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		log.Error("failed to connect to database", slog.String("error", err.Error()))
		return 1
	}
	defer pool.Close()
	log.Info("connected to database")

	repo := store.NewPostgresStore(pool, cfg.Database.SerializationRetries)

	// the registry must agree with the deployment's expected feature order
	startupFeatures, err := cfg.ContextFeatures()
	if err != nil {
		log.Error("invalid startup context features", slog.String("error", err.Error()))
		return 1
	}
	if err := repo.EnsureContextFeatures(ctx, startupFeatures); err != nil {
		log.Error("context feature reconciliation failed", slog.String("error", err.Error()))
		return 1
	}

	checkers := []health.Checker{database.NewHealthChecker(pool)}

	queryCache, redisChecker, err := buildQueryCache(ctx, log, cfg)
	if err != nil {
		log.Error("failed to initialize query cache", slog.String("error", err.Error()))
		return 1
	}
	defer func() { _ = queryCache.Close() }()
	if redisChecker != nil {
		checkers = append(checkers, redisChecker)
	}

	monitor := health.NewMonitor(log, health.NewPostgresPinger(pool), cfg.Health.Interval)
	monitor.Start(ctx)
	defer monitor.Stop()
	go mirrorHealthGauge(ctx, monitor, cfg.Health.Interval)

	if cfg.Observability.Enabled {
		obs := observability.NewServer(log, &cfg.Observability, checkers...)
		obs.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
			defer cancel()
			_ = obs.Stop(shutdownCtx)
		}()
	}

	app := api.NewAPI(repo, queryCache, monitor, api.Options{
		Version:        cfg.App.Version,
		RequestTimeout: cfg.App.RequestTimeout,
	})
	return serveHTTP(ctx, log, cfg, app.Router)
}

// buildQueryCache selects the cache backend: Redis when configured (so
// replicas share invalidation), otherwise in-process, otherwise disabled.
func buildQueryCache(ctx context.Context, log *slog.Logger, cfg *config.Config) (cache.Service, health.Checker, error) {
	if !cfg.Cache.Enabled {
		return cache.Disabled{}, nil, nil
	}
	if cfg.Redis.IsConfigured() {
		client, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		log.Info("query cache backed by redis")
		return cache.NewRedisCache(client, cfg.Cache.TTL), cache.NewHealthChecker(client), nil
	}
	memory, err := cache.NewMemoryCache(cfg.Cache.Capacity, cfg.Cache.TTL)
	if err != nil {
		return nil, nil, err
	}
	log.Info("query cache backed by process memory")
	return memory, nil, nil
}

// mirrorHealthGauge keeps the prometheus gauge aligned with the
// sentinel's verdict.
func mirrorHealthGauge(ctx context.Context, monitor *health.Monitor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if monitor.Snapshot().Healthy {
				observability.DatabaseHealthy.Set(1)
			} else {
				observability.DatabaseHealthy.Set(0)
			}
		}
	}
}

// serveHTTP runs the API server until the context is cancelled, then
// shuts down gracefully.
func serveHTTP(ctx context.Context, log *slog.Logger, cfg *config.Config, handler http.Handler) int {
	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting api server", slog.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server failed", slog.String("error", err.Error()))
			return 1
		}
	case <-ctx.Done():
		log.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", slog.String("error", err.Error()))
			return 1
		}
	}
	return 0
}
