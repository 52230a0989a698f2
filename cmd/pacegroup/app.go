package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mmynk/pacegroup/internal/auth"
	"github.com/mmynk/pacegroup/internal/calculator"
	"github.com/mmynk/pacegroup/internal/config"
	"github.com/mmynk/pacegroup/internal/metrics"
	"github.com/mmynk/pacegroup/internal/middleware"
	"github.com/mmynk/pacegroup/internal/models"
	"github.com/mmynk/pacegroup/internal/service"
	"github.com/mmynk/pacegroup/internal/storage"
	"github.com/mmynk/pacegroup/internal/storage/memory"
	"github.com/mmynk/pacegroup/internal/storage/redisstore"
	"github.com/mmynk/pacegroup/internal/storage/sqlite"
	"github.com/mmynk/pacegroup/pkg/logging"
)

// app holds everything one command invocation needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  storage.Store
	client *service.Client
	jwt    *auth.JWTManager
	server *http.Server
}

func newApp(flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.Configure(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	backend, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Storage initialized", "backend", cfg.Store.Backend)
	store := middleware.Instrument(middleware.Logging(backend, logger), m)

	strategy, err := calculator.ParseStrategy(cfg.Group.Strategy)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		client: service.NewClient(store, service.Config{
			MaxGroupSize: cfg.Group.MaxSize,
			Strategy:     strategy,
			Retry: service.RetryPolicy{
				Attempts:   cfg.Retry.Attempts,
				Backoff:    cfg.Retry.Backoff,
				MaxBackoff: cfg.Retry.MaxBackoff,
			},
			PendingTimeout: cfg.Group.PendingTimeout,
			Logger:         logger,
			Metrics:        m,
		}),
	}
	if cfg.Auth.Secret != "" {
		a.jwt = auth.NewJWTManager(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	}

	if cfg.Metrics.Listen != "" {
		a.serveMetrics(registry)
	}
	return a, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		store, err := sqlite.New(cfg.Store.SQLite.Path,
			sqlite.WithLogger(logger),
			sqlite.WithPollInterval(cfg.Store.SQLite.PollInterval),
			sqlite.WithChangeRetention(cfg.Store.SQLite.ChangeRetention),
			sqlite.WithMaxRetries(cfg.Store.MaxTransactionRetries),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqlite store: %w", err)
		}
		return store, nil

	case config.BackendRedis:
		store, err := redisstore.New(redisstore.Config{
			Addr:       cfg.Store.Redis.Addr,
			Password:   cfg.Store.Redis.Password,
			DB:         cfg.Store.Redis.DB,
			Namespace:  cfg.Store.Redis.Namespace,
			MaxRetries: cfg.Store.MaxTransactionRetries,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis store: %w", err)
		}
		return store, nil

	default:
		return memory.New(
			memory.WithLogger(logger),
			memory.WithMaxRetries(cfg.Store.MaxTransactionRetries),
		), nil
	}
}

// identity resolves the rider the command acts for. A token wins over a
// plain identity.
func (a *app) identity(flags *globalFlags) (models.Identity, error) {
	if flags.token != "" {
		if a.jwt == nil {
			return "", errors.New("auth.secret must be configured to verify --token")
		}
		return a.jwt.Validate(flags.token)
	}
	if flags.identity != "" {
		return models.Identity(flags.identity), nil
	}
	return "", fmt.Errorf("%w: pass --token or --identity", auth.ErrMissingToken)
}

func (a *app) serveMetrics(registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	a.server = &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           loggingMiddleware(a.logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("Metrics server starting", "address", a.cfg.Metrics.Listen)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

func (a *app) Close() error {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	return a.store.Close()
}

// loggingMiddleware logs every scrape of the metrics endpoint.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("Request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
