package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"bitespeed/internal/config"
	"bitespeed/internal/database"
	"bitespeed/internal/handlers"
	"bitespeed/internal/lock"
	"bitespeed/internal/logger"
	"bitespeed/internal/metrics"
	"bitespeed/internal/service"
	"bitespeed/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// run wires dependencies from cfg and serves until SIGINT or SIGTERM.
func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := handlers.NewHealthHandler(cfg.Environment)

	contacts, closeStore, err := openStore(cfg.Database, log, health)
	if err != nil {
		return err
	}
	defer closeStore()

	locker, closeLocker, err := openLocker(ctx, cfg.Redis, log, health)
	if err != nil {
		return err
	}
	defer closeLocker()

	svc := service.NewReconciliationService(contacts,
		service.WithLogger(log),
		service.WithLocker(locker),
		service.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
		service.WithTimeout(cfg.Reconcile.Timeout),
		service.WithMaxAttempts(cfg.Reconcile.MaxAttempts),
	)

	router := handlers.NewRouter(handlers.RouterConfig{
		Identify:     handlers.NewIdentifyHandler(svc, log),
		Health:       health,
		Metrics:      promhttp.Handler(),
		Logger:       log,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", "addr", srv.Addr, "driver", cfg.Database.Driver, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

func openStore(cfg config.Database, log *slog.Logger, health *handlers.HealthHandler) (service.ContactStore, func(), error) {
	if cfg.Driver == config.DriverMemory {
		log.Warn("using in-memory contact store, data is lost on restart")
		return store.NewMemory(), func() {}, nil
	}

	db, err := database.New(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize database: %w", err)
	}
	health.RegisterCheck("database", db.Health)
	return store.NewSQL(db), func() { _ = db.Close() }, nil
}

func openLocker(ctx context.Context, cfg config.Redis, log *slog.Logger, health *handlers.HealthHandler) (lock.Locker, func(), error) {
	if cfg.URL == "" {
		return lock.NewLocal(), func() {}, nil
	}

	client, err := lock.NewRedisClient(ctx, cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	locker := lock.NewRedis(client, cfg.LockTTL)
	health.RegisterCheck("redis", locker.Health)
	log.Info("using redis identity locks", "lock_ttl", cfg.LockTTL)
	return locker, func() { _ = client.Close() }, nil
}
