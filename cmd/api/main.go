// Package main is the entry point for the uplift-notify service.
//
// It loads configuration, connects the Postgres pool, wires the notification
// repositories, the OneSignal gateway adapter and the dispatcher, then runs
// the HTTP API and the scheduler poller side by side until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"uplift/internal/api/handlers"
	"uplift/internal/config"
	"uplift/internal/core"
	"uplift/internal/db"
	"uplift/internal/dispatch"
	"uplift/internal/external"
	"uplift/internal/gateway"
	"uplift/internal/observability"
	"uplift/internal/scheduler"
	"uplift/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("uplift-notify starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
		"scheduler_enabled", cfg.Scheduler.Enabled,
	)

	if !cfg.PushConfigured() {
		logger.Warn("OneSignal credentials not configured; push delivery will fail closed",
			"hint", "set ONESIGNAL_APP_ID and ONESIGNAL_API_KEY",
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	notifRepo := db.NewNotificationRepository(pool)
	userRepo := db.NewUserRepository(pool)

	metrics := observability.NewMetrics()

	baseClient := external.NewBaseClient(
		&http.Client{Timeout: cfg.OneSignal.Timeout},
		"onesignal",
		"uplift-notify/1.0",
	)
	sender := gateway.NewOneSignalClient(cfg.OneSignal, baseClient, logger)

	resolver := dispatch.NewResolver(userRepo, logger)
	dispatcher := dispatch.NewDispatcher(notifRepo, resolver, sender, types.RealClock{}, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics
	srv.HealthProbes = []core.HealthProbe{
		core.ProbeFunc{ProbeName: "database", Fn: pool.Ping},
	}

	notifHandler := handlers.NewNotificationHandler(
		notificationStore{repo: notifRepo},
		dispatcher,
		srv.Validator,
		metrics,
		types.RealClock{},
		logger,
	)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Route("/notifications", notifHandler.RegisterRoutes)
	})

	srv.MountRoutes()

	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if cfg.Scheduler.Enabled {
		poller := scheduler.NewPoller(scheduler.PollerConfig{
			Source:          notifRepo,
			Dispatcher:      dispatcher,
			Metrics:         metrics,
			Interval:        cfg.Scheduler.Interval,
			BatchLimit:      cfg.Scheduler.BatchLimit,
			StaleClaimAfter: cfg.Scheduler.StaleClaimAfter,
			Clock:           types.RealClock{},
			Logger:          logger,
		})
		group.Go(func() error {
			if err := poller.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("scheduler poller: %w", err)
			}
			return nil
		})
	}

	err = group.Wait()
	logger.Info("uplift-notify stopped")
	return err
}

// notificationStore adapts the concrete repository to the handler-layer
// contract, translating the handler's filter params to the db filter type.
type notificationStore struct {
	repo *db.NotificationRepository
}

func (s notificationStore) Create(ctx context.Context, n *types.Notification) error {
	return s.repo.Create(ctx, n)
}

func (s notificationStore) GetByID(ctx context.Context, id string) (*types.Notification, error) {
	return s.repo.GetByID(ctx, id)
}

func (s notificationStore) List(ctx context.Context, params handlers.ListParams) ([]*types.Notification, string, error) {
	return s.repo.List(ctx, db.ListFilter{
		Status: params.Status,
		Limit:  params.Limit,
		Cursor: params.Cursor,
	})
}

func (s notificationStore) Reschedule(ctx context.Context, id string, scheduledFor time.Time) (*types.Notification, error) {
	return s.repo.Reschedule(ctx, id, scheduledFor)
}

// newPool builds the pgx connection pool from the configured URL and tuning
// parameters, and verifies connectivity before the service accepts traffic.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// newLogger creates a structured JSON slog.Logger for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
