package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/jobpulse/internal/api"
	"github.com/timmy/jobpulse/internal/api/handler"
	"github.com/timmy/jobpulse/internal/config"
	"github.com/timmy/jobpulse/internal/logger"
	"github.com/timmy/jobpulse/internal/notify"
	"github.com/timmy/jobpulse/internal/realtime"
	"github.com/timmy/jobpulse/internal/repository"
	"github.com/timmy/jobpulse/internal/service"
	"github.com/timmy/jobpulse/internal/storage"
)

func main() {
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// CONFIG_PATH points at the config file in deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	repo := repository.NewJobRepository(db)

	registry := service.NewSubscriptionRegistry(repo, appLogger, &service.RegistryConfig{
		MaxSubscribers:     cfg.Tracker.MaxSubscribers,
		ConnectionLifetime: cfg.Tracker.ConnectionLifetime,
		EventBuffer:        cfg.Tracker.EventBuffer,
	})
	healthChecks := map[string]handler.HealthCheck{"database": repo.Ping}

	// Events go straight to the local registry unless Redis relays them between instances
	var broadcaster service.Broadcaster = registry
	var redisBroadcaster *realtime.RedisBroadcaster
	if cfg.Redis.Enabled {
		redisBroadcaster, err = realtime.NewRedisBroadcaster(ctx, &cfg.Redis, registry, appLogger)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to connect to Redis")
		}
		if err := redisBroadcaster.StartForwarder(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to start Redis forwarder")
		}
		broadcaster = redisBroadcaster
		healthChecks["redis"] = redisBroadcaster.Ping
	}

	coordinator := service.NewJobCoordinator(repo, broadcaster, appLogger, &service.CoordinatorConfig{
		PersistEvery: cfg.Tracker.PersistEvery,
	})
	if redisBroadcaster == nil {
		registry.UseLiveState(coordinator)
	}

	var webhook *notify.WebhookNotifier
	if cfg.Webhook.Enabled {
		webhook = notify.NewWebhookNotifier(&cfg.Webhook, appLogger)
		coordinator.SetTerminalNotifier(webhook)
		appLogger.WithField("url", cfg.Webhook.URL).Info("Terminal webhooks enabled")
	}

	reaper := service.NewStaleReaper(repo, coordinator, appLogger, &service.ReaperConfig{
		Schedule:   cfg.Reaper.Schedule,
		StaleAfter: cfg.Reaper.StaleAfter,
		Retention:  cfg.Reaper.Retention,
	})
	if cfg.Archive.Enabled {
		archiver, err := newArchiver(ctx, cfg, repo, appLogger)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize archive storage")
		}
		reaper.SetPurger(archiver)
	}
	if cfg.Reaper.Enabled {
		if err := reaper.Start(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to start stale reaper")
		}
	}

	router := api.SetupRouter(&api.Dependencies{
		Coordinator:  coordinator,
		Registry:     registry,
		Reaper:       reaper,
		HealthChecks: healthChecks,
	}, cfg, appLogger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":  cfg.Server.Port,
			"mode":  cfg.Server.Mode,
			"redis": cfg.Redis.Enabled,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// end event streams first, otherwise Shutdown waits for them until the deadline
	registry.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	reaper.Stop(shutdownCtx)
	if webhook != nil {
		if err := webhook.Wait(shutdownCtx); err != nil {
			appLogger.WithError(err).Warn("Pending webhooks abandoned")
		}
	}
	stop()
	if redisBroadcaster != nil {
		_ = redisBroadcaster.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	appLogger.Info("Server exited")
}

func newArchiver(ctx context.Context, cfg *config.Config, repo *repository.JobRepository, log *logger.Logger) (*service.JobArchiver, error) {
	objectStorage, err := storage.NewStorage(ctx, &storage.S3Config{
		Type:      storage.StorageType(cfg.Archive.Type),
		Endpoint:  cfg.Archive.Endpoint,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		UseSSL:    cfg.Archive.UseSSL,
		Bucket:    cfg.Archive.Bucket,
		Region:    cfg.Archive.Region,
	})
	if err != nil {
		return nil, err
	}
	if err := objectStorage.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure archive bucket: %w", err)
	}
	return service.NewJobArchiver(repo, objectStorage, log, &service.ArchiverConfig{
		Prefix:    cfg.Archive.Prefix,
		BatchSize: cfg.Archive.BatchSize,
	}), nil
}
