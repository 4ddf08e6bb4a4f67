package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/jobpulse/internal/config"
	"github.com/timmy/jobpulse/internal/logger"
	"github.com/timmy/jobpulse/internal/realtime"
	"github.com/timmy/jobpulse/internal/repository"
	"github.com/timmy/jobpulse/internal/service"
	"github.com/timmy/jobpulse/internal/storage"
)

func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "jobpulse-sweep",
	})
	logger.SetDefaultLogger(appLogger)

	configPath := flag.String("config", "", "Path to config file")
	timeoutsOnly := flag.Bool("timeouts-only", false, "Only fail stale jobs, skip the retention sweep")
	retentionOnly := flag.Bool("retention-only", false, "Only purge expired jobs, skip the timeout sweep")
	staleAfter := flag.Duration("stale-after", 0, "Override reaper.stale_after")
	noArchive := flag.Bool("no-archive", false, "Delete expired jobs without archiving them")
	flag.Parse()

	if *timeoutsOnly && *retentionOnly {
		appLogger.Fatal("-timeouts-only and -retention-only are mutually exclusive")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if *staleAfter > 0 {
		cfg.Reaper.StaleAfter = *staleAfter
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	repo := repository.NewJobRepository(db)

	// This process has no observers of its own; with Redis enabled the failure
	// events still reach observers connected to the API instances.
	var broadcaster service.Broadcaster = service.NopBroadcaster{}
	if cfg.Redis.Enabled {
		rb, err := realtime.NewRedisBroadcaster(ctx, &cfg.Redis, nil, appLogger)
		if err != nil {
			appLogger.WithError(err).Warn("Redis unavailable, observers will not be notified")
		} else {
			defer rb.Close()
			broadcaster = rb
		}
	}

	coordinator := service.NewJobCoordinator(repo, broadcaster, appLogger, &service.CoordinatorConfig{
		PersistEvery: cfg.Tracker.PersistEvery,
	})
	reaper := service.NewStaleReaper(repo, coordinator, appLogger, &service.ReaperConfig{
		Schedule:   cfg.Reaper.Schedule,
		StaleAfter: cfg.Reaper.StaleAfter,
		Retention:  cfg.Reaper.Retention,
	})

	if cfg.Archive.Enabled && !*noArchive && !*timeoutsOnly {
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
			appLogger.WithError(err).Fatal("Failed to initialize archive storage")
		}
		if err := objectStorage.EnsureBucket(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure archive bucket")
		}
		reaper.SetPurger(service.NewJobArchiver(repo, objectStorage, appLogger, &service.ArchiverConfig{
			Prefix:    cfg.Archive.Prefix,
			BatchSize: cfg.Archive.BatchSize,
		}))
	}

	appLogger.WithFields(logger.Fields{
		"stale_after":    cfg.Reaper.StaleAfter.String(),
		"retention":      cfg.Reaper.Retention.String(),
		"timeouts_only":  *timeoutsOnly,
		"retention_only": *retentionOnly,
	}).Info("Starting sweep")

	start := time.Now()
	var res service.SweepResult
	switch {
	case *timeoutsOnly:
		res.TimedOut, err = reaper.SweepTimeouts(ctx)
	case *retentionOnly:
		res.Purged, err = reaper.SweepRetention(ctx)
	default:
		res, err = reaper.RunOnce(ctx)
	}

	fields := logger.Fields{
		"timed_out":            res.TimedOut,
		"purged":               res.Purged,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		appLogger.WithFields(fields).WithError(err).Fatal("Sweep finished with errors")
	}
	appLogger.WithFields(fields).Info("Sweep completed")
}
