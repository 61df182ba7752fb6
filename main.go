package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"svr-ingest/api"
	"svr-ingest/config"
	"svr-ingest/cron"
	"svr-ingest/database"
	"svr-ingest/logging"
	"svr-ingest/monitoring"
	"svr-ingest/publisher"
	"svr-ingest/recording"
)

func main() {
	envErr := godotenv.Load()

	cfg, cfgErr := config.LoadConfig()
	logging.Configure(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger := logging.WithComponent("main")

	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn().Err(envErr).Msg("failed to load .env file")
	}
	if cfgErr != nil {
		logger.Fatal().Err(cfgErr).Msg("invalid configuration")
	}

	config.EnsurePaths(cfg)

	store, local, closeStore := openStore(cfg, logger)
	defer closeStore()

	multi, closePublishers := publisher.FromConfig(cfg)
	defer closePublishers()

	var pub recording.Publisher
	if multi != nil {
		pub = multi
	}
	sched := recording.NewScheduler(store, pub, recording.OptionsFromConfig(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.StartAll(ctx); err != nil {
		logger.Error().Err(err).Msg("initial start failed, waiting for reconcile")
	}

	var wg sync.WaitGroup

	jobs := cron.NewJobs(sched, cfg)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := jobs.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("cron jobs failed")
		}
	}()

	monitoring.StartMonitoring(ctx, cfg.MonitorInterval, cfg.ChunksDir, func() int {
		return len(sched.Running())
	})

	server := api.NewServer(cfg.ServerPort, sched, local)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("API server failed")
			stop()
		}
	}()

	logger.Info().
		Str("backend", cfg.MetadataBackend).
		Str("chunks_dir", cfg.ChunksDir).
		Strs("sources", sched.Running()).
		Msg("ingest service started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	// Stop the reconcile job before the scheduler so it cannot re-open it.
	wg.Wait()
	sched.Shutdown()
	logger.Info().Msg("shutdown complete")
}

// openStore returns the metadata store and, for the sqlite backend, the local
// registry used by the control API.
func openStore(cfg config.Config, logger zerolog.Logger) (database.MetadataStore, api.LocalStore, func()) {
	if cfg.MetadataBackend == "http" {
		logger.Info().Str("url", cfg.CoreAPIURL).Msg("using core API metadata store")
		return api.NewCoreClient(cfg.CoreAPIURL, cfg.CoreAPIToken, cfg.CoreTimeout), nil, func() {}
	}

	db, err := database.NewSQLiteDB(cfg.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize SQLite database")
	}
	return db, db, func() {
		if err := db.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close database")
		}
	}
}
