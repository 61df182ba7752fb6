// Command republish sends chunks recorded in the local metadata database to
// the configured publishers again, for example after an R2 outage.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"svr-ingest/config"
	"svr-ingest/database"
	"svr-ingest/logging"
	"svr-ingest/publisher"
)

func main() {
	sourceID := flag.String("source", "", "Source ID whose chunks are published")
	limit := flag.Int("limit", 100, "Maximum number of chunks, oldest first")
	dryRun := flag.Bool("dry-run", false, "List the chunks without publishing")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	_ = godotenv.Load(*envFile)
	logging.Configure(logging.Config{Pretty: true})
	logger := logging.WithComponent("republish")

	if *sourceID == "" {
		fmt.Fprintln(os.Stderr, "usage: republish -source <id> [-limit n] [-dry-run]")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.MetadataBackend != "sqlite" {
		logger.Fatal().Str("backend", cfg.MetadataBackend).Msg("republish needs the sqlite metadata backend")
	}

	db, err := database.NewSQLiteDB(cfg.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	list, err := db.ListChunks(ctx, *sourceID, *limit)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to list chunks")
	}
	logger.Info().Str("source_id", *sourceID).Int("chunks", len(list)).Msg("chunks found")

	if *dryRun {
		for _, c := range list {
			fmt.Printf("%s\t%s\t%d frames\t%s\n", c.ID, c.FilePath, c.FrameCount, c.StartTime.Format("2006-01-02 15:04:05"))
		}
		return
	}

	multi, closePublishers := publisher.FromConfig(cfg)
	defer closePublishers()
	if multi == nil {
		logger.Fatal().Msg("no publishers configured, set R2_ENABLED or REDIS_ADDR")
	}

	published, failed := 0, 0
	for _, c := range list {
		if ctx.Err() != nil {
			break
		}
		data, err := os.ReadFile(c.FilePath)
		if err != nil {
			logger.Warn().Err(err).Str("path", c.FilePath).Msg("skipping unreadable chunk")
			failed++
			continue
		}
		if err := multi.Publish(ctx, c, data); err != nil {
			logger.Error().Err(err).Str("path", c.FilePath).Msg("publish failed")
			failed++
			continue
		}
		published++
	}

	logger.Info().Int("published", published).Int("failed", failed).Msg("republish finished")
	if failed > 0 {
		os.Exit(1)
	}
}
