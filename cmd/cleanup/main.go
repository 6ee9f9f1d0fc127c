package main

import (
	"context"
	"flag"
	"os"
	"time"

	"hopper/internal/cleanup"
	"hopper/internal/config"
	"hopper/internal/database"
	"hopper/internal/objectstore"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Run once per invocation; scheduling belongs to cron or the orchestrator.
func main() {
	configPath := flag.String("config", "config/config.json", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg)

	db, err := database.New(cfg.MongoDB)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	defer db.Close(context.Background())

	store, err := objectstore.New(cfg.S3)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize object store")
	}

	retention := time.Duration(cfg.Cleanup.RetentionHours) * time.Hour
	sweeper := cleanup.NewSweeper(store, db, retention)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	stats, err := sweeper.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Sweep failed")
	}

	log.Info().
		Int("objectsDeleted", stats.ObjectsDeleted).
		Int("jobsDeleted", stats.JobsDeleted).
		Msg("Sweep complete")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
