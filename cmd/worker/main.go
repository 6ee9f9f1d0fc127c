package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"hopper/internal/config"
	"hopper/internal/database"
	"hopper/internal/drive"
	"hopper/internal/extract/amazon"
	"hopper/internal/extract/mbox"
	"hopper/internal/jobs"
	"hopper/internal/llm"
	"hopper/internal/model"
	"hopper/internal/objectstore"
	"hopper/internal/rabbitmq"
	"hopper/internal/worker"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to config file")
	kindsFlag := flag.String("kinds", "mbox,amazon_history", "comma-separated work kinds to consume")
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

	mq, err := rabbitmq.NewClientFromConfig(cfg.RabbitMQ)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	defer mq.Close()

	uploadExpiry := time.Duration(cfg.S3.UploadExpiryMinutes) * time.Minute
	jobService := jobs.NewService(db, store, uploadExpiry)
	summarizer := llm.NewClient(cfg.LLM)

	amazonWorker := amazon.NewWorker(
		amazon.NewEngine(amazon.OptionsFromConfig(cfg.Extract)),
		store, db, jobService,
		func(ctx context.Context, token string) amazon.DriveDestination {
			return drive.NewClient(ctx, token)
		},
		cfg.Drive.RootFolderName,
	)

	mboxProcessor := mbox.NewProcessor(
		store, db, jobService, summarizer,
		func(ctx context.Context, token string) mbox.DriveDestination {
			return drive.NewClient(ctx, token)
		},
		cfg.Drive.RootFolderName,
		cfg.Extract.ProgressInterval,
	)

	registry := worker.NewRegistry(amazonWorker, mboxProcessor)

	if err := mq.DeclareTopology(registry.Kinds()); err != nil {
		log.Fatal().Err(err).Msg("Failed to declare topology")
	}

	consumer := worker.NewConsumer(mq, registry)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info().Msg("Shutting down")
		cancel()
	}()

	var wg sync.WaitGroup
	for _, kind := range parseKinds(*kindsFlag) {
		wg.Add(1)
		go func(k model.Kind) {
			defer wg.Done()
			if err := consumer.Run(ctx, k, "worker-"+string(k)); err != nil && err != context.Canceled {
				log.Error().Err(err).Str("kind", string(k)).Msg("Consumer stopped")
			}
		}(kind)
	}
	wg.Wait()
}

func parseKinds(raw string) []model.Kind {
	var kinds []model.Kind
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			kinds = append(kinds, model.Kind(name))
		}
	}
	return kinds
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
