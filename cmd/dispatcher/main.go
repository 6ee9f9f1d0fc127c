package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hopper/internal/cache"
	"hopper/internal/config"
	"hopper/internal/dispatcher"
	"hopper/internal/model"
	"hopper/internal/objectstore"
	"hopper/internal/rabbitmq"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg)

	store, err := objectstore.New(cfg.S3)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize object store")
	}

	mq, err := rabbitmq.NewClientFromConfig(cfg.RabbitMQ)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	defer mq.Close()

	kinds := []model.Kind{model.KindMbox, model.KindAmazonHistory}
	if err := mq.DeclareTopology(kinds); err != nil {
		log.Fatal().Err(err).Msg("Failed to declare topology")
	}

	cacheClient, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cacheClient.Close()

	d := dispatcher.New(store, mq, cacheClient)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info().Msg("Shutting down")
		cancel()
	}()

	if err := consume(ctx, mq, cfg.RabbitMQ.StorageEventsQueue, d); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Dispatcher stopped")
	}
}

// consume feeds storage notifications into the dispatcher. There is no job
// state to fall back on at this stage, so a failed event is requeued for one
// more attempt; a failure on the redelivery is dropped and the source object
// stays in place for the client to re-upload.
func consume(ctx context.Context, mq rabbitmq.Client, queue string, d *dispatcher.Dispatcher) error {
	deliveries, err := mq.Consume(queue, "dispatcher")
	if err != nil {
		return err
	}

	log.Info().Str("queue", queue).Msg("Dispatcher consuming storage events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				log.Warn().Msg("Delivery channel closed")
				return nil
			}

			var event model.StorageEvent
			if err := json.Unmarshal(delivery.Body, &event); err != nil {
				log.Error().Err(err).Msg("Unparseable storage event, rejecting")
				delivery.Reject(false)
				continue
			}

			action, err := d.HandleEvent(ctx, event)
			if err != nil {
				requeue := !delivery.Redelivered
				log.Error().Err(err).
					Str("key", event.Key).
					Bool("requeue", requeue).
					Msg("Failed to handle storage event")
				delivery.Reject(requeue)
				continue
			}

			log.Debug().Str("key", event.Key).Str("action", string(action)).Msg("Storage event handled")
			delivery.Ack(false)
		}
	}
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
