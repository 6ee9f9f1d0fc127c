package worker

import (
	"context"
	"encoding/json"
	"time"

	"hopper/internal/jobs"
	"hopper/internal/model"
	"hopper/internal/rabbitmq"

	"github.com/rs/zerolog/log"
)

// Consumer pulls work messages off a kind's queue and feeds its handler.
// Handled deliveries are acked whether they succeeded or failed: job state
// records the outcome either way. The exception is a transient failure that
// never reached the job record; those are requeued, since the delivery is
// the only place the work still exists.
type Consumer struct {
	client       rabbitmq.Client
	registry     *Registry
	requeueDelay time.Duration
}

func NewConsumer(client rabbitmq.Client, registry *Registry) *Consumer {
	return &Consumer{
		client:       client,
		registry:     registry,
		requeueDelay: 5 * time.Second,
	}
}

// Run consumes one kind's queue until the context is cancelled
func (c *Consumer) Run(ctx context.Context, kind model.Kind, consumerTag string) error {
	handler, err := c.registry.Get(kind)
	if err != nil {
		return err
	}

	deliveries, err := c.client.Consume(kind.RoutingKey(), consumerTag)
	if err != nil {
		return err
	}

	log.Info().Str("kind", string(kind)).Msg("Worker consuming")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				log.Warn().Str("kind", string(kind)).Msg("Delivery channel closed")
				return nil
			}

			var msg model.WorkMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				log.Error().Err(err).Msg("Unparseable work message, rejecting without requeue")
				if err := delivery.Reject(false); err != nil {
					log.Error().Err(err).Msg("Failed to reject delivery")
				}
				continue
			}

			if err := handler.Handle(ctx, msg); err != nil {
				if jobs.IsTransient(err) {
					// The pause keeps a dead backend from spinning the
					// queue through instant redeliveries.
					log.Warn().
						Err(err).
						Str("jobID", msg.JobID).
						Str("key", msg.ObjectKey).
						Msg("Transient failure before the job recorded it, requeueing")
					time.Sleep(c.requeueDelay)
					if err := delivery.Reject(true); err != nil {
						log.Error().Err(err).Msg("Failed to requeue delivery")
					}
					continue
				}

				// The failure already lives in the job record; requeueing
				// would just repeat it.
				log.Error().
					Err(err).
					Str("jobID", msg.JobID).
					Str("key", msg.ObjectKey).
					Msg("Work message failed")
			}

			if err := delivery.Ack(false); err != nil {
				log.Error().Err(err).Msg("Failed to ack delivery")
			}
		}
	}
}
