package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/events"
)

const (
	consumerName          = "auction-archive"
	consumerMaxDeliver    = 10
	consumerAckWait       = 30 * time.Second
	consumerMaxAckPending = 256
)

type ConsumerConfig struct {
	StreamName    string
	SubjectPrefix string
}

// Consumer feeds the durable JetStream stream of room events into the
// archive. It acks after the write and naks on failure so the event is
// redelivered.
type Consumer struct {
	js       jetstream.JetStream
	cfg      ConsumerConfig
	handler  *Handler
	consumer jetstream.Consumer
}

func NewConsumer(ctx context.Context, js jetstream.JetStream, cfg ConsumerConfig, handler *Handler) (*Consumer, error) {
	c := &Consumer{js: js, cfg: cfg, handler: handler}
	if err := c.ensureConsumer(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ensureConsumer creates or gets the durable consumer
func (c *Consumer) ensureConsumer(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.cfg.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumer, err := stream.Consumer(ctx, consumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
			Name:          consumerName,
			Durable:       consumerName,
			Description:   "Auction archive writer",
			FilterSubject: c.cfg.SubjectPrefix + ".>",
			DeliverPolicy: jetstream.DeliverAllPolicy,
			AckPolicy:     jetstream.AckExplicitPolicy,
			MaxDeliver:    consumerMaxDeliver,
			AckWait:       consumerAckWait,
			MaxAckPending: consumerMaxAckPending,
			ReplayPolicy:  jetstream.ReplayInstantPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().Str("consumer", consumerName).Msg("created JetStream consumer")
	} else {
		log.Info().Str("consumer", consumerName).Msg("using existing JetStream consumer")
	}

	c.consumer = consumer
	return nil
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	consumeCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		c.process(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("start JetStream consumer: %w", err)
	}
	defer consumeCtx.Stop()

	log.Info().Str("consumer", consumerName).Msg("archive consumer started")
	<-ctx.Done()
	log.Info().Str("consumer", consumerName).Msg("archive consumer shutting down")
	return nil
}

func (c *Consumer) process(ctx context.Context, msg jetstream.Msg) {
	var event events.Event
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		// a malformed message will never decode; drop it
		log.Error().Err(err).Str("subject", msg.Subject()).Msg("unmarshal event")
		if err := msg.Term(); err != nil {
			log.Error().Err(err).Msg("failed to terminate message")
		}
		return
	}

	if err := c.handler.Handle(ctx, &event); err != nil {
		log.Error().
			Err(err).
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Str("property_id", string(event.PropertyID)).
			Msg("failed to archive event")
		if err := msg.Nak(); err != nil {
			log.Error().Err(err).Msg("failed to nak message")
		}
		return
	}

	if err := msg.Ack(); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("failed to ack message")
	}
}
