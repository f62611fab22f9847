package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/broadcast"
	"github.com/mcdev12/estatebid/go/internal/events"
)

// EventPublisher is the outbound bus.
type EventPublisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

type Config struct {
	MaxRetries int
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: 5,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Relay forwards every broadcast event to the bus. It reads from a queued
// firehose subscription, so a stalled bus grows the backlog instead of losing
// events, and never adds bid latency.
type Relay struct {
	sub       *broadcast.Subscription
	publisher EventPublisher
	cfg       Config
}

func New(b *broadcast.Broadcaster, publisher EventPublisher, cfg Config) *Relay {
	return &Relay{
		sub:       b.SubscribeAllQueued(),
		publisher: publisher,
		cfg:       cfg,
	}
}

// Run forwards events until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	log.Info().Str("subscription_id", r.sub.ID).Msg("relay started")
	defer r.sub.Close()

	for {
		select {
		case <-ctx.Done():
			log.Info().Int("backlog", r.sub.Backlog()).Msg("relay shutting down")
			return nil
		case event, ok := <-r.sub.C():
			if !ok {
				return nil
			}
			if err := r.publishWithRetry(ctx, event); err != nil {
				log.Error().
					Err(err).
					Str("event_id", event.ID).
					Str("property_id", string(event.PropertyID)).
					Str("event_type", string(event.Type)).
					Msg("failed to relay event")
			}
		}
	}
}

// publishWithRetry attempts to publish an event with a linear backoff.
func (r *Relay) publishWithRetry(ctx context.Context, event *events.Event) error {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.cfg.RetryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := r.publisher.Publish(ctx, event); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("event_id", event.ID).
				Msg("failed to publish, retrying")
			continue
		}

		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("event_id", event.ID).
				Msg("publish succeeded after retry")
		}
		return nil
	}

	return fmt.Errorf("publish failed after %d attempts: %w", r.cfg.MaxRetries+1, lastErr)
}
