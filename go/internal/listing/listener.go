package listing

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/models"
)

// Opener is notified when a listing's scheduled start arrives.
type Opener interface {
	OpenRoom(ctx context.Context, propertyID models.PropertyID) error
}

type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to poll for starts we missed
	Lookback         time.Duration // How far back the poll looks
	PingInterval     time.Duration
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		NotifyChannel:    "listing_started",
		FallbackInterval: 30 * time.Second,
		Lookback:         2 * time.Minute,
		PingInterval:     90 * time.Second,
	}
}

// StartListener opens rooms when the catalogue announces a listing start on a
// NOTIFY channel. The payload is the property ID.
type StartListener struct {
	listener *pq.Listener
	store    Store
	opener   Opener
	cfg      ListenerConfig
}

func NewStartListener(store Store, opener Opener, cfg ListenerConfig) (*StartListener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for listing starts")

	return &StartListener{
		listener: l,
		store:    store,
		opener:   opener,
		cfg:      cfg,
	}, nil
}

func (l *StartListener) Start(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("start listener started")

	pingTicker := time.NewTicker(l.cfg.PingInterval)
	fallbackTicker := time.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	if err := PollStarts(ctx, l.store, l.opener, time.Now(), l.cfg.Lookback); err != nil {
		log.Error().Err(err).Msg("failed initial poll for started listings")
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("start listener shutting down")
			return l.listener.Close()
		case note := <-l.listener.Notify:
			if note == nil {
				// connection was lost and re-established; the poll catches up
				continue
			}
			pid := models.PropertyID(note.Extra)
			if err := l.opener.OpenRoom(ctx, pid); err != nil {
				log.Error().Err(err).Str("property_id", note.Extra).Msg("failed to open room")
			}
		case <-fallbackTicker.C:
			if err := PollStarts(ctx, l.store, l.opener, time.Now(), l.cfg.Lookback); err != nil {
				log.Error().Err(err).Msg("failed to poll started listings")
			}
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// PollStarts opens a room for every live listing that started within lookback
// of now. Opening an already open room is a no-op.
func PollStarts(ctx context.Context, store Store, opener Opener, now time.Time, lookback time.Duration) error {
	listings, err := store.StartingBetween(ctx, now.Add(-lookback), now)
	if err != nil {
		return err
	}
	for _, l := range listings {
		if err := opener.OpenRoom(ctx, l.PropertyID); err != nil {
			log.Error().Err(err).Str("property_id", string(l.PropertyID)).Msg("failed to open room")
			continue
		}
	}
	return nil
}
