package main

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/estatebid/go/internal/archive"
	"github.com/mcdev12/estatebid/go/internal/auction"
	"github.com/mcdev12/estatebid/go/internal/broadcast"
	"github.com/mcdev12/estatebid/go/internal/config"
	"github.com/mcdev12/estatebid/go/internal/engine"
	"github.com/mcdev12/estatebid/go/internal/gateway"
	"github.com/mcdev12/estatebid/go/internal/identity"
	"github.com/mcdev12/estatebid/go/internal/listing"
	"github.com/mcdev12/estatebid/go/internal/ratelimit"
	"github.com/mcdev12/estatebid/go/internal/relay"
	"github.com/mcdev12/estatebid/go/internal/rpc"
	"github.com/mcdev12/estatebid/go/internal/scheduler"
)

type Services struct {
	Engine      *engine.Engine
	Broadcaster *broadcast.Broadcaster
	Gateway     *gateway.Service
	RPC         *rpc.Service
	Verifier    identity.Verifier

	scheduler *scheduler.Scheduler
	relay     *relay.Relay
	archive   *archive.Consumer
	listener  *listing.StartListener
	listings  listing.Store
	cfg       *config.Config

	db        *sql.DB
	pool      *pgxpool.Pool
	redis     *redis.Client
	publisher *relay.JetStreamPublisher
}

// setupServices wires the dependency chain:
// database → listing store → engine → broadcaster → relay / archive / gateway.
// NATS and Redis are optional; without them the server runs single-instance
// with no archive and no rate limiting.
func setupServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}
	clock := clockwork.NewRealClock()

	db, err := setupDatabase(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	s.db = db
	listings := listing.NewPostgresStore(db)
	if err := listings.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	s.listings = listings

	s.Broadcaster = broadcast.New(cfg.Auction.SubscriberBuffer)
	s.Engine = engine.New(engine.Config{
		Listings:  listings,
		Publisher: s.Broadcaster,
		Clock:     clock,
		Settings:  cfg.Auction.Settings,
		Hooks: engine.Hooks{
			OnRoomClosed: func(room auction.Snapshot) {
				log.Info().
					Str("property_id", string(room.PropertyID)).
					Str("winner_id", string(room.LeaderID)).
					Stringer("final_price", room.CurrentPrice).
					Uint64("total_bids", room.LastSequence).
					Msg("auction closed")
			},
		},
	})
	s.scheduler = scheduler.New(s.Engine, clock, cfg.Auction.SweepInterval)

	var bidArchive gateway.BidArchive
	if pool, err := setupPool(ctx, cfg.DB); err != nil {
		log.Warn().Err(err).Msg("archive pool unavailable, bid history limited to live rooms")
	} else {
		s.pool = pool
		store := archive.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		bidArchive = store
		s.setupEventStream(ctx, store)
	}

	s.redis = ratelimit.NewRedisClient(cfg.Redis)
	limiter := ratelimit.New(s.redis, cfg.RateLimit, clock)

	listenerCfg := listing.DefaultListenerConfig()
	listenerCfg.DatabaseURL = cfg.DB.DSN()
	if l, err := listing.NewStartListener(listings, s.Engine, listenerCfg); err != nil {
		log.Warn().Err(err).Msg("listing start listener unavailable, rooms open on first use")
	} else {
		s.listener = l
	}

	s.Verifier = identity.NewJWTVerifier(cfg.JWTSecret)
	s.Gateway = gateway.NewService(gateway.Deps{
		Engine:      s.Engine,
		Broadcaster: s.Broadcaster,
		Verifier:    s.Verifier,
		Limiter:     limiter,
		Archive:     bidArchive,
		Clock:       clock,
	}, gateway.DefaultConfig())
	s.RPC = rpc.NewService(s.Engine, limiter)

	return s, nil
}

// setupEventStream connects the relay and the archive consumer to JetStream.
func (s *Services) setupEventStream(ctx context.Context, store *archive.PostgresStore) {
	jsCfg := relay.DefaultJetStreamConfig()
	jsCfg.URL = s.cfg.NATSURL

	publisher, err := relay.NewJetStreamPublisher(ctx, jsCfg)
	if err != nil {
		log.Warn().Err(err).Msg("JetStream unavailable, events stay in-process")
		return
	}
	s.publisher = publisher
	s.relay = relay.New(s.Broadcaster, publisher, relay.DefaultConfig())

	consumer, err := archive.NewConsumer(ctx, publisher.JetStream(), archive.ConsumerConfig{
		StreamName:    jsCfg.StreamName,
		SubjectPrefix: jsCfg.SubjectPrefix,
	}, archive.NewHandler(store))
	if err != nil {
		log.Warn().Err(err).Msg("archive consumer unavailable")
		return
	}
	s.archive = consumer
}

// Run starts the background workers on g.
func (s *Services) Run(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return ignoreCanceled(s.scheduler.Run(ctx)) })

	if s.relay != nil {
		g.Go(func() error { return ignoreCanceled(s.relay.Run(ctx)) })
	}
	if s.archive != nil {
		g.Go(func() error { return ignoreCanceled(s.archive.Run(ctx)) })
	}
	if s.listener != nil {
		g.Go(func() error { return ignoreCanceled(s.listener.Start(ctx)) })
	} else {
		// Without NOTIFY, poll for scheduled starts so rooms open on time.
		g.Go(func() error { return s.pollStarts(ctx) })
	}
}

func (s *Services) pollStarts(ctx context.Context) error {
	cfg := listing.DefaultListenerConfig()
	clock := clockwork.NewRealClock()
	ticker := clock.NewTicker(cfg.FallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := listing.PollStarts(ctx, s.listings, s.Engine, clock.Now(), cfg.Lookback); err != nil {
				log.Warn().Err(err).Msg("failed to poll listing starts")
			}
		}
	}
}

// Close releases connections in reverse order of setup.
func (s *Services) Close() {
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close JetStream publisher")
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var _ listing.Opener = (*engine.Engine)(nil)
