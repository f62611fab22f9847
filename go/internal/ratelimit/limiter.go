package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/config"
	"github.com/mcdev12/estatebid/go/internal/models"
)

//go:embed scripts/token_bucket.lua
var tokenBucketLua string

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter throttles bid placement per bidder.
type Limiter interface {
	Allow(ctx context.Context, bidder models.UserID) (Decision, error)
}

// Noop allows everything. Used when rate limiting is disabled or Redis is
// unavailable.
type Noop struct{}

func (Noop) Allow(context.Context, models.UserID) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// RedisLimiter is a token bucket per bidder kept in Redis, so every gateway
// instance shares the same budget.
type RedisLimiter struct {
	rdb    redis.Scripter
	script *redis.Script
	cfg    config.RateLimitConfig
	clock  clockwork.Clock
}

// New returns a RedisLimiter, or Noop when limiting is disabled or rdb is nil.
func New(rdb *redis.Client, cfg config.RateLimitConfig, clock clockwork.Clock) Limiter {
	if !cfg.Enabled || rdb == nil {
		log.Info().Bool("enabled", cfg.Enabled).Bool("redis", rdb != nil).Msg("bid rate limiting disabled")
		return Noop{}
	}
	return &RedisLimiter{
		rdb:    rdb,
		script: redis.NewScript(tokenBucketLua),
		cfg:    cfg,
		clock:  clock,
	}
}

// Allow takes one token from the bidder's bucket. On Redis errors the request
// is allowed and the error returned for logging.
func (l *RedisLimiter) Allow(ctx context.Context, bidder models.UserID) (Decision, error) {
	vals, err := l.script.Run(ctx, l.rdb, []string{l.key(bidder)},
		l.clock.Now().UnixMilli(),
		l.cfg.Capacity,
		l.cfg.RefillTokens,
		l.cfg.RefillInterval.Milliseconds(),
		int64(l.cfg.TTL/time.Second),
	).Int64Slice()
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("redis: rate limit allow %s: %w", bidder, err)
	}
	return parseDecision(vals)
}

func (l *RedisLimiter) key(bidder models.UserID) string {
	return l.cfg.Prefix + ":" + string(bidder)
}

func parseDecision(vals []int64) (Decision, error) {
	if len(vals) != 3 {
		return Decision{Allowed: true}, fmt.Errorf("redis: rate limit: unexpected result length %d", len(vals))
	}
	return Decision{
		Allowed:    vals[0] == 1,
		Remaining:  vals[1],
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

// NewRedisClient connects to Redis and pings it. It returns nil when the
// server cannot be reached so callers can degrade to Noop.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unavailable")
		_ = client.Close()
		return nil
	}
	return client
}
