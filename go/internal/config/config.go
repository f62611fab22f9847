package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/estatebid/go/internal/auction"
	"github.com/mcdev12/estatebid/go/internal/dbconfig"
)

// Config is everything the bidding server reads at startup. Engine rules come
// from the YAML file; endpoints and secrets come from the environment.
type Config struct {
	Port      string
	Auction   AuctionConfig
	DB        dbconfig.Config
	NATSURL   string
	Redis     RedisConfig
	JWTSecret string
	RateLimit RateLimitConfig
}

// AuctionConfig is the `auction.yaml` document.
type AuctionConfig struct {
	auction.Settings `yaml:",inline"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
	Prefix         string
}

// DefaultAuctionConfig returns the engine rules used without a config file.
func DefaultAuctionConfig() AuctionConfig {
	return AuctionConfig{
		Settings:         auction.DefaultSettings(),
		SweepInterval:    time.Second,
		SubscriberBuffer: 64,
	}
}

// Load reads the optional YAML file at path and then the environment.
func Load(path string) (*Config, error) {
	ac, err := loadAuctionConfig(path)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:      getEnv("PORT", "8080"),
		Auction:   ac,
		DB:        dbconfig.NewConfigFromEnv(),
		NATSURL:   getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		JWTSecret: getEnv("JWT_SECRET", ""),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		RateLimit: loadRateLimitConfig(),
	}, nil
}

func loadAuctionConfig(path string) (AuctionConfig, error) {
	ac := DefaultAuctionConfig()
	if path == "" {
		return ac, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ac, nil
	}
	if err != nil {
		return AuctionConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &ac); err != nil {
		return AuctionConfig{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := ac.Validate(); err != nil {
		return AuctionConfig{}, err
	}
	return ac, nil
}

// Validate rejects settings no room could run with.
func (c AuctionConfig) Validate() error {
	switch {
	case c.WarningWindow < 0, c.AntiSnipeWindow < 0, c.Retention < 0, c.ClockSkewTolerance < 0:
		return fmt.Errorf("%w: windows must not be negative", auction.ErrInvalidConfig)
	case c.DefaultMinIncrement <= 0:
		return fmt.Errorf("%w: default_min_increment must be positive", auction.ErrInvalidConfig)
	case c.SweepInterval <= 0:
		return fmt.Errorf("%w: sweep_interval must be positive", auction.ErrInvalidConfig)
	case c.SubscriberBuffer <= 0:
		return fmt.Errorf("%w: subscriber_buffer must be positive", auction.ErrInvalidConfig)
	}
	return nil
}

func loadRateLimitConfig() RateLimitConfig {
	cfg := RateLimitConfig{
		Enabled:        getEnvAsBool("RATE_LIMIT_ENABLED", true),
		Capacity:       getEnvAsInt("RATE_LIMIT_CAPACITY", 10),
		RefillTokens:   getEnvAsInt("RATE_LIMIT_REFILL_TOKENS", 1),
		RefillInterval: getEnvAsDuration("RATE_LIMIT_REFILL_INTERVAL", time.Second),
		TTL:            getEnvAsDuration("RATE_LIMIT_TTL", 10*time.Minute),
		Prefix:         getEnv("RATE_LIMIT_PREFIX", "rl:bid"),
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.RefillTokens < 1 {
		cfg.RefillTokens = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	if minTTL := 5 * cfg.RefillInterval; cfg.TTL < minTTL {
		cfg.TTL = minTTL
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
