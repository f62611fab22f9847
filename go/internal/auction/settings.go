package auction

import (
	"fmt"
	"time"

	"github.com/mcdev12/estatebid/go/internal/models"
)

// Settings are the engine-wide auction rules. Per-listing values such as the
// starting price come from the listing itself.
type Settings struct {
	WarningWindow       time.Duration `yaml:"warning_window"`
	AntiSnipeWindow     time.Duration `yaml:"anti_snipe_window"`
	Retention           time.Duration `yaml:"retention"`
	ClockSkewTolerance  time.Duration `yaml:"clock_skew_tolerance"`
	DefaultMinIncrement models.Money  `yaml:"default_min_increment"`
}

// DefaultSettings returns the rules used when no config file overrides them.
func DefaultSettings() Settings {
	return Settings{
		WarningWindow:       5 * time.Minute,
		AntiSnipeWindow:     60 * time.Second,
		Retention:           time.Hour,
		ClockSkewTolerance:  2 * time.Second,
		DefaultMinIncrement: 100,
	}
}

// RoomConfig is everything a room needs to run one live auction.
type RoomConfig struct {
	StartingPrice      models.Money
	MinIncrement       models.Money
	StartTime          time.Time
	Deadline           time.Time
	WarningWindow      time.Duration
	AntiSnipeWindow    time.Duration
	Retention          time.Duration
	ClockSkewTolerance time.Duration
}

// Validate checks the config before a room is built from it.
func (c RoomConfig) Validate() error {
	switch {
	case c.StartingPrice < 0:
		return fmt.Errorf("%w: starting price %d is negative", ErrInvalidConfig, c.StartingPrice)
	case c.StartingPrice > models.MaxMoney:
		return fmt.Errorf("%w: starting price %d exceeds %d", ErrInvalidConfig, c.StartingPrice, models.MaxMoney)
	case c.MinIncrement <= 0:
		return fmt.Errorf("%w: min increment must be positive", ErrInvalidConfig)
	case c.MinIncrement > models.MaxMoney:
		return fmt.Errorf("%w: min increment %d exceeds %d", ErrInvalidConfig, c.MinIncrement, models.MaxMoney)
	case c.Deadline.IsZero():
		return fmt.Errorf("%w: deadline is required", ErrInvalidConfig)
	case c.Deadline.Before(c.StartTime):
		return fmt.Errorf("%w: deadline %s is before start %s", ErrInvalidConfig, c.Deadline, c.StartTime)
	case c.WarningWindow < 0, c.AntiSnipeWindow < 0, c.Retention < 0, c.ClockSkewTolerance < 0:
		return fmt.Errorf("%w: windows must not be negative", ErrInvalidConfig)
	}
	return nil
}

// RoomConfigFor builds the room config for a live listing.
func (s Settings) RoomConfigFor(l models.Listing) (RoomConfig, error) {
	if l.BidType != models.BidTypeLive {
		return RoomConfig{}, fmt.Errorf("%w: %q", ErrUnsupportedBidType, l.BidType)
	}

	minIncrement := l.MinIncrement
	if minIncrement == 0 {
		minIncrement = s.DefaultMinIncrement
	}

	cfg := RoomConfig{
		StartingPrice:      l.StartingPrice,
		MinIncrement:       minIncrement,
		StartTime:          l.StartTime,
		Deadline:           l.EndTime,
		WarningWindow:      s.WarningWindow,
		AntiSnipeWindow:    s.AntiSnipeWindow,
		Retention:          s.Retention,
		ClockSkewTolerance: s.ClockSkewTolerance,
	}
	if err := cfg.Validate(); err != nil {
		return RoomConfig{}, err
	}
	return cfg, nil
}
