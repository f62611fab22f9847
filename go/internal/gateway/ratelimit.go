package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/engine"
	"github.com/mcdev12/estatebid/go/internal/models"
	"github.com/mcdev12/estatebid/go/internal/ratelimit"
)

// ErrRateLimited is returned when a bidder has exhausted their bid budget.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError carries how long the bidder should wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// placeBid is shared by the HTTP and WebSocket surfaces. The limiter fails
// open: a Redis outage must not stop bidding.
func placeBid(ctx context.Context, eng Engine, limiter ratelimit.Limiter, propertyID models.PropertyID, bidder models.UserID, amount models.Money) (*engine.BidResult, error) {
	if limiter != nil {
		decision, err := limiter.Allow(ctx, bidder)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("bidder_id", string(bidder)).Msg("rate limiter unavailable, allowing bid")
		case !decision.Allowed:
			log.Debug().
				Str("bidder_id", string(bidder)).
				Str("property_id", string(propertyID)).
				Dur("retry_after", decision.RetryAfter).
				Msg("bid rate limited")
			return nil, &RateLimitError{RetryAfter: decision.RetryAfter}
		}
	}
	return eng.PlaceBid(ctx, propertyID, bidder, amount)
}
