package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/mcdev12/estatebid/go/internal/auction"
	"github.com/mcdev12/estatebid/go/internal/engine"
	"github.com/mcdev12/estatebid/go/internal/models"
)

// Engine is the bidding API the gateway serves.
type Engine interface {
	PlaceBid(ctx context.Context, propertyID models.PropertyID, bidder models.UserID, amount models.Money) (*engine.BidResult, error)
	JoinRoom(ctx context.Context, propertyID models.PropertyID, user models.UserID) (auction.Snapshot, error)
	LeaveRoom(ctx context.Context, propertyID models.PropertyID, user models.UserID) (auction.Snapshot, error)
	Settle(ctx context.Context, propertyID models.PropertyID, winner models.UserID) (auction.Snapshot, error)
	Snapshot(propertyID models.PropertyID) (auction.Snapshot, error)
	History(propertyID models.PropertyID) (iter.Seq[models.Bid], error)
	Rooms() int
}

// BidArchive serves bid history for rooms that have been evicted.
type BidArchive interface {
	ListBids(ctx context.Context, propertyID models.PropertyID, limit int) ([]models.Bid, error)
}

// BidAccepted is the 202 body for an accepted bid.
type BidAccepted struct {
	Sequence     uint64        `json:"sequence"`
	CurrentPrice models.Money  `json:"current_price"`
	LeaderID     models.UserID `json:"leader_id"`
	MinNextBid   models.Money  `json:"min_next_bid"`
	Deadline     string        `json:"deadline"`
}

func bidAccepted(res *engine.BidResult) BidAccepted {
	return BidAccepted{
		Sequence:     res.Bid.Sequence,
		CurrentPrice: res.Room.CurrentPrice,
		LeaderID:     res.Room.LeaderID,
		MinNextBid:   res.Room.MinNextBid,
		Deadline:     res.Room.Deadline.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// parseAmount accepts only whole numbers of cents.
func parseAmount(n json.Number) (models.Money, error) {
	if n == "" {
		return 0, fmt.Errorf("%w: amount is required", auction.ErrInvalidAmount)
	}
	v, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %q", auction.ErrInvalidAmount, n)
	}
	if v <= 0 || models.Money(v) > models.MaxMoney {
		return 0, fmt.Errorf("%w: %d", auction.ErrInvalidAmount, v)
	}
	return models.Money(v), nil
}
