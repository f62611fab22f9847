package auction

import (
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/mcdev12/estatebid/go/internal/models"
)

// Standing is the price and leader derived from a ledger.
type Standing struct {
	Price  models.Money
	Leader models.UserID
}

// HasLeader reports whether any bid has been accepted.
func (s Standing) HasLeader() bool { return s.Leader != "" }

// Ledger is the append-only record of accepted bids for one property. It is
// the source of truth for the current price and leader.
type Ledger struct {
	propertyID    models.PropertyID
	startingPrice models.Money
	tolerance     time.Duration

	mu   sync.RWMutex
	bids []models.Bid
}

// NewLedger creates an empty ledger for a property.
func NewLedger(propertyID models.PropertyID, startingPrice models.Money, skewTolerance time.Duration) *Ledger {
	return &Ledger{
		propertyID:    propertyID,
		startingPrice: startingPrice,
		tolerance:     skewTolerance,
	}
}

// PropertyID returns the property this ledger belongs to.
func (l *Ledger) PropertyID() models.PropertyID { return l.propertyID }

// Append records a bid and assigns it the next sequence number. It fails with
// ErrStaleClock when now is earlier than the last bid minus the skew tolerance.
func (l *Ledger) Append(bidderID models.UserID, amount models.Money, now time.Time) (models.Bid, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.bids); n > 0 {
		last := l.bids[n-1]
		if now.Before(last.PlacedAt.Add(-l.tolerance)) {
			return models.Bid{}, fmt.Errorf("%w: %s is before last bid #%d at %s",
				ErrStaleClock, now.Format(time.RFC3339Nano), last.Sequence, last.PlacedAt.Format(time.RFC3339Nano))
		}
	}

	bid := models.Bid{
		Sequence:   uint64(len(l.bids)) + 1,
		PropertyID: l.propertyID,
		BidderID:   bidderID,
		Amount:     amount,
		PlacedAt:   now,
	}
	l.bids = append(l.bids, bid)
	return bid, nil
}

// Fold derives the standing from the appended bids: the last bid's amount and
// bidder, or the starting price with no leader when empty.
func (l *Ledger) Fold() Standing {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fold(l.startingPrice, l.bids)
}

func fold(startingPrice models.Money, bids []models.Bid) Standing {
	s := Standing{Price: startingPrice}
	for _, b := range bids {
		s = Standing{Price: b.Amount, Leader: b.BidderID}
	}
	return s
}

// Len returns the number of accepted bids.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.bids)
}

// Bids returns a copy of the ledger, oldest first.
func (l *Ledger) Bids() []models.Bid {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Bid, len(l.bids))
	copy(out, l.bids)
	return out
}

// History yields accepted bids newest first. Each range over the returned
// sequence starts again from the newest bid at that moment and stops after the
// oldest, so bids appended mid-iteration are not visited.
func (l *Ledger) History() iter.Seq[models.Bid] {
	return func(yield func(models.Bid) bool) {
		l.mu.RLock()
		n := len(l.bids)
		l.mu.RUnlock()

		for i := n - 1; i >= 0; i-- {
			l.mu.RLock()
			b := l.bids[i]
			l.mu.RUnlock()
			if !yield(b) {
				return
			}
		}
	}
}
