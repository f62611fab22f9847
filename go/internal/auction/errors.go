package auction

import (
	"errors"
	"fmt"

	"github.com/mcdev12/estatebid/go/internal/models"
)

// Kind classifies an error for the transport layers.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindBusinessRule
	KindConcurrency
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindBusinessRule:
		return "BusinessRuleError"
	case KindConcurrency:
		return "ConcurrencyError"
	case KindNotFound:
		return "NotFoundError"
	default:
		return "InternalError"
	}
}

// Validation errors are returned before any room state is touched.
var (
	ErrInvalidAmount      = errors.New("amount must be a positive whole number of cents")
	ErrInvalidBidder      = errors.New("bidder id is required")
	ErrInvalidConfig      = errors.New("invalid room config")
	ErrUnsupportedBidType = errors.New("bid type is not handled by the live engine")
)

// Business rule errors are expected and user facing.
var (
	ErrBidTooLow        = errors.New("bid too low")
	ErrAuctionNotOpen   = errors.New("auction not open")
	ErrSelfOutbid       = errors.New("leader cannot outbid themselves")
	ErrAuctionNotClosed = errors.New("auction not closed")
	ErrWinnerMismatch   = errors.New("winner does not match current leader")
)

var (
	// ErrStaleClock means the caller's clock is behind the ledger by more
	// than the configured skew tolerance.
	ErrStaleClock = errors.New("stale clock")

	ErrRoomNotFound = errors.New("room not found")
)

// KindOf maps an error onto the error taxonomy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidBidder),
		errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrUnsupportedBidType):
		return KindValidation
	case errors.Is(err, ErrBidTooLow),
		errors.Is(err, ErrAuctionNotOpen),
		errors.Is(err, ErrSelfOutbid),
		errors.Is(err, ErrAuctionNotClosed),
		errors.Is(err, ErrWinnerMismatch):
		return KindBusinessRule
	case errors.Is(err, ErrStaleClock):
		return KindConcurrency
	case errors.Is(err, ErrRoomNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

// ReasonCode returns the stable wire name for a rejection.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrBidTooLow):
		return "BidTooLow"
	case errors.Is(err, ErrAuctionNotOpen):
		return "AuctionNotOpen"
	case errors.Is(err, ErrSelfOutbid):
		return "SelfOutbid"
	case errors.Is(err, ErrAuctionNotClosed):
		return "AuctionNotClosed"
	case errors.Is(err, ErrWinnerMismatch):
		return "WinnerMismatch"
	case errors.Is(err, ErrStaleClock):
		return "StaleClock"
	case errors.Is(err, ErrRoomNotFound):
		return "NotFound"
	}
	return KindOf(err).String()
}

// BidError is a rejection that carries enough room state for the client to
// offer a corrected amount straight away.
type BidError struct {
	Reason       error
	PropertyID   models.PropertyID
	Phase        models.Phase
	CurrentPrice models.Money
	MinNextBid   models.Money
	Leader       models.UserID
}

func (e *BidError) Error() string {
	return fmt.Sprintf("%s: property=%s phase=%s current=%s min_next=%s",
		e.Reason, e.PropertyID, e.Phase, e.CurrentPrice, e.MinNextBid)
}

func (e *BidError) Unwrap() error { return e.Reason }

// Kind returns the taxonomy class of the underlying reason.
func (e *BidError) Kind() Kind { return KindOf(e.Reason) }

// InvariantViolation is raised when the cached room state disagrees with the
// ledger fold. It indicates a bug and is never returned to callers.
type InvariantViolation struct {
	PropertyID models.PropertyID
	Cached     Standing
	Folded     Standing
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("room %s diverged from ledger: cached=%s/%q folded=%s/%q",
		e.PropertyID, e.Cached.Price, e.Cached.Leader, e.Folded.Price, e.Folded.Leader)
}
