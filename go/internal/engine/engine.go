package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/auction"
	"github.com/mcdev12/estatebid/go/internal/events"
	"github.com/mcdev12/estatebid/go/internal/listing"
	"github.com/mcdev12/estatebid/go/internal/models"
)

// Publisher receives room events in ledger order. Publish must not block.
type Publisher interface {
	Publish(event *events.Event)
}

// Hooks are called after the room has been released, for collaborators such
// as notification delivery. Either may be nil.
type Hooks struct {
	OnBidAccepted func(bid models.Bid, room auction.Snapshot)
	OnRoomClosed  func(room auction.Snapshot)
}

type Config struct {
	Registry  *auction.Registry
	Listings  listing.Store
	Publisher Publisher
	Clock     auction.Clock
	Settings  auction.Settings
	Hooks     Hooks
}

// Engine is the bidding API. It wires listings, rooms and the event stream;
// every auction rule is enforced by the room itself.
type Engine struct {
	registry  *auction.Registry
	listings  listing.Store
	publisher Publisher
	clock     auction.Clock
	settings  auction.Settings
	hooks     Hooks
}

func New(cfg Config) *Engine {
	if cfg.Registry == nil {
		cfg.Registry = auction.NewRegistry()
	}
	return &Engine{
		registry:  cfg.Registry,
		listings:  cfg.Listings,
		publisher: cfg.Publisher,
		clock:     cfg.Clock,
		settings:  cfg.Settings,
		hooks:     cfg.Hooks,
	}
}

// BidResult is returned for an accepted bid.
type BidResult struct {
	Bid  models.Bid       `json:"bid"`
	Room auction.Snapshot `json:"room"`
}

// PlaceBid submits a bid, creating the room from its listing on first use.
// Rejections are returned as *auction.BidError.
func (e *Engine) PlaceBid(ctx context.Context, propertyID models.PropertyID, bidder models.UserID, amount models.Money) (*BidResult, error) {
	if err := auction.ValidateBid(bidder, amount); err != nil {
		logRejection(err, propertyID, bidder, amount)
		return nil, err
	}

	room, err := e.room(ctx, propertyID)
	if err != nil {
		return nil, err
	}

	var after afterCommit
	now := e.clock.Now()
	change, err := room.PlaceBid(ctx, bidder, amount, now, e.commit(now, &after))
	after.run(e.hooks)
	if err != nil {
		logRejection(err, propertyID, bidder, amount)
		return nil, err
	}

	log.Debug().
		Str("property_id", string(propertyID)).
		Str("bidder_id", string(bidder)).
		Uint64("sequence", change.Bid.Sequence).
		Stringer("amount", amount).
		Bool("deadline_extended", change.DeadlineExtended).
		Msg("bid accepted")

	return &BidResult{Bid: *change.Bid, Room: change.Snapshot}, nil
}

// JoinRoom adds a participant, creating the room from its listing on first use.
func (e *Engine) JoinRoom(ctx context.Context, propertyID models.PropertyID, user models.UserID) (auction.Snapshot, error) {
	room, err := e.room(ctx, propertyID)
	if err != nil {
		return auction.Snapshot{}, err
	}

	var after afterCommit
	now := e.clock.Now()
	change, err := room.Join(ctx, user, now, e.commit(now, &after))
	after.run(e.hooks)
	if err != nil {
		return auction.Snapshot{}, err
	}
	return change.Snapshot, nil
}

// LeaveRoom removes a participant. Leaving a room that is not registered is
// reported as not found.
func (e *Engine) LeaveRoom(ctx context.Context, propertyID models.PropertyID, user models.UserID) (auction.Snapshot, error) {
	room, ok := e.registry.Get(propertyID)
	if !ok {
		return auction.Snapshot{}, fmt.Errorf("%w: %s", auction.ErrRoomNotFound, propertyID)
	}

	var after afterCommit
	now := e.clock.Now()
	change, err := room.Leave(ctx, user, now, e.commit(now, &after))
	after.run(e.hooks)
	if err != nil {
		return auction.Snapshot{}, err
	}
	return change.Snapshot, nil
}

// OpenRoom is the scheduled-start trigger. It creates the room if needed and
// advances it to the current time.
func (e *Engine) OpenRoom(ctx context.Context, propertyID models.PropertyID) error {
	room, err := e.room(ctx, propertyID)
	if err != nil {
		return err
	}

	var after afterCommit
	now := e.clock.Now()
	change := room.Tick(now, e.commit(now, &after))
	after.run(e.hooks)

	log.Info().
		Str("property_id", string(propertyID)).
		Stringer("phase", change.Snapshot.Phase).
		Time("start_time", change.Snapshot.StartTime).
		Msg("room opened by start trigger")
	return nil
}

// Settle records the external settlement of a closed room.
func (e *Engine) Settle(ctx context.Context, propertyID models.PropertyID, winner models.UserID) (auction.Snapshot, error) {
	room, ok := e.registry.Get(propertyID)
	if !ok {
		return auction.Snapshot{}, fmt.Errorf("%w: %s", auction.ErrRoomNotFound, propertyID)
	}

	var after afterCommit
	now := e.clock.Now()
	change, err := room.Settle(ctx, winner, now, e.commit(now, &after))
	after.run(e.hooks)
	if err != nil {
		return auction.Snapshot{}, err
	}

	log.Info().
		Str("property_id", string(propertyID)).
		Str("winner_id", string(winner)).
		Stringer("final_price", change.Snapshot.CurrentPrice).
		Msg("room settled")
	return change.Snapshot, nil
}

// CloseExpiredRooms advances every room to now, publishing the resulting
// transitions, then evicts settled rooms past retention. It returns the rooms
// that closed during this call.
func (e *Engine) CloseExpiredRooms(now time.Time) []models.PropertyID {
	var (
		closed []models.PropertyID
		after  afterCommit
	)
	for _, room := range e.registry.Rooms() {
		change := room.Tick(now, e.commit(now, &after))
		for _, tr := range change.Transitions {
			if tr.To == models.PhaseClosed {
				closed = append(closed, room.PropertyID())
			}
		}
	}
	after.run(e.hooks)

	evicted := e.registry.Sweep(now)
	if len(closed) > 0 || len(evicted) > 0 {
		log.Info().
			Int("closed", len(closed)).
			Int("evicted", len(evicted)).
			Int("rooms", e.registry.Len()).
			Msg("swept rooms")
	}
	return closed
}

// Snapshot returns the state of a registered room.
func (e *Engine) Snapshot(propertyID models.PropertyID) (auction.Snapshot, error) {
	room, ok := e.registry.Get(propertyID)
	if !ok {
		return auction.Snapshot{}, fmt.Errorf("%w: %s", auction.ErrRoomNotFound, propertyID)
	}
	return room.Snapshot(), nil
}

// History returns the accepted bids of a registered room, newest first.
func (e *Engine) History(propertyID models.PropertyID) (iter.Seq[models.Bid], error) {
	room, ok := e.registry.Get(propertyID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", auction.ErrRoomNotFound, propertyID)
	}
	return room.Ledger().History(), nil
}

// NextDeadline returns the earliest time any room needs attention.
func (e *Engine) NextDeadline() (time.Time, bool) {
	return e.registry.NextEvent()
}

// Rooms returns the number of registered rooms.
func (e *Engine) Rooms() int {
	return e.registry.Len()
}

// room resolves a property to its room, loading the listing outside of any
// lock when the room does not exist yet.
func (e *Engine) room(ctx context.Context, propertyID models.PropertyID) (*auction.Room, error) {
	if room, ok := e.registry.Get(propertyID); ok {
		return room, nil
	}

	l, err := e.listings.Get(ctx, propertyID)
	if errors.Is(err, listing.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", auction.ErrRoomNotFound, propertyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load listing %s: %w", propertyID, err)
	}

	cfg, err := e.settings.RoomConfigFor(l)
	if err != nil {
		return nil, err
	}
	room, _, err := e.registry.GetOrCreate(propertyID, cfg)
	return room, err
}

// commit returns the callback that publishes a change while the room is held
// and queues hooks for after release.
func (e *Engine) commit(now time.Time, after *afterCommit) auction.CommitFunc {
	return func(change auction.Change) {
		for _, event := range eventsFor(change, now) {
			if e.publisher != nil {
				e.publisher.Publish(event)
			}
		}
		if change.Bid != nil {
			after.bids = append(after.bids, bidHook{bid: *change.Bid, room: change.Snapshot})
		}
		for _, tr := range change.Transitions {
			if tr.To == models.PhaseClosed {
				after.closed = append(after.closed, change.Snapshot)
			}
		}
	}
}

type bidHook struct {
	bid  models.Bid
	room auction.Snapshot
}

type afterCommit struct {
	bids   []bidHook
	closed []auction.Snapshot
}

func (a *afterCommit) run(h Hooks) {
	if h.OnBidAccepted != nil {
		for _, b := range a.bids {
			h.OnBidAccepted(b.bid, b.room)
		}
	}
	if h.OnRoomClosed != nil {
		for _, s := range a.closed {
			h.OnRoomClosed(s)
		}
	}
}

func logRejection(err error, propertyID models.PropertyID, bidder models.UserID, amount models.Money) {
	level := zerolog.DebugLevel
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case auction.KindOf(err) == auction.KindConcurrency, auction.KindOf(err) == auction.KindInternal:
		level = zerolog.ErrorLevel
	}
	log.WithLevel(level).
		Err(err).
		Str("property_id", string(propertyID)).
		Str("bidder_id", string(bidder)).
		Stringer("amount", amount).
		Str("reason", auction.ReasonCode(err)).
		Msg("bid rejected")
}
