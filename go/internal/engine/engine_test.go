package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/estatebid/go/internal/auction"
	"github.com/mcdev12/estatebid/go/internal/broadcast"
	"github.com/mcdev12/estatebid/go/internal/events"
	"github.com/mcdev12/estatebid/go/internal/listing"
	"github.com/mcdev12/estatebid/go/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Publish(e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fixture struct {
	engine *Engine
	clock  *clockwork.FakeClock
	pub    *recorder
	store  *listing.MemoryStore

	mu      sync.Mutex
	bidHook []models.Bid
	closed  []auction.Snapshot
}

func newFixture(t *testing.T, listings ...models.Listing) *fixture {
	t.Helper()
	f := &fixture{
		clock: clockwork.NewFakeClockAt(t0),
		pub:   &recorder{},
		store: listing.NewMemoryStore(listings...),
	}
	settings := auction.DefaultSettings()
	settings.DefaultMinIncrement = 10000
	f.engine = New(Config{
		Listings:  f.store,
		Publisher: f.pub,
		Clock:     f.clock,
		Settings:  settings,
		Hooks: Hooks{
			OnBidAccepted: func(b models.Bid, _ auction.Snapshot) {
				f.mu.Lock()
				f.bidHook = append(f.bidHook, b)
				f.mu.Unlock()
			},
			OnRoomClosed: func(s auction.Snapshot) {
				f.mu.Lock()
				f.closed = append(f.closed, s)
				f.mu.Unlock()
			},
		},
	})
	return f
}

func liveListing(id models.PropertyID, start, end time.Time) models.Listing {
	return models.Listing{
		PropertyID:    id,
		BidType:       models.BidTypeLive,
		StartingPrice: 100000,
		StartTime:     start,
		EndTime:       end,
	}
}

func TestPlaceBidUnknownProperty(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.PlaceBid(context.Background(), "nope", "A", 110000)
	require.ErrorIs(t, err, auction.ErrRoomNotFound)
	assert.Equal(t, auction.KindNotFound, auction.KindOf(err))
}

func TestPlaceBidRejectsNonLiveListing(t *testing.T) {
	l := liveListing("sealed", t0.Add(-time.Hour), t0.Add(time.Hour))
	l.BidType = models.BidTypeSealed
	f := newFixture(t, l)

	_, err := f.engine.PlaceBid(context.Background(), "sealed", "A", 110000)
	require.ErrorIs(t, err, auction.ErrUnsupportedBidType)
	assert.Equal(t, 0, f.engine.Rooms())
}

func TestPlaceBidValidatesBeforeResolvingRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, liveListing("p1", t0.Add(-time.Hour), t0.Add(time.Hour)))

	_, err := f.engine.PlaceBid(ctx, "nope", "A", 0)
	require.ErrorIs(t, err, auction.ErrInvalidAmount)
	assert.Equal(t, auction.KindValidation, auction.KindOf(err))

	_, err = f.engine.PlaceBid(ctx, "p1", "", 110000)
	require.ErrorIs(t, err, auction.ErrInvalidBidder)

	_, err = f.engine.PlaceBid(ctx, "p1", "A", models.MaxMoney+1)
	require.ErrorIs(t, err, auction.ErrInvalidAmount)

	assert.Equal(t, 0, f.engine.Rooms())
	assert.Empty(t, f.pub.types())
}

func TestPlaceBidScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, liveListing("p1", t0.Add(-time.Hour), t0.Add(24*time.Hour)))

	_, err := f.engine.PlaceBid(ctx, "p1", "A", 100000)
	var bidErr *auction.BidError
	require.True(t, errors.As(err, &bidErr))
	assert.Equal(t, models.Money(110000), bidErr.MinNextBid)

	res, err := f.engine.PlaceBid(ctx, "p1", "A", 110000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Bid.Sequence)
	assert.Equal(t, models.UserID("A"), res.Room.LeaderID)

	_, err = f.engine.PlaceBid(ctx, "p1", "A", 120000)
	require.ErrorIs(t, err, auction.ErrSelfOutbid)

	assert.Equal(t, []events.Type{events.TypePhaseChanged, events.TypeBidAccepted}, f.pub.types())
	assert.Len(t, f.bidHook, 1)

	var payload events.BidAcceptedPayload
	require.NoError(t, f.pub.events[1].Decode(&payload))
	assert.Equal(t, models.Money(110000), payload.CurrentPrice)
	assert.Equal(t, models.Money(120000), payload.MinNextBid)
	assert.NotEmpty(t, payload.RoomID)
	assert.Equal(t, res.Room.RoomID, payload.RoomID)
}

func TestJoinAndLeave(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, liveListing("p1", t0.Add(time.Hour), t0.Add(2*time.Hour)))

	snap, err := f.engine.JoinRoom(ctx, "p1", "A")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Participants)
	assert.Equal(t, models.PhaseScheduled, snap.Phase)

	snap, err = f.engine.LeaveRoom(ctx, "p1", "A")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Participants)
	assert.Equal(t, []events.Type{events.TypeParticipantsChanged, events.TypeParticipantsChanged}, f.pub.types())

	_, err = f.engine.LeaveRoom(ctx, "other", "A")
	require.ErrorIs(t, err, auction.ErrRoomNotFound)
}

func TestAntiSnipePublishesExtension(t *testing.T) {
	ctx := context.Background()
	deadline := t0.Add(10 * time.Second)
	f := newFixture(t, liveListing("p1", t0.Add(-time.Hour), deadline))

	res, err := f.engine.PlaceBid(ctx, "p1", "B", 110000)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(60*time.Second), res.Room.Deadline)

	types := f.pub.types()
	require.Equal(t, events.TypeDeadlineExtended, types[len(types)-1])

	var ext events.DeadlineExtendedPayload
	require.NoError(t, f.pub.events[len(types)-1].Decode(&ext))
	assert.Equal(t, deadline, ext.PreviousDeadline)
	assert.Equal(t, t0.Add(60*time.Second), ext.Deadline)
}

func TestCloseExpiredRooms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		liveListing("short", t0.Add(-time.Hour), t0.Add(10*time.Minute)),
		liveListing("long", t0.Add(-time.Hour), t0.Add(24*time.Hour)),
	)

	_, err := f.engine.PlaceBid(ctx, "short", "A", 110000)
	require.NoError(t, err)
	_, err = f.engine.JoinRoom(ctx, "long", "B")
	require.NoError(t, err)
	f.pub.reset()

	assert.Empty(t, f.engine.CloseExpiredRooms(f.clock.Now()))

	f.clock.Advance(10 * time.Minute)
	closed := f.engine.CloseExpiredRooms(f.clock.Now())
	assert.Equal(t, []models.PropertyID{"short"}, closed)
	require.Len(t, f.closed, 1)
	assert.Equal(t, models.UserID("A"), f.closed[0].LeaderID)

	assert.Contains(t, f.pub.types(), events.TypeRoomClosed)

	// a second sweep finds nothing new
	assert.Empty(t, f.engine.CloseExpiredRooms(f.clock.Now()))
	assert.Len(t, f.closed, 1)

	_, err = f.engine.PlaceBid(ctx, "short", "B", 200000)
	require.ErrorIs(t, err, auction.ErrAuctionNotOpen)
}

func TestSettleAndEvict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, liveListing("p1", t0.Add(-time.Hour), t0.Add(time.Minute)))

	_, err := f.engine.JoinRoom(ctx, "p1", "A")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	f.engine.CloseExpiredRooms(f.clock.Now())

	snap, err := f.engine.Settle(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseSettled, snap.Phase)

	f.clock.Advance(59 * time.Minute)
	f.engine.CloseExpiredRooms(f.clock.Now())
	_, err = f.engine.Snapshot("p1")
	require.NoError(t, err, "final result stays readable during retention")

	f.clock.Advance(time.Minute)
	f.engine.CloseExpiredRooms(f.clock.Now())
	_, err = f.engine.Snapshot("p1")
	require.ErrorIs(t, err, auction.ErrRoomNotFound)
}

func TestOpenRoomHonoursStartTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, liveListing("p1", t0.Add(time.Minute), t0.Add(time.Hour)))

	require.NoError(t, f.engine.OpenRoom(ctx, "p1"))
	snap, err := f.engine.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseScheduled, snap.Phase)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.engine.OpenRoom(ctx, "p1"))
	snap, err = f.engine.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseOpen, snap.Phase)

	require.ErrorIs(t, f.engine.OpenRoom(ctx, "missing"), auction.ErrRoomNotFound)
}

func TestHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, liveListing("p1", t0.Add(-time.Hour), t0.Add(time.Hour)))

	for i, bidder := range []models.UserID{"A", "B", "C"} {
		_, err := f.engine.PlaceBid(ctx, "p1", bidder, models.Money(110000+i*10000))
		require.NoError(t, err)
	}

	seq, err := f.engine.History("p1")
	require.NoError(t, err)
	var bidders []models.UserID
	for b := range seq {
		bidders = append(bidders, b.BidderID)
	}
	assert.Equal(t, []models.UserID{"C", "B", "A"}, bidders)
}

func TestEventsFollowLedgerOrderUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	b := broadcast.New(1024)
	f := newFixture(t, liveListing("p1", t0.Add(-time.Hour), t0.Add(time.Hour)))
	f.engine.publisher = b
	sub := b.Subscribe("p1")
	defer sub.Close()

	const n = 50
	var g errgroup.Group
	for i := 1; i <= n; i++ {
		bidder := models.UserID(rune('A' + i))
		amount := models.Money(100000 + i*10000)
		g.Go(func() error {
			_, err := f.engine.PlaceBid(ctx, "p1", bidder, amount)
			if err != nil && !errors.Is(err, auction.ErrBidTooLow) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	history, err := f.engine.History("p1")
	require.NoError(t, err)
	total := 0
	for range history {
		total++
	}

	var last uint64
	seen := 0
	for seen < total {
		e := <-sub.C()
		if e.Type != events.TypeBidAccepted {
			continue
		}
		var p events.BidAcceptedPayload
		require.NoError(t, e.Decode(&p))
		assert.Equal(t, last+1, p.Sequence)
		last = p.Sequence
		seen++
	}
}

func TestRoomStateEvent(t *testing.T) {
	snap := auction.Snapshot{PropertyID: "p1", Phase: models.PhaseOpen, LastSequence: 4}
	e, err := RoomStateEvent(snap, t0)
	require.NoError(t, err)
	assert.Equal(t, events.TypeRoomState, e.Type)
	assert.Equal(t, uint64(4), e.Sequence)
	assert.Contains(t, string(e.Data), `"phase":"OPEN"`)
}
