package auction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/models"
)

// Transition records one forward phase move.
type Transition struct {
	From models.Phase `json:"from"`
	To   models.Phase `json:"to"`
	At   time.Time    `json:"at"`
}

// Snapshot is a consistent copy of a room's state.
type Snapshot struct {
	PropertyID    models.PropertyID `json:"property_id"`
	RoomID        string            `json:"room_id"`
	Phase         models.Phase      `json:"phase"`
	StartingPrice models.Money      `json:"starting_price"`
	CurrentPrice  models.Money      `json:"current_price"`
	MinIncrement  models.Money      `json:"min_increment"`
	MinNextBid    models.Money      `json:"min_next_bid"`
	LeaderID      models.UserID     `json:"leader_id,omitempty"`
	StartTime     time.Time         `json:"start_time"`
	Deadline      time.Time         `json:"deadline"`
	Participants  int               `json:"participants"`
	LastSequence  uint64            `json:"last_sequence"`
	ClosedAt      *time.Time        `json:"closed_at,omitempty"`
	SettledAt     *time.Time        `json:"settled_at,omitempty"`
}

// Change describes what one room operation did. It is handed to the commit
// callback while the room is still held.
type Change struct {
	Snapshot            Snapshot
	Transitions         []Transition
	Bid                 *models.Bid
	DeadlineExtended    bool
	PreviousDeadline    time.Time
	ParticipantsChanged bool
}

// Empty reports whether the operation changed nothing observable.
func (c Change) Empty() bool {
	return c.Bid == nil && len(c.Transitions) == 0 && !c.ParticipantsChanged
}

// CommitFunc receives a non-empty Change while the room is held, so anything
// it publishes is ordered exactly as the ledger. It must not block.
type CommitFunc func(Change)

// Room is the single point of mutation for one property's live auction.
// Every operation holds the room exclusively; rooms never share a lock.
type Room struct {
	propertyID models.PropertyID
	// id distinguishes successive rooms for one property. IDs are time ordered,
	// so a later room always sorts after an earlier one.
	id     string
	cfg    RoomConfig
	ledger *Ledger

	// sem is a one-slot semaphore so acquisition can honour a context.
	sem chan struct{}

	phase        models.Phase
	deadline     time.Time
	currentPrice models.Money
	leader       models.UserID
	lastBidAt    time.Time
	participants map[models.UserID]struct{}
	closedAt     time.Time
	settledAt    time.Time
}

// NewRoom creates a room in the Scheduled phase. The config must be valid.
func NewRoom(propertyID models.PropertyID, cfg RoomConfig) *Room {
	return &Room{
		propertyID:   propertyID,
		id:           uuid.Must(uuid.NewV7()).String(),
		cfg:          cfg,
		ledger:       NewLedger(propertyID, cfg.StartingPrice, cfg.ClockSkewTolerance),
		sem:          make(chan struct{}, 1),
		phase:        models.PhaseScheduled,
		deadline:     cfg.Deadline,
		currentPrice: cfg.StartingPrice,
		participants: make(map[models.UserID]struct{}),
	}
}

// PropertyID returns the property this room auctions.
func (r *Room) PropertyID() models.PropertyID { return r.propertyID }

// ID returns the room's incarnation ID.
func (r *Room) ID() string { return r.id }

// Ledger returns the ledger backing this room.
func (r *Room) Ledger() *Ledger { return r.ledger }

func (r *Room) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) lock()   { r.sem <- struct{}{} }
func (r *Room) unlock() { <-r.sem }

// PlaceBid validates and, if acceptable, appends a bid. Once the room has been
// acquired the bid either commits fully or is rejected; cancelling ctx after
// that point has no effect.
func (r *Room) PlaceBid(ctx context.Context, bidder models.UserID, amount models.Money, now time.Time, commit CommitFunc) (Change, error) {
	if err := ValidateBid(bidder, amount); err != nil {
		return Change{}, err
	}
	if err := r.acquire(ctx); err != nil {
		return Change{}, err
	}
	defer r.unlock()

	change := Change{Transitions: r.advance(now)}

	if err := r.checkBid(bidder, amount); err != nil {
		r.finish(&change, commit)
		return change, err
	}

	bid, err := r.ledger.Append(bidder, amount, now)
	if err != nil {
		r.finish(&change, commit)
		return change, r.reject(err)
	}

	r.currentPrice = bid.Amount
	r.leader = bid.BidderID
	r.lastBidAt = bid.PlacedAt
	change.Bid = &bid

	// Extension is measured from the bid's own timestamp so a late check can
	// never shorten the window other bidders get to respond.
	if r.cfg.AntiSnipeWindow > 0 && r.deadline.Sub(bid.PlacedAt) <= r.cfg.AntiSnipeWindow {
		extended := bid.PlacedAt.Add(r.cfg.AntiSnipeWindow)
		if extended.After(r.deadline) {
			change.PreviousDeadline = r.deadline
			change.DeadlineExtended = true
			r.deadline = extended
		}
	}

	r.verifyLedger()
	r.finish(&change, commit)
	return change, nil
}

// ValidateBid checks a bid's shape. It needs no room state, so callers can run
// it before resolving or creating a room.
func ValidateBid(bidder models.UserID, amount models.Money) error {
	if bidder == "" {
		return ErrInvalidBidder
	}
	if amount <= 0 || amount > models.MaxMoney {
		return ErrInvalidAmount
	}
	return nil
}

func (r *Room) checkBid(bidder models.UserID, amount models.Money) error {
	if !r.phase.AcceptsBids() {
		return r.reject(ErrAuctionNotOpen)
	}
	if amount <= r.currentPrice || amount-r.currentPrice < r.cfg.MinIncrement {
		return r.reject(ErrBidTooLow)
	}
	if r.leader != "" && bidder == r.leader {
		return r.reject(ErrSelfOutbid)
	}
	return nil
}

// minNextBid saturates at MaxMoney so a room at the ceiling reports a bound
// no bid can meet instead of wrapping negative.
func (r *Room) minNextBid() models.Money {
	if r.currentPrice > models.MaxMoney-r.cfg.MinIncrement {
		return models.MaxMoney
	}
	return r.currentPrice + r.cfg.MinIncrement
}

func (r *Room) reject(reason error) *BidError {
	return &BidError{
		Reason:       reason,
		PropertyID:   r.propertyID,
		Phase:        r.phase,
		CurrentPrice: r.currentPrice,
		MinNextBid:   r.minNextBid(),
		Leader:       r.leader,
	}
}

// Join adds a participant. Joining is allowed in any phase so late arrivals can
// still read the final result.
func (r *Room) Join(ctx context.Context, user models.UserID, now time.Time, commit CommitFunc) (Change, error) {
	if user == "" {
		return Change{}, ErrInvalidBidder
	}
	if err := r.acquire(ctx); err != nil {
		return Change{}, err
	}
	defer r.unlock()

	change := Change{Transitions: r.advance(now)}
	if _, ok := r.participants[user]; !ok {
		r.participants[user] = struct{}{}
		change.ParticipantsChanged = true
	}
	r.finish(&change, commit)
	return change, nil
}

// Leave removes a participant.
func (r *Room) Leave(ctx context.Context, user models.UserID, now time.Time, commit CommitFunc) (Change, error) {
	if err := r.acquire(ctx); err != nil {
		return Change{}, err
	}
	defer r.unlock()

	change := Change{Transitions: r.advance(now)}
	if _, ok := r.participants[user]; ok {
		delete(r.participants, user)
		change.ParticipantsChanged = true
	}
	r.finish(&change, commit)
	return change, nil
}

// Tick advances the phase against now.
func (r *Room) Tick(now time.Time, commit CommitFunc) Change {
	r.lock()
	defer r.unlock()

	change := Change{Transitions: r.advance(now)}
	r.finish(&change, commit)
	return change
}

// Settle records the external settlement of a closed auction. The winner must
// be the final leader, or empty when nobody bid.
func (r *Room) Settle(ctx context.Context, winner models.UserID, now time.Time, commit CommitFunc) (Change, error) {
	if err := r.acquire(ctx); err != nil {
		return Change{}, err
	}
	defer r.unlock()

	change := Change{Transitions: r.advance(now)}
	if r.phase != models.PhaseClosed {
		r.finish(&change, commit)
		return change, r.reject(ErrAuctionNotClosed)
	}
	if winner != r.leader {
		r.finish(&change, commit)
		return change, r.reject(ErrWinnerMismatch)
	}

	change.Transitions = append(change.Transitions, Transition{From: r.phase, To: models.PhaseSettled, At: now})
	r.phase = models.PhaseSettled
	r.settledAt = now
	r.finish(&change, commit)
	return change, nil
}

// Snapshot returns the current state.
func (r *Room) Snapshot() Snapshot {
	r.lock()
	defer r.unlock()
	return r.snapshot()
}

// Evictable reports whether the room is settled and its retention has elapsed.
func (r *Room) Evictable(now time.Time) bool {
	r.lock()
	defer r.unlock()
	return r.phase.IsTerminal() && !now.Before(r.settledAt.Add(r.cfg.Retention))
}

// NextEvent returns the next instant at which the room's phase may change
// without any caller action.
func (r *Room) NextEvent() (time.Time, bool) {
	r.lock()
	defer r.unlock()

	switch r.phase {
	case models.PhaseScheduled:
		return r.cfg.StartTime, true
	case models.PhaseOpen:
		return r.deadline.Add(-r.cfg.WarningWindow), true
	case models.PhaseClosingSoon:
		at := r.deadline
		if quiet := r.lastBidAt.Add(r.cfg.AntiSnipeWindow); !r.lastBidAt.IsZero() && quiet.After(at) {
			at = quiet
		}
		return at, true
	case models.PhaseSettled:
		return r.settledAt.Add(r.cfg.Retention), true
	}
	return time.Time{}, false
}

// advance moves the phase forward as far as now allows.
func (r *Room) advance(now time.Time) []Transition {
	var out []Transition
	move := func(to models.Phase) {
		out = append(out, Transition{From: r.phase, To: to, At: now})
		r.phase = to
	}

	if r.phase == models.PhaseScheduled && !now.Before(r.cfg.StartTime) {
		move(models.PhaseOpen)
	}
	if r.phase == models.PhaseOpen && r.deadline.Sub(now) <= r.cfg.WarningWindow {
		move(models.PhaseClosingSoon)
	}
	if r.phase.AcceptsBids() && !now.Before(r.deadline) && !r.recentBid(now) {
		move(models.PhaseClosed)
		r.closedAt = now
	}
	return out
}

// recentBid reports whether a bid was accepted within the anti-snipe window
// before now.
func (r *Room) recentBid(now time.Time) bool {
	if r.lastBidAt.IsZero() || r.cfg.AntiSnipeWindow == 0 {
		return false
	}
	return now.Sub(r.lastBidAt) < r.cfg.AntiSnipeWindow
}

func (r *Room) verifyLedger() {
	cached := Standing{Price: r.currentPrice, Leader: r.leader}
	folded := r.ledger.Fold()
	if cached != folded {
		err := &InvariantViolation{PropertyID: r.propertyID, Cached: cached, Folded: folded}
		log.Error().Err(err).Str("property_id", string(r.propertyID)).Msg("room state diverged from ledger")
		panic(err)
	}
}

func (r *Room) finish(change *Change, commit CommitFunc) {
	change.Snapshot = r.snapshot()
	if commit != nil && !change.Empty() {
		commit(*change)
	}
}

func (r *Room) snapshot() Snapshot {
	s := Snapshot{
		PropertyID:    r.propertyID,
		RoomID:        r.id,
		Phase:         r.phase,
		StartingPrice: r.cfg.StartingPrice,
		CurrentPrice:  r.currentPrice,
		MinIncrement:  r.cfg.MinIncrement,
		MinNextBid:    r.minNextBid(),
		LeaderID:      r.leader,
		StartTime:     r.cfg.StartTime,
		Deadline:      r.deadline,
		Participants:  len(r.participants),
		LastSequence:  uint64(r.ledger.Len()),
	}
	if !r.closedAt.IsZero() {
		t := r.closedAt
		s.ClosedAt = &t
	}
	if !r.settledAt.IsZero() {
		t := r.settledAt
		s.SettledAt = &t
	}
	return s
}
