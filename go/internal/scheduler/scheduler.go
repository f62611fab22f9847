package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/auction"
	"github.com/mcdev12/estatebid/go/internal/models"
)

// minWait keeps the loop from spinning when a deadline is already due.
const minWait = time.Millisecond

// Sweeper is the part of the engine the scheduler drives.
type Sweeper interface {
	CloseExpiredRooms(now time.Time) []models.PropertyID
	NextDeadline() (time.Time, bool)
}

// Scheduler advances rooms as their deadlines pass. It sleeps until the
// nearest room event, but never longer than the sweep interval, so rooms
// created while it sleeps are picked up promptly.
type Scheduler struct {
	sweeper    Sweeper
	clock      auction.Clock
	interval   time.Duration
	instanceID string
}

func New(sweeper Sweeper, clock auction.Clock, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		sweeper:    sweeper,
		clock:      clock,
		interval:   interval,
		instanceID: uuid.New().String(),
	}
}

// Run loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().
		Str("instance", s.instanceID).
		Dur("interval", s.interval).
		Msg("scheduler started")

	for {
		closed := s.sweeper.CloseExpiredRooms(s.clock.Now())
		for _, pid := range closed {
			log.Info().Str("instance", s.instanceID).Str("property_id", string(pid)).Msg("room closed")
		}

		wait := s.interval
		if next, ok := s.sweeper.NextDeadline(); ok {
			if d := next.Sub(s.clock.Now()); d < wait {
				wait = max(d, minWait)
			}
		}

		timer := s.clock.NewTimer(wait)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			log.Info().Str("instance", s.instanceID).Msg("scheduler shutting down")
			return nil
		}
	}
}
