package engine

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/auction"
	"github.com/mcdev12/estatebid/go/internal/events"
	"github.com/mcdev12/estatebid/go/internal/models"
)

// eventsFor translates a room change into the events subscribers see, in
// the order they happened.
func eventsFor(change auction.Change, now time.Time) []*events.Event {
	s := change.Snapshot
	var out []*events.Event
	add := func(t events.Type, payload any) {
		e, err := events.New(t, s.PropertyID, s.LastSequence, now, payload)
		if err != nil {
			log.Error().Err(err).Str("property_id", string(s.PropertyID)).Msg("failed to build event")
			return
		}
		out = append(out, e)
	}

	// A bid's own phase moves happen before it is evaluated.
	for _, tr := range change.Transitions {
		add(events.TypePhaseChanged, events.PhaseChangedPayload{
			From:     tr.From,
			To:       tr.To,
			At:       tr.At,
			Deadline: s.Deadline,
		})
		switch tr.To {
		case models.PhaseClosed:
			add(events.TypeRoomClosed, events.RoomClosedPayload{
				RoomID:     s.RoomID,
				ClosedAt:   tr.At,
				FinalPrice: s.CurrentPrice,
				WinnerID:   s.LeaderID,
				TotalBids:  s.LastSequence,
			})
		case models.PhaseSettled:
			add(events.TypeRoomSettled, events.RoomSettledPayload{
				RoomID:     s.RoomID,
				SettledAt:  tr.At,
				FinalPrice: s.CurrentPrice,
				WinnerID:   s.LeaderID,
			})
		}
	}

	if b := change.Bid; b != nil {
		add(events.TypeBidAccepted, events.BidAcceptedPayload{
			RoomID:       s.RoomID,
			Sequence:     b.Sequence,
			BidderID:     b.BidderID,
			Amount:       b.Amount,
			PlacedAt:     b.PlacedAt,
			CurrentPrice: s.CurrentPrice,
			MinNextBid:   s.MinNextBid,
			Deadline:     s.Deadline,
		})
		if change.DeadlineExtended {
			add(events.TypeDeadlineExtended, events.DeadlineExtendedPayload{
				PreviousDeadline: change.PreviousDeadline,
				Deadline:         s.Deadline,
				TriggerSequence:  b.Sequence,
			})
		}
	}

	if change.ParticipantsChanged {
		add(events.TypeParticipantsChanged, events.ParticipantsChangedPayload{Participants: s.Participants})
	}
	return out
}

// RoomStateEvent wraps a snapshot for a newly connected subscriber.
func RoomStateEvent(s auction.Snapshot, at time.Time) (*events.Event, error) {
	return events.New(events.TypeRoomState, s.PropertyID, s.LastSequence, at, s)
}
