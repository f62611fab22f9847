package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/estatebid/go/internal/models"
)

// Event is the envelope for everything a room publishes. Subscribers and the
// relay see the same bytes.
type Event struct {
	ID         string            `json:"id"`          // Event UUID
	Type       Type              `json:"type"`        // Event type
	PropertyID models.PropertyID `json:"property_id"` // Room the event belongs to
	Sequence   uint64            `json:"sequence"`    // Ledger length when the event was produced
	Timestamp  time.Time         `json:"timestamp"`   // Room time of the operation
	Data       json.RawMessage   `json:"data"`        // Type specific payload
}

// Type identifies the payload carried by an Event.
type Type string

const (
	TypeBidAccepted         Type = "BidAccepted"
	TypeDeadlineExtended    Type = "DeadlineExtended"
	TypePhaseChanged        Type = "PhaseChanged"
	TypeRoomClosed          Type = "RoomClosed"
	TypeRoomSettled         Type = "RoomSettled"
	TypeParticipantsChanged Type = "ParticipantsChanged"
	TypeRoomState           Type = "RoomState"
)

// BidAcceptedPayload is the payload for a BidAccepted event
type BidAcceptedPayload struct {
	RoomID       string        `json:"room_id"`
	Sequence     uint64        `json:"sequence"`
	BidderID     models.UserID `json:"bidder_id"`
	Amount       models.Money  `json:"amount"`
	PlacedAt     time.Time     `json:"placed_at"`
	CurrentPrice models.Money  `json:"current_price"`
	MinNextBid   models.Money  `json:"min_next_bid"`
	Deadline     time.Time     `json:"deadline"`
}

// DeadlineExtendedPayload is the payload for a DeadlineExtended event
type DeadlineExtendedPayload struct {
	PreviousDeadline time.Time `json:"previous_deadline"`
	Deadline         time.Time `json:"deadline"`
	TriggerSequence  uint64    `json:"trigger_sequence"`
}

// PhaseChangedPayload is the payload for a PhaseChanged event
type PhaseChangedPayload struct {
	From     models.Phase `json:"from"`
	To       models.Phase `json:"to"`
	At       time.Time    `json:"at"`
	Deadline time.Time    `json:"deadline"`
}

// RoomClosedPayload is the payload for a RoomClosed event
type RoomClosedPayload struct {
	RoomID     string        `json:"room_id"`
	ClosedAt   time.Time     `json:"closed_at"`
	FinalPrice models.Money  `json:"final_price"`
	WinnerID   models.UserID `json:"winner_id,omitempty"`
	TotalBids  uint64        `json:"total_bids"`
}

// RoomSettledPayload is the payload for a RoomSettled event
type RoomSettledPayload struct {
	RoomID     string        `json:"room_id"`
	SettledAt  time.Time     `json:"settled_at"`
	FinalPrice models.Money  `json:"final_price"`
	WinnerID   models.UserID `json:"winner_id,omitempty"`
}

// ParticipantsChangedPayload is the payload for a ParticipantsChanged event
type ParticipantsChangedPayload struct {
	Participants int `json:"participants"`
}

// New wraps a payload in an envelope with a fresh ID.
func New(t Type, propertyID models.PropertyID, sequence uint64, at time.Time, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return &Event{
		ID:         uuid.New().String(),
		Type:       t,
		PropertyID: propertyID,
		Sequence:   sequence,
		Timestamp:  at,
		Data:       data,
	}, nil
}

// Decode unmarshals the event data into dst.
func (e *Event) Decode(dst any) error {
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ParsePayload parses event data into the payload struct for its type. The
// RoomState payload is owned by the auction package and is returned raw.
func ParsePayload(e *Event) (any, error) {
	var payload any
	switch e.Type {
	case TypeBidAccepted:
		payload = &BidAcceptedPayload{}
	case TypeDeadlineExtended:
		payload = &DeadlineExtendedPayload{}
	case TypePhaseChanged:
		payload = &PhaseChangedPayload{}
	case TypeRoomClosed:
		payload = &RoomClosedPayload{}
	case TypeRoomSettled:
		payload = &RoomSettledPayload{}
	case TypeParticipantsChanged:
		payload = &ParticipantsChangedPayload{}
	default:
		return e.Data, nil
	}
	if err := e.Decode(payload); err != nil {
		return nil, err
	}
	return payload, nil
}
