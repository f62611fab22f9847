package archive

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/events"
	"github.com/mcdev12/estatebid/go/internal/models"
)

// Writer is the storage the archive handler needs.
type Writer interface {
	SaveBid(ctx context.Context, eventID string, propertyID models.PropertyID, p events.BidAcceptedPayload) error
	SaveClosed(ctx context.Context, eventID string, propertyID models.PropertyID, p events.RoomClosedPayload) error
	SaveSettled(ctx context.Context, propertyID models.PropertyID, p events.RoomSettledPayload) error
}

// Handler routes room events to storage. Events it does not archive are
// acknowledged without work.
type Handler struct {
	store Writer
}

func NewHandler(store Writer) *Handler {
	return &Handler{store: store}
}

func (h *Handler) Handle(ctx context.Context, event *events.Event) error {
	switch event.Type {
	case events.TypeBidAccepted:
		var p events.BidAcceptedPayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		return h.store.SaveBid(ctx, event.ID, event.PropertyID, p)

	case events.TypeRoomClosed:
		var p events.RoomClosedPayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		return h.store.SaveClosed(ctx, event.ID, event.PropertyID, p)

	case events.TypeRoomSettled:
		var p events.RoomSettledPayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		return h.store.SaveSettled(ctx, event.PropertyID, p)

	default:
		log.Debug().
			Str("event_type", string(event.Type)).
			Str("property_id", string(event.PropertyID)).
			Msg("event not archived")
		return nil
	}
}
