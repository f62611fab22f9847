package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/auction"
	"github.com/mcdev12/estatebid/go/internal/engine"
	"github.com/mcdev12/estatebid/go/internal/identity"
	"github.com/mcdev12/estatebid/go/internal/models"
)

// HandleRoomSocket joins the authenticated user to a room and streams its
// events. The first message is always a room_state event; events that follow
// may repeat sequences at or below its last_sequence.
func (s *Service) HandleRoomSocket(w http.ResponseWriter, r *http.Request) {
	propertyID := models.PropertyID(r.PathValue("id"))
	user, ok := identity.UserFrom(r.Context())
	if !ok {
		writeError(w, auction.ErrInvalidBidder)
		return
	}

	// Subscribe before joining so nothing committed after the snapshot is
	// missed.
	sub := s.connections.Subscribe(propertyID)
	var snap auction.Snapshot
	err := s.connections.Attach(propertyID, user, func() error {
		var err error
		snap, err = s.engine.JoinRoom(r.Context(), propertyID, user)
		return err
	})
	if err != nil {
		sub.Close()
		writeError(w, err)
		return
	}
	state, err := engine.RoomStateEvent(snap, s.clock.Now())
	if err != nil {
		sub.Close()
		s.detach(propertyID, user)
		writeError(w, err)
		return
	}

	conn, err := s.connections.UpgradeConnection(w, r, user, sub, state, s.handleClientMessage)
	if err != nil {
		s.detach(propertyID, user)
		return
	}

	// The hijacked request's context is not tied to the socket.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	conn.readPump(ctx, func() { s.detach(propertyID, user) })
}

// detach releases one of the user's sockets and leaves the room with the last.
func (s *Service) detach(propertyID models.PropertyID, user models.UserID) {
	s.connections.Detach(propertyID, user, func() { s.leave(propertyID, user) })
}

func (s *Service) leave(propertyID models.PropertyID, user models.UserID) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.LeaveTimeout)
	defer cancel()
	if _, err := s.engine.LeaveRoom(ctx, propertyID, user); err != nil && auction.KindOf(err) != auction.KindNotFound {
		log.Warn().
			Err(err).
			Str("property_id", string(propertyID)).
			Str("user_id", string(user)).
			Msg("failed to leave room")
	}
}

func (s *Service) handleClientMessage(ctx context.Context, conn *Connection, msg ClientMessage) any {
	switch msg.Type {
	case MessageTypePlaceBid:
		return s.handleSocketBid(ctx, conn, msg)

	case MessageTypeSync:
		snap, err := s.engine.Snapshot(conn.PropertyID)
		if err != nil {
			return errorMessage(msg.RequestID, err)
		}
		state, err := engine.RoomStateEvent(snap, s.clock.Now())
		if err != nil {
			return errorMessage(msg.RequestID, err)
		}
		return state

	case MessageTypePing:
		return ServerMessage{Type: MessageTypePong, RequestID: msg.RequestID}

	default:
		log.Debug().
			Str("connection_id", conn.ID).
			Str("message_type", msg.Type).
			Msg("unknown client message type")
		return ServerMessage{Type: MessageTypeError, RequestID: msg.RequestID, Error: &ErrorResponse{
			Reason:  "ValidationError",
			Kind:    "ValidationError",
			Message: "unknown message type " + msg.Type,
		}}
	}
}

func (s *Service) handleSocketBid(ctx context.Context, conn *Connection, msg ClientMessage) any {
	rejected := false
	reply := ServerMessage{Type: MessageTypeBidResult, RequestID: msg.RequestID, Accepted: &rejected}

	amount, err := parseAmount(msg.Amount)
	if err != nil {
		_, resp := errorResponse(err)
		reply.Error = &resp
		return reply
	}

	res, err := placeBid(ctx, s.engine, s.limiter, conn.PropertyID, conn.UserID, amount)
	if err != nil {
		_, resp := errorResponse(err)
		reply.Error = &resp
		return reply
	}

	accepted := true
	bid := bidAccepted(res)
	reply.Accepted, reply.Bid = &accepted, &bid
	return reply
}

func errorMessage(requestID string, err error) ServerMessage {
	_, resp := errorResponse(err)
	return ServerMessage{Type: MessageTypeError, RequestID: requestID, Error: &resp}
}

// HandleConnectionStats reports open sockets and broadcaster totals.
func (s *Service) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.connections.GetConnectionStats(),
		"broadcast":   s.broadcaster.Stats(),
		"rooms":       s.engine.Rooms(),
	})
}
