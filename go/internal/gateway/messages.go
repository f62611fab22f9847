package gateway

import "encoding/json"

// Client to server message types.
const (
	MessageTypePlaceBid = "place_bid"
	MessageTypeSync     = "sync"
	MessageTypePing     = "ping"
)

// Server to client message types. Room events are sent as-is and carry their
// own event type.
const (
	MessageTypeBidResult = "bid_result"
	MessageTypePong      = "pong"
	MessageTypeError     = "error"
)

// ClientMessage is a message received from a WebSocket client.
type ClientMessage struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Amount    json.Number `json:"amount,omitempty"`
}

// ServerMessage is a direct reply to one client.
type ServerMessage struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Accepted  *bool          `json:"accepted,omitempty"`
	Bid       *BidAccepted   `json:"bid,omitempty"`
	Error     *ErrorResponse `json:"error,omitempty"`
}
