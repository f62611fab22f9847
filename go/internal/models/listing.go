package models

import (
	"encoding/json"
	"time"
)

// Listing is the part of a property listing the bidding engine consumes.
type Listing struct {
	PropertyID    PropertyID      `json:"property_id"`
	Title         string          `json:"title"`
	BidType       BidType         `json:"bid_type"`
	StartingPrice Money           `json:"starting_price"`
	MinIncrement  Money           `json:"min_increment,omitempty"` // zero means engine default
	StartTime     time.Time       `json:"start_time"`
	EndTime       time.Time       `json:"end_time"`
	Attributes    json.RawMessage `json:"attributes,omitempty"`
}
