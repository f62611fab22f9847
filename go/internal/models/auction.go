package models

import (
	"fmt"
	"strconv"
	"time"
)

// Money is an amount in minor currency units (cents).
type Money int64

// MaxMoney is the largest amount the engine accepts. It stays exact in a
// float64 so JSON clients never see a rounded price.
const MaxMoney Money = 1 << 53

// String renders the amount as decimal major units, e.g. 110000 -> "1100.00".
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	cents := v % 100
	pad := ""
	if cents < 10 {
		pad = "0"
	}
	return sign + strconv.FormatInt(v/100, 10) + "." + pad + strconv.FormatInt(cents, 10)
}

// PropertyID identifies a listing. The engine never inspects its structure.
type PropertyID string

// UserID identifies a bidder. The engine never inspects its structure.
type UserID string

// BidType defines how a listing is sold.
type BidType string

const (
	BidTypeLive   BidType = "live"
	BidTypeSealed BidType = "sealed"
	BidTypeFixed  BidType = "fixed"
)

// Phase is the lifecycle stage of an auction room. Phases are ordered and
// only ever move forward.
type Phase int

const (
	PhaseScheduled Phase = iota
	PhaseOpen
	PhaseClosingSoon
	PhaseClosed
	PhaseSettled
)

var phaseNames = [...]string{
	PhaseScheduled:   "SCHEDULED",
	PhaseOpen:        "OPEN",
	PhaseClosingSoon: "CLOSING_SOON",
	PhaseClosed:      "CLOSED",
	PhaseSettled:     "SETTLED",
}

func (p Phase) String() string {
	if p < PhaseScheduled || p > PhaseSettled {
		return "UNKNOWN"
	}
	return phaseNames[p]
}

// MarshalText encodes the phase by name so JSON payloads stay readable.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a phase name produced by MarshalText.
func (p *Phase) UnmarshalText(text []byte) error {
	for i, name := range phaseNames {
		if name == string(text) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// AcceptsBids reports whether bids may be placed in this phase.
func (p Phase) AcceptsBids() bool {
	return p == PhaseOpen || p == PhaseClosingSoon
}

// IsTerminal reports whether the phase is final.
func (p Phase) IsTerminal() bool {
	return p == PhaseSettled
}

// Bid is an accepted bid. Immutable once appended to a ledger.
type Bid struct {
	Sequence   uint64     `json:"sequence"`
	PropertyID PropertyID `json:"property_id"`
	BidderID   UserID     `json:"bidder_id"`
	Amount     Money      `json:"amount"`
	PlacedAt   time.Time  `json:"placed_at"`
}
