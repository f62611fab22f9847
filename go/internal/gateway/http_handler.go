package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mcdev12/estatebid/go/internal/auction"
	"github.com/mcdev12/estatebid/go/internal/identity"
	"github.com/mcdev12/estatebid/go/internal/models"
)

// PlaceBidRequest is the body of POST /api/properties/{id}/bids. The bidder is
// always the authenticated user.
type PlaceBidRequest struct {
	Amount json.Number `json:"amount"`
}

// SettleRequest is the body of POST /api/properties/{id}/settle.
type SettleRequest struct {
	WinnerID models.UserID `json:"winner_id"`
}

// BidHistory is the body of GET /api/properties/{id}/bids.
type BidHistory struct {
	PropertyID models.PropertyID `json:"property_id"`
	Bids       []models.Bid      `json:"bids"`
	Archived   bool              `json:"archived"`
}

func (s *Service) HandlePlaceBid(w http.ResponseWriter, r *http.Request) {
	propertyID := models.PropertyID(r.PathValue("id"))
	bidder, ok := identity.UserFrom(r.Context())
	if !ok {
		writeError(w, auction.ErrInvalidBidder)
		return
	}

	var req PlaceBidRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed body", auction.ErrInvalidAmount))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := placeBid(r.Context(), s.engine, s.limiter, propertyID, bidder, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, bidAccepted(res))
}

func (s *Service) HandleSettle(w http.ResponseWriter, r *http.Request) {
	propertyID := models.PropertyID(r.PathValue("id"))

	var req SettleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Reason:  "ValidationError",
				Kind:    "ValidationError",
				Message: "malformed body",
			})
			return
		}
	}

	snap, err := s.engine.Settle(r.Context(), propertyID, req.WinnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) HandleGetRoom(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(models.PropertyID(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleListBids returns the newest bids of a room. Once a room has been
// evicted its history is served from the archive.
func (s *Service) HandleListBids(w http.ResponseWriter, r *http.Request) {
	propertyID := models.PropertyID(r.PathValue("id"))
	limit := s.config.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Reason:  "ValidationError",
				Kind:    "ValidationError",
				Message: "limit must be a positive integer",
			})
			return
		}
		limit = min(n, s.config.MaxHistory)
	}

	out := BidHistory{PropertyID: propertyID, Bids: []models.Bid{}}
	history, err := s.engine.History(propertyID)
	switch {
	case err == nil:
		for bid := range history {
			out.Bids = append(out.Bids, bid)
			if len(out.Bids) == limit {
				break
			}
		}
	case errors.Is(err, auction.ErrRoomNotFound) && s.archive != nil:
		bids, archErr := s.archive.ListBids(r.Context(), propertyID, limit)
		if archErr != nil {
			writeError(w, archErr)
			return
		}
		if len(bids) == 0 {
			writeError(w, err)
			return
		}
		out.Bids, out.Archived = bids, true
	default:
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
