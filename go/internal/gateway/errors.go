package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/auction"
	"github.com/mcdev12/estatebid/go/internal/models"
)

// ErrorResponse is the body of every non-2xx API response. Rejected bids carry
// the price the client needs to retry with.
type ErrorResponse struct {
	Reason       string        `json:"reason"`
	Kind         string        `json:"kind"`
	Message      string        `json:"message"`
	Phase        *models.Phase `json:"phase,omitempty"`
	CurrentPrice *models.Money `json:"current_price,omitempty"`
	MinNextBid   *models.Money `json:"min_next_bid,omitempty"`
	RetryAfterMs int64         `json:"retry_after_ms,omitempty"`
}

// errorResponse maps an engine error onto an HTTP status and body.
func errorResponse(err error) (int, ErrorResponse) {
	resp := ErrorResponse{
		Reason:  auction.ReasonCode(err),
		Kind:    auction.KindOf(err).String(),
		Message: err.Error(),
	}

	var bidErr *auction.BidError
	if errors.As(err, &bidErr) {
		phase, price, next := bidErr.Phase, bidErr.CurrentPrice, bidErr.MinNextBid
		resp.Phase, resp.CurrentPrice, resp.MinNextBid = &phase, &price, &next
	}

	var rlErr *RateLimitError
	switch {
	case errors.As(err, &rlErr):
		resp.Reason, resp.Kind = "RateLimited", "RateLimited"
		resp.RetryAfterMs = rlErr.RetryAfter.Milliseconds()
		return http.StatusTooManyRequests, resp
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		resp.Reason = "Unavailable"
		return http.StatusServiceUnavailable, resp
	}

	switch auction.KindOf(err) {
	case auction.KindValidation:
		return http.StatusBadRequest, resp
	case auction.KindBusinessRule, auction.KindConcurrency:
		return http.StatusConflict, resp
	case auction.KindNotFound:
		return http.StatusNotFound, resp
	default:
		resp.Message = "internal error"
		return http.StatusInternalServerError, resp
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, resp := errorResponse(err)
	switch status {
	case http.StatusInternalServerError:
		log.Error().Err(err).Msg("request failed")
	case http.StatusTooManyRequests:
		secs := (resp.RetryAfterMs + 999) / 1000
		w.Header().Set("Retry-After", strconv.FormatInt(max(secs, 1), 10))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
