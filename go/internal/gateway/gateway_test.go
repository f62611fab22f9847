package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/estatebid/go/internal/auction"
	"github.com/mcdev12/estatebid/go/internal/broadcast"
	"github.com/mcdev12/estatebid/go/internal/engine"
	"github.com/mcdev12/estatebid/go/internal/events"
	"github.com/mcdev12/estatebid/go/internal/identity"
	"github.com/mcdev12/estatebid/go/internal/listing"
	"github.com/mcdev12/estatebid/go/internal/models"
	"github.com/mcdev12/estatebid/go/internal/ratelimit"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// settlementUser gets settlement-role tokens from the fixture.
const settlementUser models.UserID = "payments"

type stubLimiter struct {
	decision ratelimit.Decision
	err      error
}

func (l stubLimiter) Allow(context.Context, models.UserID) (ratelimit.Decision, error) {
	return l.decision, l.err
}

type stubArchive struct {
	bids []models.Bid
}

func (a stubArchive) ListBids(_ context.Context, _ models.PropertyID, limit int) ([]models.Bid, error) {
	return a.bids[:min(limit, len(a.bids))], nil
}

type fixture struct {
	engine   *engine.Engine
	service  *Service
	mux      *http.ServeMux
	clock    *clockwork.FakeClock
	verifier *identity.JWTVerifier
}

func newFixture(t *testing.T, deps Deps) *fixture {
	t.Helper()
	f := &fixture{
		clock:    clockwork.NewFakeClockAt(t0),
		verifier: identity.NewJWTVerifier("test-secret"),
		mux:      http.NewServeMux(),
	}
	b := broadcast.New(64)
	store := listing.NewMemoryStore(models.Listing{
		PropertyID:    "p1",
		BidType:       models.BidTypeLive,
		StartingPrice: 100000,
		MinIncrement:  10000,
		StartTime:     t0.Add(-time.Hour),
		EndTime:       t0.Add(time.Hour),
	})
	f.engine = engine.New(engine.Config{
		Listings:  store,
		Publisher: b,
		Clock:     f.clock,
		Settings:  auction.DefaultSettings(),
	})

	deps.Engine = f.engine
	deps.Broadcaster = b
	deps.Verifier = f.verifier
	deps.Clock = f.clock
	f.service = NewService(deps, DefaultConfig())
	f.service.RegisterRoutes(f.mux)
	return f
}

func (f *fixture) token(t *testing.T, user models.UserID) string {
	t.Helper()
	role := identity.RoleBidder
	if user == settlementUser {
		role = identity.RoleSettlement
	}
	tok, err := f.verifier.IssueRole(user, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path string, user models.UserID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, user))
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestPlaceBidAccepted(t *testing.T) {
	f := newFixture(t, Deps{})

	rec := f.do(t, http.MethodPost, "/api/properties/p1/bids", "alice", `{"amount":110000}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decode[BidAccepted](t, rec)
	assert.Equal(t, uint64(1), body.Sequence)
	assert.Equal(t, models.Money(110000), body.CurrentPrice)
	assert.Equal(t, models.UserID("alice"), body.LeaderID)
	assert.Equal(t, models.Money(120000), body.MinNextBid)
}

func TestPlaceBidRejections(t *testing.T) {
	f := newFixture(t, Deps{})
	rec := f.do(t, http.MethodPost, "/api/properties/p1/bids", "alice", `{"amount":110000}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	tests := []struct {
		name       string
		path       string
		user       models.UserID
		body       string
		wantStatus int
		wantReason string
	}{
		{"too low", "/api/properties/p1/bids", "bob", `{"amount":115000}`, http.StatusConflict, "BidTooLow"},
		{"self outbid", "/api/properties/p1/bids", "alice", `{"amount":200000}`, http.StatusConflict, "SelfOutbid"},
		{"fractional amount", "/api/properties/p1/bids", "bob", `{"amount":1200.5}`, http.StatusBadRequest, "ValidationError"},
		{"negative amount", "/api/properties/p1/bids", "bob", `{"amount":-5}`, http.StatusBadRequest, "ValidationError"},
		{"missing amount", "/api/properties/p1/bids", "bob", `{}`, http.StatusBadRequest, "ValidationError"},
		{"amount past ceiling", "/api/properties/p1/bids", "bob", `{"amount":9223372036854775807}`, http.StatusBadRequest, "ValidationError"},
		{"invalid amount on unknown property", "/api/properties/nope/bids", "bob", `{"amount":0}`, http.StatusBadRequest, "ValidationError"},
		{"unknown property", "/api/properties/nope/bids", "bob", `{"amount":120000}`, http.StatusNotFound, "NotFound"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.path, tt.user, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantReason, decode[ErrorResponse](t, rec).Reason)
		})
	}

	rec = f.do(t, http.MethodPost, "/api/properties/p1/bids", "bob", `{"amount":115000}`)
	resp := decode[ErrorResponse](t, rec)
	require.NotNil(t, resp.MinNextBid)
	assert.Equal(t, models.Money(120000), *resp.MinNextBid)
	assert.Equal(t, models.Money(110000), *resp.CurrentPrice)
}

func TestPlaceBidRequiresToken(t *testing.T) {
	f := newFixture(t, Deps{})
	rec := f.do(t, http.MethodPost, "/api/properties/p1/bids", "", `{"amount":110000}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPlaceBidRateLimited(t *testing.T) {
	f := newFixture(t, Deps{Limiter: stubLimiter{decision: ratelimit.Decision{RetryAfter: 1500 * time.Millisecond}}})

	rec := f.do(t, http.MethodPost, "/api/properties/p1/bids", "alice", `{"amount":110000}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, int64(1500), decode[ErrorResponse](t, rec).RetryAfterMs)

	snap, err := f.engine.Snapshot("p1")
	if err == nil {
		assert.Equal(t, uint64(0), snap.LastSequence)
	}
}

func TestPlaceBidLimiterFailsOpen(t *testing.T) {
	f := newFixture(t, Deps{Limiter: stubLimiter{err: context.DeadlineExceeded}})
	rec := f.do(t, http.MethodPost, "/api/properties/p1/bids", "alice", `{"amount":110000}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestGetRoomAndHistory(t *testing.T) {
	f := newFixture(t, Deps{})

	rec := f.do(t, http.MethodGet, "/api/properties/p1/room", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "room is created lazily")

	for _, bid := range []struct {
		user   models.UserID
		amount string
	}{{"alice", "110000"}, {"bob", "120000"}, {"alice", "130000"}} {
		rec := f.do(t, http.MethodPost, "/api/properties/p1/bids", bid.user, `{"amount":`+bid.amount+`}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/properties/p1/room", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[auction.Snapshot](t, rec)
	assert.Equal(t, models.Money(130000), snap.CurrentPrice)
	assert.Equal(t, models.PhaseOpen, snap.Phase)

	rec = f.do(t, http.MethodGet, "/api/properties/p1/bids?limit=2", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[BidHistory](t, rec)
	require.Len(t, history.Bids, 2)
	assert.Equal(t, uint64(3), history.Bids[0].Sequence)
	assert.Equal(t, uint64(2), history.Bids[1].Sequence)
	assert.False(t, history.Archived)

	rec = f.do(t, http.MethodGet, "/api/properties/p1/bids?limit=zero", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryFallsBackToArchive(t *testing.T) {
	archived := []models.Bid{
		{Sequence: 2, PropertyID: "gone", BidderID: "bob", Amount: 120000},
		{Sequence: 1, PropertyID: "gone", BidderID: "alice", Amount: 110000},
	}
	f := newFixture(t, Deps{Archive: stubArchive{bids: archived}})

	rec := f.do(t, http.MethodGet, "/api/properties/gone/bids", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[BidHistory](t, rec)
	assert.True(t, history.Archived)
	assert.Equal(t, archived, history.Bids)

	f = newFixture(t, Deps{Archive: stubArchive{}})
	rec = f.do(t, http.MethodGet, "/api/properties/gone/bids", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettle(t *testing.T) {
	f := newFixture(t, Deps{})
	rec := f.do(t, http.MethodPost, "/api/properties/p1/bids", "alice", `{"amount":110000}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/properties/p1/settle", settlementUser, `{"winner_id":"alice"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "AuctionNotClosed", decode[ErrorResponse](t, rec).Reason)

	f.clock.Advance(2 * time.Hour)
	f.engine.CloseExpiredRooms(f.clock.Now())

	rec = f.do(t, http.MethodPost, "/api/properties/p1/settle", settlementUser, `{"winner_id":"bob"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "WinnerMismatch", decode[ErrorResponse](t, rec).Reason)

	rec = f.do(t, http.MethodPost, "/api/properties/p1/settle", settlementUser, `{"winner_id":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.PhaseSettled, decode[auction.Snapshot](t, rec).Phase)

	rec = f.do(t, http.MethodPost, "/api/properties/p1/bids", "bob", `{"amount":500000}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "AuctionNotOpen", decode[ErrorResponse](t, rec).Reason)
}

func TestSettleRequiresSettlementRole(t *testing.T) {
	f := newFixture(t, Deps{})
	rec := f.do(t, http.MethodPost, "/api/properties/p1/bids", "alice", `{"amount":110000}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	f.clock.Advance(2 * time.Hour)
	f.engine.CloseExpiredRooms(f.clock.Now())

	rec = f.do(t, http.MethodPost, "/api/properties/p1/settle", "alice", `{"winner_id":"alice"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/properties/p1/settle", "", `{"winner_id":"alice"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	snap, err := f.engine.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseClosed, snap.Phase)
}

func TestErrorResponseMapping(t *testing.T) {
	status, resp := errorResponse(context.Canceled)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "Unavailable", resp.Reason)

	status, resp = errorResponse(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal error", resp.Message)

	status, resp = errorResponse(auction.ErrStaleClock)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "StaleClock", resp.Reason)
	assert.Equal(t, "ConcurrencyError", resp.Kind)
}

func dial(t *testing.T, srv *httptest.Server, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path + "?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readUntil reads messages until match returns true or the deadline passes.
func readUntil(t *testing.T, ws *websocket.Conn, match func(raw map[string]json.RawMessage) bool) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &raw))
		if match(raw) {
			return raw
		}
	}
}

func typeIs(want string) func(map[string]json.RawMessage) bool {
	return func(raw map[string]json.RawMessage) bool {
		return bytes.Equal(raw["type"], []byte(`"`+want+`"`))
	}
}

func TestRoomSocket(t *testing.T) {
	f := newFixture(t, Deps{})
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	alice := dial(t, srv, "/ws/properties/p1", f.token(t, "alice"))
	bob := dial(t, srv, "/ws/properties/p1", f.token(t, "bob"))

	first := readUntil(t, alice, func(map[string]json.RawMessage) bool { return true })
	assert.JSONEq(t, `"`+string(events.TypeRoomState)+`"`, string(first["type"]))
	readUntil(t, bob, typeIs(string(events.TypeRoomState)))

	require.NoError(t, alice.WriteJSON(ClientMessage{Type: MessageTypePlaceBid, RequestID: "r1", Amount: "110000"}))

	result := readUntil(t, alice, typeIs(MessageTypeBidResult))
	var reply ServerMessage
	data, err := json.Marshal(result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, "r1", reply.RequestID)
	require.NotNil(t, reply.Accepted)
	assert.True(t, *reply.Accepted)
	assert.Equal(t, uint64(1), reply.Bid.Sequence)

	accepted := readUntil(t, bob, typeIs(string(events.TypeBidAccepted)))
	var event events.Event
	data, err = json.Marshal(accepted)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &event))
	var payload events.BidAcceptedPayload
	require.NoError(t, event.Decode(&payload))
	assert.Equal(t, models.UserID("alice"), payload.BidderID)
	assert.Equal(t, models.Money(110000), payload.Amount)

	require.NoError(t, bob.WriteJSON(ClientMessage{Type: MessageTypePlaceBid, RequestID: "r2", Amount: "100"}))
	result = readUntil(t, bob, typeIs(MessageTypeBidResult))
	data, err = json.Marshal(result)
	require.NoError(t, err)
	reply = ServerMessage{}
	require.NoError(t, json.Unmarshal(data, &reply))
	require.NotNil(t, reply.Accepted)
	assert.False(t, *reply.Accepted)
	require.NotNil(t, reply.Error)
	assert.Equal(t, "BidTooLow", reply.Error.Reason)

	require.NoError(t, bob.WriteJSON(ClientMessage{Type: MessageTypePing, RequestID: "p"}))
	readUntil(t, bob, typeIs(MessageTypePong))

	assert.Equal(t, 2, f.service.Connections().RoomConnections("p1"))
	snap, err := f.engine.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Participants)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		snap, err := f.engine.Snapshot("p1")
		return err == nil && snap.Participants == 1 && f.service.Connections().RoomConnections("p1") == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRoomSocketSameUserTwice(t *testing.T) {
	f := newFixture(t, Deps{})
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	tab1 := dial(t, srv, "/ws/properties/p1", f.token(t, "alice"))
	tab2 := dial(t, srv, "/ws/properties/p1", f.token(t, "alice"))
	readUntil(t, tab1, typeIs(string(events.TypeRoomState)))
	readUntil(t, tab2, typeIs(string(events.TypeRoomState)))

	conns := f.service.Connections()
	assert.Equal(t, 2, conns.MemberConnections("p1", "alice"))
	snap, err := f.engine.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Participants)

	require.NoError(t, tab1.Close())
	require.Eventually(t, func() bool {
		return conns.RoomConnections("p1") == 1 && conns.MemberConnections("p1", "alice") == 1
	}, 5*time.Second, 10*time.Millisecond)
	snap, err = f.engine.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Participants)

	require.NoError(t, tab2.Close())
	require.Eventually(t, func() bool {
		snap, err := f.engine.Snapshot("p1")
		return err == nil && snap.Participants == 0 && conns.MemberConnections("p1", "alice") == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRoomSocketUnknownProperty(t *testing.T) {
	f := newFixture(t, Deps{})
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/properties/nope?token=" + f.token(t, "alice")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, f.service.Connections().MemberConnections("nope", "alice"))
}

func TestConnectionStats(t *testing.T) {
	f := newFixture(t, Deps{})
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	ws := dial(t, srv, "/ws/properties/p1", f.token(t, "alice"))
	readUntil(t, ws, typeIs(string(events.TypeRoomState)))

	resp, err := http.Get(srv.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats struct {
		Connections ConnectionStats `json:"connections"`
		Broadcast   broadcast.Stats `json:"broadcast"`
		Rooms       int             `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Connections.TotalConnections)
	assert.Equal(t, 1, stats.Connections.Rooms["p1"])
	assert.Equal(t, 1, stats.Broadcast.Subscriptions)
	assert.Equal(t, 1, stats.Rooms)
}
