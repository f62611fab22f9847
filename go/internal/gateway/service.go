package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/auction"
	"github.com/mcdev12/estatebid/go/internal/broadcast"
	"github.com/mcdev12/estatebid/go/internal/identity"
	"github.com/mcdev12/estatebid/go/internal/ratelimit"
)

// Config for the gateway service.
type Config struct {
	Connection   ConnectionConfig
	HistoryLimit int
	MaxHistory   int
	LeaveTimeout time.Duration
}

// DefaultConfig returns default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Connection:   DefaultConnectionConfig(),
		HistoryLimit: 50,
		MaxHistory:   500,
		LeaveTimeout: 5 * time.Second,
	}
}

// Service serves the bidding API over HTTP and WebSocket.
type Service struct {
	engine      Engine
	broadcaster *broadcast.Broadcaster
	connections *ConnectionManager
	verifier    identity.Verifier
	limiter     ratelimit.Limiter
	archive     BidArchive
	clock       auction.Clock
	config      Config
}

// Deps are the collaborators of a Service. Limiter and Archive may be nil.
type Deps struct {
	Engine      Engine
	Broadcaster *broadcast.Broadcaster
	Verifier    identity.Verifier
	Limiter     ratelimit.Limiter
	Archive     BidArchive
	Clock       auction.Clock
}

func NewService(deps Deps, config Config) *Service {
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.Noop{}
	}
	return &Service{
		engine:      deps.Engine,
		broadcaster: deps.Broadcaster,
		connections: NewConnectionManager(config.Connection, deps.Broadcaster),
		verifier:    deps.Verifier,
		limiter:     deps.Limiter,
		archive:     deps.Archive,
		clock:       deps.Clock,
		config:      config,
	}
}

// Connections exposes the WebSocket connection manager.
func (s *Service) Connections() *ConnectionManager { return s.connections }

// RegisterRoutes registers the HTTP and WebSocket routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	auth := identity.Middleware(s.verifier)

	mux.Handle("POST /api/properties/{id}/bids", auth(http.HandlerFunc(s.HandlePlaceBid)))
	settlement := identity.RequireRole(identity.RoleSettlement)
	mux.Handle("POST /api/properties/{id}/settle", auth(settlement(http.HandlerFunc(s.HandleSettle))))
	mux.HandleFunc("GET /api/properties/{id}/room", s.HandleGetRoom)
	mux.HandleFunc("GET /api/properties/{id}/bids", s.HandleListBids)

	mux.Handle("GET /ws/properties/{id}", auth(http.HandlerFunc(s.HandleRoomSocket)))
	mux.HandleFunc("GET /ws/stats", s.HandleConnectionStats)
}

// Shutdown closes every open socket.
func (s *Service) Shutdown(ctx context.Context) {
	stats := s.connections.GetConnectionStats()
	s.connections.CloseAll()
	log.Info().
		Int("closed_connections", stats.TotalConnections).
		Msg("gateway connections closed")
}
