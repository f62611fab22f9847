package main

import (
	"fmt"
	"net/http"

	"connectrpc.com/grpcreflect"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/estatebid/go/internal/config"
	"github.com/mcdev12/estatebid/go/internal/rpc"
)

func setupServer(cfg *config.Config, services *Services) *http.Server {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Retry-After", rpc.ReasonHeader, rpc.CurrentPriceHeader, rpc.MinNextBidHeader},
	})

	registerServices(mux, services)
	setupReflection(mux)
	setupHealthCheck(mux, services)

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: h2c.NewHandler(c.Handler(mux), &http2.Server{}),
	}
}

func registerServices(mux *http.ServeMux, services *Services) {
	// Connect / gRPC / gRPC-Web
	path, handler := rpc.NewHandler(services.RPC, services.Verifier)
	mux.Handle(path, handler)

	// REST and WebSocket
	services.Gateway.RegisterRoutes(mux)
}

func setupReflection(mux *http.ServeMux) {
	reflector := grpcreflect.NewStaticReflector(rpc.ServiceName)
	mux.Handle(grpcreflect.NewHandlerV1(reflector))
	mux.Handle(grpcreflect.NewHandlerV1Alpha(reflector))
}

func setupHealthCheck(mux *http.ServeMux, services *Services) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		stats := services.Broadcaster.Stats()
		if _, err := fmt.Fprintf(w, `{"status":"ok","rooms":%d,"subscriptions":%d}`,
			services.Engine.Rooms(), stats.Subscriptions); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}
