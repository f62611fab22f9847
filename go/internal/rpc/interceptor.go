package rpc

import (
	"context"
	"strings"

	"connectrpc.com/connect"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/identity"
)

// AuthInterceptor verifies a bearer token when one is present and puts the
// user on the context. Procedures that need a user reject calls without one.
func AuthInterceptor(verifier identity.Verifier) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			auth := req.Header().Get("Authorization")
			if auth == "" {
				return next(ctx, req)
			}
			raw, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok {
				return nil, connect.NewError(connect.CodeUnauthenticated, identity.ErrMissingToken)
			}
			p, err := verifier.Verify(raw)
			if err != nil {
				log.Debug().Err(err).Str("procedure", req.Spec().Procedure).Msg("rejected token")
				return nil, connect.NewError(connect.CodeUnauthenticated, identity.ErrInvalidToken)
			}
			return next(identity.WithPrincipal(ctx, p), req)
		}
	}
}
