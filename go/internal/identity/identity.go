package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/models"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrForbidden    = errors.New("token does not grant this operation")
)

// Role is what a token allows its holder to do.
type Role string

const (
	// RoleBidder may join rooms and place bids. Tokens without a role claim
	// are bidder tokens.
	RoleBidder Role = "bidder"
	// RoleSettlement is held by the payment service that acknowledges a sale.
	RoleSettlement Role = "settlement"
)

func (r Role) valid() bool {
	return r == RoleBidder || r == RoleSettlement
}

// Principal is the authenticated caller.
type Principal struct {
	User models.UserID
	Role Role
}

// Verifier turns a bearer token into the principal it was issued to.
type Verifier interface {
	Verify(token string) (Principal, error)
}

// Claims are the token claims: the subject is the user ID.
type Claims struct {
	Role Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens whose subject is the user ID.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(raw string) (Principal, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: subject claim is required", ErrInvalidToken)
	}
	role := claims.Role
	if role == "" {
		role = RoleBidder
	}
	if !role.valid() {
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}
	return Principal{User: models.UserID(claims.Subject), Role: role}, nil
}

// Issue signs a bidder token for user. Used by local tooling and tests.
func (v *JWTVerifier) Issue(user models.UserID, ttl time.Duration) (string, error) {
	return v.IssueRole(user, RoleBidder, ttl)
}

// IssueRole signs a token for user carrying role.
func (v *JWTVerifier) IssueRole(user models.UserID, role Role, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type ctxKey struct{}

// WithPrincipal stores the authenticated caller on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFrom returns the authenticated caller stored on ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok && p.User != ""
}

// UserFrom returns the authenticated user stored on ctx.
func UserFrom(ctx context.Context) (models.UserID, bool) {
	p, ok := PrincipalFrom(ctx)
	return p.User, ok
}

// HasRole reports whether the caller on ctx holds role.
func HasRole(ctx context.Context, role Role) bool {
	p, ok := PrincipalFrom(ctx)
	return ok && p.Role == role
}

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the `token` query parameter for WebSocket upgrades where browsers
// cannot set headers.
func TokenFromRequest(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if !strings.HasPrefix(auth, "Bearer ") {
			return "", ErrMissingToken
		}
		return strings.TrimPrefix(auth, "Bearer "), nil
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", ErrMissingToken
}

// Middleware rejects requests without a valid token and puts the user on the
// request context.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := TokenFromRequest(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			p, err := v.Verify(raw)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected token")
				http.Error(w, ErrInvalidToken.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole refuses callers whose token does not carry role. It must run
// inside Middleware.
func RequireRole(role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasRole(r.Context(), role) {
				user, _ := UserFrom(r.Context())
				log.Warn().
					Str("path", r.URL.Path).
					Str("user_id", string(user)).
					Str("required_role", string(role)).
					Msg("caller lacks role")
				http.Error(w, ErrForbidden.Error(), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
