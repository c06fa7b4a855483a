// Package gate guards protected resource handlers. It validates the bearer
// access token on each request, enforces required scopes and hands the
// delegator and acting agent to downstream handlers.
package gate

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/jwtauth/v5"
	apperrors "github.com/tendant/simple-delegation/pkg/errors"
	"github.com/tendant/simple-delegation/pkg/scope"
	"github.com/tendant/simple-delegation/pkg/token"
)

// contextKey is a value for use with context.WithValue. It's used as
// a pointer so it fits in an interface{} without allocation.
type contextKey struct {
	name string
}

func (k *contextKey) String() string {
	return "gate context value " + k.name
}

var principalKey = &contextKey{"Principal"}

// Principal is the identity pair carried by a validated access token
type Principal struct {
	Delegator    string
	Actor        string
	Scope        scope.Set
	DelegationID string
	TokenID      string
	ExpiresAt    time.Time
}

// LogValue keeps slog output to the identities
func (p Principal) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("delegator", p.Delegator),
		slog.String("actor", p.Actor),
	)
}

// AccessValidator validates access tokens
type AccessValidator interface {
	ValidateAccess(ctx context.Context, raw string) (*token.AccessClaims, error)
}

// Gate authenticates requests with access tokens
type Gate struct {
	validator AccessValidator
	realm     string
}

// New creates a Gate. realm is echoed in WWW-Authenticate challenges.
func New(validator AccessValidator, realm string) *Gate {
	if realm == "" {
		realm = "resource-server"
	}
	return &Gate{validator: validator, realm: realm}
}

// Authenticate validates the bearer token and stores the Principal in the
// request context. Any failure responds 401.
func (g *Gate) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := jwtauth.TokenFromHeader(r)
		if raw == "" {
			g.reject(w, r, apperrors.New(apperrors.ErrCodeMalformedToken, "missing bearer token"))
			return
		}

		claims, err := g.validator.ValidateAccess(r.Context(), raw)
		if err != nil {
			slog.Debug("Access token rejected", "path", r.URL.Path, "code", apperrors.GetCode(err))
			g.reject(w, r, err)
			return
		}

		p := Principal{
			Delegator:    claims.Subject,
			Actor:        claims.Actor,
			Scope:        claims.Scope,
			DelegationID: claims.DelegationID,
			TokenID:      claims.ID,
		}
		if claims.ExpiresAt != nil {
			p.ExpiresAt = claims.ExpiresAt.Time
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireScope returns a middleware that responds 403 unless the token
// carries every listed scope. Must be used after Authenticate.
func (g *Gate) RequireScope(required ...string) func(http.Handler) http.Handler {
	want := scope.New(required...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				g.reject(w, r, apperrors.New(apperrors.ErrCodeMalformedToken, "missing bearer token"))
				return
			}
			if !want.IsSubsetOf(p.Scope) {
				slog.Warn("Token lacks required scope",
					"principal", p,
					"tokenScope", p.Scope.String(),
					"requiredScope", want.String())
				err := apperrors.InsufficientScope(want.String())
				w.Header().Set("WWW-Authenticate", g.challenge(err))
				apperrors.Render(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Protect is Authenticate followed by RequireScope
func (g *Gate) Protect(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.Authenticate(g.RequireScope(required...)(next))
	}
}

func (g *Gate) reject(w http.ResponseWriter, r *http.Request, err error) {
	if apperrors.IsTokenError(err) {
		w.Header().Set("WWW-Authenticate", g.challenge(err))
	}
	apperrors.Render(w, r, err)
}

func (g *Gate) challenge(err error) string {
	return `Bearer realm="` + g.realm + `", error="` + apperrors.MapErrorCodeToWireCode(apperrors.GetCode(err)) + `"`
}

// WithPrincipal returns a copy of ctx carrying p
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext returns the Principal stored by Authenticate
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// GetPrincipal is FromContext for a request
func GetPrincipal(r *http.Request) (Principal, bool) {
	return FromContext(r.Context())
}
