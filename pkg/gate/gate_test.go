package gate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-delegation/pkg/revocation"
	"github.com/tendant/simple-delegation/pkg/scope"
	"github.com/tendant/simple-delegation/pkg/token"
)

type testEnv struct {
	issuer    *token.Issuer
	validator *token.Validator
	revoked   *revocation.MemoryStore
	handler   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg, err := token.NewSigningConfig([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	revoked := revocation.NewMemoryStore()
	validator := token.NewValidator(cfg, revoked)
	g := New(validator, "")

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r)
		require.True(t, ok)
		_ = json.NewEncoder(w).Encode(map[string]string{"delegator": p.Delegator, "actor": p.Actor})
	})

	return &testEnv{
		issuer:    token.NewIssuer(cfg),
		validator: validator,
		revoked:   revoked,
		handler:   g.Protect("calendar:read")(echo),
	}
}

func (e *testEnv) tokens(t *testing.T, issuer *token.Issuer, scopes ...string) (string, string, *token.AccessClaims) {
	t.Helper()
	dt, parent, err := issuer.IssueDelegationToken(token.DelegationGrant{
		DelegationID: "req-1",
		AgentID:      "calendar-agent",
		Delegator:    "alice",
		Scope:        scope.New(scopes...),
	})
	require.NoError(t, err)
	at, claims, err := issuer.IssueAccessToken(parent, nil)
	require.NoError(t, err)
	return dt, at, claims
}

func (e *testEnv) get(bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/calendar", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestProtect(t *testing.T) {
	env := newTestEnv(t)
	dt, at, claims := env.tokens(t, env.issuer, "calendar:read", "calendar:write")

	t.Run("Allowed", func(t *testing.T) {
		rec := env.get(at)
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "alice", body["delegator"])
		assert.Equal(t, "calendar-agent", body["actor"])
	})

	t.Run("MissingToken", func(t *testing.T) {
		rec := env.get("")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid_token", errorCode(t, rec))
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
	})

	t.Run("Garbage", func(t *testing.T) {
		rec := env.get("not.a.jwt")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid_token", errorCode(t, rec))
	})

	t.Run("DelegationTokenNeverOpensResource", func(t *testing.T) {
		rec := env.get(dt)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid_token", errorCode(t, rec))
	})

	t.Run("InsufficientScope", func(t *testing.T) {
		_, narrow, _ := env.tokens(t, env.issuer, "calendar:write")
		rec := env.get(narrow)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "insufficient_scope", errorCode(t, rec))
	})

	t.Run("Expired", func(t *testing.T) {
		past := token.NewIssuer(env.issuer.Config(),
			token.WithIssuerClock(func() time.Time { return time.Now().Add(-time.Hour) }))
		_, old, _ := env.tokens(t, past, "calendar:read")
		rec := env.get(old)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "expired_token", errorCode(t, rec))
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="expired_token"`)
	})

	t.Run("Revoked", func(t *testing.T) {
		require.NoError(t, env.revoked.Add(context.Background(), claims.ID, claims.ExpiresAt.Time))
		rec := env.get(at)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "revoked_token", errorCode(t, rec))
	})
}

func TestFromContextEmpty(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}
