package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-delegation/pkg/agent"
	"github.com/tendant/simple-delegation/pkg/delegation"
	"github.com/tendant/simple-delegation/pkg/pkce"
	"github.com/tendant/simple-delegation/pkg/revocation"
	"github.com/tendant/simple-delegation/pkg/token"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg, err := token.NewSigningConfig([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	agents := agent.NewService(agent.NewInMemoryRepository())
	_, err = agents.Register(context.Background(), agent.RegisterInput{
		ID:     "calendar-agent",
		Name:   "Calendar Assistant",
		Scopes: []string{"calendar:read", "calendar:write"},
	})
	require.NoError(t, err)

	manager := delegation.NewManager(delegation.NewInMemoryRepository(), agents,
		token.NewIssuer(cfg), revocation.NewMemoryStore())
	srv := httptest.NewServer(NewHandle(manager).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, method, url, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func createBody(t *testing.T, scopes, method string) string {
	t.Helper()
	verifier, err := pkce.GenerateCodeVerifier()
	require.NoError(t, err)
	return `{"agent_id":"calendar-agent","delegator":"alice","scopes":` + scopes +
		`,"code_challenge":"` + verifier.S256Challenge().Value + `","code_challenge_method":"` + method + `"}`
}

func TestDelegationAPI(t *testing.T) {
	srv := newTestServer(t)

	status, body := call(t, http.MethodPost, srv.URL+"/", createBody(t, `["calendar:read"]`, "S256"))
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "pending", body["status"])
	id, _ := body["request_id"].(string)
	require.NotEmpty(t, id)

	t.Run("CreateErrors", func(t *testing.T) {
		status, body := call(t, http.MethodPost, srv.URL+"/", createBody(t, `["mail:send"]`, "S256"))
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "invalid_scope", body["error"])

		status, body = call(t, http.MethodPost, srv.URL+"/", createBody(t, `["calendar:read"]`, "plain"))
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "invalid_grant", body["error"])

		status, _ = call(t, http.MethodPost, srv.URL+"/",
			strings.Replace(createBody(t, `["calendar:read"]`, "S256"), "calendar-agent", "ghost", 1))
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("GetHidesSecrets", func(t *testing.T) {
		status, body := call(t, http.MethodGet, srv.URL+"/"+id, "")
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "pending", body["status"])
		assert.NotContains(t, body, "code_challenge")
		assert.NotContains(t, body, "delegation_token")
	})

	t.Run("Approve", func(t *testing.T) {
		status, body := call(t, http.MethodPut, srv.URL+"/"+id+"/approve", "")
		require.Equal(t, http.StatusOK, status)
		assert.NotEmpty(t, body["delegation_token"])
		assert.Equal(t, "approved", body["status"])

		status, body = call(t, http.MethodPut, srv.URL+"/"+id+"/approve", "")
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "invalid_state", body["error"])

		status, _ = call(t, http.MethodPut, srv.URL+"/"+id+"/deny", "")
		assert.Equal(t, http.StatusConflict, status)
	})

	t.Run("Revoke", func(t *testing.T) {
		status, body := call(t, http.MethodDelete, srv.URL+"/"+id, "")
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "revoked", body["status"])

		status, _ = call(t, http.MethodDelete, srv.URL+"/"+id, "")
		assert.Equal(t, http.StatusConflict, status)
	})

	t.Run("Deny", func(t *testing.T) {
		_, body := call(t, http.MethodPost, srv.URL+"/", createBody(t, `["calendar:write"]`, "S256"))
		other := body["request_id"].(string)
		status, body := call(t, http.MethodPut, srv.URL+"/"+other+"/deny", "")
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "denied", body["status"])
	})

	t.Run("List", func(t *testing.T) {
		status, body := call(t, http.MethodGet, srv.URL+"/?status=revoked", "")
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, float64(1), body["total"])

		status, _ = call(t, http.MethodGet, srv.URL+"/?status=bogus", "")
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("Unknown", func(t *testing.T) {
		status, _ := call(t, http.MethodPut, srv.URL+"/req-missing/approve", "")
		assert.Equal(t, http.StatusNotFound, status)
	})
}
