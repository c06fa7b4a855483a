package grant

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	apperrors "github.com/tendant/simple-delegation/pkg/errors"
)

// Handle serves /token, /introspect and /revoke
type Handle struct {
	service *Service
}

// NewHandle creates the token endpoint handler
func NewHandle(service *Service) *Handle {
	return &Handle{service: service}
}

// TokenRequest is the body of POST /token
type TokenRequest struct {
	GrantType       string `json:"grant_type"`
	DelegationToken string `json:"delegation_token"`
	CodeVerifier    string `json:"code_verifier"`
	Scope           string `json:"scope,omitempty"`
}

// TokenResponse is a successful exchange
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// TokenBody is the body of POST /introspect and POST /revoke
type TokenBody struct {
	Token string `json:"token"`
}

// RegisterRoutes mounts the endpoints on r. tokenMiddleware wraps only
// POST /token, where rate limiting applies.
func (h *Handle) RegisterRoutes(r chi.Router, tokenMiddleware ...func(http.Handler) http.Handler) {
	r.With(tokenMiddleware...).Post("/token", h.Token)
	r.Post("/introspect", h.Introspect)
	r.Post("/revoke", h.Revoke)
}

// Token handles POST /token
func (h *Handle) Token(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	var body TokenRequest
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		slog.Warn("Failed to decode token request", "error", err)
		apperrors.Render(w, r, apperrors.Validation("body", "malformed JSON"))
		return
	}

	result, err := h.service.Exchange(r.Context(), ExchangeInput{
		GrantType:       body.GrantType,
		DelegationToken: body.DelegationToken,
		CodeVerifier:    body.CodeVerifier,
		Scope:           body.Scope,
	})
	if err != nil {
		if apperrors.IsTokenError(err) {
			w.Header().Set("WWW-Authenticate", `Bearer error="`+apperrors.MapErrorCodeToWireCode(apperrors.GetCode(err))+`"`)
		}
		apperrors.Render(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, TokenResponse{
		AccessToken: result.AccessToken,
		TokenType:   result.TokenType,
		ExpiresIn:   result.ExpiresIn,
		Scope:       result.Scope.String(),
	})
}

// Introspect handles POST /introspect. It always answers 200.
func (h *Handle) Introspect(w http.ResponseWriter, r *http.Request) {
	var body TokenBody
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		apperrors.Render(w, r, apperrors.Validation("body", "malformed JSON"))
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, h.service.Introspect(r.Context(), body.Token))
}

// Revoke handles POST /revoke. It is idempotent.
func (h *Handle) Revoke(w http.ResponseWriter, r *http.Request) {
	var body TokenBody
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		apperrors.Render(w, r, apperrors.Validation("body", "malformed JSON"))
		return
	}
	if body.Token == "" {
		apperrors.Render(w, r, apperrors.Validation("token", "must not be empty"))
		return
	}
	if err := h.service.Revoke(r.Context(), body.Token); err != nil {
		apperrors.Render(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]bool{"revoked": true})
}
