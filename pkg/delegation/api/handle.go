package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/tendant/simple-delegation/pkg/delegation"
	apperrors "github.com/tendant/simple-delegation/pkg/errors"
)

// Handle serves the delegation request endpoints
type Handle struct {
	manager *delegation.Manager
}

// NewHandle creates a new delegation API handler
func NewHandle(manager *delegation.Manager) *Handle {
	return &Handle{manager: manager}
}

// CreateDelegationRequest is the body of POST /delegations
type CreateDelegationRequest struct {
	AgentID             string   `json:"agent_id"`
	Delegator           string   `json:"delegator"`
	Scopes              []string `json:"scopes"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`
}

// CreateDelegationResponse is returned for a new request
type CreateDelegationResponse struct {
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ApproveResponse carries the delegation token. It is returned exactly once.
type ApproveResponse struct {
	RequestID       string   `json:"request_id"`
	Status          string   `json:"status"`
	DelegationToken string   `json:"delegation_token"`
	Scopes          []string `json:"scopes"`
	ExpiresIn       int64    `json:"expires_in"`
}

// StatusResponse is returned by deny and revoke
type StatusResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// DelegationResponse describes a request without token material or the
// PKCE challenge
type DelegationResponse struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	Delegator      string     `json:"delegator"`
	Scopes         []string   `json:"scopes"`
	ApprovedScopes []string   `json:"approved_scopes,omitempty"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Exchanged      bool       `json:"exchanged"`
	AccessTokens   int        `json:"access_tokens_issued"`
}

// ListDelegationsResponse is the body of GET /delegations
type ListDelegationsResponse struct {
	Delegations []DelegationResponse `json:"delegations"`
	Total       int                  `json:"total"`
}

// Routes returns the router for /delegations. createMiddleware wraps only
// request creation, where rate limiting applies.
func (h *Handle) Routes(createMiddleware ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.With(createMiddleware...).Post("/", h.CreateDelegation)
	r.Get("/", h.ListDelegations)
	r.Get("/{id}", h.GetDelegation)
	r.Put("/{id}/approve", h.ApproveDelegation)
	r.Put("/{id}/deny", h.DenyDelegation)
	r.Delete("/{id}", h.RevokeDelegation)
	return r
}

// CreateDelegation handles POST /delegations
func (h *Handle) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	var body CreateDelegationRequest
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		slog.Warn("Failed to decode delegation request", "error", err)
		apperrors.Render(w, r, apperrors.Validation("body", "malformed JSON"))
		return
	}

	req, err := h.manager.Create(r.Context(), delegation.CreateInput{
		AgentID:             body.AgentID,
		Delegator:           body.Delegator,
		Scopes:              body.Scopes,
		CodeChallenge:       body.CodeChallenge,
		CodeChallengeMethod: body.CodeChallengeMethod,
	})
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, CreateDelegationResponse{
		RequestID: req.ID,
		Status:    string(req.Status),
		ExpiresAt: req.ExpiresAt,
	})
}

// ListDelegations handles GET /delegations?status=&agent_id=&delegator=
func (h *Handle) ListDelegations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := delegation.Filter{
		AgentID:   q.Get("agent_id"),
		Delegator: q.Get("delegator"),
	}
	if v := q.Get("status"); v != "" {
		status, ok := delegation.ParseStatus(v)
		if !ok {
			apperrors.Render(w, r, apperrors.Validation("status", "unknown status "+v))
			return
		}
		filter.Status = status
	}

	reqs, err := h.manager.List(r.Context(), filter)
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}

	resp := ListDelegationsResponse{Delegations: make([]DelegationResponse, 0, len(reqs)), Total: len(reqs)}
	for _, req := range reqs {
		resp.Delegations = append(resp.Delegations, toResponse(req))
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// GetDelegation handles GET /delegations/{id}
func (h *Handle) GetDelegation(w http.ResponseWriter, r *http.Request) {
	req, err := h.manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, toResponse(req))
}

// ApproveDelegation handles PUT /delegations/{id}/approve
func (h *Handle) ApproveDelegation(w http.ResponseWriter, r *http.Request) {
	approval, err := h.manager.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, ApproveResponse{
		RequestID:       approval.Request.ID,
		Status:          string(approval.Request.Status),
		DelegationToken: approval.DelegationToken,
		Scopes:          []string(approval.Request.ApprovedScopes),
		ExpiresIn:       approval.ExpiresIn,
	})
}

// DenyDelegation handles PUT /delegations/{id}/deny
func (h *Handle) DenyDelegation(w http.ResponseWriter, r *http.Request) {
	req, err := h.manager.Deny(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, StatusResponse{RequestID: req.ID, Status: string(req.Status)})
}

// RevokeDelegation handles DELETE /delegations/{id}
func (h *Handle) RevokeDelegation(w http.ResponseWriter, r *http.Request) {
	req, err := h.manager.Revoke(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, StatusResponse{RequestID: req.ID, Status: string(req.Status)})
}

func toResponse(req *delegation.Request) DelegationResponse {
	return DelegationResponse{
		ID:             req.ID,
		AgentID:        req.AgentID,
		Delegator:      req.Delegator,
		Scopes:         []string(req.Scopes),
		ApprovedScopes: []string(req.ApprovedScopes),
		Status:         string(req.Status),
		CreatedAt:      req.CreatedAt,
		UpdatedAt:      req.UpdatedAt,
		ApprovedAt:     req.ApprovedAt,
		ExpiresAt:      req.ExpiresAt,
		Exchanged:      req.ExchangedTokenID != "",
		AccessTokens:   len(req.AccessTokens),
	}
}
