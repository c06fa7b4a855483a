package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/tendant/simple-delegation/pkg/agent"
	apperrors "github.com/tendant/simple-delegation/pkg/errors"
)

// Handle serves the agent management endpoints
type Handle struct {
	agentService *agent.Service
}

// NewHandle creates a new agent API handler
func NewHandle(agentService *agent.Service) *Handle {
	return &Handle{agentService: agentService}
}

// CreateAgentRequest is the body of POST /agents
type CreateAgentRequest struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Scopes      []string `json:"scopes"`
}

// UpdateAgentRequest is the body of PUT /agents/{id}
type UpdateAgentRequest struct {
	Name        *string       `json:"name,omitempty"`
	Description *string       `json:"description,omitempty"`
	Status      *agent.Status `json:"status,omitempty"`
	Scopes      []string      `json:"scopes,omitempty"`
}

// AgentResponse is the JSON form of an agent
type AgentResponse struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Status          string     `json:"status"`
	Scopes          []string   `json:"scopes"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastUsed        *time.Time `json:"last_used,omitempty"`
	DelegationCount int        `json:"delegation_count"`
}

// ListAgentsResponse is the body of GET /agents
type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
	Total  int             `json:"total"`
}

// Routes returns the router for /agents
func (h *Handle) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListAgents)
	r.Post("/", h.CreateAgent)
	r.Get("/{id}", h.GetAgent)
	r.Put("/{id}", h.UpdateAgent)
	r.Delete("/{id}", h.DeleteAgent)
	return r
}

// ListAgents handles GET /agents
func (h *Handle) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agentService.List(r.Context())
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}

	resp := ListAgentsResponse{Agents: make([]AgentResponse, 0, len(agents)), Total: len(agents)}
	for _, a := range agents {
		resp.Agents = append(resp.Agents, toResponse(a))
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// CreateAgent handles POST /agents
func (h *Handle) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		slog.Warn("Failed to decode agent request", "error", err)
		apperrors.Render(w, r, apperrors.Validation("body", "malformed JSON"))
		return
	}

	a, err := h.agentService.Register(r.Context(), agent.RegisterInput{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Scopes:      req.Scopes,
	})
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toResponse(a))
}

// GetAgent handles GET /agents/{id}
func (h *Handle) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.agentService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, toResponse(a))
}

// UpdateAgent handles PUT /agents/{id}
func (h *Handle) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req UpdateAgentRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		slog.Warn("Failed to decode agent update", "error", err)
		apperrors.Render(w, r, apperrors.Validation("body", "malformed JSON"))
		return
	}

	a, err := h.agentService.Update(r.Context(), chi.URLParam(r, "id"), agent.UpdateInput{
		Name:        req.Name,
		Description: req.Description,
		Status:      req.Status,
		Scopes:      req.Scopes,
	})
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, toResponse(a))
}

// DeleteAgent handles DELETE /agents/{id}
func (h *Handle) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.agentService.Delete(r.Context(), id); err != nil {
		apperrors.Render(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "deleted", "id": id})
}

func toResponse(a *agent.Agent) AgentResponse {
	return AgentResponse{
		ID:              a.ID,
		Name:            a.Name,
		Description:     a.Description,
		Status:          string(a.Status),
		Scopes:          []string(a.Scopes),
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
		LastUsed:        a.LastUsed,
		DelegationCount: a.DelegationCount,
	}
}
