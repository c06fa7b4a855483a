// Package status reports a snapshot of the delegation service: agents and
// delegation requests by status and the size of the revocation store.
package status

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/tendant/simple-delegation/pkg/agent"
	"github.com/tendant/simple-delegation/pkg/delegation"
	apperrors "github.com/tendant/simple-delegation/pkg/errors"
)

// AgentCounter counts agents by status
type AgentCounter interface {
	CountByStatus(ctx context.Context) (map[agent.Status]int, error)
}

// DelegationCounter counts delegation requests by status
type DelegationCounter interface {
	CountByStatus(ctx context.Context) (map[delegation.Status]int, error)
}

// RevocationCounter reports the number of revoked token ids held
type RevocationCounter interface {
	Len(ctx context.Context) (int, error)
}

// Snapshot is the body of GET /status
type Snapshot struct {
	Agents        AgentStats      `json:"agents"`
	Delegations   DelegationStats `json:"delegations"`
	RevokedTokens int             `json:"revoked_tokens"`
	Timestamp     time.Time       `json:"timestamp"`
}

// AgentStats breaks agents down by status
type AgentStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// DelegationStats breaks delegation requests down by status
type DelegationStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// Service assembles snapshots
type Service struct {
	agents      AgentCounter
	delegations DelegationCounter
	revoked     RevocationCounter
	now         func() time.Time
}

// NewService creates a status service
func NewService(agents AgentCounter, delegations DelegationCounter, revoked RevocationCounter) *Service {
	return &Service{
		agents:      agents,
		delegations: delegations,
		revoked:     revoked,
		now:         time.Now,
	}
}

// Snapshot gathers current counts. Every known status is present, zero or not.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	agentCounts, err := s.agents.CountByStatus(ctx)
	if err != nil {
		return nil, apperrors.InternalWrap(err, "failed to count agents")
	}
	delegationCounts, err := s.delegations.CountByStatus(ctx)
	if err != nil {
		return nil, apperrors.InternalWrap(err, "failed to count delegations")
	}
	revoked, err := s.revoked.Len(ctx)
	if err != nil {
		return nil, apperrors.InternalWrap(err, "failed to count revoked tokens")
	}

	snap := &Snapshot{
		Agents:        AgentStats{ByStatus: map[string]int{}},
		Delegations:   DelegationStats{ByStatus: map[string]int{}},
		RevokedTokens: revoked,
		Timestamp:     s.now().UTC(),
	}
	for _, st := range []agent.Status{agent.StatusActive, agent.StatusInactive, agent.StatusSuspended} {
		n := agentCounts[st]
		snap.Agents.ByStatus[string(st)] = n
		snap.Agents.Total += n
	}
	for _, st := range delegation.AllStatuses {
		n := delegationCounts[st]
		snap.Delegations.ByStatus[string(st)] = n
		snap.Delegations.Total += n
	}
	return snap, nil
}

// Handle serves GET /status and GET /health
type Handle struct {
	service *Service
}

// NewHandle creates the status handler
func NewHandle(service *Service) *Handle {
	return &Handle{service: service}
}

// RegisterRoutes mounts the endpoints on r
func (h *Handle) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.Status)
	r.Get("/health", Health)
}

// Status handles GET /status
func (h *Handle) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Snapshot(r.Context())
	if err != nil {
		slog.Error("Failed to build status snapshot", "error", err)
		apperrors.Render(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, snap)
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	render.PlainText(w, r, "OK")
}
