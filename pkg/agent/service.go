package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/tendant/simple-delegation/pkg/errors"
	"github.com/tendant/simple-delegation/pkg/scope"
)

// ReferenceChecker reports whether an agent is referenced by a delegation
// request that has not reached a terminal state
type ReferenceChecker interface {
	HasOpenDelegations(ctx context.Context, agentID string) (bool, error)
}

// Service implements agent registration and lookup
type Service struct {
	repo       Repository
	references ReferenceChecker
	now        func() time.Time

	// held shared while a delegation is created for an agent and
	// exclusively while an agent is deleted
	lifecycle sync.RWMutex
}

// Option configures a Service
type Option func(*Service)

// WithReferenceChecker guards Delete against agents still in use
func WithReferenceChecker(rc ReferenceChecker) Option {
	return func(s *Service) {
		s.references = rc
	}
}

// WithClock overrides the clock used for timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates an agent service
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetReferenceChecker sets the checker after construction. The delegation
// manager depends on the agent service, so it is wired in afterwards.
func (s *Service) SetReferenceChecker(rc ReferenceChecker) {
	s.references = rc
}

// RegisterInput describes a new agent. ID is generated when empty.
type RegisterInput struct {
	ID          string
	Name        string
	Description string
	Scopes      []string
}

// UpdateInput holds the fields to change. Nil fields are left unchanged.
type UpdateInput struct {
	Name        *string
	Description *string
	Status      *Status
	Scopes      []string
}

// Register creates a new active agent
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Agent, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperrors.Validation("name", "must not be empty")
	}
	scopes := scope.New(in.Scopes...)
	if len(scopes) == 0 {
		return nil, apperrors.Validation("scopes", "at least one scope is required")
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = "agent-" + uuid.NewString()[:8]
	}

	now := s.now().UTC()
	a := &Agent{
		ID:          id,
		Name:        name,
		Description: in.Description,
		Status:      StatusActive,
		Scopes:      scopes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		if errors.Is(err, ErrAgentExists) {
			return nil, apperrors.InvalidState("agent %s already exists", id)
		}
		return nil, apperrors.InternalWrap(err, "failed to register agent")
	}

	slog.Info("Agent registered", "agent_id", a.ID, "scopes", a.Scopes.String())
	return a, nil
}

// Get returns an agent by id
func (s *Service) Get(ctx context.Context, id string) (*Agent, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, s.mapErr(err, id)
	}
	return a, nil
}

// GetActive returns an agent that may receive new delegations. Unknown and
// inactive agents are both reported as not found.
func (s *Service) GetActive(ctx context.Context, id string) (*Agent, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.IsActive() {
		return nil, apperrors.NotFound("active agent", id)
	}
	return a, nil
}

// WithActive runs fn with an active agent. Delete waits until fn returns, so
// a request stored by fn is visible to Delete's reference check.
func (s *Service) WithActive(ctx context.Context, id string, fn func(*Agent) error) error {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()
	a, err := s.GetActive(ctx, id)
	if err != nil {
		return err
	}
	return fn(a)
}

// List returns all agents ordered by id
func (s *Service) List(ctx context.Context) ([]*Agent, error) {
	agents, err := s.repo.List(ctx)
	if err != nil {
		return nil, apperrors.InternalWrap(err, "failed to list agents")
	}
	return agents, nil
}

// Update edits an agent's name, description, status or scopes
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*Agent, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apperrors.Validation("name", "must not be empty")
		}
		a.Name = name
	}
	if in.Description != nil {
		a.Description = *in.Description
	}
	if in.Status != nil {
		if !in.Status.Valid() {
			return nil, apperrors.Validation("status", "must be active, inactive or suspended")
		}
		a.Status = *in.Status
	}
	if in.Scopes != nil {
		scopes := scope.New(in.Scopes...)
		if len(scopes) == 0 {
			return nil, apperrors.Validation("scopes", "at least one scope is required")
		}
		a.Scopes = scopes
	}
	a.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, a); err != nil {
		return nil, s.mapErr(err, id)
	}
	slog.Info("Agent updated", "agent_id", id, "status", a.Status)
	return a, nil
}

// Delete removes an agent that no open delegation references
func (s *Service) Delete(ctx context.Context, id string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if s.references != nil {
		inUse, err := s.references.HasOpenDelegations(ctx, id)
		if err != nil {
			return apperrors.InternalWrap(err, "failed to check agent references")
		}
		if inUse {
			return apperrors.InvalidState("agent %s is referenced by an open delegation", id)
		}
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return s.mapErr(err, id)
	}
	slog.Info("Agent deleted", "agent_id", id)
	return nil
}

// RecordDelegation notes that the agent received an approved delegation
func (s *Service) RecordDelegation(ctx context.Context, id string) error {
	if err := s.repo.RecordDelegation(ctx, id, s.now().UTC()); err != nil {
		return s.mapErr(err, id)
	}
	return nil
}

// CountByStatus returns the number of agents in each status
func (s *Service) CountByStatus(ctx context.Context) (map[Status]int, error) {
	agents, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[Status]int{StatusActive: 0, StatusInactive: 0, StatusSuspended: 0}
	for _, a := range agents {
		counts[a.Status]++
	}
	return counts, nil
}

func (s *Service) mapErr(err error, id string) error {
	if errors.Is(err, ErrAgentNotFound) {
		return apperrors.NotFound("agent", id)
	}
	return apperrors.InternalWrap(err, "agent repository failure")
}
