package delegation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-delegation/pkg/agent"
	"github.com/tendant/simple-delegation/pkg/audit"
	apperrors "github.com/tendant/simple-delegation/pkg/errors"
	"github.com/tendant/simple-delegation/pkg/metrics"
	"github.com/tendant/simple-delegation/pkg/pkce"
	"github.com/tendant/simple-delegation/pkg/revocation"
	"github.com/tendant/simple-delegation/pkg/scope"
	"github.com/tendant/simple-delegation/pkg/token"
)

// AgentDirectory is the subset of the agent service the manager needs
type AgentDirectory interface {
	GetActive(ctx context.Context, id string) (*agent.Agent, error)
	WithActive(ctx context.Context, id string, fn func(*agent.Agent) error) error
	RecordDelegation(ctx context.Context, id string) error
}

// Manager drives delegation requests through their lifecycle
type Manager struct {
	repo       Repository
	agents     AgentDirectory
	issuer     *token.Issuer
	revoked    revocation.Store
	auditor    *audit.Auditor
	metrics    *metrics.Metrics
	now        func() time.Time
	requestTTL time.Duration
	skew       time.Duration
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithAuditor records approvals and revocations on the security stream
func WithAuditor(a *audit.Auditor) ManagerOption {
	return func(m *Manager) {
		m.auditor = a
	}
}

// WithMetrics counts transitions and revocations
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithClock overrides the clock used for timestamps and expiry
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRequestTTL sets how long a PENDING request waits for a decision.
// Defaults to the delegation token lifetime.
func WithRequestTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.requestTTL = ttl
		}
	}
}

// NewManager creates a Manager
func NewManager(repo Repository, agents AgentDirectory, issuer *token.Issuer, revoked revocation.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		repo:       repo,
		agents:     agents,
		issuer:     issuer,
		revoked:    revoked,
		now:        time.Now,
		requestTTL: issuer.Config().DelegationTTL(),
		skew:       issuer.Config().ClockSkew(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateInput is an agent's request for delegated authority
type CreateInput struct {
	AgentID             string
	Delegator           string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Approval is the result of a successful approve
type Approval struct {
	Request         *Request
	DelegationToken string
	ExpiresIn       int64
}

// Create registers a PENDING request. The PKCE method is checked here so a
// plain or unknown method fails before anything is stored.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Request, error) {
	agentID := strings.TrimSpace(in.AgentID)
	delegator := strings.TrimSpace(in.Delegator)
	if agentID == "" {
		return nil, apperrors.Validation("agent_id", "must not be empty")
	}
	if delegator == "" {
		return nil, apperrors.Validation("delegator", "must not be empty")
	}
	requested := scope.New(in.Scopes...)
	if len(requested) == 0 {
		return nil, apperrors.Validation("scopes", "at least one scope is required")
	}
	if err := pkce.ValidateChallenge(in.CodeChallenge, in.CodeChallengeMethod); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	req := &Request{
		ID:                  "req-" + uuid.NewString(),
		AgentID:             agentID,
		Delegator:           delegator,
		Scopes:              requested,
		Status:              StatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
		ExpiresAt:           now.Add(m.requestTTL),
		CodeChallenge:       in.CodeChallenge,
		CodeChallengeMethod: string(pkce.ChallengeS256),
	}
	err := m.agents.WithActive(ctx, agentID, func(a *agent.Agent) error {
		if !requested.IsSubsetOf(a.Scopes) {
			return apperrors.Scope("requested scopes exceed the agent's registered scopes").
				WithDetail("unregistered", requested.Difference(a.Scopes).String())
		}
		if err := m.repo.Create(ctx, req); err != nil {
			return apperrors.InternalWrap(err, "failed to store delegation request")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.metrics.Transition(string(StatusPending))
	slog.Info("Delegation requested", "request_id", req.ID, "agent_id", agentID, "scopes", requested.String())
	return req, nil
}

// Approve moves a PENDING request to APPROVED and mints its delegation
// token. The token is minted inside the compare-and-swap, so concurrent
// approvals mint exactly one token.
func (m *Manager) Approve(ctx context.Context, id string) (*Approval, error) {
	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusPending && current.IsExpired(m.now()) {
		m.expire(ctx, current)
		return nil, apperrors.InvalidState("delegation request %s has expired", id)
	}

	a, err := m.agents.GetActive(ctx, current.AgentID)
	if err != nil {
		return nil, err
	}

	var signed string
	updated, err := m.repo.Transition(ctx, id, StatusPending, StatusApproved, func(req *Request) error {
		now := m.now().UTC()
		if req.IsExpired(now) {
			return apperrors.InvalidState("delegation request %s has expired", id)
		}
		approved := req.Scopes.Intersect(a.Scopes)
		if len(approved) == 0 {
			return apperrors.Scope("agent no longer holds any of the requested scopes")
		}

		tok, claims, err := m.issuer.IssueDelegationToken(token.DelegationGrant{
			DelegationID: req.ID,
			AgentID:      req.AgentID,
			Delegator:    req.Delegator,
			Scope:        approved,
		})
		if err != nil {
			return apperrors.InternalWrap(err, "failed to mint delegation token")
		}

		signed = tok
		req.ApprovedScopes = approved
		req.ApprovedAt = &now
		req.UpdatedAt = now
		req.ExpiresAt = claims.ExpiresAt.Time
		req.DelegationToken = &TokenRef{ID: claims.ID, ExpiresAt: claims.ExpiresAt.Time}
		return nil
	})
	if err != nil {
		return nil, m.mapErr(err, id)
	}

	if err := m.agents.RecordDelegation(ctx, updated.AgentID); err != nil {
		slog.Warn("Failed to record agent usage", "agent_id", updated.AgentID, "error", err)
	}
	m.metrics.Transition(string(StatusApproved))
	m.metrics.TokenIssued(string(token.TypeDelegation))
	m.auditor.LogEvent(audit.Event{
		Type:         audit.EventDelegationApproved,
		Delegator:    updated.Delegator,
		AgentID:      updated.AgentID,
		DelegationID: updated.ID,
		TokenID:      updated.DelegationToken.ID,
	})
	slog.Info("Delegation approved", "request_id", id, "agent_id", updated.AgentID,
		"scopes", updated.ApprovedScopes.String())

	return &Approval{
		Request:         updated,
		DelegationToken: signed,
		ExpiresIn:       int64(m.issuer.Config().DelegationTTL().Seconds()),
	}, nil
}

// Deny moves a PENDING request to DENIED
func (m *Manager) Deny(ctx context.Context, id string) (*Request, error) {
	updated, err := m.repo.Transition(ctx, id, StatusPending, StatusDenied, func(req *Request) error {
		req.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		return nil, m.mapErr(err, id)
	}
	m.metrics.Transition(string(StatusDenied))
	slog.Info("Delegation denied", "request_id", id, "agent_id", updated.AgentID)
	return updated, nil
}

// Revoke moves an APPROVED request to REVOKED. The delegation token and every
// access token derived from it are pushed into the revocation store before
// the status changes, so a store failure leaves the request APPROVED and the
// call can be retried.
func (m *Manager) Revoke(ctx context.Context, id string) (*Request, error) {
	for attempt := 0; attempt < revokeAttempts; attempt++ {
		current, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status != StatusApproved {
			return nil, apperrors.InvalidState("delegation request %s is %s", id, current.Status)
		}

		refs := current.TokenRefs()
		for _, ref := range refs {
			if err := m.revoked.Add(ctx, ref.ID, ref.ExpiresAt); err != nil {
				slog.Error("Failed to revoke token", "request_id", id, "jti", ref.ID, "error", err)
				return nil, apperrors.InternalWrap(err, "failed to revoke delegation tokens")
			}
		}

		updated, err := m.repo.Transition(ctx, id, StatusApproved, StatusRevoked, func(req *Request) error {
			if len(req.TokenRefs()) != len(refs) {
				return errTokensChanged
			}
			req.UpdatedAt = m.now().UTC()
			return nil
		})
		if errors.Is(err, errTokensChanged) {
			// an exchange recorded a new access token; push it too
			continue
		}
		if err != nil {
			return nil, m.mapErr(err, id)
		}

		for range refs {
			m.metrics.TokenRevoked("delegation")
		}
		m.metrics.Transition(string(StatusRevoked))
		m.auditor.LogEvent(audit.Event{
			Type:         audit.EventDelegationRevoked,
			Delegator:    updated.Delegator,
			AgentID:      updated.AgentID,
			DelegationID: updated.ID,
		})
		slog.Info("Delegation revoked", "request_id", id, "tokens", len(refs))
		return updated, nil
	}
	return nil, apperrors.Internal("delegation request kept changing during revocation")
}

const revokeAttempts = 3

var errTokensChanged = errors.New("request tokens changed")

// Get returns a request by id
func (m *Manager) Get(ctx context.Context, id string) (*Request, error) {
	req, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, m.mapErr(err, id)
	}
	return req, nil
}

// List returns requests matching filter, oldest first
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Request, error) {
	reqs, err := m.repo.List(ctx, filter)
	if err != nil {
		return nil, apperrors.InternalWrap(err, "failed to list delegation requests")
	}
	return reqs, nil
}

// SweepExpired moves PENDING requests past expires_at, and APPROVED requests
// past expires_at plus the clock skew, to EXPIRED. It returns how many moved.
// Token rejection does not depend on this; it only keeps request state
// accurate.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := m.now()
	expired := 0
	for _, status := range []Status{StatusPending, StatusApproved} {
		reqs, err := m.repo.List(ctx, Filter{Status: status})
		if err != nil {
			return expired, apperrors.InternalWrap(err, "failed to list delegation requests")
		}
		for _, req := range reqs {
			if !m.lapsed(req, now) {
				continue
			}
			if m.expire(ctx, req) {
				expired++
			}
		}
	}
	return expired, nil
}

// HasOpenDelegations reports whether agentID has a PENDING or APPROVED
// request. It guards agent deletion.
func (m *Manager) HasOpenDelegations(ctx context.Context, agentID string) (bool, error) {
	for _, status := range []Status{StatusPending, StatusApproved} {
		reqs, err := m.repo.List(ctx, Filter{Status: status, AgentID: agentID})
		if err != nil {
			return false, err
		}
		if len(reqs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// CountByStatus returns the number of requests in each status
func (m *Manager) CountByStatus(ctx context.Context) (map[Status]int, error) {
	reqs, err := m.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	for _, req := range reqs {
		counts[req.Status]++
	}
	return counts, nil
}

// expire attempts req.Status -> EXPIRED. Losing the race to another
// transition is not an error.
func (m *Manager) expire(ctx context.Context, req *Request) bool {
	_, err := m.repo.Transition(ctx, req.ID, req.Status, StatusExpired, func(r *Request) error {
		if !m.lapsed(r, m.now()) {
			return errNotExpired
		}
		r.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		var conflict *StatusConflictError
		if !errors.As(err, &conflict) && !errors.Is(err, errNotExpired) {
			slog.Warn("Failed to expire delegation request", "request_id", req.ID, "error", err)
		}
		return false
	}
	m.metrics.Transition(string(StatusExpired))
	slog.Debug("Delegation request expired", "request_id", req.ID, "previous_status", req.Status)
	return true
}

var errNotExpired = errors.New("request is not expired")

// lapsed reports whether req may be expired. An APPROVED request keeps the
// validator's skew so its delegation token can still be exchanged.
func (m *Manager) lapsed(req *Request, now time.Time) bool {
	if req.Status == StatusApproved {
		return req.IsExpired(now.Add(-m.skew))
	}
	return req.IsExpired(now)
}

func (m *Manager) mapErr(err error, id string) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	var conflict *StatusConflictError
	switch {
	case errors.Is(err, ErrRequestNotFound):
		return apperrors.NotFound("delegation request", id)
	case errors.As(err, &conflict):
		return apperrors.InvalidState("delegation request %s is %s", id, conflict.Current)
	default:
		return apperrors.InternalWrap(err, "delegation repository failure")
	}
}
