// Package grant implements the token endpoint of the delegation flow: the
// PKCE-protected exchange of a delegation token for an access token, token
// introspection and token revocation.
package grant

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/tendant/simple-delegation/pkg/audit"
	"github.com/tendant/simple-delegation/pkg/delegation"
	apperrors "github.com/tendant/simple-delegation/pkg/errors"
	"github.com/tendant/simple-delegation/pkg/metrics"
	"github.com/tendant/simple-delegation/pkg/pkce"
	"github.com/tendant/simple-delegation/pkg/revocation"
	"github.com/tendant/simple-delegation/pkg/scope"
	"github.com/tendant/simple-delegation/pkg/token"
)

// Grant types accepted by the token endpoint
const (
	GrantTypeTokenExchange    = "token_exchange"
	GrantTypeTokenExchangeURN = "urn:ietf:params:oauth:grant-type:token-exchange"
)

// Service exchanges, introspects and revokes tokens
type Service struct {
	requests  delegation.Repository
	issuer    *token.Issuer
	validator *token.Validator
	revoked   revocation.Store
	auditor   *audit.Auditor
	metrics   *metrics.Metrics
}

// Option configures a Service
type Option func(*Service)

// WithAuditor records PKCE failures, double exchanges and revocations
func WithAuditor(a *audit.Auditor) Option {
	return func(s *Service) {
		s.auditor = a
	}
}

// WithMetrics counts exchanges and revocations
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a grant service
func NewService(requests delegation.Repository, issuer *token.Issuer, validator *token.Validator, revoked revocation.Store, opts ...Option) *Service {
	s := &Service{
		requests:  requests,
		issuer:    issuer,
		validator: validator,
		revoked:   revoked,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExchangeInput is a token exchange request. Scope is space delimited and
// may be empty, meaning every delegated scope.
type ExchangeInput struct {
	GrantType       string
	DelegationToken string
	CodeVerifier    string
	Scope           string
}

// ExchangeResult is a minted access token
type ExchangeResult struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int64
	Scope       scope.Set
	Claims      *token.AccessClaims
}

// Exchange trades a delegation token and PKCE verifier for an access token.
//
// Checks run in order: delegation token validation, PKCE verification,
// scope computation, PKCE consumption and the one-time exchange marker. The
// two markers are compare-and-swap operations; nothing is minted unless both
// succeed.
func (s *Service) Exchange(ctx context.Context, in ExchangeInput) (result *ExchangeResult, err error) {
	defer func() { s.metrics.Exchange(err) }()

	switch in.GrantType {
	case GrantTypeTokenExchange, GrantTypeTokenExchangeURN:
	default:
		return nil, apperrors.Validation("grant_type", "must be token_exchange")
	}
	if strings.TrimSpace(in.CodeVerifier) == "" {
		return nil, apperrors.Validation("code_verifier", "must not be empty")
	}

	parent, err := s.validator.ValidateDelegation(ctx, in.DelegationToken)
	if err != nil {
		return nil, err
	}

	req, err := s.requests.Get(ctx, parent.DelegationID)
	if err != nil {
		if errors.Is(err, delegation.ErrRequestNotFound) {
			return nil, apperrors.Validation("delegation_token", "no delegation request for token")
		}
		return nil, apperrors.InternalWrap(err, "failed to load delegation request")
	}
	if req.DelegationToken == nil || req.DelegationToken.ID != parent.ID || req.AgentID != parent.Subject {
		return nil, apperrors.Validation("delegation_token", "token does not belong to its delegation request")
	}

	event := audit.Event{
		Delegator:    req.Delegator,
		AgentID:      req.AgentID,
		DelegationID: req.ID,
		TokenID:      parent.ID,
	}

	if err := pkce.Verify(in.CodeVerifier, req.CodeChallenge); err != nil {
		event.Type = audit.EventPKCEMismatch
		event.Reason = err.Error()
		s.auditor.LogEvent(event)
		return nil, apperrors.PKCE()
	}

	granted, err := token.ExchangeScope(parent.Scope, scope.Parse(in.Scope))
	if err != nil {
		return nil, err
	}

	if err := s.requests.ConsumePKCE(ctx, req.ID); err != nil {
		if errors.Is(err, delegation.ErrPKCEConsumed) {
			event.Type = audit.EventPKCEReplay
			s.auditor.LogEvent(event)
			return nil, apperrors.PKCE()
		}
		return nil, apperrors.InternalWrap(err, "failed to consume pkce challenge")
	}

	if err := s.requests.MarkExchanged(ctx, req.ID, parent.ID); err != nil {
		if errors.Is(err, delegation.ErrAlreadyExchanged) {
			event.Type = audit.EventDoubleExchange
			s.auditor.LogEvent(event)
			return nil, apperrors.InvalidState("delegation token has already been exchanged")
		}
		return nil, apperrors.InternalWrap(err, "failed to mark delegation token exchanged")
	}

	signed, claims, err := s.issuer.IssueAccessToken(parent, granted)
	if err != nil {
		return nil, err
	}

	ref := delegation.TokenRef{ID: claims.ID, ExpiresAt: claims.ExpiresAt.Time}
	if err := s.requests.RecordAccessToken(ctx, req.ID, ref); err != nil {
		// the request was revoked while we were minting
		if addErr := s.revoked.Add(ctx, ref.ID, ref.ExpiresAt); addErr != nil {
			slog.Error("Failed to revoke orphaned access token", "jti", ref.ID, "error", addErr)
		}
		var conflict *delegation.StatusConflictError
		if errors.As(err, &conflict) {
			if conflict.Current == delegation.StatusRevoked {
				return nil, apperrors.New(apperrors.ErrCodeRevokedToken, "delegation was revoked")
			}
			return nil, apperrors.InvalidState("delegation request is %s", conflict.Current)
		}
		return nil, apperrors.InternalWrap(err, "failed to record access token")
	}

	s.metrics.TokenIssued(string(token.TypeAccess))
	event.Type = audit.EventTokenExchanged
	event.TokenID = claims.ID
	s.auditor.LogEvent(event)
	slog.Info("Delegation token exchanged", "request_id", req.ID, "agent_id", req.AgentID,
		"scope", granted.String())

	return &ExchangeResult{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(claims.ExpiresAt.Sub(claims.IssuedAt.Time).Seconds()),
		Scope:       claims.Scope,
		Claims:      claims,
	}, nil
}

// Introspect describes a token. Any validation failure yields only
// {active:false}.
func (s *Service) Introspect(ctx context.Context, raw string) token.Introspection {
	return s.validator.Introspect(ctx, raw)
}

// Revoke adds a token's jti to the revocation store. Revoking an unknown,
// invalid, expired or already revoked token succeeds without effect.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	claims, err := s.validator.Validate(ctx, raw)
	if err != nil {
		if !apperrors.IsTokenError(err) {
			return err
		}
		slog.Debug("Revocation ignored", "reason", apperrors.GetCode(err))
		return nil
	}

	if err := s.revoked.Add(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return apperrors.InternalWrap(err, "failed to revoke token")
	}
	s.metrics.TokenRevoked("endpoint")
	s.auditor.LogEvent(audit.Event{
		Type:         audit.EventTokenRevoked,
		Delegator:    claimsDelegator(claims),
		DelegationID: claims.DelegationID,
		TokenID:      claims.ID,
	})
	slog.Info("Token revoked", "jti", claims.ID, "type", claims.Type)
	return nil
}

func claimsDelegator(c *token.Claims) string {
	if c.Type == token.TypeAccess {
		return c.Subject
	}
	return c.Delegator
}
