package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tendant/simple-delegation/pkg/audit"
	apperrors "github.com/tendant/simple-delegation/pkg/errors"
)

// RevocationChecker reports whether a jti has been revoked
type RevocationChecker interface {
	Contains(ctx context.Context, jti string) (bool, error)
}

// FailureObserver is notified of every rejected token with the failure code
type FailureObserver interface {
	ValidationFailed(code apperrors.ErrorCode)
}

// Validator verifies delegation and access tokens. Checks run in a fixed
// order and the first failure wins: parse, signature, expiry, revocation,
// issuer and audience.
type Validator struct {
	cfg      SigningConfig
	revoked  RevocationChecker
	auditor  *audit.Auditor
	observer FailureObserver
	now      Clock
}

// ValidatorOption configures a Validator
type ValidatorOption func(*Validator)

// WithValidatorClock overrides the clock used for expiry checks
func WithValidatorClock(clock Clock) ValidatorOption {
	return func(v *Validator) {
		if clock != nil {
			v.now = clock
		}
	}
}

// WithAuditor records bad signatures and revoked token reuse
func WithAuditor(a *audit.Auditor) ValidatorOption {
	return func(v *Validator) {
		v.auditor = a
	}
}

// WithFailureObserver registers an observer for rejected tokens
func WithFailureObserver(o FailureObserver) ValidatorOption {
	return func(v *Validator) {
		v.observer = o
	}
}

// NewValidator creates a Validator. revoked may be nil, in which case the
// revocation step always passes.
func NewValidator(cfg SigningConfig, revoked RevocationChecker, opts ...ValidatorOption) *Validator {
	v := &Validator{cfg: cfg, revoked: revoked, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks a token of either type and returns its claims
func (v *Validator) Validate(ctx context.Context, raw string) (*Claims, error) {
	claims, err := v.validate(ctx, raw, "")
	if err != nil {
		v.observe(err)
		return nil, err
	}
	return claims, nil
}

// ValidateDelegation checks a delegation token. An access token presented
// here is rejected as malformed.
func (v *Validator) ValidateDelegation(ctx context.Context, raw string) (*DelegationClaims, error) {
	claims, err := v.validate(ctx, raw, TypeDelegation)
	if err != nil {
		v.observe(err)
		return nil, err
	}
	return claims.AsDelegation()
}

// ValidateAccess checks an access token. A delegation token presented here
// is rejected as malformed.
func (v *Validator) ValidateAccess(ctx context.Context, raw string) (*AccessClaims, error) {
	claims, err := v.validate(ctx, raw, TypeAccess)
	if err != nil {
		v.observe(err)
		return nil, err
	}
	return claims.AsAccess()
}

func (v *Validator) validate(ctx context.Context, raw string, want TokenType) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apperrors.New(apperrors.ErrCodeMalformedToken, "token is empty")
	}

	// 1. parse
	unverified := &Claims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(raw, unverified)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMalformedToken, "token could not be parsed")
	}
	if parsed.Method == nil || parsed.Method.Alg() != jwt.SigningMethodHS256.Alg() {
		return nil, apperrors.New(apperrors.ErrCodeMalformedToken, "unsupported signing algorithm")
	}
	if err := checkShape(unverified, want); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMalformedToken, "token claims are malformed")
	}

	// 2. signature
	claims := &Claims{}
	_, err = jwt.ParseWithClaims(raw, claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeMalformedToken, "token could not be parsed")
		}
		v.auditor.LogEvent(audit.Event{
			Type:         audit.EventBadSignature,
			TokenID:      unverified.ID,
			DelegationID: unverified.DelegationID,
			Reason:       err.Error(),
		})
		return nil, apperrors.Wrap(err, apperrors.ErrCodeBadSignature, "token signature is invalid")
	}

	// 3. expiry
	now := v.now()
	if !now.Before(claims.ExpiresAt.Time.Add(v.cfg.ClockSkew())) {
		return nil, apperrors.New(apperrors.ErrCodeExpiredToken, "token has expired").
			WithDetail("jti", claims.ID)
	}

	// 4. revocation
	if v.revoked != nil {
		revoked, err := v.revoked.Contains(ctx, claims.ID)
		if err != nil {
			slog.Error("Revocation lookup failed", "jti", claims.ID, "err", err)
			return nil, apperrors.InternalWrap(err, "revocation lookup failed")
		}
		if revoked {
			v.auditor.LogEvent(audit.Event{
				Type:         audit.EventRevokedTokenReuse,
				Delegator:    claims.delegatorID(),
				AgentID:      claims.agentID(),
				DelegationID: claims.DelegationID,
				TokenID:      claims.ID,
			})
			return nil, apperrors.New(apperrors.ErrCodeRevokedToken, "token has been revoked").
				WithDetail("jti", claims.ID)
		}
	}

	// 5. issuer and audience
	if claims.Issuer != v.cfg.Issuer() {
		return nil, apperrors.Newf(apperrors.ErrCodeAudienceMismatch, "unexpected issuer %q", claims.Issuer)
	}
	if claims.Type == TypeAccess && !containsAudience(claims.Audience, v.cfg.Audience()) {
		return nil, apperrors.New(apperrors.ErrCodeAudienceMismatch, "token is not intended for this resource server")
	}

	return claims, nil
}

func (v *Validator) keyFunc(t *jwt.Token) (interface{}, error) {
	kid, _ := t.Header["kid"].(string)
	if kid != v.cfg.KeyID() {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return v.cfg.signingKey(), nil
}

func (v *Validator) observe(err error) {
	if v.observer != nil {
		v.observer.ValidationFailed(apperrors.GetCode(err))
	}
}

// checkShape verifies the unverified claims have the structure of the
// expected token type. An empty want accepts either type.
func checkShape(c *Claims, want TokenType) error {
	if want != "" && c.Type != want {
		return fmt.Errorf("expected %s token, got %q", want, c.Type)
	}
	switch c.Type {
	case TypeDelegation:
		_, err := c.AsDelegation()
		return err
	case TypeAccess:
		_, err := c.AsAccess()
		return err
	default:
		return fmt.Errorf("unknown token type %q", c.Type)
	}
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func (c *Claims) delegatorID() string {
	if c.Type == TypeAccess {
		return c.Subject
	}
	return c.Delegator
}

func (c *Claims) agentID() string {
	if c.Type == TypeAccess {
		return c.Actor
	}
	return c.Subject
}
