package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tendant/simple-delegation/pkg/scope"
)

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

// Issuer mints delegation and access tokens. The signing algorithm is fixed
// to HS256 and never taken from input.
type Issuer struct {
	cfg SigningConfig
	now Clock
}

// IssuerOption configures an Issuer
type IssuerOption func(*Issuer)

// WithIssuerClock overrides the clock used for iat/exp
func WithIssuerClock(clock Clock) IssuerOption {
	return func(i *Issuer) {
		if clock != nil {
			i.now = clock
		}
	}
}

// NewIssuer creates an Issuer for the given signing config
func NewIssuer(cfg SigningConfig, opts ...IssuerOption) *Issuer {
	i := &Issuer{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Config returns the signing config the issuer was built with
func (i *Issuer) Config() SigningConfig {
	return i.cfg
}

// IssueDelegationToken mints a delegation token for an approved request
func (i *Issuer) IssueDelegationToken(grant DelegationGrant) (string, *DelegationClaims, error) {
	claims, err := NewDelegationClaims(i.cfg, grant, i.now())
	if err != nil {
		return "", nil, fmt.Errorf("failed to build delegation claims: %w", err)
	}
	signed, err := sign(i.cfg, claims)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// IssueAccessToken mints an access token derived from a validated
// delegation token. requested may be empty, meaning the full delegated scope.
func (i *Issuer) IssueAccessToken(parent *DelegationClaims, requested scope.Set) (string, *AccessClaims, error) {
	if parent == nil {
		return "", nil, fmt.Errorf("parent delegation claims are required")
	}
	granted, err := ExchangeScope(parent.Scope, requested)
	if err != nil {
		return "", nil, err
	}
	claims, err := NewAccessClaims(i.cfg, parent, granted, i.now())
	if err != nil {
		return "", nil, err
	}
	signed, err := sign(i.cfg, claims)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

func sign(cfg SigningConfig, claims jwt.Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = cfg.KeyID()
	signed, err := t.SignedString(cfg.signingKey())
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
