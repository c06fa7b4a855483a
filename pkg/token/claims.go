package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	apperrors "github.com/tendant/simple-delegation/pkg/errors"
	"github.com/tendant/simple-delegation/pkg/scope"
)

// TokenType discriminates delegation tokens from access tokens
type TokenType string

const (
	TypeDelegation TokenType = "delegation"
	TypeAccess     TokenType = "access"
)

// DelegationClaims is the payload of a delegation token.
// Build it with NewDelegationClaims.
type DelegationClaims struct {
	Type         TokenType `json:"typ"`
	Delegator    string    `json:"delegator"`
	Scope        scope.Set `json:"scope"`
	DelegationID string    `json:"delegation_id"`
	jwt.RegisteredClaims
}

// AccessClaims is the payload of an access token.
// Build it with NewAccessClaims.
type AccessClaims struct {
	Type         TokenType `json:"typ"`
	Actor        string    `json:"actor"`
	Scope        scope.Set `json:"scope"`
	DelegationID string    `json:"delegation_id"`
	jwt.RegisteredClaims
}

// DelegationGrant is what an approved delegation request contributes to a
// delegation token
type DelegationGrant struct {
	DelegationID string
	AgentID      string
	Delegator    string
	Scope        scope.Set
}

// NewDelegationClaims builds validated delegation token claims
func NewDelegationClaims(cfg SigningConfig, grant DelegationGrant, now time.Time) (*DelegationClaims, error) {
	iat := now.UTC().Truncate(time.Second)
	claims := &DelegationClaims{
		Type:         TypeDelegation,
		Delegator:    grant.Delegator,
		Scope:        scope.New(grant.Scope...),
		DelegationID: grant.DelegationID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "del-" + uuid.NewString(),
			Issuer:    cfg.Issuer(),
			Subject:   grant.AgentID,
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(cfg.DelegationTTL())),
		},
	}
	if err := claims.validate(); err != nil {
		return nil, err
	}
	return claims, nil
}

// NewAccessClaims derives access token claims from a validated delegation
// token. granted must already be a subset of parent.Scope.
func NewAccessClaims(cfg SigningConfig, parent *DelegationClaims, granted scope.Set, now time.Time) (*AccessClaims, error) {
	if parent == nil {
		return nil, fmt.Errorf("parent delegation claims are required")
	}
	if !granted.IsSubsetOf(parent.Scope) {
		return nil, apperrors.Scope("access token scope exceeds delegated scope")
	}

	iat := now.UTC().Truncate(time.Second)
	claims := &AccessClaims{
		Type:         TypeAccess,
		Actor:        parent.Subject,
		Scope:        scope.New(granted...),
		DelegationID: parent.DelegationID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "acc-" + uuid.NewString(),
			Issuer:    cfg.Issuer(),
			Subject:   parent.Delegator,
			Audience:  jwt.ClaimStrings{cfg.Audience()},
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(cfg.AccessTTL())),
		},
	}
	if err := claims.validate(); err != nil {
		return nil, err
	}
	return claims, nil
}

func (c *DelegationClaims) validate() error {
	switch {
	case c.Type != TypeDelegation:
		return fmt.Errorf("delegation claims carry type %q", c.Type)
	case c.Subject == "":
		return fmt.Errorf("delegation claims require an agent subject")
	case c.Delegator == "":
		return fmt.Errorf("delegation claims require a delegator")
	case len(c.Scope) == 0:
		return fmt.Errorf("delegation claims require at least one scope")
	case c.DelegationID == "":
		return fmt.Errorf("delegation claims require a delegation id")
	}
	return validateTimes(c.RegisteredClaims)
}

func (c *AccessClaims) validate() error {
	switch {
	case c.Type != TypeAccess:
		return fmt.Errorf("access claims carry type %q", c.Type)
	case c.Subject == "":
		return fmt.Errorf("access claims require a delegator subject")
	case c.Actor == "":
		return fmt.Errorf("access claims require an actor")
	case len(c.Scope) == 0:
		return fmt.Errorf("access claims require at least one scope")
	case len(c.Audience) == 0:
		return fmt.Errorf("access claims require an audience")
	}
	return validateTimes(c.RegisteredClaims)
}

func validateTimes(rc jwt.RegisteredClaims) error {
	if rc.ID == "" {
		return fmt.Errorf("claims require a jti")
	}
	if rc.IssuedAt == nil || rc.ExpiresAt == nil {
		return fmt.Errorf("claims require iat and exp")
	}
	if !rc.ExpiresAt.After(rc.IssuedAt.Time) {
		return fmt.Errorf("exp must be after iat")
	}
	return nil
}

// Claims is the decoded form of either token type, returned by Validate
// when the caller does not know in advance which type it holds
type Claims struct {
	Type         TokenType `json:"typ"`
	Delegator    string    `json:"delegator,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	Scope        scope.Set `json:"scope"`
	DelegationID string    `json:"delegation_id"`
	jwt.RegisteredClaims
}

// AsDelegation converts to DelegationClaims, failing on any shape mismatch
func (c *Claims) AsDelegation() (*DelegationClaims, error) {
	if c.Actor != "" || len(c.Audience) != 0 {
		return nil, fmt.Errorf("delegation token carries access token claims")
	}
	dc := &DelegationClaims{
		Type:             c.Type,
		Delegator:        c.Delegator,
		Scope:            scope.New(c.Scope...),
		DelegationID:     c.DelegationID,
		RegisteredClaims: c.RegisteredClaims,
	}
	if err := dc.validate(); err != nil {
		return nil, err
	}
	return dc, nil
}

// AsAccess converts to AccessClaims, failing on any shape mismatch
func (c *Claims) AsAccess() (*AccessClaims, error) {
	if c.Delegator != "" {
		return nil, fmt.Errorf("access token carries delegation token claims")
	}
	ac := &AccessClaims{
		Type:             c.Type,
		Actor:            c.Actor,
		Scope:            scope.New(c.Scope...),
		DelegationID:     c.DelegationID,
		RegisteredClaims: c.RegisteredClaims,
	}
	if err := ac.validate(); err != nil {
		return nil, err
	}
	return ac, nil
}

// ExchangeScope computes the scope of an access token. An empty request
// yields the full delegated scope; a non-empty request is intersected with
// it and must not come out empty.
func ExchangeScope(delegated, requested scope.Set) (scope.Set, error) {
	if len(requested) == 0 {
		return scope.New(delegated...), nil
	}
	granted := requested.Intersect(delegated)
	if len(granted) == 0 {
		return nil, apperrors.Scope("requested scope is not covered by the delegation")
	}
	return granted, nil
}
