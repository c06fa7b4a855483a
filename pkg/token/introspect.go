package token

import (
	"context"
	"log/slog"
)

// Introspection is the response body of token introspection. Only Active is
// set for a rejected token.
type Introspection struct {
	Active       bool      `json:"active"`
	TokenType    TokenType `json:"token_type,omitempty"`
	Subject      string    `json:"sub,omitempty"`
	Delegator    string    `json:"delegator,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	Audience     []string  `json:"aud,omitempty"`
	Issuer       string    `json:"iss,omitempty"`
	ExpiresAt    int64     `json:"exp,omitempty"`
	IssuedAt     int64     `json:"iat,omitempty"`
	JTI          string    `json:"jti,omitempty"`
	DelegationID string    `json:"delegation_id,omitempty"`
}

// Introspect validates raw and describes it. The reason for an inactive
// result is logged but never returned.
func (v *Validator) Introspect(ctx context.Context, raw string) Introspection {
	claims, err := v.Validate(ctx, raw)
	if err != nil {
		slog.Debug("Introspection rejected token", "err", err)
		return Introspection{Active: false}
	}
	return describe(claims)
}

func describe(c *Claims) Introspection {
	out := Introspection{
		Active:       true,
		TokenType:    c.Type,
		Subject:      c.Subject,
		Delegator:    c.Delegator,
		Actor:        c.Actor,
		Scope:        c.Scope.String(),
		Audience:     []string(c.Audience),
		Issuer:       c.Issuer,
		JTI:          c.ID,
		DelegationID: c.DelegationID,
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Unix()
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Unix()
	}
	return out
}
