package delegation

import (
	"time"

	"github.com/tendant/simple-delegation/pkg/scope"
)

// TokenRef identifies a minted token for later revocation
type TokenRef struct {
	ID        string    `json:"jti"`
	ExpiresAt time.Time `json:"exp"`
}

// Request is a delegation request and everything minted from it
type Request struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	Delegator      string     `json:"delegator"`
	Scopes         scope.Set  `json:"scopes"`
	ApprovedScopes scope.Set  `json:"approved_scopes,omitempty"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`

	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	PKCEConsumed        bool   `json:"pkce_consumed"`

	DelegationToken  *TokenRef  `json:"delegation_token,omitempty"`
	ExchangedTokenID string     `json:"exchanged_token_id,omitempty"`
	AccessTokens     []TokenRef `json:"access_tokens,omitempty"`
}

// IsExpired reports whether expires_at has passed
func (r *Request) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// TokenRefs returns every token minted from the request
func (r *Request) TokenRefs() []TokenRef {
	refs := make([]TokenRef, 0, len(r.AccessTokens)+1)
	if r.DelegationToken != nil {
		refs = append(refs, *r.DelegationToken)
	}
	return append(refs, r.AccessTokens...)
}

func (r *Request) clone() *Request {
	c := *r
	c.Scopes = append(scope.Set(nil), r.Scopes...)
	if r.ApprovedScopes != nil {
		c.ApprovedScopes = append(scope.Set(nil), r.ApprovedScopes...)
	}
	if r.ApprovedAt != nil {
		t := *r.ApprovedAt
		c.ApprovedAt = &t
	}
	if r.DelegationToken != nil {
		ref := *r.DelegationToken
		c.DelegationToken = &ref
	}
	if r.AccessTokens != nil {
		c.AccessTokens = append([]TokenRef(nil), r.AccessTokens...)
	}
	return &c
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Status    Status
	AgentID   string
	Delegator string
}

func (f Filter) matches(r *Request) bool {
	return (f.Status == "" || r.Status == f.Status) &&
		(f.AgentID == "" || r.AgentID == f.AgentID) &&
		(f.Delegator == "" || r.Delegator == f.Delegator)
}
