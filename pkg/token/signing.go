package token

import (
	"fmt"
	"time"
)

// Default lifetimes
const (
	DefaultDelegationTokenTTL = 10 * time.Minute
	DefaultAccessTokenTTL     = 5 * time.Minute
	DefaultClockSkew          = 30 * time.Second
	MinSecretLength           = 32
)

// SigningConfig is the immutable signing and verification setup shared by
// the Issuer and the Validator. Build it once at startup.
type SigningConfig struct {
	key           []byte
	keyID         string
	issuer        string
	audience      string
	delegationTTL time.Duration
	accessTTL     time.Duration
	clockSkew     time.Duration
}

// SigningOption configures a SigningConfig
type SigningOption func(*SigningConfig)

// WithKeyID sets the kid header written into every token
func WithKeyID(kid string) SigningOption {
	return func(c *SigningConfig) {
		c.keyID = kid
	}
}

// WithIssuer sets the iss claim
func WithIssuer(issuer string) SigningOption {
	return func(c *SigningConfig) {
		c.issuer = issuer
	}
}

// WithAudience sets the resource server id used as the access token aud
func WithAudience(audience string) SigningOption {
	return func(c *SigningConfig) {
		c.audience = audience
	}
}

// WithDelegationTTL sets the delegation token lifetime
func WithDelegationTTL(ttl time.Duration) SigningOption {
	return func(c *SigningConfig) {
		c.delegationTTL = ttl
	}
}

// WithAccessTTL sets the access token lifetime
func WithAccessTTL(ttl time.Duration) SigningOption {
	return func(c *SigningConfig) {
		c.accessTTL = ttl
	}
}

// WithClockSkew sets the tolerance applied to expiry checks
func WithClockSkew(skew time.Duration) SigningOption {
	return func(c *SigningConfig) {
		c.clockSkew = skew
	}
}

// NewSigningConfig validates the secret and options and returns the config.
// The secret is copied so later mutation by the caller has no effect.
func NewSigningConfig(secret []byte, opts ...SigningOption) (SigningConfig, error) {
	if len(secret) < MinSecretLength {
		return SigningConfig{}, fmt.Errorf("signing secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}

	cfg := SigningConfig{
		key:           append([]byte(nil), secret...),
		keyID:         "default",
		issuer:        "http://localhost:5000",
		audience:      "resource-server",
		delegationTTL: DefaultDelegationTokenTTL,
		accessTTL:     DefaultAccessTokenTTL,
		clockSkew:     DefaultClockSkew,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	switch {
	case cfg.issuer == "":
		return SigningConfig{}, fmt.Errorf("issuer is required")
	case cfg.audience == "":
		return SigningConfig{}, fmt.Errorf("audience is required")
	case cfg.delegationTTL < time.Second:
		return SigningConfig{}, fmt.Errorf("delegation token lifetime must be at least 1s, got %v", cfg.delegationTTL)
	case cfg.accessTTL < time.Second:
		return SigningConfig{}, fmt.Errorf("access token lifetime must be at least 1s, got %v", cfg.accessTTL)
	case cfg.clockSkew < 0:
		return SigningConfig{}, fmt.Errorf("clock skew must be non-negative, got %v", cfg.clockSkew)
	}
	return cfg, nil
}

// KeyID returns the kid header value
func (c SigningConfig) KeyID() string { return c.keyID }

// Issuer returns the iss claim value
func (c SigningConfig) Issuer() string { return c.issuer }

// Audience returns the resource server id
func (c SigningConfig) Audience() string { return c.audience }

// DelegationTTL returns the delegation token lifetime
func (c SigningConfig) DelegationTTL() time.Duration { return c.delegationTTL }

// AccessTTL returns the access token lifetime
func (c SigningConfig) AccessTTL() time.Duration { return c.accessTTL }

// ClockSkew returns the expiry tolerance
func (c SigningConfig) ClockSkew() time.Duration { return c.clockSkew }

func (c SigningConfig) signingKey() []byte { return c.key }
