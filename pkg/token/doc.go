// Package token mints and validates the two signed credentials of the
// delegation flow.
//
// A delegation token proves that a user (delegator) granted a set of scopes
// to an agent (sub). An access token is what the agent presents to a
// resource server: sub is the delegator, actor is the agent and aud is the
// resource server id.
//
// Both are HS256 JWTs signed with the key held by an immutable
// SigningConfig. The algorithm is fixed by the configuration and never read
// from the token being verified.
//
// # Issuing
//
//	cfg, err := token.NewSigningConfig([]byte(secret),
//		token.WithIssuer("http://localhost:5000"),
//		token.WithAudience("resource-server"),
//	)
//	issuer := token.NewIssuer(cfg)
//	signed, claims, err := issuer.IssueDelegationToken(token.DelegationGrant{
//		DelegationID: req.ID,
//		AgentID:      req.AgentID,
//		Delegator:    req.Delegator,
//		Scope:        req.Scopes,
//	})
//
// # Validating
//
// Validator runs the checks in a fixed order and the first failure wins:
// parse (MalformedToken), signature (BadSignature), expiry with clock skew
// (ExpiredTokenError), revocation (RevokedTokenError), issuer and audience
// (AudienceMismatch).
//
//	validator := token.NewValidator(cfg, revocationStore)
//	claims, err := validator.ValidateAccess(ctx, bearer)
package token
