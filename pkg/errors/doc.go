// Package errors provides the structured error taxonomy of the delegation engine.
//
// Every failure that can cross the REST boundary is an *Error carrying an
// ErrorCode. The code decides both the HTTP status and the stable wire code
// (invalid_token, expired_token, revoked_token, insufficient_scope, ...)
// rendered to the caller. Messages are human readable; Details and wrapped
// errors are for server-side logs only.
//
// # Basic Usage
//
//	import apperrors "github.com/tendant/simple-delegation/pkg/errors"
//
//	if !scope.IsSubset(requested, agent.Scopes) {
//		return apperrors.Scope("requested scopes exceed agent registration")
//	}
//
//	// In a handler
//	if err != nil {
//		apperrors.Render(w, r, err)
//		return
//	}
//
// Error code to HTTP status mapping:
//   - ValidationError, ScopeError, PKCEValidationError → 400
//   - MalformedToken, BadSignature, ExpiredTokenError, RevokedTokenError, AudienceMismatch → 401
//   - InsufficientScope → 403
//   - NotFoundError → 404
//   - InvalidStateError → 409
//   - anything unstructured → 500 with a generic message
package errors
