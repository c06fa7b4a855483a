// Package delegation implements the delegation request lifecycle.
//
// A request starts PENDING and moves one way only:
//
//	PENDING  -> APPROVED | DENIED | EXPIRED
//	APPROVED -> REVOKED  | EXPIRED
//
// DENIED, EXPIRED and REVOKED are terminal. Every transition is a
// compare-and-swap in the Repository, so concurrent approvals of the same
// request produce exactly one APPROVED transition and one minted delegation
// token. PKCE consumption and the one-time exchange marker are compare-and-swap
// operations too.
package delegation
