// Package revocation tracks revoked token ids until their original expiry.
//
// An entry only needs to outlive the token it revokes: once the token's exp
// (plus the validator's clock skew) has passed, expiry rejects it anyway, so
// Collect drops the entry.
package revocation

import (
	"context"
	"time"
)

// Store is a concurrency-safe set of revoked jti values
type Store interface {
	// Add revokes jti. Adding an already revoked jti is a no-op.
	Add(ctx context.Context, jti string, originalExp time.Time) error
	// Contains reports whether jti is revoked
	Contains(ctx context.Context, jti string) (bool, error)
	// Collect drops entries whose token has expired and returns how many
	// were removed
	Collect(ctx context.Context) (int, error)
	// Len returns the number of tracked entries
	Len(ctx context.Context) (int, error)
}
