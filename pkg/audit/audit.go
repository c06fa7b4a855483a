// Package audit records security-relevant events on a log stream separate
// from ordinary request logging.
//
// Signature mismatches, reuse of revoked tokens, PKCE mismatches and replays
// and double exchanges are written as "security_audit" records. User
// identifiers are hashed before they are logged.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Event types
const (
	EventBadSignature       = "bad_signature"
	EventRevokedTokenReuse  = "revoked_token_reuse"
	EventPKCEMismatch       = "pkce_mismatch"
	EventPKCEReplay         = "pkce_replay"
	EventDoubleExchange     = "double_exchange"
	EventDelegationApproved = "delegation_approved"
	EventDelegationRevoked  = "delegation_revoked"
	EventTokenRevoked       = "token_revoked"
	EventTokenExchanged     = "token_exchanged"
)

// Auditor handles security event logging
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor. A nil logger uses slog.Default.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger.With("stream", "security"),
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type         string
	Delegator    string
	AgentID      string
	DelegationID string
	TokenID      string
	Reason       string
	Timestamp    time.Time
}

// LogEvent logs a security event with the delegator hashed
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	a.logger.Warn("security_audit",
		"event_type", event.Type,
		"delegator_hash", hashForLogging(event.Delegator),
		"agent_id", event.AgentID,
		"delegation_id", event.DelegationID,
		"jti", event.TokenID,
		"reason", event.Reason,
		"timestamp", event.Timestamp,
	)
}

func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
