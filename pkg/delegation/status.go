package delegation

import "strings"

// Status of a delegation request
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{StatusPending, StatusApproved, StatusDenied, StatusExpired, StatusRevoked}

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusDenied, StatusExpired},
	StatusApproved: {StatusRevoked, StatusExpired},
}

// CanTransitionTo reports whether the state machine allows s -> next
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus accepts a status name in any case
func ParseStatus(v string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	return s, s.Valid()
}
