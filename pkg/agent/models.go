package agent

import (
	"time"

	"github.com/tendant/simple-delegation/pkg/scope"
)

// Status of an agent
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

// Agent is a registered software agent
type Agent struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Status          Status     `json:"status"`
	Scopes          scope.Set  `json:"scopes"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastUsed        *time.Time `json:"last_used,omitempty"`
	DelegationCount int        `json:"delegation_count"`
}

// IsActive reports whether the agent may receive new delegations
func (a *Agent) IsActive() bool {
	return a.Status == StatusActive
}

func (a *Agent) clone() *Agent {
	c := *a
	c.Scopes = append(scope.Set(nil), a.Scopes...)
	if a.LastUsed != nil {
		t := *a.LastUsed
		c.LastUsed = &t
	}
	return &c
}
