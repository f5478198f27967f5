package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is the privilege level carried in an access token.
type Role string

const (
	// RoleAdmin manages owners and agents and may act on behalf of any agent.
	RoleAdmin Role = "admin"
	// RoleAgent may only log and read actions for its own agent id.
	RoleAgent Role = "agent"
)

// AdminSubject is the token subject used for the bootstrap admin credential.
const AdminSubject = "admin"

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentStatusActive    AgentStatus = "active"
	AgentStatusSuspended AgentStatus = "suspended"
	AgentStatusRevoked   AgentStatus = "revoked"
)

// Valid reports whether s is one of the three known statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusActive, AgentStatusSuspended, AgentStatusRevoked:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether an agent in status s may move to next.
// Active and suspended toggle freely; either may be revoked; revoked is terminal.
// Setting the current status again is allowed (no-op) except from revoked.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	if !next.Valid() {
		return false
	}
	switch s {
	case AgentStatusActive, AgentStatusSuspended:
		return true
	case AgentStatusRevoked:
		return false
	default:
		return false
	}
}

// AcceptsActions reports whether an agent in this status may log new actions.
func (s AgentStatus) AcceptsActions() bool {
	return s == AgentStatusActive || s == AgentStatusSuspended
}

// Agent is a registered AI agent identity. The accounting engine only reads it.
type Agent struct {
	ID           uuid.UUID   `json:"id"`
	OwnerID      uuid.UUID   `json:"owner_id"`
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Capabilities []string    `json:"capabilities"`
	APIKeyHash   *string     `json:"-"`
	Status       AgentStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// MaxCapabilityLen bounds a single capability tag.
const MaxCapabilityLen = 64

// ValidateCapability checks that a capability tag conforms to the allowed format.
// Tags must start with a lowercase letter and contain only lowercase
// alphanumeric characters, hyphens, underscores, dots and colons.
func ValidateCapability(tag string) error {
	if len(tag) == 0 {
		return fmt.Errorf("capability must not be empty")
	}
	if len(tag) > MaxCapabilityLen {
		return fmt.Errorf("capability must be at most %d characters", MaxCapabilityLen)
	}
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		if i == 0 {
			if c < 'a' || c > 'z' {
				return fmt.Errorf("capability must start with a lowercase letter, got %q", c)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' && c != '.' && c != ':' {
			return fmt.Errorf("capability contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
