package model

import (
	"time"

	"github.com/google/uuid"
)

// Score bounds. NeutralScore is reported while an agent has no resolved
// (success or failure) actions.
const (
	MinScore     = 0.0
	MaxScore     = 100.0
	NeutralScore = 50.0
)

// ReputationScore is the cached aggregate for one agent. It is derived from the
// action ledger and can always be rebuilt from it.
type ReputationScore struct {
	ID                uuid.UUID `json:"id"`
	AgentID           uuid.UUID `json:"agent_id"`
	Score             float64   `json:"score"`
	TotalActions      int64     `json:"total_actions"`
	SuccessfulActions int64     `json:"successful_actions"`
	FailedActions     int64     `json:"failed_actions"`
	Version           int64     `json:"version"`
	LastCalculated    time.Time `json:"last_calculated"`
}

// PendingActions is the number of logged actions that resolved neither way.
func (r ReputationScore) PendingActions() int64 {
	return r.TotalActions - r.SuccessfulActions - r.FailedActions
}

// SuccessRate is successful/(successful+failed), or 0 with no resolved actions.
func (r ReputationScore) SuccessRate() float64 {
	resolved := r.SuccessfulActions + r.FailedActions
	if resolved == 0 {
		return 0
	}
	return float64(r.SuccessfulActions) / float64(resolved)
}

// SameStanding reports whether two snapshots carry identical counters and score,
// ignoring bookkeeping fields (id, version, last_calculated).
func (r ReputationScore) SameStanding(o ReputationScore) bool {
	return r.AgentID == o.AgentID &&
		r.Score == o.Score &&
		r.TotalActions == o.TotalActions &&
		r.SuccessfulActions == o.SuccessfulActions &&
		r.FailedActions == o.FailedActions
}

// Reputation is the public view of an agent's standing.
type Reputation struct {
	Score             float64    `json:"score"`
	TotalActions      int64      `json:"total_actions"`
	SuccessfulActions int64      `json:"successful_actions"`
	FailedActions     int64      `json:"failed_actions"`
	PendingActions    int64      `json:"pending_actions"`
	SuccessRate       float64    `json:"success_rate"`
	LastCalculated    *time.Time `json:"last_calculated,omitempty"`
}

// View converts the aggregate into its public form.
func (r ReputationScore) View() Reputation {
	calc := r.LastCalculated
	return Reputation{
		Score:             r.Score,
		TotalActions:      r.TotalActions,
		SuccessfulActions: r.SuccessfulActions,
		FailedActions:     r.FailedActions,
		PendingActions:    r.PendingActions(),
		SuccessRate:       r.SuccessRate(),
		LastCalculated:    &calc,
	}
}

// NeutralReputation is the view reported for an agent with no aggregate yet.
func NeutralReputation() Reputation {
	return Reputation{Score: NeutralScore}
}

// VerificationResult is the read-only bundle handed to third-party verifiers.
type VerificationResult struct {
	Verified   bool         `json:"verified"`
	Agent      Agent        `json:"agent"`
	Reputation Reputation   `json:"reputation"`
	Owner      OwnerSummary `json:"owner"`
}

// ScoreUpdater computes the next aggregate from the previous one (nil when the
// agent has none yet). Stores may invoke it more than once per commit under
// contention, so it must not have side effects.
type ScoreUpdater func(prev *ReputationScore) (ReputationScore, error)
