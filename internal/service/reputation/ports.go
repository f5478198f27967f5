package reputation

import (
	"context"

	"github.com/google/uuid"

	"github.com/agentid-dev/agentid/internal/model"
)

// Ledger is the append-only store of actions.
type Ledger interface {
	// AppendAction persists a. If an action with the same id exists it is
	// returned with created=false and nothing is written. New entries for a
	// revoked agent are refused with model.ErrAgentRevoked, checked atomically
	// with the insert.
	AppendAction(ctx context.Context, a model.Action) (stored model.Action, created bool, err error)
	ListActions(ctx context.Context, agentID uuid.UUID, page model.Page) (model.ActionPage, error)
	// CountActions counts all actions for the agent, or only those with *status.
	CountActions(ctx context.Context, agentID uuid.UUID, status *model.ActionStatus) (int64, error)
}

// Aggregates stores one ReputationScore per agent.
type Aggregates interface {
	// GetReputation returns model.ErrNotFound for agents with no aggregate.
	GetReputation(ctx context.Context, agentID uuid.UUID) (model.ReputationScore, error)
	// UpsertReputation commits fn's result atomically against the version it
	// read, re-invoking fn on lost races.
	UpsertReputation(ctx context.Context, agentID uuid.UUID, fn model.ScoreUpdater) (model.ReputationScore, error)
}

// Registry is the read side of the identity registry.
type Registry interface {
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	GetOwner(ctx context.Context, id uuid.UUID) (model.Owner, error)
}

// Locker serializes ledger and aggregate writes for one agent.
type Locker interface {
	Lock(ctx context.Context, agentID uuid.UUID) (unlock func(), err error)
}

// Hook observes committed aggregate changes. Hooks run synchronously after
// the aggregate write; a hook error is logged and never fails the request.
type Hook interface {
	OnReputationChanged(ctx context.Context, score model.ReputationScore) error
}
