package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agentid-dev/agentid/internal/model"
)

var (
	// ErrVersionConflict means a conditional aggregate write lost a race with
	// another writer. UpsertReputation retries it internally.
	ErrVersionConflict = errors.New("storage: aggregate version conflict")

	// ErrContention is returned when the optimistic retry budget is exhausted.
	ErrContention = errors.New("storage: aggregate contention")
)

// Postgres SQLSTATE codes inspected by this package.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// RejectedAppend explains why a conditional ledger insert wrote nothing for a
// new action id, given the agent lookup done afterwards. Backends share it so
// a missing agent and a revoked one surface the same sentinels everywhere.
func RejectedAppend(agent model.Agent, lookupErr error) error {
	switch {
	case errors.Is(lookupErr, model.ErrNotFound):
		return model.ErrAgentNotFound
	case lookupErr != nil:
		return lookupErr
	case !agent.Status.AcceptsActions():
		return fmt.Errorf("agent %s is %s: %w", agent.ID, agent.Status, model.ErrAgentRevoked)
	default:
		return fmt.Errorf("agent %s accepted no insert", agent.ID)
	}
}
