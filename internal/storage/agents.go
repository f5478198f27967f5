package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentid-dev/agentid/internal/model"
)

const agentColumns = `id, owner_id, name, description, capabilities, api_key_hash, status, created_at, updated_at`

// CreateAgent inserts a new agent. It fails with model.ErrNotFound when the
// owner does not exist.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := model.LedgerTime(time.Now())
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = agent.CreatedAt
	if agent.Capabilities == nil {
		agent.Capabilities = []string{}
	}
	if agent.Status == "" {
		agent.Status = model.AgentStatusActive
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		agent.ID, agent.OwnerID, agent.Name, agent.Description, agent.Capabilities,
		agent.APIKeyHash, string(agent.Status), agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		switch pgCode(err) {
		case pgForeignKeyViolation:
			return model.Agent{}, fmt.Errorf("storage: create agent: owner %s: %w", agent.OwnerID, model.ErrNotFound)
		case pgUniqueViolation:
			return model.Agent{}, fmt.Errorf("storage: create agent: %w", model.ErrConflict)
		}
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by id.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// ListAgentIDsByOwner returns the ids of every agent the owner registered.
func (db *DB) ListAgentIDsByOwner(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx, `SELECT id FROM agents WHERE owner_id = $1`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("storage: list owner agents: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: list owner agents: %w", err)
	}
	return ids, nil
}

// UpdateAgentStatus moves an agent from one status to another. The update only
// applies if the agent is still in status from; otherwise model.ErrConflict.
func (db *DB) UpdateAgentStatus(ctx context.Context, id uuid.UUID, from, to model.AgentStatus) (model.Agent, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE agents SET status = $3, updated_at = $4
		 WHERE id = $1 AND status = $2
		 RETURNING `+agentColumns,
		id, string(from), string(to), model.LedgerTime(time.Now()),
	)
	a, err := scanAgent(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Agent{}, fmt.Errorf("storage: update agent status: %w", err)
	}
	if _, err := db.GetAgent(ctx, id); err != nil {
		return model.Agent{}, err
	}
	return model.Agent{}, fmt.Errorf("storage: agent %s is no longer %s: %w", id, from, model.ErrConflict)
}

func scanAgent(row pgx.Row) (model.Agent, error) {
	var (
		a      model.Agent
		status string
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Description, &a.Capabilities,
		&a.APIKeyHash, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return model.Agent{}, err
	}
	a.Status = model.AgentStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	return a, nil
}
