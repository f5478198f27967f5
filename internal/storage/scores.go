package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentid-dev/agentid/internal/model"
)

const scoreColumns = `id, agent_id, score, total_actions, successful_actions, failed_actions, version, last_calculated`

// GetReputation returns the aggregate for an agent, or model.ErrNotFound when
// the agent has never had an action applied.
func (db *DB) GetReputation(ctx context.Context, agentID uuid.UUID) (model.ReputationScore, error) {
	var r model.ReputationScore
	err := db.pool.QueryRow(ctx,
		`SELECT `+scoreColumns+` FROM reputation_scores WHERE agent_id = $1`, agentID,
	).Scan(&r.ID, &r.AgentID, &r.Score, &r.TotalActions, &r.SuccessfulActions,
		&r.FailedActions, &r.Version, &r.LastCalculated)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ReputationScore{}, fmt.Errorf("storage: reputation for agent %s: %w", agentID, model.ErrNotFound)
	}
	if err != nil {
		return model.ReputationScore{}, fmt.Errorf("storage: get reputation: %w", err)
	}
	r.LastCalculated = r.LastCalculated.UTC()
	return r, nil
}

// UpsertReputation applies fn to the current aggregate and commits the result
// only if no other writer committed in between (version compare-and-set).
// Lost races re-read and re-invoke fn under db.retry.
func (db *DB) UpsertReputation(ctx context.Context, agentID uuid.UUID, fn model.ScoreUpdater) (model.ReputationScore, error) {
	var out model.ReputationScore
	err := RetryOnConflict(ctx, db.retry, func() error {
		var prev *model.ReputationScore
		cur, err := db.GetReputation(ctx, agentID)
		switch {
		case err == nil:
			prev = &cur
		case errors.Is(err, model.ErrNotFound):
		default:
			return err
		}

		next, err := fn(prev)
		if err != nil {
			return err
		}
		next.AgentID = agentID
		next.LastCalculated = model.LedgerTime(next.LastCalculated)

		if prev == nil {
			next.Version = 1
			if next.ID == uuid.Nil {
				next.ID = uuid.New()
			}
			tag, err := db.pool.Exec(ctx,
				`INSERT INTO reputation_scores (`+scoreColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 ON CONFLICT (agent_id) DO NOTHING`,
				next.ID, next.AgentID, next.Score, next.TotalActions, next.SuccessfulActions,
				next.FailedActions, next.Version, next.LastCalculated,
			)
			if err != nil {
				return fmt.Errorf("storage: insert reputation: %w", conflictOrErr(err))
			}
			if tag.RowsAffected() == 0 {
				return ErrVersionConflict
			}
			out = next
			return nil
		}

		next.ID = prev.ID
		next.Version = prev.Version + 1
		tag, err := db.pool.Exec(ctx,
			`UPDATE reputation_scores
			 SET score = $3, total_actions = $4, successful_actions = $5,
			     failed_actions = $6, version = $7, last_calculated = $8
			 WHERE agent_id = $1 AND version = $2`,
			agentID, prev.Version, next.Score, next.TotalActions, next.SuccessfulActions,
			next.FailedActions, next.Version, next.LastCalculated,
		)
		if err != nil {
			return fmt.Errorf("storage: update reputation: %w", conflictOrErr(err))
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		out = next
		return nil
	})
	if err != nil {
		return model.ReputationScore{}, err
	}
	return out, nil
}
