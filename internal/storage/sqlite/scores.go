package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentid-dev/agentid/internal/model"
	"github.com/agentid-dev/agentid/internal/storage"
)

const scoreColumns = `id, agent_id, score, total_actions, successful_actions, failed_actions, version, last_calculated`

// GetReputation returns the aggregate for an agent or model.ErrNotFound.
func (s *Store) GetReputation(ctx context.Context, agentID uuid.UUID) (model.ReputationScore, error) {
	var (
		r        model.ReputationScore
		id, aid  string
		calcedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+scoreColumns+` FROM reputation_scores WHERE agent_id = ?`, agentID.String(),
	).Scan(&id, &aid, &r.Score, &r.TotalActions, &r.SuccessfulActions, &r.FailedActions, &r.Version, &calcedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReputationScore{}, fmt.Errorf("sqlite: reputation for agent %s: %w", agentID, model.ErrNotFound)
	}
	if err != nil {
		return model.ReputationScore{}, fmt.Errorf("sqlite: get reputation: %w", err)
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return model.ReputationScore{}, fmt.Errorf("sqlite: parse reputation id: %w", err)
	}
	r.AgentID = agentID
	r.LastCalculated = fromMicros(calcedAt)
	return r, nil
}

// UpsertReputation applies fn to the current aggregate and commits only if the
// version read is still current.
func (s *Store) UpsertReputation(ctx context.Context, agentID uuid.UUID, fn model.ScoreUpdater) (model.ReputationScore, error) {
	var out model.ReputationScore
	err := storage.RetryOnConflict(ctx, s.retry, func() error {
		var prev *model.ReputationScore
		cur, err := s.GetReputation(ctx, agentID)
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

		var res sql.Result
		if prev == nil {
			next.Version = 1
			if next.ID == uuid.Nil {
				next.ID = uuid.New()
			}
			res, err = s.sqlDB.ExecContext(ctx,
				`INSERT INTO reputation_scores (`+scoreColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (agent_id) DO NOTHING`,
				next.ID.String(), agentID.String(), next.Score, next.TotalActions,
				next.SuccessfulActions, next.FailedActions, next.Version, toMicros(next.LastCalculated),
			)
		} else {
			next.ID = prev.ID
			next.Version = prev.Version + 1
			res, err = s.sqlDB.ExecContext(ctx,
				`UPDATE reputation_scores
				 SET score = ?, total_actions = ?, successful_actions = ?, failed_actions = ?,
				     version = ?, last_calculated = ?
				 WHERE agent_id = ? AND version = ?`,
				next.Score, next.TotalActions, next.SuccessfulActions, next.FailedActions,
				next.Version, toMicros(next.LastCalculated), agentID.String(), prev.Version,
			)
		}
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("sqlite: upsert reputation: %w", model.ErrAgentNotFound)
			}
			return fmt.Errorf("sqlite: upsert reputation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrVersionConflict
		}
		out = next
		return nil
	})
	if err != nil {
		return model.ReputationScore{}, err
	}
	return out, nil
}
