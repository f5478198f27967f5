package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentid-dev/agentid/internal/model"
	"github.com/agentid-dev/agentid/internal/storage"
)

const actionColumns = `id, agent_id, action_type, metadata, status, created_at`

// AppendAction inserts a ledger entry, or returns the existing entry with the
// same id and created=false. Nothing is inserted for a revoked agent; SQLite
// serializes writers, so the status check and the insert see the same state.
func (s *Store) AppendAction(ctx context.Context, a model.Action) (model.Action, bool, error) {
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	a.CreatedAt = model.LedgerTime(a.CreatedAt)
	md, err := json.Marshal(a.Metadata)
	if err != nil {
		return model.Action{}, false, fmt.Errorf("%w: metadata is not JSON-encodable", model.ErrValidation)
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO actions (`+actionColumns+`)
		 SELECT ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM agents WHERE id = ? AND status <> 'revoked')
		 ON CONFLICT (id) DO NOTHING`,
		a.ID.String(), a.AgentID.String(), a.ActionType, string(md), string(a.Status), toMicros(a.CreatedAt),
		a.AgentID.String(),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.Action{}, false, fmt.Errorf("sqlite: append action: %w", model.ErrAgentNotFound)
		}
		return model.Action{}, false, fmt.Errorf("sqlite: append action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return a, true, nil
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, a.ID.String())
	existing, err := scanAction(row)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.Action{}, false, fmt.Errorf("sqlite: load existing action %s: %w", a.ID, err)
	}
	agent, err := s.GetAgent(ctx, a.AgentID)
	return model.Action{}, false, fmt.Errorf("sqlite: append action: %w", storage.RejectedAppend(agent, err))
}

// ListActions returns one page of an agent's ledger ordered by (created_at, id).
func (s *Store) ListActions(ctx context.Context, agentID uuid.UUID, page model.Page) (model.ActionPage, error) {
	cursor, err := model.DecodeCursor(page.Cursor)
	if err != nil {
		return model.ActionPage{}, err
	}
	limit := page.EffectiveLimit()

	var rows *sql.Rows
	if cursor.IsZero() {
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT `+actionColumns+` FROM actions WHERE agent_id = ?
			 ORDER BY created_at, id LIMIT ?`,
			agentID.String(), limit+1,
		)
	} else {
		at := toMicros(cursor.CreatedAt)
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT `+actionColumns+` FROM actions
			 WHERE agent_id = ? AND (created_at > ? OR (created_at = ? AND id > ?))
			 ORDER BY created_at, id LIMIT ?`,
			agentID.String(), at, at, cursor.ID.String(), limit+1,
		)
	}
	if err != nil {
		return model.ActionPage{}, fmt.Errorf("sqlite: list actions: %w", err)
	}
	defer rows.Close()

	actions := make([]model.Action, 0, limit)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return model.ActionPage{}, fmt.Errorf("sqlite: scan action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return model.ActionPage{}, fmt.Errorf("sqlite: list actions: %w", err)
	}
	return storage.Paginate(actions, limit), nil
}

// CountActions counts an agent's ledger entries, optionally restricted to one status.
func (s *Store) CountActions(ctx context.Context, agentID uuid.UUID, status *model.ActionStatus) (int64, error) {
	var filter any
	if status != nil {
		filter = string(*status)
	}
	var n int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT count(*) FROM actions WHERE agent_id = ? AND (? IS NULL OR status = ?)`,
		agentID.String(), filter, filter,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count actions: %w", err)
	}
	return n, nil
}

func scanAction(row rowScanner) (model.Action, error) {
	var (
		a                       model.Action
		id, agentID, md, status string
		created                 int64
	)
	if err := row.Scan(&id, &agentID, &a.ActionType, &md, &status, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Action{}, model.ErrNotFound
		}
		return model.Action{}, err
	}
	var err error
	if a.ID, err = uuid.Parse(id); err != nil {
		return model.Action{}, fmt.Errorf("parse action id: %w", err)
	}
	if a.AgentID, err = uuid.Parse(agentID); err != nil {
		return model.Action{}, fmt.Errorf("parse agent id: %w", err)
	}
	if err := json.Unmarshal([]byte(md), &a.Metadata); err != nil {
		return model.Action{}, fmt.Errorf("decode metadata: %w", err)
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	a.Status = model.ActionStatus(status)
	a.CreatedAt = fromMicros(created)
	return a, nil
}
