package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentid-dev/agentid/internal/model"
)

const actionColumns = `id, agent_id, action_type, metadata, status, created_at`

// AppendAction inserts a ledger entry. If an entry with the same id already
// exists it is returned unchanged with created=false, which is how idempotent
// replays are detected.
//
// The insert is conditional on the agent not being revoked. The agent row is
// share-locked for the statement, so a concurrent revoke either commits first
// and the insert writes nothing, or waits until this append has committed.
func (db *DB) AppendAction(ctx context.Context, a model.Action) (model.Action, bool, error) {
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	a.CreatedAt = model.LedgerTime(a.CreatedAt)

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO actions (`+actionColumns+`)
		 SELECT $1::uuid, $2::uuid, $3::text, $4::jsonb, $5::text, $6::timestamptz
		 WHERE EXISTS (
		     SELECT 1 FROM agents WHERE id = $2 AND status <> 'revoked' FOR SHARE
		 )
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.AgentID, a.ActionType, a.Metadata, string(a.Status), a.CreatedAt,
	)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return model.Action{}, false, fmt.Errorf("storage: append action: %w", model.ErrAgentNotFound)
		}
		return model.Action{}, false, fmt.Errorf("storage: append action: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return a, true, nil
	}

	existing, err := db.getAction(ctx, a.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.Action{}, false, fmt.Errorf("storage: load existing action %s: %w", a.ID, err)
	}
	agent, err := db.GetAgent(ctx, a.AgentID)
	return model.Action{}, false, fmt.Errorf("storage: append action: %w", RejectedAppend(agent, err))
}

func (db *DB) getAction(ctx context.Context, id uuid.UUID) (model.Action, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = $1`, id)
	a, err := scanAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Action{}, model.ErrNotFound
	}
	return a, err
}

// ListActions returns one page of an agent's ledger ordered by (created_at, id).
func (db *DB) ListActions(ctx context.Context, agentID uuid.UUID, page model.Page) (model.ActionPage, error) {
	cursor, err := model.DecodeCursor(page.Cursor)
	if err != nil {
		return model.ActionPage{}, err
	}
	limit := page.EffectiveLimit()

	var rows pgx.Rows
	if cursor.IsZero() {
		rows, err = db.pool.Query(ctx,
			`SELECT `+actionColumns+` FROM actions
			 WHERE agent_id = $1
			 ORDER BY created_at, id
			 LIMIT $2`,
			agentID, limit+1,
		)
	} else {
		rows, err = db.pool.Query(ctx,
			`SELECT `+actionColumns+` FROM actions
			 WHERE agent_id = $1 AND (created_at, id) > ($2, $3)
			 ORDER BY created_at, id
			 LIMIT $4`,
			agentID, cursor.CreatedAt, cursor.ID, limit+1,
		)
	}
	if err != nil {
		return model.ActionPage{}, fmt.Errorf("storage: list actions: %w", err)
	}
	defer rows.Close()

	actions := make([]model.Action, 0, limit)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return model.ActionPage{}, fmt.Errorf("storage: scan action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return model.ActionPage{}, fmt.Errorf("storage: list actions: %w", err)
	}

	return Paginate(actions, limit), nil
}

// CountActions counts an agent's ledger entries, optionally restricted to one status.
func (db *DB) CountActions(ctx context.Context, agentID uuid.UUID, status *model.ActionStatus) (int64, error) {
	var filter *string
	if status != nil {
		s := string(*status)
		filter = &s
	}
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM actions WHERE agent_id = $1 AND ($2::text IS NULL OR status = $2)`,
		agentID, filter,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count actions: %w", err)
	}
	return n, nil
}

func scanAction(row pgx.Row) (model.Action, error) {
	var (
		a      model.Action
		status string
	)
	if err := row.Scan(&a.ID, &a.AgentID, &a.ActionType, &a.Metadata, &status, &a.CreatedAt); err != nil {
		return model.Action{}, err
	}
	a.Status = model.ActionStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	return a, nil
}

// Paginate trims a limit+1 result set to limit and derives the next cursor.
func Paginate(actions []model.Action, limit int) model.ActionPage {
	if len(actions) <= limit {
		return model.ActionPage{Actions: actions}
	}
	actions = actions[:limit]
	return model.ActionPage{
		Actions:    actions,
		NextCursor: model.EncodeCursor(actions[len(actions)-1]),
	}
}
