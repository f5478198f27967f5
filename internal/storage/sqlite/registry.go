package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentid-dev/agentid/internal/model"
)

const (
	ownerColumns = `id, email, name, company, verified, created_at, updated_at`
	agentColumns = `id, owner_id, name, description, capabilities, api_key_hash, status, created_at, updated_at`
)

// CreateOwner inserts a new owner. A duplicate email yields model.ErrConflict.
func (s *Store) CreateOwner(ctx context.Context, o model.Owner) (model.Owner, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = model.LedgerTime(time.Now())
	}
	o.UpdatedAt = o.CreatedAt

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO owners (`+ownerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID.String(), o.Email, o.Name, o.Company, o.Verified, toMicros(o.CreatedAt), toMicros(o.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Owner{}, fmt.Errorf("sqlite: owner email %q already registered: %w", o.Email, model.ErrConflict)
		}
		return model.Owner{}, fmt.Errorf("sqlite: create owner: %w", err)
	}
	return o, nil
}

// GetOwner retrieves an owner by id.
func (s *Store) GetOwner(ctx context.Context, id uuid.UUID) (model.Owner, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+ownerColumns+` FROM owners WHERE id = ?`, id.String())
	o, err := scanOwner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Owner{}, fmt.Errorf("sqlite: owner %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Owner{}, fmt.Errorf("sqlite: get owner: %w", err)
	}
	return o, nil
}

// SetOwnerVerified records the outcome of an owner verification.
func (s *Store) SetOwnerVerified(ctx context.Context, id uuid.UUID, verified bool) (model.Owner, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE owners SET verified = ?, updated_at = ? WHERE id = ?`,
		verified, toMicros(time.Now()), id.String(),
	)
	if err != nil {
		return model.Owner{}, fmt.Errorf("sqlite: set owner verified: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Owner{}, fmt.Errorf("sqlite: owner %s: %w", id, model.ErrNotFound)
	}
	return s.GetOwner(ctx, id)
}

// CreateAgent inserts a new agent owned by an existing owner.
func (s *Store) CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = model.LedgerTime(time.Now())
	}
	a.UpdatedAt = a.CreatedAt
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	if a.Status == "" {
		a.Status = model.AgentStatusActive
	}
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: encode capabilities: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.OwnerID.String(), a.Name, a.Description, string(caps),
		a.APIKeyHash, string(a.Status), toMicros(a.CreatedAt), toMicros(a.UpdatedAt),
	)
	if err != nil {
		switch {
		case isForeignKeyViolation(err):
			return model.Agent{}, fmt.Errorf("sqlite: create agent: owner %s: %w", a.OwnerID, model.ErrNotFound)
		case isUniqueViolation(err):
			return model.Agent{}, fmt.Errorf("sqlite: create agent: %w", model.ErrConflict)
		}
		return model.Agent{}, fmt.Errorf("sqlite: create agent: %w", err)
	}
	return a, nil
}

// GetAgent retrieves an agent by id.
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id.String())
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, fmt.Errorf("sqlite: agent %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: get agent: %w", err)
	}
	return a, nil
}

// ListAgentIDsByOwner returns the ids of every agent the owner registered.
func (s *Store) ListAgentIDsByOwner(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id FROM agents WHERE owner_id = ?`, ownerID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list owner agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan agent id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list owner agents: %w", err)
	}
	return ids, nil
}

// UpdateAgentStatus moves an agent from one status to another if it is still in from.
func (s *Store) UpdateAgentStatus(ctx context.Context, id uuid.UUID, from, to model.AgentStatus) (model.Agent, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), toMicros(time.Now()), id.String(), string(from),
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: update agent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: update agent status: %w", err)
	}
	if n == 0 {
		if _, err := s.GetAgent(ctx, id); err != nil {
			return model.Agent{}, err
		}
		return model.Agent{}, fmt.Errorf("sqlite: agent %s is no longer %s: %w", id, from, model.ErrConflict)
	}
	return s.GetAgent(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOwner(row rowScanner) (model.Owner, error) {
	var (
		o                model.Owner
		id               string
		created, updated int64
	)
	if err := row.Scan(&id, &o.Email, &o.Name, &o.Company, &o.Verified, &created, &updated); err != nil {
		return model.Owner{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.Owner{}, fmt.Errorf("parse owner id: %w", err)
	}
	o.ID = parsed
	o.CreatedAt = fromMicros(created)
	o.UpdatedAt = fromMicros(updated)
	return o, nil
}

func scanAgent(row rowScanner) (model.Agent, error) {
	var (
		a                 model.Agent
		id, ownerID, caps string
		status            string
		created, updated  int64
	)
	if err := row.Scan(&id, &ownerID, &a.Name, &a.Description, &caps, &a.APIKeyHash,
		&status, &created, &updated); err != nil {
		return model.Agent{}, err
	}
	var err error
	if a.ID, err = uuid.Parse(id); err != nil {
		return model.Agent{}, fmt.Errorf("parse agent id: %w", err)
	}
	if a.OwnerID, err = uuid.Parse(ownerID); err != nil {
		return model.Agent{}, fmt.Errorf("parse owner id: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return model.Agent{}, fmt.Errorf("decode capabilities: %w", err)
	}
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	a.Status = model.AgentStatus(status)
	a.CreatedAt = fromMicros(created)
	a.UpdatedAt = fromMicros(updated)
	return a, nil
}
