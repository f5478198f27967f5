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

const ownerColumns = `id, email, name, company, verified, created_at, updated_at`

// CreateOwner inserts a new owner. A duplicate email yields model.ErrConflict.
func (db *DB) CreateOwner(ctx context.Context, o model.Owner) (model.Owner, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = model.LedgerTime(time.Now())
	}
	o.UpdatedAt = o.CreatedAt

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO owners (`+ownerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (email) DO NOTHING`,
		o.ID, o.Email, o.Name, o.Company, o.Verified, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return model.Owner{}, fmt.Errorf("storage: create owner: %w", model.ErrConflict)
		}
		return model.Owner{}, fmt.Errorf("storage: create owner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Owner{}, fmt.Errorf("storage: owner email %q already registered: %w", o.Email, model.ErrConflict)
	}
	return o, nil
}

// GetOwner retrieves an owner by id.
func (db *DB) GetOwner(ctx context.Context, id uuid.UUID) (model.Owner, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+ownerColumns+` FROM owners WHERE id = $1`, id)
	o, err := scanOwner(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Owner{}, fmt.Errorf("storage: owner %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Owner{}, fmt.Errorf("storage: get owner: %w", err)
	}
	return o, nil
}

// SetOwnerVerified records the outcome of an out-of-band owner verification.
func (db *DB) SetOwnerVerified(ctx context.Context, id uuid.UUID, verified bool) (model.Owner, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE owners SET verified = $2, updated_at = $3 WHERE id = $1 RETURNING `+ownerColumns,
		id, verified, model.LedgerTime(time.Now()),
	)
	o, err := scanOwner(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Owner{}, fmt.Errorf("storage: owner %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Owner{}, fmt.Errorf("storage: set owner verified: %w", err)
	}
	return o, nil
}

func scanOwner(row pgx.Row) (model.Owner, error) {
	var o model.Owner
	if err := row.Scan(&o.ID, &o.Email, &o.Name, &o.Company, &o.Verified, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return model.Owner{}, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}
