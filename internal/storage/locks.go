package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLocker serializes per-agent ledger and aggregate writes across
// processes with session-level Postgres advisory locks. Each held lock pins one
// pool connection until released.
type AdvisoryLocker struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// AgentLocker returns an advisory locker backed by this pool.
func (db *DB) AgentLocker() *AdvisoryLocker {
	return &AdvisoryLocker{pool: db.pool, logger: db.logger}
}

// Lock blocks until the advisory lock for agentID is held or ctx ends.
func (l *AdvisoryLocker) Lock(ctx context.Context, agentID uuid.UUID) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: acquire lock conn: %w", err)
	}
	key := agentID.String()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("storage: advisory lock %s: %w", key, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			// Closing the session drops every lock it holds.
			l.logger.Warn("storage: advisory unlock failed, closing connection", "agent_id", key, "error", err)
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}
