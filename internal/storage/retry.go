package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy bounds the optimistic-concurrency loop used by aggregate upserts.
// It is shared by every backend.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func()
}

// DefaultRetryPolicy matches the defaults of AGENTID_AGGREGATE_MAX_RETRIES and
// AGENTID_AGGREGATE_RETRY_BASE_DELAY.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 8, BaseDelay: 5 * time.Millisecond}
}

// isRetriable returns true for Postgres error codes that indicate a transient conflict.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	default:
		return false
	}
}

// maxBackoff caps a single retry sleep.
const maxBackoff = 250 * time.Millisecond

// RetryOnConflict executes fn, retrying up to p.MaxRetries times while it reports
// ErrVersionConflict. Retries use jittered exponential backoff starting at
// p.BaseDelay. Exhausting the budget yields ErrContention.
func RetryOnConflict(ctx context.Context, p RetryPolicy, fn func() error) error {
	delay := p.BaseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if attempt >= p.MaxRetries {
			return fmt.Errorf("%w: gave up after %d attempts", ErrContention, attempt+1)
		}
		if p.OnRetry != nil {
			p.OnRetry()
		}
		wait := delay
		if delay > 0 {
			wait += time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay = min(delay*2, maxBackoff)
	}
}

// conflictOrErr folds transient Postgres conflicts into ErrVersionConflict so
// RetryOnConflict treats them like a lost compare-and-set.
func conflictOrErr(err error) error {
	if isRetriable(err) {
		return fmt.Errorf("%w: %w", ErrVersionConflict, err)
	}
	return err
}
