package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentid-dev/agentid/internal/storage"
)

func TestRetryOnConflict_SucceedsAfterConflicts(t *testing.T) {
	var calls, retries int
	p := storage.RetryPolicy{MaxRetries: 5, BaseDelay: time.Microsecond, OnRetry: func() { retries++ }}
	err := storage.RetryOnConflict(context.Background(), p, func() error {
		calls++
		if calls < 3 {
			return storage.ErrVersionConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestRetryOnConflict_Exhausted(t *testing.T) {
	var calls int
	p := storage.RetryPolicy{MaxRetries: 2}
	err := storage.RetryOnConflict(context.Background(), p, func() error {
		calls++
		return storage.ErrVersionConflict
	})
	require.ErrorIs(t, err, storage.ErrContention)
	assert.Equal(t, 3, calls)
}

func TestRetryOnConflict_OtherErrorsNotRetried(t *testing.T) {
	boom := errors.New("boom")
	var calls int
	err := storage.RetryOnConflict(context.Background(), storage.DefaultRetryPolicy(), func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflict_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := storage.RetryPolicy{MaxRetries: 10, BaseDelay: time.Second}
	err := storage.RetryOnConflict(ctx, p, func() error { return storage.ErrVersionConflict })
	require.ErrorIs(t, err, context.Canceled)
}
