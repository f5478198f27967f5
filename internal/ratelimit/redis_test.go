package ratelimit_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentid-dev/agentid/internal/ratelimit"
	"github.com/agentid-dev/agentid/internal/testutil"
)

var redisClient *redis.Client

func TestMain(m *testing.M) {
	tc := testutil.MustStartRedis()
	opts, err := redis.ParseURL(tc.DSN)
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	redisClient = redis.NewClient(opts)

	code := m.Run()
	_ = redisClient.Close()
	tc.Terminate()
	os.Exit(code)
}

func TestRedisLimiterWindow(t *testing.T) {
	ctx := context.Background()
	lim := ratelimit.NewRedisLimiter(redisClient, ratelimit.Rule{Name: "write", Limit: 5, Window: time.Hour})
	key := uuid.NewString()

	// Concurrent callers share the same counter.
	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, err := lim.Allow(ctx, key)
			assert.NoError(t, err)
			results[i] = allowed
		}()
	}
	wg.Wait()

	allowed := 0
	for _, r := range results {
		if r {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)

	other, err := lim.Allow(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.True(t, other)
	require.NoError(t, lim.Close())
}

func TestRedisLimiterKeyExpires(t *testing.T) {
	ctx := context.Background()
	lim := ratelimit.NewRedisLimiter(redisClient, ratelimit.Rule{Name: "auth", Limit: 1, Window: 200 * time.Millisecond})
	key := uuid.NewString()

	first, err := lim.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, first)

	assert.Eventually(t, func() bool {
		allowed, err := lim.Allow(ctx, key)
		return err == nil && allowed
	}, 2*time.Second, 50*time.Millisecond)
}
