package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentid-dev/agentid/internal/cache"
	"github.com/agentid-dev/agentid/internal/model"
	"github.com/agentid-dev/agentid/internal/testutil"
)

var redisURL string

func TestMain(m *testing.M) {
	tc := testutil.MustStartRedis()
	redisURL = tc.DSN

	code := m.Run()
	tc.Terminate()
	os.Exit(code)
}

func sampleResult() model.VerificationResult {
	company := "Acme"
	return model.VerificationResult{
		Verified: true,
		Agent: model.Agent{
			ID:           uuid.New(),
			OwnerID:      uuid.New(),
			Name:         "scout",
			Description:  "crawler",
			Capabilities: []string{"search"},
			Status:       model.AgentStatusActive,
			CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
			UpdatedAt:    time.Now().UTC().Truncate(time.Microsecond),
		},
		Reputation: model.NeutralReputation(),
		Owner:      model.OwnerSummary{Name: "Ada", Company: &company, Verified: true},
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, err := cache.NewRedis(ctx, redisURL, time.Minute)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	require.NoError(t, c.Ping(ctx))

	want := sampleResult()
	id := want.Agent.ID

	_, gen, ok, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, id, gen, want))
	got, _, ok, err := c.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	hook := cache.InvalidationHook{Cache: c}
	require.NoError(t, hook.OnReputationChanged(ctx, model.ReputationScore{AgentID: id}))
	_, _, ok, err = c.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCacheSetAfterInvalidateIsDropped(t *testing.T) {
	ctx := context.Background()
	c, err := cache.NewRedis(ctx, redisURL, time.Minute)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	want := sampleResult()
	id := want.Agent.ID

	_, gen, ok, err := c.Get(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Invalidate(ctx, id))
	require.NoError(t, c.Set(ctx, id, gen, want))
	_, next, ok, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "a bundle read before the invalidation must not be stored")
	assert.Equal(t, gen+1, next)

	require.NoError(t, c.Set(ctx, id, next, want))
	_, _, ok, err = c.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisCacheExpires(t *testing.T) {
	ctx := context.Background()
	c, err := cache.NewRedis(ctx, redisURL, 50*time.Millisecond)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	want := sampleResult()
	require.NoError(t, c.Set(ctx, want.Agent.ID, 0, want))
	assert.Eventually(t, func() bool {
		_, _, ok, err := c.Get(ctx, want.Agent.ID)
		return err == nil && !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNewRedisBadURL(t *testing.T) {
	_, err := cache.NewRedis(context.Background(), "not a url", time.Second)
	require.Error(t, err)
}

func TestNoop(t *testing.T) {
	var c cache.VerificationCache = cache.Noop{}
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, uuid.New(), 0, sampleResult()))
	_, _, ok, err := c.Get(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, c.Invalidate(ctx, uuid.New()))
	require.NoError(t, c.Close())
}
