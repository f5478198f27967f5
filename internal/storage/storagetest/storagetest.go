// Package storagetest holds a behavioural suite that every AgentID store
// backend must pass. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentid-dev/agentid/internal/model"
)

// Backend is the union of store methods the suite drives.
type Backend interface {
	CreateOwner(ctx context.Context, o model.Owner) (model.Owner, error)
	GetOwner(ctx context.Context, id uuid.UUID) (model.Owner, error)
	SetOwnerVerified(ctx context.Context, id uuid.UUID, verified bool) (model.Owner, error)
	CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error)
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	ListAgentIDsByOwner(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error)
	UpdateAgentStatus(ctx context.Context, id uuid.UUID, from, to model.AgentStatus) (model.Agent, error)

	AppendAction(ctx context.Context, a model.Action) (model.Action, bool, error)
	ListActions(ctx context.Context, agentID uuid.UUID, page model.Page) (model.ActionPage, error)
	CountActions(ctx context.Context, agentID uuid.UUID, status *model.ActionStatus) (int64, error)

	GetReputation(ctx context.Context, agentID uuid.UUID) (model.ReputationScore, error)
	UpsertReputation(ctx context.Context, agentID uuid.UUID, fn model.ScoreUpdater) (model.ReputationScore, error)
}

// Run executes the suite against a fresh backend per subtest.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("Owners", func(t *testing.T) { testOwners(t, newBackend(t)) })
	t.Run("AgentStatus", func(t *testing.T) { testAgentStatus(t, newBackend(t)) })
	t.Run("AgentsByOwner", func(t *testing.T) { testAgentsByOwner(t, newBackend(t)) })
	t.Run("AppendIdempotent", func(t *testing.T) { testAppendIdempotent(t, newBackend(t)) })
	t.Run("AppendUnknownAgent", func(t *testing.T) { testAppendUnknownAgent(t, newBackend(t)) })
	t.Run("AppendRevokedAgent", func(t *testing.T) { testAppendRevokedAgent(t, newBackend(t)) })
	t.Run("ListOrderAndPaging", func(t *testing.T) { testListOrderAndPaging(t, newBackend(t)) })
	t.Run("Count", func(t *testing.T) { testCount(t, newBackend(t)) })
	t.Run("UpsertVersioning", func(t *testing.T) { testUpsertVersioning(t, newBackend(t)) })
	t.Run("UpsertConcurrent", func(t *testing.T) { testUpsertConcurrent(t, newBackend(t)) })
	t.Run("UpsertUpdaterError", func(t *testing.T) { testUpsertUpdaterError(t, newBackend(t)) })
}

// SeedAgent registers an owner and an active agent.
func SeedAgent(t *testing.T, b Backend) model.Agent {
	t.Helper()
	ctx := context.Background()
	owner, err := b.CreateOwner(ctx, model.Owner{Email: uuid.NewString() + "@example.com", Name: "Owner"})
	require.NoError(t, err)
	agent, err := b.CreateAgent(ctx, model.Agent{
		OwnerID:      owner.ID,
		Name:         "agent",
		Description:  "test agent",
		Capabilities: []string{"search", "summarize"},
	})
	require.NoError(t, err)
	return agent
}

func action(agentID uuid.UUID, status model.ActionStatus, at time.Time) model.Action {
	return model.Action{
		ID:         uuid.New(),
		AgentID:    agentID,
		ActionType: "api_call",
		Metadata:   map[string]any{"n": "1"},
		Status:     status,
		CreatedAt:  at,
	}
}

func testOwners(t *testing.T, b Backend) {
	ctx := context.Background()
	email := uuid.NewString() + "@example.com"
	o, err := b.CreateOwner(ctx, model.Owner{Email: email, Name: "A"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, o.ID)

	_, err = b.CreateOwner(ctx, model.Owner{Email: email, Name: "B"})
	require.ErrorIs(t, err, model.ErrConflict)

	v, err := b.SetOwnerVerified(ctx, o.ID, true)
	require.NoError(t, err)
	assert.True(t, v.Verified)

	got, err := b.GetOwner(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.Verified)

	_, err = b.GetOwner(ctx, uuid.New())
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = b.SetOwnerVerified(ctx, uuid.New(), true)
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = b.CreateAgent(ctx, model.Agent{OwnerID: uuid.New(), Name: "x", Description: "x"})
	require.ErrorIs(t, err, model.ErrNotFound)
}

func testAgentStatus(t *testing.T, b Backend) {
	ctx := context.Background()
	agent := SeedAgent(t, b)
	assert.Equal(t, model.AgentStatusActive, agent.Status)
	assert.Equal(t, []string{"search", "summarize"}, agent.Capabilities)

	got, err := b.UpdateAgentStatus(ctx, agent.ID, model.AgentStatusActive, model.AgentStatusRevoked)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusRevoked, got.Status)

	_, err = b.UpdateAgentStatus(ctx, agent.ID, model.AgentStatusActive, model.AgentStatusSuspended)
	require.ErrorIs(t, err, model.ErrConflict)

	_, err = b.GetAgent(ctx, uuid.New())
	require.ErrorIs(t, err, model.ErrNotFound)
}

func testAgentsByOwner(t *testing.T, b Backend) {
	ctx := context.Background()
	first := SeedAgent(t, b)
	second, err := b.CreateAgent(ctx, model.Agent{OwnerID: first.OwnerID, Name: "second", Description: "x"})
	require.NoError(t, err)
	other := SeedAgent(t, b)

	ids, err := b.ListAgentIDsByOwner(ctx, first.OwnerID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{first.ID, second.ID}, ids)

	ids, err = b.ListAgentIDsByOwner(ctx, other.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{other.ID}, ids)

	ids, err = b.ListAgentIDsByOwner(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func testAppendIdempotent(t *testing.T, b Backend) {
	ctx := context.Background()
	agent := SeedAgent(t, b)

	a := action(agent.ID, model.ActionSuccess, time.Now())
	first, created, err := b.AppendAction(ctx, a)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "1", first.Metadata["n"])

	b2 := a
	b2.Status = model.ActionFailure
	replay, created, err := b.AppendAction(ctx, b2)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, model.ActionSuccess, replay.Status)
	assert.True(t, first.CreatedAt.Equal(replay.CreatedAt))

	n, err := b.CountActions(ctx, agent.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testAppendUnknownAgent(t *testing.T, b Backend) {
	_, _, err := b.AppendAction(context.Background(), action(uuid.New(), model.ActionSuccess, time.Now()))
	require.ErrorIs(t, err, model.ErrAgentNotFound)
}

func testAppendRevokedAgent(t *testing.T, b Backend) {
	ctx := context.Background()
	agent := SeedAgent(t, b)
	kept := action(agent.ID, model.ActionSuccess, time.Now())
	_, _, err := b.AppendAction(ctx, kept)
	require.NoError(t, err)

	_, err = b.UpdateAgentStatus(ctx, agent.ID, model.AgentStatusActive, model.AgentStatusSuspended)
	require.NoError(t, err)
	_, created, err := b.AppendAction(ctx, action(agent.ID, model.ActionFailure, time.Now()))
	require.NoError(t, err)
	assert.True(t, created, "suspended agents keep logging")

	_, err = b.UpdateAgentStatus(ctx, agent.ID, model.AgentStatusSuspended, model.AgentStatusRevoked)
	require.NoError(t, err)
	_, _, err = b.AppendAction(ctx, action(agent.ID, model.ActionSuccess, time.Now()))
	require.ErrorIs(t, err, model.ErrAgentRevoked)

	// Replays of entries written before the revoke still resolve.
	replay, created, err := b.AppendAction(ctx, kept)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, kept.ID, replay.ID)

	n, err := b.CountActions(ctx, agent.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func testListOrderAndPaging(t *testing.T, b Backend) {
	ctx := context.Background()
	agent := SeedAgent(t, b)
	other := SeedAgent(t, b)

	base := time.Now().Add(-time.Hour)
	// Insert out of order; two entries share a timestamp to exercise the id tiebreak.
	offsets := []int{4, 0, 2, 2, 1, 3}
	for _, off := range offsets {
		_, _, err := b.AppendAction(ctx, action(agent.ID, model.ActionSuccess, base.Add(time.Duration(off)*time.Second)))
		require.NoError(t, err)
	}
	_, _, err := b.AppendAction(ctx, action(other.ID, model.ActionSuccess, base))
	require.NoError(t, err)

	var all []model.Action
	page := model.Page{Limit: 4}
	pages := 0
	for {
		res, err := b.ListActions(ctx, agent.ID, page)
		require.NoError(t, err)
		pages++
		all = append(all, res.Actions...)
		if res.NextCursor == "" {
			break
		}
		page.Cursor = res.NextCursor
	}
	assert.Equal(t, 2, pages)
	require.Len(t, all, len(offsets))
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		ordered := prev.CreatedAt.Before(cur.CreatedAt) ||
			(prev.CreatedAt.Equal(cur.CreatedAt) && prev.ID.String() < cur.ID.String())
		assert.True(t, ordered, "entries %d and %d out of order", i-1, i)
		assert.Equal(t, agent.ID, cur.AgentID)
	}

	_, err = b.ListActions(ctx, agent.ID, model.Page{Cursor: "not-a-cursor!"})
	require.ErrorIs(t, err, model.ErrValidation)

	empty, err := b.ListActions(ctx, uuid.New(), model.Page{})
	require.NoError(t, err)
	assert.Empty(t, empty.Actions)
	assert.Empty(t, empty.NextCursor)
}

func testCount(t *testing.T, b Backend) {
	ctx := context.Background()
	agent := SeedAgent(t, b)
	now := time.Now()
	for i, s := range []model.ActionStatus{
		model.ActionSuccess, model.ActionSuccess, model.ActionFailure, model.ActionPending,
	} {
		_, _, err := b.AppendAction(ctx, action(agent.ID, s, now.Add(time.Duration(i)*time.Millisecond)))
		require.NoError(t, err)
	}

	total, err := b.CountActions(ctx, agent.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)

	for status, want := range map[model.ActionStatus]int64{
		model.ActionSuccess: 2,
		model.ActionFailure: 1,
		model.ActionPending: 1,
	} {
		s := status
		n, err := b.CountActions(ctx, agent.ID, &s)
		require.NoError(t, err)
		assert.Equal(t, want, n, "status %s", status)
	}
}

func bump(prev *model.ReputationScore) (model.ReputationScore, error) {
	var next model.ReputationScore
	if prev != nil {
		next = *prev
	}
	next.TotalActions++
	next.SuccessfulActions++
	next.Score = model.MaxScore
	next.LastCalculated = time.Now()
	return next, nil
}

func testUpsertVersioning(t *testing.T, b Backend) {
	ctx := context.Background()
	agent := SeedAgent(t, b)

	_, err := b.GetReputation(ctx, agent.ID)
	require.ErrorIs(t, err, model.ErrNotFound)

	var sawNil bool
	first, err := b.UpsertReputation(ctx, agent.ID, func(prev *model.ReputationScore) (model.ReputationScore, error) {
		sawNil = prev == nil
		return bump(prev)
	})
	require.NoError(t, err)
	assert.True(t, sawNil)
	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, agent.ID, first.AgentID)

	second, err := b.UpsertReputation(ctx, agent.ID, bump)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(2), second.TotalActions)

	got, err := b.GetReputation(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, got.SameStanding(second))
	assert.Equal(t, second.Version, got.Version)
}

func testUpsertConcurrent(t *testing.T, b Backend) {
	ctx := context.Background()
	agent := SeedAgent(t, b)

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = b.UpsertReputation(ctx, agent.ID, bump)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := b.GetReputation(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(writers), got.TotalActions)
	assert.Equal(t, int64(writers), got.Version)
}

func testUpsertUpdaterError(t *testing.T, b Backend) {
	ctx := context.Background()
	agent := SeedAgent(t, b)

	_, err := b.UpsertReputation(ctx, agent.ID, func(*model.ReputationScore) (model.ReputationScore, error) {
		return model.ReputationScore{}, model.ErrValidation
	})
	require.ErrorIs(t, err, model.ErrValidation)

	_, err = b.GetReputation(ctx, agent.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
}
