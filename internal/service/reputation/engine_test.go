package reputation_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentid-dev/agentid/internal/model"
	"github.com/agentid-dev/agentid/internal/service/reputation"
	"github.com/agentid-dev/agentid/internal/storage"
	"github.com/agentid-dev/agentid/internal/storage/memory"
	"github.com/agentid-dev/agentid/internal/storage/storagetest"
	"github.com/agentid-dev/agentid/internal/testutil"
)

type fixture struct {
	engine *reputation.Engine
	store  *memory.Store
	agent  model.Agent
}

func newFixture(t *testing.T, mutate ...func(*reputation.Deps)) fixture {
	t.Helper()
	store := memory.New(storage.RetryPolicy{MaxRetries: 100, BaseDelay: time.Microsecond})
	deps := reputation.Deps{
		Registry:   store,
		Ledger:     store,
		Aggregates: store,
		Logger:     testutil.TestLogger(),
	}
	for _, m := range mutate {
		m(&deps)
	}
	return fixture{
		engine: reputation.New(deps),
		store:  store,
		agent:  storagetest.SeedAgent(t, store),
	}
}

func (f fixture) log(t *testing.T, status model.ActionStatus) model.Action {
	t.Helper()
	a, err := f.engine.LogAction(context.Background(), reputation.LogActionInput{
		AgentID:    f.agent.ID,
		ActionType: "api_call",
		Status:     status,
	})
	require.NoError(t, err)
	return a
}

func TestLogAction_Scoring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.log(t, model.ActionSuccess)
	assert.Equal(t, f.agent.ID, a.AgentID)
	assert.Equal(t, map[string]any{}, a.Metadata)

	rep, err := f.engine.GetReputation(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, rep.Score)
	assert.Equal(t, int64(1), rep.TotalActions)

	f.log(t, model.ActionFailure)
	f.log(t, model.ActionFailure)
	rep, err = f.engine.GetReputation(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 33.33, rep.Score)
	assert.Equal(t, int64(3), rep.TotalActions)
	assert.Equal(t, int64(1), rep.SuccessfulActions)
	assert.Equal(t, int64(2), rep.FailedActions)
	assert.Equal(t, int64(3), rep.Version)
}

func TestLogAction_PendingOnlyRaisesTotal(t *testing.T) {
	f := newFixture(t)
	f.log(t, model.ActionPending)

	rep, err := f.engine.GetReputation(context.Background(), f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NeutralScore, rep.Score)
	assert.Equal(t, int64(1), rep.TotalActions)
	assert.Equal(t, int64(0), rep.SuccessfulActions+rep.FailedActions)
	assert.Equal(t, int64(1), rep.PendingActions())

	f.log(t, model.ActionSuccess)
	rep, err = f.engine.GetReputation(context.Background(), f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, rep.Score, "pending must not dilute the score")
}

func TestLogAction_ValidationWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []reputation.LogActionInput{
		{AgentID: f.agent.ID, ActionType: "", Status: model.ActionSuccess},
		{AgentID: f.agent.ID, ActionType: "   ", Status: model.ActionSuccess},
		{AgentID: f.agent.ID, ActionType: "call", Status: "done"},
		{AgentID: f.agent.ID, ActionType: string(make([]byte, model.MaxActionTypeLen+1)), Status: model.ActionSuccess},
	}
	for _, in := range cases {
		_, err := f.engine.LogAction(ctx, in)
		require.ErrorIs(t, err, model.ErrValidation)
	}

	n, err := f.store.CountActions(ctx, f.agent.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = f.engine.GetReputation(ctx, f.agent.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestLogAction_UnknownAgent(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.LogAction(context.Background(), reputation.LogActionInput{
		AgentID: uuid.New(), ActionType: "call", Status: model.ActionSuccess,
	})
	require.ErrorIs(t, err, model.ErrAgentNotFound)
}

func TestLogAction_RevokedRejectedSuspendedAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.log(t, model.ActionSuccess)

	_, err := f.store.UpdateAgentStatus(ctx, f.agent.ID, model.AgentStatusActive, model.AgentStatusSuspended)
	require.NoError(t, err)
	f.log(t, model.ActionFailure)

	_, err = f.store.UpdateAgentStatus(ctx, f.agent.ID, model.AgentStatusSuspended, model.AgentStatusRevoked)
	require.NoError(t, err)
	before, err := f.engine.GetReputation(ctx, f.agent.ID)
	require.NoError(t, err)

	_, err = f.engine.LogAction(ctx, reputation.LogActionInput{
		AgentID: f.agent.ID, ActionType: "call", Status: model.ActionSuccess,
	})
	require.ErrorIs(t, err, model.ErrAgentRevoked)

	after, err := f.engine.GetReputation(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	n, err := f.store.CountActions(ctx, f.agent.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

// revokingLocker revokes the agent while LogAction is queued for its lock,
// after the engine's own status check has already passed.
type revokingLocker struct {
	reputation.Locker
	store *memory.Store
}

func (l revokingLocker) Lock(ctx context.Context, agentID uuid.UUID) (func(), error) {
	if _, err := l.store.UpdateAgentStatus(ctx, agentID, model.AgentStatusActive, model.AgentStatusRevoked); err != nil {
		return nil, err
	}
	return l.Locker.Lock(ctx, agentID)
}

func TestLogAction_RevokeWhileWaitingForLockAppendsNothing(t *testing.T) {
	f := newFixture(t, func(d *reputation.Deps) {
		d.Locker = revokingLocker{Locker: reputation.NewKeyedMutex(), store: d.Registry.(*memory.Store)}
	})
	ctx := context.Background()

	_, err := f.engine.LogAction(ctx, reputation.LogActionInput{
		AgentID: f.agent.ID, ActionType: "call", Status: model.ActionSuccess,
	})
	require.ErrorIs(t, err, model.ErrAgentRevoked)

	n, err := f.store.CountActions(ctx, f.agent.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = f.engine.GetReputation(ctx, f.agent.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestGetReputation_Absent(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.GetReputation(context.Background(), f.agent.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
	require.NotErrorIs(t, err, model.ErrAgentNotFound)

	_, err = f.engine.GetReputation(context.Background(), uuid.New())
	require.ErrorIs(t, err, model.ErrAgentNotFound)
}

func randomStatuses(r *rand.Rand, n int) []model.ActionStatus {
	all := []model.ActionStatus{model.ActionSuccess, model.ActionFailure, model.ActionPending}
	out := make([]model.ActionStatus, n)
	for i := range out {
		out[i] = all[r.IntN(len(all))]
	}
	return out
}

func TestIncrementalEqualsRecompute(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for trial := range 20 {
		f := newFixture(t)
		for _, s := range randomStatuses(r, 1+r.IntN(40)) {
			f.log(t, s)
		}
		ctx := context.Background()
		incremental, err := f.engine.GetReputation(ctx, f.agent.ID)
		require.NoError(t, err)
		full, err := f.engine.Recompute(ctx, f.agent.ID)
		require.NoError(t, err)
		assert.True(t, incremental.SameStanding(full), "trial %d: %+v vs %+v", trial, incremental, full)
	}
}

func TestOrderIndependence(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	statuses := randomStatuses(r, 30)
	shuffled := append([]model.ActionStatus(nil), statuses...)
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	a, b := newFixture(t), newFixture(t)
	for i := range statuses {
		a.log(t, statuses[i])
		b.log(t, shuffled[i])
	}
	ctx := context.Background()
	ra, err := a.engine.GetReputation(ctx, a.agent.ID)
	require.NoError(t, err)
	rb, err := b.engine.GetReputation(ctx, b.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, ra.Score, rb.Score)
	assert.Equal(t, reputation.TallyOf(ra), reputation.TallyOf(rb))
}

func TestCounterConservation(t *testing.T) {
	f := newFixture(t)
	r := rand.New(rand.NewPCG(5, 6))
	var prevTotal int64
	for _, s := range randomStatuses(r, 50) {
		f.log(t, s)
		rep, err := f.engine.GetReputation(context.Background(), f.agent.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, rep.SuccessfulActions+rep.FailedActions, rep.TotalActions)
		assert.GreaterOrEqual(t, rep.Score, model.MinScore)
		assert.LessOrEqual(t, rep.Score, model.MaxScore)
		assert.Equal(t, prevTotal+1, rep.TotalActions)
		prevTotal = rep.TotalActions
	}
}

func TestConcurrentLogAction(t *testing.T) {
	f := newFixture(t)
	const n = 64
	var wg sync.WaitGroup
	var successes atomic.Int64
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := model.ActionFailure
			if i%4 != 0 {
				status = model.ActionSuccess
				successes.Add(1)
			}
			_, err := f.engine.LogAction(context.Background(), reputation.LogActionInput{
				AgentID: f.agent.ID, ActionType: "call", Status: status,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rep, err := f.engine.GetReputation(context.Background(), f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), rep.TotalActions)
	assert.Equal(t, successes.Load(), rep.SuccessfulActions)
	assert.Equal(t, 75.0, rep.Score)
}

func TestConcurrentLogAndRecomputeDoNotDoubleCount(t *testing.T) {
	f := newFixture(t)
	f.log(t, model.ActionSuccess)

	const n = 40
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(2)
		go func() {
			defer wg.Done()
			status := model.ActionSuccess
			if i%2 == 0 {
				status = model.ActionFailure
			}
			_, err := f.engine.LogAction(context.Background(), reputation.LogActionInput{
				AgentID: f.agent.ID, ActionType: "call", Status: status,
			})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.engine.Recompute(context.Background(), f.agent.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	report, err := f.engine.Audit(context.Background(), f.agent.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent, "%+v", report)
	assert.Equal(t, int64(n+1), report.Ledger.Total)
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := reputation.LogActionInput{
		AgentID:        f.agent.ID,
		ActionType:     "payment",
		Status:         model.ActionSuccess,
		Metadata:       map[string]any{"amount": 12},
		IdempotencyKey: "req-1",
	}

	first, err := f.engine.LogAction(ctx, in)
	require.NoError(t, err)
	in.Metadata = map[string]any{"amount": 12.0}
	second, err := f.engine.LogAction(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))

	rep, err := f.engine.GetReputation(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.TotalActions)

	in.Status = model.ActionFailure
	_, err = f.engine.LogAction(ctx, in)
	require.ErrorIs(t, err, model.ErrValidation)
}

// flakyAggregates fails the first n upserts.
type flakyAggregates struct {
	reputation.Aggregates
	failures atomic.Int32
}

func (a *flakyAggregates) UpsertReputation(ctx context.Context, agentID uuid.UUID, fn model.ScoreUpdater) (model.ReputationScore, error) {
	if a.failures.Add(-1) >= 0 {
		return model.ReputationScore{}, errors.New("connection reset")
	}
	return a.Aggregates.UpsertReputation(ctx, agentID, fn)
}

func TestAggregateFailureIsRepairedByReplay(t *testing.T) {
	var flaky *flakyAggregates
	f := newFixture(t, func(d *reputation.Deps) {
		flaky = &flakyAggregates{Aggregates: d.Aggregates}
		flaky.failures.Store(1)
		d.Aggregates = flaky
	})
	ctx := context.Background()
	in := reputation.LogActionInput{
		AgentID: f.agent.ID, ActionType: "call", Status: model.ActionFailure, IdempotencyKey: "k",
	}

	_, err := f.engine.LogAction(ctx, in)
	require.ErrorIs(t, err, model.ErrStorage)

	report, err := f.engine.Audit(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Nil(t, report.Aggregate)
	assert.Equal(t, int64(1), report.Ledger.Total)

	_, err = f.engine.LogAction(ctx, in)
	require.NoError(t, err)
	rep, err := f.engine.GetReputation(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.TotalActions)
	assert.Equal(t, 0.0, rep.Score)
}

// cancellingLedger cancels the caller's context right after the append commits.
type cancellingLedger struct {
	reputation.Ledger
	cancel context.CancelFunc
}

func (l cancellingLedger) AppendAction(ctx context.Context, a model.Action) (model.Action, bool, error) {
	stored, created, err := l.Ledger.AppendAction(ctx, a)
	l.cancel()
	return stored, created, err
}

func TestCallerCancellationAfterAppendStillUpdatesAggregate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, func(d *reputation.Deps) {
		d.Ledger = cancellingLedger{Ledger: d.Ledger, cancel: cancel}
	})

	_, err := f.engine.LogAction(ctx, reputation.LogActionInput{
		AgentID: f.agent.ID, ActionType: "call", Status: model.ActionSuccess,
	})
	require.NoError(t, err)

	rep, err := f.engine.GetReputation(context.Background(), f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.TotalActions)
}

type brokenRegistry struct{}

func (brokenRegistry) GetAgent(context.Context, uuid.UUID) (model.Agent, error) {
	return model.Agent{}, errors.New("dial tcp: connection refused")
}

func (brokenRegistry) GetOwner(context.Context, uuid.UUID) (model.Owner, error) {
	return model.Owner{}, errors.New("dial tcp: connection refused")
}

func TestStorageFailuresAreTagged(t *testing.T) {
	f := newFixture(t, func(d *reputation.Deps) { d.Registry = brokenRegistry{} })
	ctx := context.Background()

	_, err := f.engine.LogAction(ctx, reputation.LogActionInput{
		AgentID: f.agent.ID, ActionType: "call", Status: model.ActionSuccess,
	})
	require.ErrorIs(t, err, model.ErrStorage)
	_, err = f.engine.GetReputation(ctx, f.agent.ID)
	require.ErrorIs(t, err, model.ErrStorage)
	_, err = f.engine.Recompute(ctx, f.agent.ID)
	require.ErrorIs(t, err, model.ErrStorage)
}

func TestRecompute_NoActions(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Recompute(context.Background(), f.agent.ID)
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.engine.Recompute(context.Background(), uuid.New())
	require.ErrorIs(t, err, model.ErrAgentNotFound)
}

func TestRecomputeRepairsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.log(t, model.ActionSuccess)
	f.log(t, model.ActionFailure)

	// Simulate a corrupted aggregate.
	_, err := f.store.UpsertReputation(ctx, f.agent.ID, func(prev *model.ReputationScore) (model.ReputationScore, error) {
		bad := *prev
		bad.TotalActions, bad.SuccessfulActions, bad.FailedActions, bad.Score = 9, 9, 0, 100
		return bad, nil
	})
	require.NoError(t, err)

	report, err := f.engine.Audit(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent)

	rep, err := f.engine.Recompute(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.TotalActions)
	assert.Equal(t, 50.0, rep.Score)

	report, err = f.engine.Audit(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 50.0, report.LedgerScore)
}

func TestListActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty, err := f.engine.ListActions(ctx, f.agent.ID, model.Page{})
	require.NoError(t, err)
	assert.NotNil(t, empty.Actions)
	assert.Empty(t, empty.Actions)

	for range 3 {
		f.log(t, model.ActionSuccess)
	}
	page, err := f.engine.ListActions(ctx, f.agent.ID, model.Page{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Actions, 2)
	assert.NotEmpty(t, page.NextCursor)

	_, err = f.engine.ListActions(ctx, f.agent.ID, model.Page{Cursor: "%%%"})
	require.ErrorIs(t, err, model.ErrValidation)
	_, err = f.engine.ListActions(ctx, uuid.New(), model.Page{})
	require.ErrorIs(t, err, model.ErrAgentNotFound)
}

type recordingHook struct {
	mu     sync.Mutex
	scores []model.ReputationScore
	err    error
}

func (h *recordingHook) OnReputationChanged(_ context.Context, s model.ReputationScore) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scores = append(h.scores, s)
	return h.err
}

func TestHooksSeeEveryCommit(t *testing.T) {
	ok := &recordingHook{}
	failing := &recordingHook{err: errors.New("cache down")}
	f := newFixture(t, func(d *reputation.Deps) { d.Hooks = []reputation.Hook{failing, ok} })

	f.log(t, model.ActionSuccess)
	f.log(t, model.ActionSuccess)
	_, err := f.engine.Recompute(context.Background(), f.agent.ID)
	require.NoError(t, err)

	require.Len(t, ok.scores, 3)
	assert.Len(t, failing.scores, 3)
	assert.Equal(t, int64(2), ok.scores[2].TotalActions)
}
