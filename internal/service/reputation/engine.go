// Package reputation implements the accounting engine: it appends actions to
// the ledger and keeps each agent's reputation aggregate consistent with it.
//
// Both the HTTP API and the MCP server delegate to this package. Every write
// for a given agent runs under that agent's Locker, so an incremental update
// and a full recompute never interleave. Aggregate commits additionally use
// the store's version compare-and-set, so concurrent engines sharing a store
// without a shared lock still lose no updates.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentid-dev/agentid/internal/metrics"
	"github.com/agentid-dev/agentid/internal/model"
	"github.com/agentid-dev/agentid/internal/telemetry"
)

// DefaultAggregateTimeout bounds the aggregate update that follows an append.
const DefaultAggregateTimeout = 5 * time.Second

// Deps holds the engine's collaborators.
type Deps struct {
	Registry   Registry
	Ledger     Ledger
	Aggregates Aggregates
	// Locker defaults to an in-process KeyedMutex.
	Locker Locker
	Hooks  []Hook
	Logger *slog.Logger
	// AggregateTimeout defaults to DefaultAggregateTimeout.
	AggregateTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine is the reputation accounting engine.
type Engine struct {
	registry         Registry
	ledger           Ledger
	aggregates       Aggregates
	locker           Locker
	hooks            []Hook
	logger           *slog.Logger
	aggregateTimeout time.Duration
	now              func() time.Time

	recomputeDuration metric.Float64Histogram
}

// New creates an Engine.
func New(d Deps) *Engine {
	if d.Locker == nil {
		d.Locker = NewKeyedMutex()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.AggregateTimeout <= 0 {
		d.AggregateTimeout = DefaultAggregateTimeout
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	meter := telemetry.Meter("agentid/reputation")
	recDur, _ := meter.Float64Histogram("agentid.reputation.recompute.duration",
		metric.WithDescription("Time to rebuild an aggregate from the ledger (ms)"),
		metric.WithUnit("ms"),
	)
	return &Engine{
		registry:          d.Registry,
		ledger:            d.Ledger,
		aggregates:        d.Aggregates,
		locker:            d.Locker,
		hooks:             d.Hooks,
		logger:            d.Logger,
		aggregateTimeout:  d.AggregateTimeout,
		now:               d.Now,
		recomputeDuration: recDur,
	}
}

// LogActionInput describes one action to record.
type LogActionInput struct {
	AgentID    uuid.UUID
	ActionType string
	Status     model.ActionStatus
	Metadata   map[string]any
	// IdempotencyKey, when set, makes the call safe to retry: the same key for
	// the same agent always resolves to the same ledger entry.
	IdempotencyKey string
}

// LogAction appends an action to the ledger and folds it into the agent's
// aggregate. The returned action is the stored entry; for an idempotent replay
// it is the entry recorded by the first call.
//
// Once the append has committed the aggregate update is detached from ctx, so
// a caller that disconnects cannot leave the ledger and aggregate apart. If the
// update still fails the action stays recorded, ErrStorage is returned, and a
// Recompute (or a replay with the same idempotency key) repairs the aggregate.
func (e *Engine) LogAction(ctx context.Context, in LogActionInput) (model.Action, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("agentid.agent_id", in.AgentID.String()),
		attribute.String("agentid.action_status", string(in.Status)),
	)

	// 1. Validate shape.
	req := model.LogActionRequest{ActionType: in.ActionType, Status: in.Status, Metadata: in.Metadata}
	if err := model.ValidateLogActionRequest(&req); err != nil {
		return model.Action{}, err
	}

	// 2. Policy: the agent must exist and accept actions.
	agent, err := e.agent(ctx, in.AgentID)
	if err != nil {
		return model.Action{}, err
	}
	if !agent.Status.AcceptsActions() {
		return model.Action{}, fmt.Errorf("reputation: agent %s: %w", agent.ID, model.ErrAgentRevoked)
	}

	actionID := uuid.New()
	if in.IdempotencyKey != "" {
		actionID = model.IdempotentActionID(agent.ID, in.IdempotencyKey)
	}

	unlock, err := e.locker.Lock(ctx, agent.ID)
	if err != nil {
		return model.Action{}, storageErr("lock agent", err)
	}
	defer unlock()

	// 3. Append to the ledger.
	now := e.now()
	action := model.Action{
		ID:         actionID,
		AgentID:    agent.ID,
		ActionType: req.ActionType,
		Metadata:   req.Metadata,
		Status:     req.Status,
		CreatedAt:  model.LedgerTime(now),
	}
	// The ledger re-checks status atomically with the insert; a revoke that
	// landed after step 2 is caught here.
	stored, created, err := e.ledger.AppendAction(ctx, action)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrAgentNotFound):
			return model.Action{}, fmt.Errorf("reputation: agent %s: %w", agent.ID, model.ErrAgentNotFound)
		case errors.Is(err, model.ErrAgentRevoked):
			return model.Action{}, fmt.Errorf("reputation: agent %s: %w", agent.ID, model.ErrAgentRevoked)
		}
		return model.Action{}, storageErr("append action", err)
	}

	// 4. Aggregate update, detached from caller cancellation.
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.aggregateTimeout)
	defer cancel()

	if !created {
		if !samePayload(stored, action) {
			return model.Action{}, fmt.Errorf("%w: idempotency key reused with a different request", model.ErrValidation)
		}
		metrics.IdempotentReplays.Inc()
		// The first attempt may have died between append and aggregate
		// update; rebuilding from the ledger settles either way.
		if _, err := e.recomputeLocked(uctx, agent.ID); err != nil {
			return model.Action{}, err
		}
		return stored, nil
	}

	metrics.ActionsLogged.WithLabelValues(string(stored.Status)).Inc()
	score, err := e.aggregates.UpsertReputation(uctx, agent.ID,
		incrementBy(agent.ID, uuid.New(), stored.Status, now))
	if err != nil {
		metrics.AggregateFailures.Inc()
		e.logger.Error("reputation: aggregate update failed after append; recompute will repair",
			"agent_id", agent.ID, "action_id", stored.ID, "error", err)
		return model.Action{}, storageErr("update aggregate", err)
	}

	e.notify(uctx, score)
	return stored, nil
}

// GetReputation returns the stored aggregate. It fails with model.ErrNotFound
// when the agent has never logged an action; verifiers substitute a neutral
// view in that case.
func (e *Engine) GetReputation(ctx context.Context, agentID uuid.UUID) (model.ReputationScore, error) {
	if _, err := e.agent(ctx, agentID); err != nil {
		return model.ReputationScore{}, err
	}
	score, err := e.aggregates.GetReputation(ctx, agentID)
	if errors.Is(err, model.ErrNotFound) {
		return model.ReputationScore{}, fmt.Errorf("reputation: agent %s has no logged actions: %w", agentID, model.ErrNotFound)
	}
	if err != nil {
		return model.ReputationScore{}, storageErr("get aggregate", err)
	}
	return score, nil
}

// Recompute rebuilds the aggregate from a full pass over the ledger and
// replaces the stored value. It fails with model.ErrNotFound when the agent
// has no actions.
func (e *Engine) Recompute(ctx context.Context, agentID uuid.UUID) (model.ReputationScore, error) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("agentid.agent_id", agentID.String()))

	if _, err := e.agent(ctx, agentID); err != nil {
		return model.ReputationScore{}, err
	}
	unlock, err := e.locker.Lock(ctx, agentID)
	if err != nil {
		return model.ReputationScore{}, storageErr("lock agent", err)
	}
	defer unlock()
	return e.recomputeLocked(ctx, agentID)
}

// recomputeLocked requires the caller to hold the agent's lock.
func (e *Engine) recomputeLocked(ctx context.Context, agentID uuid.UUID) (model.ReputationScore, error) {
	start := time.Now()
	defer func() {
		e.recomputeDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	t, err := e.foldLedger(ctx, agentID)
	if err != nil {
		return model.ReputationScore{}, err
	}
	if t.Total == 0 {
		return model.ReputationScore{}, fmt.Errorf("reputation: agent %s has no logged actions: %w", agentID, model.ErrNotFound)
	}

	var before *Tally
	score, err := e.aggregates.UpsertReputation(ctx, agentID, func(prev *model.ReputationScore) (model.ReputationScore, error) {
		before = nil
		if prev != nil {
			pt := TallyOf(*prev)
			before = &pt
		}
		return replaceWith(agentID, uuid.New(), t, e.now())(prev)
	})
	if err != nil {
		return model.ReputationScore{}, storageErr("replace aggregate", err)
	}

	drift := before == nil || *before != t
	if drift {
		e.logger.Warn("reputation: aggregate disagreed with ledger, replaced",
			"agent_id", agentID, "ledger_total", t.Total, "had_aggregate", before != nil)
	}
	metrics.Recomputes.WithLabelValues(fmt.Sprint(drift)).Inc()
	e.notify(ctx, score)
	return score, nil
}

// foldLedger tallies every action of the agent in one ordered pass.
func (e *Engine) foldLedger(ctx context.Context, agentID uuid.UUID) (Tally, error) {
	var t Tally
	page := model.Page{Limit: model.MaxPageLimit}
	for {
		res, err := e.ledger.ListActions(ctx, agentID, page)
		if err != nil {
			return Tally{}, storageErr("scan ledger", err)
		}
		for _, a := range res.Actions {
			if err := t.Add(a.Status); err != nil {
				return Tally{}, fmt.Errorf("%w: ledger entry %s: %w", model.ErrStorage, a.ID, err)
			}
		}
		if res.NextCursor == "" {
			return t, nil
		}
		page.Cursor = res.NextCursor
	}
}

// ListActions returns one page of the agent's ledger.
func (e *Engine) ListActions(ctx context.Context, agentID uuid.UUID, page model.Page) (model.ActionPage, error) {
	if _, err := e.agent(ctx, agentID); err != nil {
		return model.ActionPage{}, err
	}
	res, err := e.ledger.ListActions(ctx, agentID, page)
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			return model.ActionPage{}, err
		}
		return model.ActionPage{}, storageErr("list actions", err)
	}
	if res.Actions == nil {
		res.Actions = []model.Action{}
	}
	return res, nil
}

// agent loads an agent, mapping absence to model.ErrAgentNotFound.
func (e *Engine) agent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := e.registry.GetAgent(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return model.Agent{}, fmt.Errorf("reputation: agent %s: %w", id, model.ErrAgentNotFound)
	}
	if err != nil {
		return model.Agent{}, storageErr("load agent", err)
	}
	return a, nil
}

func (e *Engine) notify(ctx context.Context, score model.ReputationScore) {
	for _, h := range e.hooks {
		if err := h.OnReputationChanged(ctx, score); err != nil {
			e.logger.Warn("reputation: hook failed", "agent_id", score.AgentID, "error", err)
		}
	}
}

// storageErr tags infrastructure failures with model.ErrStorage. Context
// cancellation is passed through untagged: the caller gave up, nothing failed.
func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("reputation: %s: %w", op, err)
	}
	if errors.Is(err, model.ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: reputation: %s: %w", model.ErrStorage, op, err)
}

// samePayload reports whether a replayed request matches the stored entry.
func samePayload(stored, attempt model.Action) bool {
	return stored.AgentID == attempt.AgentID &&
		stored.ActionType == attempt.ActionType &&
		stored.Status == attempt.Status &&
		metadataEqual(stored.Metadata, attempt.Metadata)
}

// metadataEqual compares metadata values after a JSON round trip, so numbers
// compare by value rather than by Go type.
func metadataEqual(stored, attempt map[string]any) bool {
	if len(stored) != len(attempt) {
		return false
	}
	return maps.EqualFunc(stored, attempt, func(a, b any) bool {
		return reflect.DeepEqual(normalizeJSON(a), normalizeJSON(b))
	})
}

func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
