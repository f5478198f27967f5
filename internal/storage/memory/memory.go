// Package memory is an in-process implementation of the AgentID stores. It is
// used for tests and single-node development and loses everything on exit.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentid-dev/agentid/internal/model"
	"github.com/agentid-dev/agentid/internal/storage"
)

// Store holds owners, agents, the action ledger and reputation aggregates.
type Store struct {
	mu      sync.RWMutex
	owners  map[uuid.UUID]model.Owner
	emails  map[string]uuid.UUID
	agents  map[uuid.UUID]model.Agent
	actions map[uuid.UUID]model.Action
	ledgers map[uuid.UUID][]model.Action // per agent, sorted by (created_at, id)
	scores  map[uuid.UUID]model.ReputationScore
	retry   storage.RetryPolicy
}

// New returns an empty Store.
func New(retry storage.RetryPolicy) *Store {
	return &Store{
		owners:  make(map[uuid.UUID]model.Owner),
		emails:  make(map[string]uuid.UUID),
		agents:  make(map[uuid.UUID]model.Agent),
		actions: make(map[uuid.UUID]model.Action),
		ledgers: make(map[uuid.UUID][]model.Action),
		scores:  make(map[uuid.UUID]model.ReputationScore),
		retry:   retry,
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// CreateOwner inserts a new owner. A duplicate email yields model.ErrConflict.
func (s *Store) CreateOwner(_ context.Context, o model.Owner) (model.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.emails[o.Email]; dup {
		return model.Owner{}, fmt.Errorf("memory: owner email %q already registered: %w", o.Email, model.ErrConflict)
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = model.LedgerTime(time.Now())
	}
	o.UpdatedAt = o.CreatedAt
	s.owners[o.ID] = o
	s.emails[o.Email] = o.ID
	return o, nil
}

// GetOwner retrieves an owner by id.
func (s *Store) GetOwner(_ context.Context, id uuid.UUID) (model.Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.owners[id]
	if !ok {
		return model.Owner{}, fmt.Errorf("memory: owner %s: %w", id, model.ErrNotFound)
	}
	return o, nil
}

// SetOwnerVerified records the outcome of an owner verification.
func (s *Store) SetOwnerVerified(_ context.Context, id uuid.UUID, verified bool) (model.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[id]
	if !ok {
		return model.Owner{}, fmt.Errorf("memory: owner %s: %w", id, model.ErrNotFound)
	}
	o.Verified = verified
	o.UpdatedAt = model.LedgerTime(time.Now())
	s.owners[id] = o
	return o, nil
}

// CreateAgent inserts a new agent owned by an existing owner.
func (s *Store) CreateAgent(_ context.Context, a model.Agent) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[a.OwnerID]; !ok {
		return model.Agent{}, fmt.Errorf("memory: create agent: owner %s: %w", a.OwnerID, model.ErrNotFound)
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if _, dup := s.agents[a.ID]; dup {
		return model.Agent{}, fmt.Errorf("memory: create agent: %w", model.ErrConflict)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = model.LedgerTime(time.Now())
	}
	a.UpdatedAt = a.CreatedAt
	if a.Status == "" {
		a.Status = model.AgentStatusActive
	}
	a.Capabilities = append([]string{}, a.Capabilities...)
	s.agents[a.ID] = a
	return cloneAgent(a), nil
}

// GetAgent retrieves an agent by id.
func (s *Store) GetAgent(_ context.Context, id uuid.UUID) (model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return model.Agent{}, fmt.Errorf("memory: agent %s: %w", id, model.ErrNotFound)
	}
	return cloneAgent(a), nil
}

// ListAgentIDsByOwner returns the ids of every agent the owner registered.
func (s *Store) ListAgentIDsByOwner(_ context.Context, ownerID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []uuid.UUID
	for id, a := range s.agents {
		if a.OwnerID == ownerID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// UpdateAgentStatus moves an agent from one status to another if it is still in from.
func (s *Store) UpdateAgentStatus(_ context.Context, id uuid.UUID, from, to model.AgentStatus) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return model.Agent{}, fmt.Errorf("memory: agent %s: %w", id, model.ErrNotFound)
	}
	if a.Status != from {
		return model.Agent{}, fmt.Errorf("memory: agent %s is no longer %s: %w", id, from, model.ErrConflict)
	}
	a.Status = to
	a.UpdatedAt = model.LedgerTime(time.Now())
	s.agents[id] = a
	return cloneAgent(a), nil
}

// AppendAction inserts a ledger entry, or returns the existing entry with the
// same id and created=false.
func (s *Store) AppendAction(_ context.Context, a model.Action) (model.Action, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.actions[a.ID]; ok {
		return cloneAction(existing), false, nil
	}
	agent, ok := s.agents[a.AgentID]
	if !ok {
		return model.Action{}, false, fmt.Errorf("memory: append action: %w", model.ErrAgentNotFound)
	}
	if !agent.Status.AcceptsActions() {
		return model.Action{}, false, fmt.Errorf("memory: append action: %w", storage.RejectedAppend(agent, nil))
	}
	a = cloneAction(a)
	a.CreatedAt = model.LedgerTime(a.CreatedAt)

	ledger := s.ledgers[a.AgentID]
	i, _ := slices.BinarySearchFunc(ledger, a, compareActions)
	s.ledgers[a.AgentID] = slices.Insert(ledger, i, a)
	s.actions[a.ID] = a
	return cloneAction(a), true, nil
}

// ListActions returns one page of an agent's ledger ordered by (created_at, id).
func (s *Store) ListActions(_ context.Context, agentID uuid.UUID, page model.Page) (model.ActionPage, error) {
	cursor, err := model.DecodeCursor(page.Cursor)
	if err != nil {
		return model.ActionPage{}, err
	}
	limit := page.EffectiveLimit()

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Action, 0, limit)
	for _, a := range s.ledgers[agentID] {
		if !cursor.After(a) {
			continue
		}
		out = append(out, cloneAction(a))
		if len(out) > limit {
			break
		}
	}
	return storage.Paginate(out, limit), nil
}

// CountActions counts an agent's ledger entries, optionally restricted to one status.
func (s *Store) CountActions(_ context.Context, agentID uuid.UUID, status *model.ActionStatus) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ledger := s.ledgers[agentID]
	if status == nil {
		return int64(len(ledger)), nil
	}
	var n int64
	for _, a := range ledger {
		if a.Status == *status {
			n++
		}
	}
	return n, nil
}

// GetReputation returns the aggregate for an agent or model.ErrNotFound.
func (s *Store) GetReputation(_ context.Context, agentID uuid.UUID) (model.ReputationScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.scores[agentID]
	if !ok {
		return model.ReputationScore{}, fmt.Errorf("memory: reputation for agent %s: %w", agentID, model.ErrNotFound)
	}
	return r, nil
}

// UpsertReputation applies fn outside the lock and commits only if the
// version it read is still current, retrying under the store's policy.
func (s *Store) UpsertReputation(ctx context.Context, agentID uuid.UUID, fn model.ScoreUpdater) (model.ReputationScore, error) {
	var out model.ReputationScore
	err := storage.RetryOnConflict(ctx, s.retry, func() error {
		s.mu.RLock()
		cur, ok := s.scores[agentID]
		s.mu.RUnlock()

		var prev *model.ReputationScore
		if ok {
			snapshot := cur
			prev = &snapshot
		}
		next, err := fn(prev)
		if err != nil {
			return err
		}
		next.AgentID = agentID
		next.LastCalculated = model.LedgerTime(next.LastCalculated)

		s.mu.Lock()
		defer s.mu.Unlock()
		now, exists := s.scores[agentID]
		switch {
		case !ok && exists, ok && (!exists || now.Version != cur.Version):
			return storage.ErrVersionConflict
		case ok:
			next.ID = cur.ID
			next.Version = cur.Version + 1
		default:
			if next.ID == uuid.Nil {
				next.ID = uuid.New()
			}
			next.Version = 1
		}
		s.scores[agentID] = next
		out = next
		return nil
	})
	if err != nil {
		return model.ReputationScore{}, err
	}
	return out, nil
}

func compareActions(a, b model.Action) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID.String(), b.ID.String())
}

func cloneAction(a model.Action) model.Action {
	md := make(map[string]any, len(a.Metadata))
	for k, v := range a.Metadata {
		md[k] = v
	}
	a.Metadata = md
	return a
}

func cloneAgent(a model.Agent) model.Agent {
	a.Capabilities = append([]string{}, a.Capabilities...)
	return a
}
