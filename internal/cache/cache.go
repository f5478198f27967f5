// Package cache holds short-lived copies of verification bundles so repeated
// third-party checks of the same agent skip the registry and aggregate reads.
package cache

import (
	"context"

	"github.com/google/uuid"

	"github.com/agentid-dev/agentid/internal/model"
)

// Generation counts the invalidations of one agent's entry. Get reports the
// current value and Set only stores if it is unchanged, so a bundle assembled
// from reads that raced an invalidation is never cached.
type Generation int64

// VerificationCache stores assembled verification bundles by agent id.
// A miss is (zero, gen, false, nil); errors are reserved for backend failures
// and callers treat them as misses that must not be filled.
type VerificationCache interface {
	Get(ctx context.Context, agentID uuid.UUID) (model.VerificationResult, Generation, bool, error)
	Set(ctx context.Context, agentID uuid.UUID, gen Generation, result model.VerificationResult) error
	Invalidate(ctx context.Context, agentID uuid.UUID) error
	Close() error
}

// Noop is the VerificationCache used when no Redis URL is configured.
type Noop struct{}

func (Noop) Get(context.Context, uuid.UUID) (model.VerificationResult, Generation, bool, error) {
	return model.VerificationResult{}, 0, false, nil
}

func (Noop) Set(context.Context, uuid.UUID, Generation, model.VerificationResult) error { return nil }

func (Noop) Invalidate(context.Context, uuid.UUID) error { return nil }

func (Noop) Close() error { return nil }

// InvalidationHook drops an agent's cached bundle whenever its aggregate changes.
type InvalidationHook struct {
	Cache VerificationCache
}

// OnReputationChanged implements reputation.Hook.
func (h InvalidationHook) OnReputationChanged(ctx context.Context, score model.ReputationScore) error {
	return h.Cache.Invalidate(ctx, score.AgentID)
}
