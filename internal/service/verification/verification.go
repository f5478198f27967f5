// Package verification assembles the read-only trust bundle handed to third
// parties who want to know whether an agent is legitimate.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/agentid-dev/agentid/internal/cache"
	"github.com/agentid-dev/agentid/internal/metrics"
	"github.com/agentid-dev/agentid/internal/model"
	"github.com/agentid-dev/agentid/internal/service/reputation"
)

// Assembler builds VerificationResults from the registry and aggregate store.
// It never writes to either.
type Assembler struct {
	registry   reputation.Registry
	aggregates reputation.Aggregates
	cache      cache.VerificationCache
	logger     *slog.Logger
}

// New creates an Assembler. A nil cache disables caching.
func New(registry reputation.Registry, aggregates reputation.Aggregates, c cache.VerificationCache, logger *slog.Logger) *Assembler {
	if c == nil {
		c = cache.Noop{}
	}
	return &Assembler{registry: registry, aggregates: aggregates, cache: c, logger: logger}
}

// Verify returns the trust bundle for agentID. verified is true iff the agent
// is active; agents with no aggregate report a neutral reputation. It fails
// with model.ErrNotFound only when the agent does not exist.
func (a *Assembler) Verify(ctx context.Context, agentID uuid.UUID) (model.VerificationResult, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("agentid.agent_id", agentID.String()))

	res, gen, ok, err := a.cache.Get(ctx, agentID)
	fillCache := err == nil
	switch {
	case err != nil:
		metrics.VerifyCache.WithLabelValues("error").Inc()
		a.logger.Warn("verification: cache read failed", "agent_id", agentID, "error", err)
	case ok:
		metrics.VerifyCache.WithLabelValues("hit").Inc()
		metrics.Verifications.WithLabelValues(strconv.FormatBool(res.Verified)).Inc()
		return res, nil
	default:
		metrics.VerifyCache.WithLabelValues("miss").Inc()
	}

	agent, err := a.registry.GetAgent(ctx, agentID)
	if errors.Is(err, model.ErrNotFound) {
		return model.VerificationResult{}, fmt.Errorf("verification: agent %s: %w", agentID, model.ErrNotFound)
	}
	if err != nil {
		return model.VerificationResult{}, fmt.Errorf("%w: verification: load agent: %w", model.ErrStorage, err)
	}

	var (
		owner model.Owner
		rep   model.Reputation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o, err := a.registry.GetOwner(gctx, agent.OwnerID)
		if err != nil {
			// An agent always references an owner; absence is a data fault.
			return fmt.Errorf("%w: verification: load owner %s: %w", model.ErrStorage, agent.OwnerID, err)
		}
		owner = o
		return nil
	})
	g.Go(func() error {
		score, err := a.aggregates.GetReputation(gctx, agent.ID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			rep = model.NeutralReputation()
		case err != nil:
			return fmt.Errorf("%w: verification: load reputation: %w", model.ErrStorage, err)
		default:
			rep = score.View()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.VerificationResult{}, err
	}

	res = model.VerificationResult{
		Verified:   agent.Status == model.AgentStatusActive,
		Agent:      agent,
		Reputation: rep,
		Owner:      owner.Summary(),
	}
	// Set is a no-op if an invalidation landed after the Get above.
	if fillCache {
		if err := a.cache.Set(ctx, agentID, gen, res); err != nil {
			a.logger.Warn("verification: cache write failed", "agent_id", agentID, "error", err)
		}
	}
	metrics.Verifications.WithLabelValues(strconv.FormatBool(res.Verified)).Inc()
	return res, nil
}
