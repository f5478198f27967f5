package reputation

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/agentid-dev/agentid/internal/model"
)

// AuditReport compares an agent's stored aggregate with its ledger.
type AuditReport struct {
	AgentID          uuid.UUID `json:"agent_id"`
	Ledger           Tally     `json:"ledger"`
	LedgerScore      float64   `json:"ledger_score"`
	Aggregate        *Tally    `json:"aggregate,omitempty"`
	AggregateScore   *float64  `json:"aggregate_score,omitempty"`
	AggregateVersion int64     `json:"aggregate_version,omitempty"`
	Consistent       bool      `json:"consistent"`
}

// Audit counts the ledger by status and reports whether the stored aggregate
// agrees. It takes the agent's lock so no write is caught half-applied, but
// it never modifies anything; call Recompute to repair.
func (e *Engine) Audit(ctx context.Context, agentID uuid.UUID) (AuditReport, error) {
	if _, err := e.agent(ctx, agentID); err != nil {
		return AuditReport{}, err
	}
	unlock, err := e.locker.Lock(ctx, agentID)
	if err != nil {
		return AuditReport{}, storageErr("lock agent", err)
	}
	defer unlock()

	report := AuditReport{AgentID: agentID}
	if report.Ledger.Total, err = e.ledger.CountActions(ctx, agentID, nil); err != nil {
		return AuditReport{}, storageErr("count actions", err)
	}
	for _, c := range []struct {
		status model.ActionStatus
		dst    *int64
	}{
		{model.ActionSuccess, &report.Ledger.Successful},
		{model.ActionFailure, &report.Ledger.Failed},
		{model.ActionPending, &report.Ledger.Pending},
	} {
		status := c.status
		if *c.dst, err = e.ledger.CountActions(ctx, agentID, &status); err != nil {
			return AuditReport{}, storageErr("count actions", err)
		}
	}
	report.LedgerScore = report.Ledger.Score()

	score, err := e.aggregates.GetReputation(ctx, agentID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		// Absent aggregate is consistent only with an empty ledger.
		report.Consistent = report.Ledger.Total == 0
		return report, nil
	case err != nil:
		return AuditReport{}, storageErr("get aggregate", err)
	}

	agg := TallyOf(score)
	report.Aggregate = &agg
	report.AggregateScore = &score.Score
	report.AggregateVersion = score.Version
	report.Consistent = agg == report.Ledger && score.Score == report.LedgerScore
	return report, nil
}
