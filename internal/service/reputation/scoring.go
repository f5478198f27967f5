package reputation

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/agentid-dev/agentid/internal/model"
)

// Tally is the counter state that determines a score.
type Tally struct {
	Total      int64 `json:"total_actions"`
	Successful int64 `json:"successful_actions"`
	Failed     int64 `json:"failed_actions"`
	Pending    int64 `json:"pending_actions"`
}

// TallyOf extracts the counters from an aggregate.
func TallyOf(r model.ReputationScore) Tally {
	return Tally{
		Total:      r.TotalActions,
		Successful: r.SuccessfulActions,
		Failed:     r.FailedActions,
		Pending:    r.PendingActions(),
	}
}

// Add counts one action outcome. Pending actions raise only the total.
func (t *Tally) Add(status model.ActionStatus) error {
	switch status {
	case model.ActionSuccess:
		t.Successful++
	case model.ActionFailure:
		t.Failed++
	case model.ActionPending:
		t.Pending++
	default:
		return fmt.Errorf("%w: unknown action status %q", model.ErrValidation, status)
	}
	t.Total++
	return nil
}

// Score is 100*successful/(successful+failed) rounded to two decimals, or
// model.NeutralScore while nothing has resolved.
func (t Tally) Score() float64 {
	resolved := t.Successful + t.Failed
	if resolved == 0 {
		return model.NeutralScore
	}
	return math.Round(model.MaxScore*float64(t.Successful)/float64(resolved)*100) / 100
}

// Apply writes the tally into base, stamping the score and calculation time.
// base supplies identity (id, agent id); version is owned by the store.
func (t Tally) Apply(base model.ReputationScore, now time.Time) model.ReputationScore {
	base.TotalActions = t.Total
	base.SuccessfulActions = t.Successful
	base.FailedActions = t.Failed
	base.Score = t.Score()
	base.LastCalculated = now
	return base
}

// incrementBy returns an updater that folds one more action into the aggregate.
// It is pure in prev so stores may replay it under contention.
func incrementBy(agentID, newID uuid.UUID, status model.ActionStatus, now time.Time) model.ScoreUpdater {
	return func(prev *model.ReputationScore) (model.ReputationScore, error) {
		base := model.ReputationScore{ID: newID, AgentID: agentID}
		var t Tally
		if prev != nil {
			base = *prev
			t = TallyOf(*prev)
		}
		if err := t.Add(status); err != nil {
			return model.ReputationScore{}, err
		}
		return t.Apply(base, now), nil
	}
}

// replaceWith returns an updater that overwrites the aggregate with t.
func replaceWith(agentID, newID uuid.UUID, t Tally, now time.Time) model.ScoreUpdater {
	return func(prev *model.ReputationScore) (model.ReputationScore, error) {
		base := model.ReputationScore{ID: newID, AgentID: agentID}
		if prev != nil {
			base = *prev
		}
		return t.Apply(base, now), nil
	}
}
