package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/emiliopalmerini/mbandit/internal/bandit"
	"github.com/emiliopalmerini/mbandit/internal/domain"
)

// Summary is the read model shown to operators for one experiment.
type Summary struct {
	Experiment *domain.Experiment
	Counters   domain.ArmCounters
	Rates      [domain.NumArms]float64
	// Intervals are nil for arms without views.
	Intervals             [domain.NumArms]*bandit.Interval
	Lift                  domain.LiftMetrics
	Evaluation            bandit.Evaluation
	Phase                 bandit.Phase
	ActivationProbability float64
}

// Summarize reports counters, conversion rates with confidence intervals,
// the current significance test and the chance the next request is served
// the treatment.
func (s *Service) Summarize(ctx context.Context, experimentID string) (*Summary, error) {
	exp, err := s.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	counters, err := s.counters.Snapshot(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read counters: %w", err)
	}

	m, err := bandit.NewMachine(exp)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		Experiment:            exp,
		Counters:              counters,
		Rates:                 bandit.Rewards(counters),
		Lift:                  counters.ComputeLift(),
		Evaluation:            bandit.Evaluate(counters, bandit.SignificanceConfigFor(exp)),
		Phase:                 m.Phase(),
		ActivationProbability: m.ActivationProbability(counters),
	}

	for _, arm := range []domain.Arm{domain.ArmControl, domain.ArmTreatment} {
		ci, err := bandit.ConfidenceInterval(counters, arm, exp.SignificanceLevel)
		if errors.Is(err, bandit.ErrNoObservations) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sum.Intervals[arm] = &ci
	}
	return sum, nil
}
