package bandit

import (
	"fmt"
	"math"

	"github.com/emiliopalmerini/mbandit/internal/domain"
)

// DecayK is the shared k of the epsilon-decay schedule.
const DecayK = 2

// Strategy is the closed set of arm-selection algorithms: EpsilonGreedy,
// EpsilonDecay and UCB1. Select dispatches on the concrete type.
type Strategy interface {
	Kind() domain.StrategyKind
	strategy()
}

// EpsilonGreedy explores with a fixed probability.
type EpsilonGreedy struct {
	Epsilon float64
}

// EpsilonDecay explores with a probability that shrinks as views accumulate.
type EpsilonDecay struct {
	K float64
}

// UCB1 picks the arm with the highest upper confidence bound.
type UCB1 struct {
	C float64
}

func (EpsilonGreedy) Kind() domain.StrategyKind { return domain.StrategyEpsilonGreedy }
func (EpsilonDecay) Kind() domain.StrategyKind  { return domain.StrategyEpsilonDecay }
func (UCB1) Kind() domain.StrategyKind          { return domain.StrategyUCB1 }

func (EpsilonGreedy) strategy() {}
func (EpsilonDecay) strategy()  {}
func (UCB1) strategy()          {}

// Rate returns the exploration probability 1 / (1 + total_views / k).
func (s EpsilonDecay) Rate(c domain.ArmCounters) float64 {
	k := s.K
	if k <= 0 {
		k = DecayK
	}
	return 1 / (1 + float64(c.TotalViews())/k)
}

// Scores returns rate[a] + c * sqrt(ln(max(total,1)) / max(views[a],1)).
func (s UCB1) Scores(c domain.ArmCounters) [domain.NumArms]float64 {
	rewards := Rewards(c)
	logTotal := math.Log(float64(max(c.TotalViews(), 1)))

	var scores [domain.NumArms]float64
	for a := range scores {
		scores[a] = rewards[a] + s.C*math.Sqrt(logTotal/float64(max(c.Views[a], 1)))
	}
	return scores
}

// StrategyFor builds the strategy configured on an experiment.
func StrategyFor(e *domain.Experiment) (Strategy, error) {
	switch e.Strategy {
	case domain.StrategyEpsilonGreedy:
		return EpsilonGreedy{Epsilon: e.Epsilon}, nil
	case domain.StrategyEpsilonDecay:
		return EpsilonDecay{K: DecayK}, nil
	case domain.StrategyUCB1:
		return UCB1{C: e.ExplorationC}, nil
	}
	return nil, fmt.Errorf("%w: unknown strategy %q", domain.ErrInvalidConfig, e.Strategy)
}

// Select returns the arm to serve. A non-nil winning arm overrides every
// strategy. Select only reads c and is safe for concurrent use when rng is.
// A nil strategy serves control.
func Select(s Strategy, winning *domain.Arm, c domain.ArmCounters, rng RandomSource) domain.Arm {
	if winning != nil {
		return *winning
	}

	switch s := s.(type) {
	case EpsilonGreedy:
		return selectEpsilon(s.Epsilon, c, rng)
	case EpsilonDecay:
		return selectEpsilon(s.Rate(c), c, rng)
	case UCB1:
		return argmax(s.Scores(c))
	}
	return domain.ArmControl
}

func selectEpsilon(epsilon float64, c domain.ArmCounters, rng RandomSource) domain.Arm {
	if rng.Float64() < epsilon {
		return domain.Arm(rng.IntN(domain.NumArms))
	}

	rewards := Rewards(c)
	if rewards[domain.ArmControl] == rewards[domain.ArmTreatment] {
		return domain.Arm(rng.IntN(domain.NumArms))
	}
	return argmax(rewards)
}

// argmax breaks ties toward the lower arm index.
func argmax(v [domain.NumArms]float64) domain.Arm {
	if v[domain.ArmTreatment] > v[domain.ArmControl] {
		return domain.ArmTreatment
	}
	return domain.ArmControl
}

// ActivationProbability is the probability that the next Select serves the
// treatment arm given c.
func ActivationProbability(s Strategy, winning *domain.Arm, c domain.ArmCounters) float64 {
	if winning != nil {
		return armProbability(*winning)
	}

	switch s := s.(type) {
	case EpsilonGreedy:
		return epsilonActivation(s.Epsilon, c)
	case EpsilonDecay:
		return epsilonActivation(s.Rate(c), c)
	case UCB1:
		return armProbability(argmax(s.Scores(c)))
	}
	return 0
}

func epsilonActivation(epsilon float64, c domain.ArmCounters) float64 {
	rewards := Rewards(c)
	if rewards[domain.ArmControl] == rewards[domain.ArmTreatment] {
		return 0.5
	}
	if argmax(rewards) == domain.ArmTreatment {
		return 1 - epsilon/2
	}
	return epsilon / 2
}

func armProbability(a domain.Arm) float64 {
	if a == domain.ArmTreatment {
		return 1
	}
	return 0
}
