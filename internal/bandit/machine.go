package bandit

import (
	"fmt"

	"github.com/emiliopalmerini/mbandit/internal/domain"
)

// Phase is the lifecycle state of an experiment's decision logic.
type Phase int

const (
	PhaseExploring Phase = iota
	PhaseLocked
)

func (p Phase) String() string {
	switch p {
	case PhaseExploring:
		return "exploring"
	case PhaseLocked:
		return "locked"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Machine moves an experiment from exploring to locked. Locked is terminal.
// A Machine is built from a stored experiment per call and is not safe for
// concurrent mutation.
type Machine struct {
	strategy     Strategy
	significance SignificanceConfig
	winner       *domain.Arm
}

// NewMachine builds the machine for e, starting locked when e already has a
// winning arm.
func NewMachine(e *domain.Experiment) (*Machine, error) {
	s, err := StrategyFor(e)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		strategy:     s,
		significance: SignificanceConfigFor(e),
	}
	if e.WinningArm != nil {
		if err := m.Lock(*e.WinningArm); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Machine) Phase() Phase {
	if m.winner != nil {
		return PhaseLocked
	}
	return PhaseExploring
}

func (m *Machine) Strategy() Strategy {
	return m.strategy
}

// Winner returns a copy of the locked arm, or nil while exploring.
func (m *Machine) Winner() *domain.Arm {
	if m.winner == nil {
		return nil
	}
	w := *m.winner
	return &w
}

// Select delegates to the strategy while exploring and returns the winner
// once locked.
func (m *Machine) Select(c domain.ArmCounters, rng RandomSource) domain.Arm {
	return Select(m.strategy, m.winner, c, rng)
}

// ActivationProbability is the chance the next Select serves the treatment.
func (m *Machine) ActivationProbability(c domain.ArmCounters) float64 {
	return ActivationProbability(m.strategy, m.winner, c)
}

// Lock fixes arm as the winner. Locking again with the same arm is a no-op;
// a different arm returns domain.ErrWinnerConflict.
func (m *Machine) Lock(arm domain.Arm) error {
	if !arm.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrInvalidArm, arm)
	}
	if m.winner != nil {
		if *m.winner != arm {
			return fmt.Errorf("%w: locked on %s, got %s", domain.ErrWinnerConflict, m.winner, arm)
		}
		return nil
	}
	m.winner = &arm
	return nil
}

// Observe tests c while exploring and locks when a winner is significant.
// It reports whether this call caused the transition. A locked machine keeps
// its winner without re-testing and returns a non-decidable Evaluation.
func (m *Machine) Observe(c domain.ArmCounters) (Evaluation, bool) {
	if m.winner != nil {
		return Evaluation{Means: Rewards(c), PValue: 1}, false
	}

	eval := Evaluate(c, m.significance)
	if eval.Winner == nil {
		return eval, false
	}
	// Exploring machines accept any valid arm.
	_ = m.Lock(*eval.Winner)
	return eval, true
}
