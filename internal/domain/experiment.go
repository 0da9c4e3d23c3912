package domain

import (
	"fmt"
	"strings"
	"time"
)

// StrategyKind names the arm-selection algorithm an experiment runs.
type StrategyKind string

const (
	StrategyEpsilonGreedy StrategyKind = "epsilon-greedy"
	StrategyEpsilonDecay  StrategyKind = "epsilon-decay"
	StrategyUCB1          StrategyKind = "ucb1"
)

// ParseStrategyKind accepts the canonical names and the short codes EG, ED and UCB1.
func ParseStrategyKind(s string) (StrategyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "epsilon-greedy", "epsilon_greedy", "eg":
		return StrategyEpsilonGreedy, nil
	case "epsilon-decay", "epsilon_decay", "ed":
		return StrategyEpsilonDecay, nil
	case "ucb1", "ucb":
		return StrategyUCB1, nil
	}
	return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, s)
}

// GateMode decides how MinViews is compared against the view counters before
// a significance test may run.
type GateMode string

const (
	// GatePerArm requires each arm to reach MinViews.
	GatePerArm GateMode = "per-arm"
	// GateTotal requires the sum of both arms to reach MinViews.
	GateTotal GateMode = "total"
)

func ParseGateMode(s string) (GateMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "per-arm", "per_arm", "perarm":
		return GatePerArm, nil
	case "total", "sum":
		return GateTotal, nil
	}
	return "", fmt.Errorf("%w: unknown gate %q", ErrInvalidConfig, s)
}

const (
	DefaultEpsilon           = 0.1
	DefaultExplorationC      = 2.0
	DefaultSignificanceLevel = 0.05
	DefaultMinViews          = 100
)

// Experiment is one flag under test.
type Experiment struct {
	ID                string
	Flag              string
	Name              string
	Description       *string
	Strategy          StrategyKind
	Epsilon           float64
	ExplorationC      float64
	SignificanceLevel float64
	MinViews          int64
	Gate              GateMode
	IsActive          bool
	WinningArm        *Arm
	LockedAt          *time.Time
	CreatedAt         time.Time
	EndedAt           *time.Time
}

// Locked reports whether a winning arm has been fixed.
func (e *Experiment) Locked() bool {
	return e.WinningArm != nil
}

// Validate rejects configurations that can never produce a meaningful decision.
// It runs when an experiment is created, never at decision time.
func (e *Experiment) Validate() error {
	if strings.TrimSpace(e.Flag) == "" {
		return fmt.Errorf("%w: flag is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}

	switch e.Strategy {
	case StrategyEpsilonGreedy:
		if e.Epsilon <= 0 || e.Epsilon >= 1 {
			return fmt.Errorf("%w: epsilon must be in (0,1), got %g", ErrInvalidConfig, e.Epsilon)
		}
	case StrategyEpsilonDecay:
	case StrategyUCB1:
		if e.ExplorationC < 0 {
			return fmt.Errorf("%w: exploration coefficient must be non-negative, got %g", ErrInvalidConfig, e.ExplorationC)
		}
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, e.Strategy)
	}

	if e.SignificanceLevel <= 0 || e.SignificanceLevel >= 1 {
		return fmt.Errorf("%w: significance level must be in (0,1), got %g", ErrInvalidConfig, e.SignificanceLevel)
	}
	if e.MinViews < 0 {
		return fmt.Errorf("%w: min views must be non-negative, got %d", ErrInvalidConfig, e.MinViews)
	}
	if e.Gate != GatePerArm && e.Gate != GateTotal {
		return fmt.Errorf("%w: unknown gate %q", ErrInvalidConfig, e.Gate)
	}
	if e.WinningArm != nil && !e.WinningArm.Valid() {
		return fmt.Errorf("%w: winning arm %d", ErrInvalidArm, *e.WinningArm)
	}
	return nil
}
