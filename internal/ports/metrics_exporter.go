package ports

import (
	"context"
	"time"

	"github.com/emiliopalmerini/mbandit/internal/domain"
)

// MetricsExporter exports engine activity to an external observability system.
type MetricsExporter interface {
	ExportDecision(ctx context.Context, e *DecisionEvent) error
	ExportOutcome(ctx context.Context, e *OutcomeEvent) error
	ExportLock(ctx context.Context, e *LockEvent) error
	// Close shuts down the exporter and flushes any pending metrics.
	Close(ctx context.Context) error
}

type OutcomeKind string

const (
	OutcomeView       OutcomeKind = "view"
	OutcomeConversion OutcomeKind = "conversion"
)

// DecisionEvent describes one arm served for an experiment.
type DecisionEvent struct {
	ExperimentID string
	Flag         string
	Strategy     domain.StrategyKind
	Arm          domain.Arm
	Phase        string
}

// OutcomeEvent describes one counter increment.
type OutcomeEvent struct {
	ExperimentID string
	Flag         string
	Arm          domain.Arm
	Kind         OutcomeKind
}

// LockEvent describes a winner being fixed.
type LockEvent struct {
	ExperimentID string
	Flag         string
	Arm          domain.Arm
	PValue       float64
	TotalViews   int64
	LockedAt     time.Time
}
