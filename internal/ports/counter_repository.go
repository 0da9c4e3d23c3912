package ports

import (
	"context"

	"github.com/emiliopalmerini/mbandit/internal/domain"
)

// CounterRepository owns the per-arm outcome counters. Increments must be
// atomic with respect to concurrent increments on the same experiment.
type CounterRepository interface {
	Snapshot(ctx context.Context, experimentID string) (domain.ArmCounters, error)
	IncrementViews(ctx context.Context, experimentID string, arm domain.Arm) error
	// IncrementConversions fails with domain.ErrConversionExceedsViews
	// instead of letting conversions pass views.
	IncrementConversions(ctx context.Context, experimentID string, arm domain.Arm) error
	ListStats(ctx context.Context) ([]domain.ExperimentStats, error)
}
