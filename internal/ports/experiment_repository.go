package ports

import (
	"context"
	"time"

	"github.com/emiliopalmerini/mbandit/internal/domain"
)

// ExperimentRepository stores experiments. Getters return nil, nil when
// nothing matches.
type ExperimentRepository interface {
	// Create persists an inactive experiment together with zeroed counters.
	Create(ctx context.Context, experiment *domain.Experiment) error
	GetByID(ctx context.Context, id string) (*domain.Experiment, error)
	GetByName(ctx context.Context, name string) (*domain.Experiment, error)
	GetActiveByFlag(ctx context.Context, flag string) (*domain.Experiment, error)
	List(ctx context.Context) ([]*domain.Experiment, error)
	Delete(ctx context.Context, id string) error
	// Activate fails with domain.ErrActiveExperimentExists when another
	// experiment for the same flag is active.
	Activate(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string, endedAt time.Time) error
	// SetWinningArm writes the winner only if none is stored yet and returns
	// the stored arm. A different stored arm yields domain.ErrWinnerConflict.
	SetWinningArm(ctx context.Context, id string, arm domain.Arm, lockedAt time.Time) (domain.Arm, error)
}
