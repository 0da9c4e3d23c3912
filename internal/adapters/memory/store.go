// Package memory provides in-process repositories with the same invariants
// as the libsql adapter. Used by tests and the simulate command.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emiliopalmerini/mbandit/internal/domain"
)

// Store holds experiments and counters behind one mutex.
type Store struct {
	mu          sync.Mutex
	experiments map[string]*domain.Experiment
	counters    map[string]*domain.ArmCounters
}

func NewStore() *Store {
	return &Store{
		experiments: map[string]*domain.Experiment{},
		counters:    map[string]*domain.ArmCounters{},
	}
}

// Experiments returns the experiment repository view of the store.
func (s *Store) Experiments() *ExperimentRepository {
	return &ExperimentRepository{s: s}
}

// Counters returns the counter repository view of the store.
func (s *Store) Counters() *CounterRepository {
	return &CounterRepository{s: s}
}

func cloneExperiment(e *domain.Experiment) *domain.Experiment {
	c := *e
	if e.Description != nil {
		d := *e.Description
		c.Description = &d
	}
	if e.WinningArm != nil {
		c.WinningArm = domain.ArmPtr(*e.WinningArm)
	}
	if e.LockedAt != nil {
		t := *e.LockedAt
		c.LockedAt = &t
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		c.EndedAt = &t
	}
	return &c
}

type ExperimentRepository struct {
	s *Store
}

func (r *ExperimentRepository) Create(_ context.Context, experiment *domain.Experiment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.experiments[experiment.ID]; ok {
		return fmt.Errorf("experiment id %s already exists", experiment.ID)
	}
	for _, e := range r.s.experiments {
		if e.Name == experiment.Name {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateExperiment, experiment.Name)
		}
		if experiment.IsActive && e.IsActive && e.Flag == experiment.Flag {
			return fmt.Errorf("%w: %s", domain.ErrActiveExperimentExists, experiment.Flag)
		}
	}

	r.s.experiments[experiment.ID] = cloneExperiment(experiment)
	r.s.counters[experiment.ID] = &domain.ArmCounters{}
	return nil
}

func (r *ExperimentRepository) GetByID(_ context.Context, id string) (*domain.Experiment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if e, ok := r.s.experiments[id]; ok {
		return cloneExperiment(e), nil
	}
	return nil, nil
}

func (r *ExperimentRepository) GetByName(_ context.Context, name string) (*domain.Experiment, error) {
	return r.find(func(e *domain.Experiment) bool { return e.Name == name }), nil
}

func (r *ExperimentRepository) GetActiveByFlag(_ context.Context, flag string) (*domain.Experiment, error) {
	return r.find(func(e *domain.Experiment) bool { return e.IsActive && e.Flag == flag }), nil
}

func (r *ExperimentRepository) find(match func(*domain.Experiment) bool) *domain.Experiment {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, e := range r.s.experiments {
		if match(e) {
			return cloneExperiment(e)
		}
	}
	return nil
}

func (r *ExperimentRepository) List(_ context.Context) ([]*domain.Experiment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*domain.Experiment, 0, len(r.s.experiments))
	for _, e := range r.s.experiments {
		out = append(out, cloneExperiment(e))
	}
	sortExperiments(out)
	return out, nil
}

func sortExperiments(es []*domain.Experiment) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].CreatedAt.After(es[j].CreatedAt)
		}
		return es[i].Name < es[j].Name
	})
}

func (r *ExperimentRepository) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.experiments[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, id)
	}
	delete(r.s.experiments, id)
	delete(r.s.counters, id)
	return nil
}

func (r *ExperimentRepository) Activate(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.experiments[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, id)
	}
	for otherID, other := range r.s.experiments {
		if otherID != id && other.IsActive && other.Flag == e.Flag {
			return fmt.Errorf("%w: experiment %s", domain.ErrActiveExperimentExists, id)
		}
	}
	e.IsActive = true
	e.EndedAt = nil
	return nil
}

func (r *ExperimentRepository) Deactivate(_ context.Context, id string, endedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.experiments[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, id)
	}
	if e.IsActive {
		e.IsActive = false
		e.EndedAt = &endedAt
	}
	return nil
}

func (r *ExperimentRepository) SetWinningArm(_ context.Context, id string, arm domain.Arm, lockedAt time.Time) (domain.Arm, error) {
	if !arm.Valid() {
		return arm, fmt.Errorf("%w: %d", domain.ErrInvalidArm, arm)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.experiments[id]
	if !ok {
		return arm, fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, id)
	}
	if e.WinningArm == nil {
		e.WinningArm = domain.ArmPtr(arm)
		e.LockedAt = &lockedAt
		return arm, nil
	}
	if *e.WinningArm != arm {
		return *e.WinningArm, fmt.Errorf("%w: stored %s, proposed %s", domain.ErrWinnerConflict, *e.WinningArm, arm)
	}
	return arm, nil
}

type CounterRepository struct {
	s *Store
}

func (r *CounterRepository) Snapshot(_ context.Context, experimentID string) (domain.ArmCounters, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.counters[experimentID]
	if !ok {
		return domain.ArmCounters{}, fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, experimentID)
	}
	return *c, nil
}

func (r *CounterRepository) IncrementViews(_ context.Context, experimentID string, arm domain.Arm) error {
	return r.update(experimentID, arm, func(c *domain.ArmCounters) error {
		c.Views[arm]++
		return nil
	})
}

func (r *CounterRepository) IncrementConversions(_ context.Context, experimentID string, arm domain.Arm) error {
	return r.update(experimentID, arm, func(c *domain.ArmCounters) error {
		if c.Conversions[arm] >= c.Views[arm] {
			return fmt.Errorf("%w: experiment %s arm %s", domain.ErrConversionExceedsViews, experimentID, arm)
		}
		c.Conversions[arm]++
		return nil
	})
}

func (r *CounterRepository) update(experimentID string, arm domain.Arm, fn func(*domain.ArmCounters) error) error {
	if !arm.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrInvalidArm, arm)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.counters[experimentID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, experimentID)
	}
	return fn(c)
}

func (r *CounterRepository) ListStats(_ context.Context) ([]domain.ExperimentStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	es := make([]*domain.Experiment, 0, len(r.s.experiments))
	for _, e := range r.s.experiments {
		es = append(es, e)
	}
	sortExperiments(es)

	stats := make([]domain.ExperimentStats, 0, len(es))
	for _, e := range es {
		stats = append(stats, domain.ExperimentStats{
			ExperimentID:   e.ID,
			ExperimentName: e.Name,
			Flag:           e.Flag,
			Counters:       *r.s.counters[e.ID],
		})
	}
	return stats, nil
}
