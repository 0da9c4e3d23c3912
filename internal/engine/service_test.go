package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emiliopalmerini/mbandit/internal/adapters/memory"
	"github.com/emiliopalmerini/mbandit/internal/bandit"
	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/ports"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type recordingMetrics struct {
	mu        sync.Mutex
	decisions []ports.DecisionEvent
	outcomes  []ports.OutcomeEvent
	locks     []ports.LockEvent
}

func (m *recordingMetrics) ExportDecision(_ context.Context, e *ports.DecisionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, *e)
	return nil
}

func (m *recordingMetrics) ExportOutcome(_ context.Context, e *ports.OutcomeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, *e)
	return nil
}

func (m *recordingMetrics) ExportLock(_ context.Context, e *ports.LockEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks = append(m.locks, *e)
	return nil
}

func (m *recordingMetrics) Close(context.Context) error { return nil }

type fixture struct {
	store   *memory.Store
	metrics *recordingMetrics
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	metrics := &recordingMetrics{}
	svc := NewService(store.Experiments(), store.Counters(), metrics, bandit.NewSeededSource(7), nil,
		WithClock(func() time.Time { return fixedNow }),
	)
	return &fixture{store: store, metrics: metrics, svc: svc}
}

func (f *fixture) create(t *testing.T, in NewExperiment) *domain.Experiment {
	t.Helper()
	exp, err := f.svc.CreateExperiment(context.Background(), in)
	require.NoError(t, err)
	return exp
}

// seed sets counters directly through the repository.
func (f *fixture) seed(t *testing.T, id string, views, conversions [2]int64) {
	t.Helper()
	ctx := context.Background()
	counters := f.store.Counters()
	for arm := range domain.NumArms {
		for range views[arm] {
			require.NoError(t, counters.IncrementViews(ctx, id, domain.Arm(arm)))
		}
		for range conversions[arm] {
			require.NoError(t, counters.IncrementConversions(ctx, id, domain.Arm(arm)))
		}
	}
}

func TestCreateExperiment_AppliesDefaults(t *testing.T) {
	f := newFixture(t)

	exp := f.create(t, NewExperiment{Flag: "new-checkout", Name: " checkout "})

	assert.NotEmpty(t, exp.ID)
	assert.Equal(t, "checkout", exp.Name)
	assert.Equal(t, domain.StrategyEpsilonGreedy, exp.Strategy)
	assert.Equal(t, domain.DefaultEpsilon, exp.Epsilon)
	assert.Equal(t, domain.DefaultExplorationC, exp.ExplorationC)
	assert.Equal(t, domain.DefaultSignificanceLevel, exp.SignificanceLevel)
	assert.Equal(t, int64(domain.DefaultMinViews), exp.MinViews)
	assert.Equal(t, domain.GatePerArm, exp.Gate)
	assert.False(t, exp.IsActive)
	assert.Equal(t, fixedNow, exp.CreatedAt)

	c, err := f.store.Counters().Snapshot(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ArmCounters{}, c)
}

func TestCreateExperiment_ExplicitZeroes(t *testing.T) {
	f := newFixture(t)
	zeroC, zeroViews := 0.0, int64(0)

	exp := f.create(t, NewExperiment{
		Flag:         "f",
		Name:         "n",
		Strategy:     domain.StrategyUCB1,
		ExplorationC: &zeroC,
		MinViews:     &zeroViews,
		Gate:         domain.GateTotal,
	})
	assert.Equal(t, 0.0, exp.ExplorationC)
	assert.Equal(t, int64(0), exp.MinViews)
	assert.Equal(t, domain.GateTotal, exp.Gate)
}

func TestCreateExperiment_Rejects(t *testing.T) {
	f := newFixture(t)
	f.create(t, NewExperiment{Flag: "f", Name: "taken"})

	tests := []struct {
		name string
		in   NewExperiment
		want error
	}{
		{"missing flag", NewExperiment{Name: "a"}, domain.ErrInvalidConfig},
		{"missing name", NewExperiment{Flag: "f"}, domain.ErrInvalidConfig},
		{"epsilon too large", NewExperiment{Flag: "f", Name: "b", Epsilon: ptr(1.5)}, domain.ErrInvalidConfig},
		{"explicit zero epsilon", NewExperiment{Flag: "f", Name: "b", Epsilon: ptr(0.0)}, domain.ErrInvalidConfig},
		{"bad level", NewExperiment{Flag: "f", Name: "c", SignificanceLevel: ptr(2.0)}, domain.ErrInvalidConfig},
		{"explicit zero level", NewExperiment{Flag: "f", Name: "c", SignificanceLevel: ptr(0.0)}, domain.ErrInvalidConfig},
		{"unknown strategy", NewExperiment{Flag: "f", Name: "d", Strategy: "softmax"}, domain.ErrInvalidConfig},
		{"unknown gate", NewExperiment{Flag: "f", Name: "e", Gate: "maybe"}, domain.ErrInvalidConfig},
		{"duplicate name", NewExperiment{Flag: "g", Name: "taken"}, domain.ErrDuplicateExperiment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateExperiment(context.Background(), tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestActivation_OnePerFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.create(t, NewExperiment{Flag: "checkout", Name: "first", Activate: true})
	assert.True(t, first.IsActive)

	second := f.create(t, NewExperiment{Flag: "checkout", Name: "second"})
	assert.ErrorIs(t, f.svc.Activate(ctx, second.ID), domain.ErrActiveExperimentExists)

	active, err := f.svc.ActiveForFlag(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	require.NoError(t, f.svc.Deactivate(ctx, first.ID))
	retired, err := f.svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, retired.IsActive)
	require.NotNil(t, retired.EndedAt)
	assert.Equal(t, fixedNow, *retired.EndedAt)

	_, err = f.svc.ActiveForFlag(ctx, "checkout")
	assert.ErrorIs(t, err, domain.ErrNoActiveExperiment)

	require.NoError(t, f.svc.Activate(ctx, second.ID))
	assert.ErrorIs(t, f.svc.Activate(ctx, "missing"), domain.ErrExperimentNotFound)
}

func TestDecideFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.DecideFlag(ctx, "checkout")
	assert.ErrorIs(t, err, domain.ErrNoActiveExperiment)

	exp := f.create(t, NewExperiment{Flag: "checkout", Name: "ucb", Strategy: domain.StrategyUCB1, Activate: true})
	f.seed(t, exp.ID, [2]int64{100, 100}, [2]int64{10, 50})

	d, err := f.svc.DecideFlag(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, exp.ID, d.ExperimentID)
	assert.Equal(t, domain.ArmTreatment, d.Arm)
	assert.True(t, d.Active())
	assert.Equal(t, bandit.PhaseExploring, d.Phase)

	require.Len(t, f.metrics.decisions, 1)
	assert.Equal(t, domain.StrategyUCB1, f.metrics.decisions[0].Strategy)
	assert.Equal(t, "exploring", f.metrics.decisions[0].Phase)
}

func TestDecide_IsReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exp := f.create(t, NewExperiment{Flag: "f", Name: "n"})
	f.seed(t, exp.ID, [2]int64{10, 10}, [2]int64{1, 2})

	for range 50 {
		_, err := f.svc.Decide(ctx, exp.ID)
		require.NoError(t, err)
	}

	c, err := f.store.Counters().Snapshot(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ArmCounters{Views: [2]int64{10, 10}, Conversions: [2]int64{1, 2}}, c)

	_, err = f.svc.Decide(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrExperimentNotFound)
}

func TestRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.create(t, NewExperiment{Flag: "f", Name: "n"})

	assert.ErrorIs(t, f.svc.RecordConversion(ctx, exp.ID, domain.ArmControl), domain.ErrConversionExceedsViews)
	require.NoError(t, f.svc.RecordView(ctx, exp.ID, domain.ArmControl))
	require.NoError(t, f.svc.RecordConversion(ctx, exp.ID, domain.ArmControl))

	assert.ErrorIs(t, f.svc.RecordView(ctx, exp.ID, domain.Arm(3)), domain.ErrInvalidArm)
	assert.ErrorIs(t, f.svc.RecordView(ctx, "missing", domain.ArmControl), domain.ErrExperimentNotFound)

	require.Len(t, f.metrics.outcomes, 2)
	assert.Equal(t, ports.OutcomeView, f.metrics.outcomes[0].Kind)
	assert.Equal(t, ports.OutcomeConversion, f.metrics.outcomes[1].Kind)
	assert.Equal(t, "f", f.metrics.outcomes[1].Flag)
}

func TestMaybeFinalize(t *testing.T) {
	t.Run("below gate returns no winner", func(t *testing.T) {
		f := newFixture(t)
		exp := f.create(t, NewExperiment{Flag: "f", Name: "n"})
		f.seed(t, exp.ID, [2]int64{50, 50}, [2]int64{10, 40})

		arm, err := f.svc.MaybeFinalize(context.Background(), exp.ID)
		require.NoError(t, err)
		assert.Nil(t, arm)
	})

	t.Run("significant treatment locks", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		exp := f.create(t, NewExperiment{Flag: "f", Name: "n"})
		f.seed(t, exp.ID, [2]int64{120, 120}, [2]int64{50, 100})

		arm, err := f.svc.MaybeFinalize(ctx, exp.ID)
		require.NoError(t, err)
		require.NotNil(t, arm)
		assert.Equal(t, domain.ArmTreatment, *arm)

		stored, err := f.svc.Get(ctx, exp.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.WinningArm)
		assert.Equal(t, domain.ArmTreatment, *stored.WinningArm)
		assert.Equal(t, fixedNow, *stored.LockedAt)

		require.Len(t, f.metrics.locks, 1)
		assert.Less(t, f.metrics.locks[0].PValue, 0.05)
		assert.Equal(t, int64(240), f.metrics.locks[0].TotalViews)
	})

	t.Run("idempotent", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		exp := f.create(t, NewExperiment{Flag: "f", Name: "n"})
		f.seed(t, exp.ID, [2]int64{120, 120}, [2]int64{50, 100})

		first, err := f.svc.MaybeFinalize(ctx, exp.ID)
		require.NoError(t, err)

		// Later data favoring control must not move the winner.
		f.seed(t, exp.ID, [2]int64{500, 0}, [2]int64{500, 0})

		second, err := f.svc.MaybeFinalize(ctx, exp.ID)
		require.NoError(t, err)
		assert.Equal(t, *first, *second)
		assert.Len(t, f.metrics.locks, 1, "a locked experiment is not re-written")
	})

	t.Run("locked experiments always serve the winner", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		exp := f.create(t, NewExperiment{Flag: "f", Name: "n", Epsilon: ptr(0.9)})
		f.seed(t, exp.ID, [2]int64{120, 120}, [2]int64{50, 100})
		_, err := f.svc.MaybeFinalize(ctx, exp.ID)
		require.NoError(t, err)

		for range 200 {
			arm, err := f.svc.Decide(ctx, exp.ID)
			require.NoError(t, err)
			require.Equal(t, domain.ArmTreatment, arm)
		}
	})

	t.Run("not found", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.MaybeFinalize(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrExperimentNotFound)
	})
}

// staleReads hides the stored winner to simulate a writer that read the
// experiment before another writer locked it.
type staleReads struct {
	ports.ExperimentRepository
}

func (s staleReads) GetByID(ctx context.Context, id string) (*domain.Experiment, error) {
	e, err := s.ExperimentRepository.GetByID(ctx, id)
	if e != nil {
		e.WinningArm = nil
	}
	return e, err
}

func TestMaybeFinalize_ConflictingWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.create(t, NewExperiment{Flag: "f", Name: "n"})
	f.seed(t, exp.ID, [2]int64{120, 120}, [2]int64{50, 100})

	_, err := f.store.Experiments().SetWinningArm(ctx, exp.ID, domain.ArmControl, fixedNow)
	require.NoError(t, err)

	svc := NewService(staleReads{f.store.Experiments()}, f.store.Counters(), nil, nil, nil)
	arm, err := svc.MaybeFinalize(ctx, exp.ID)
	assert.ErrorIs(t, err, domain.ErrWinnerConflict)
	assert.Nil(t, arm)
}

func TestMaybeFinalize_ConcurrentDeclarationsAgree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.create(t, NewExperiment{Flag: "f", Name: "n"})
	f.seed(t, exp.ID, [2]int64{120, 120}, [2]int64{50, 100})

	svc := NewService(staleReads{f.store.Experiments()}, f.store.Counters(), nil, nil, nil)

	var wg sync.WaitGroup
	results := make(chan *domain.Arm, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			arm, err := svc.MaybeFinalize(ctx, exp.ID)
			assert.NoError(t, err)
			results <- arm
		}()
	}
	wg.Wait()
	close(results)

	for arm := range results {
		require.NotNil(t, arm)
		assert.Equal(t, domain.ArmTreatment, *arm)
	}
}

func TestRecordConversion_LocksWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.create(t, NewExperiment{Flag: "f", Name: "n", Strategy: domain.StrategyUCB1})
	f.seed(t, exp.ID, [2]int64{120, 120}, [2]int64{})

	for i := range 100 {
		require.NoError(t, f.svc.RecordConversion(ctx, exp.ID, domain.ArmTreatment))
		if i < 50 {
			require.NoError(t, f.svc.RecordConversion(ctx, exp.ID, domain.ArmControl))
		}
	}

	stored, err := f.svc.Get(ctx, exp.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.WinningArm, "treatment should have locked")
	assert.Equal(t, domain.ArmTreatment, *stored.WinningArm)
	assert.Len(t, f.metrics.locks, 1)
}

func TestConcurrentRecordsAreNotLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.create(t, NewExperiment{Flag: "f", Name: "n"})

	var wg sync.WaitGroup
	for i := range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.svc.RecordView(ctx, exp.ID, domain.Arm(i%2)))
		}()
	}
	wg.Wait()

	c, err := f.store.Counters().Snapshot(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, [2]int64{100, 100}, c.Views)
}

func TestResolveAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.create(t, NewExperiment{Flag: "f", Name: "by-name"})

	byID, err := f.svc.Resolve(ctx, exp.ID)
	require.NoError(t, err)
	byName, err := f.svc.Resolve(ctx, "by-name")
	require.NoError(t, err)
	assert.Equal(t, byID.ID, byName.ID)

	require.NoError(t, f.svc.Delete(ctx, exp.ID))
	_, err = f.svc.Resolve(ctx, "by-name")
	assert.ErrorIs(t, err, domain.ErrExperimentNotFound)

	list, err := f.svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func ptr[T any](v T) *T { return &v }
