package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emiliopalmerini/mbandit/internal/bandit"
	"github.com/emiliopalmerini/mbandit/internal/domain"
)

func TestSummarize_Fresh(t *testing.T) {
	f := newFixture(t)
	exp := f.create(t, NewExperiment{Flag: "f", Name: "n"})

	sum, err := f.svc.Summarize(context.Background(), exp.ID)
	require.NoError(t, err)

	assert.Equal(t, exp.ID, sum.Experiment.ID)
	assert.Nil(t, sum.Intervals[domain.ArmControl])
	assert.Nil(t, sum.Intervals[domain.ArmTreatment])
	assert.False(t, sum.Evaluation.Decidable)
	assert.Equal(t, bandit.PhaseExploring, sum.Phase)
	assert.InDelta(t, 0.5, sum.ActivationProbability, 1e-12)
}

func TestSummarize_WithData(t *testing.T) {
	f := newFixture(t)
	exp := f.create(t, NewExperiment{Flag: "f", Name: "n"})
	f.seed(t, exp.ID, [2]int64{100, 100}, [2]int64{50, 70})

	sum, err := f.svc.Summarize(context.Background(), exp.ID)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, sum.Rates[domain.ArmControl], 1e-12)
	assert.InDelta(t, 0.7, sum.Rates[domain.ArmTreatment], 1e-12)
	require.NotNil(t, sum.Intervals[domain.ArmControl])
	assert.True(t, sum.Intervals[domain.ArmControl].Contains(0.5))
	assert.InDelta(t, 0.2, sum.Lift.AbsoluteLift, 1e-12)
	assert.True(t, sum.Evaluation.Decidable)
	assert.InDelta(t, 0.95, sum.ActivationProbability, 1e-12)
}

func TestSummarize_Locked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.create(t, NewExperiment{Flag: "f", Name: "n"})
	f.seed(t, exp.ID, [2]int64{120, 120}, [2]int64{100, 50})
	_, err := f.svc.MaybeFinalize(ctx, exp.ID)
	require.NoError(t, err)

	sum, err := f.svc.Summarize(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, bandit.PhaseLocked, sum.Phase)
	assert.Equal(t, 0.0, sum.ActivationProbability)
}

func TestSummarize_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Summarize(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrExperimentNotFound)
}
