package bandit

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/emiliopalmerini/mbandit/internal/domain"
)

// ErrInsufficientSamples is returned by StudentTTest when a sample has fewer
// than two observations.
var ErrInsufficientSamples = errors.New("insufficient samples for t-test")

// SignificanceConfig holds the knobs of the winner test.
type SignificanceConfig struct {
	Level    float64
	MinViews int64
	Gate     domain.GateMode
}

// SignificanceConfigFor reads the test settings of an experiment.
func SignificanceConfigFor(e *domain.Experiment) SignificanceConfig {
	return SignificanceConfig{
		Level:    e.SignificanceLevel,
		MinViews: e.MinViews,
		Gate:     e.Gate,
	}
}

// SampleSizeReached reports whether the counters pass the MinViews gate.
// The per-arm boundary is inclusive, the total one is strict.
func (cfg SignificanceConfig) SampleSizeReached(c domain.ArmCounters) bool {
	if cfg.Gate == domain.GateTotal {
		return c.TotalViews() > cfg.MinViews
	}
	return c.Views[domain.ArmControl] >= cfg.MinViews && c.Views[domain.ArmTreatment] >= cfg.MinViews
}

// Evaluation is the outcome of one winner test.
type Evaluation struct {
	// Decidable is false while the sample size gate has not been reached.
	Decidable bool

	Means            [domain.NumArms]float64
	TStatistic       float64
	DegreesOfFreedom float64
	// PValue is 1 when the evaluation is not decidable.
	PValue float64

	// Winner is set only when PValue is below the significance level.
	Winner *domain.Arm
}

// Evaluate runs a two-sample t-test on the Bernoulli outcomes of both arms.
// Insufficient data yields a non-decidable evaluation, never an error.
func Evaluate(c domain.ArmCounters, cfg SignificanceConfig) Evaluation {
	eval := Evaluation{
		Means:  Rewards(c),
		PValue: 1,
	}
	if !cfg.SampleSizeReached(c) {
		return eval
	}

	res, err := BernoulliTTest(
		c.Conversions[domain.ArmControl], c.Views[domain.ArmControl],
		c.Conversions[domain.ArmTreatment], c.Views[domain.ArmTreatment],
	)
	if err != nil {
		return eval
	}

	eval.Decidable = true
	eval.Means = res.Means
	eval.TStatistic = res.TStatistic
	eval.DegreesOfFreedom = res.DegreesOfFreedom
	eval.PValue = res.PValue

	if res.PValue < cfg.Level {
		// Equal means give p = 1, so control only wins ties in theory.
		winner := domain.ArmControl
		if res.Means[domain.ArmTreatment] > res.Means[domain.ArmControl] {
			winner = domain.ArmTreatment
		}
		eval.Winner = &winner
	}
	return eval
}

// TTestResult holds the outcome of a two-sample t-test.
type TTestResult struct {
	Means            [2]float64
	TStatistic       float64
	DegreesOfFreedom float64
	// PValue is two-sided.
	PValue float64
}

// StudentTTest runs an unpaired two-sample t-test with pooled variance.
func StudentTTest(a, b []float64) (TTestResult, error) {
	if len(a) < 2 || len(b) < 2 {
		return TTestResult{}, ErrInsufficientSamples
	}

	meanA, varA := stat.MeanVariance(a, nil)
	meanB, varB := stat.MeanVariance(b, nil)
	return pooledTTest(meanA, varA, float64(len(a)), meanB, varB, float64(len(b))), nil
}

// BernoulliTTest is StudentTTest over two samples of successes ones and
// trials-successes zeros. The samples are weighted, never materialized.
func BernoulliTTest(successesA, trialsA, successesB, trialsB int64) (TTestResult, error) {
	if trialsA < 2 || trialsB < 2 {
		return TTestResult{}, ErrInsufficientSamples
	}

	meanA, varA := bernoulliMoments(successesA, trialsA)
	meanB, varB := bernoulliMoments(successesB, trialsB)
	return pooledTTest(meanA, varA, float64(trialsA), meanB, varB, float64(trialsB)), nil
}

func bernoulliMoments(successes, trials int64) (mean, variance float64) {
	successes = min(max(successes, 0), trials)
	return stat.MeanVariance(
		[]float64{1, 0},
		[]float64{float64(successes), float64(trials - successes)},
	)
}

// pooledTTest gives p = 1 for equal means and p = 0 otherwise when the
// standard error is zero.
func pooledTTest(meanA, varA, nA, meanB, varB, nB float64) TTestResult {
	df := nA + nB - 2
	res := TTestResult{
		Means:            [2]float64{meanA, meanB},
		DegreesOfFreedom: df,
	}

	pooled := ((nA-1)*varA + (nB-1)*varB) / df
	se := math.Sqrt(pooled * (1/nA + 1/nB))
	if se == 0 {
		if meanA == meanB {
			res.PValue = 1
		} else {
			res.TStatistic = math.Copysign(math.Inf(1), meanB-meanA)
			res.PValue = 0
		}
		return res
	}

	res.TStatistic = (meanB - meanA) / se
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	res.PValue = math.Min(1, 2*dist.Survival(math.Abs(res.TStatistic)))
	return res
}
