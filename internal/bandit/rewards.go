package bandit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/emiliopalmerini/mbandit/internal/domain"
)

// ErrNoObservations is returned when an interval is requested for an arm
// without views.
var ErrNoObservations = errors.New("arm has no observations")

// Rewards returns the empirical conversion rate of each arm.
// An arm without views has rate 0.
func Rewards(c domain.ArmCounters) [domain.NumArms]float64 {
	var r [domain.NumArms]float64
	for a := range r {
		r[a] = float64(c.Conversions[a]) / float64(max(c.Views[a], 1))
	}
	return r
}

// Interval is a two-sided confidence interval around a conversion rate.
type Interval struct {
	Estimate float64
	Low      float64
	High     float64
	// Level is the confidence level, 1 - significance level.
	Level float64
}

// Width returns High - Low.
func (i Interval) Width() float64 {
	return i.High - i.Low
}

// Contains reports whether v lies inside the closed interval.
func (i Interval) Contains(v float64) bool {
	return v >= i.Low && v <= i.High
}

// ConfidenceInterval computes the Wald normal-approximation interval for the
// conversion rate of arm.
func ConfidenceInterval(c domain.ArmCounters, arm domain.Arm, significanceLevel float64) (Interval, error) {
	if !arm.Valid() {
		return Interval{}, fmt.Errorf("%w: %d", domain.ErrInvalidArm, arm)
	}
	if significanceLevel <= 0 || significanceLevel >= 1 {
		return Interval{}, fmt.Errorf("%w: significance level %g", domain.ErrInvalidConfig, significanceLevel)
	}

	n := c.Views[arm]
	if n == 0 {
		return Interval{}, ErrNoObservations
	}

	p := float64(c.Conversions[arm]) / float64(n)
	z := distuv.UnitNormal.Quantile(1 - significanceLevel/2)
	margin := z * math.Sqrt(p*(1-p)/float64(n))

	return Interval{
		Estimate: p,
		Low:      p - margin,
		High:     p + margin,
		Level:    1 - significanceLevel,
	}, nil
}
