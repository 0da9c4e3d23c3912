package domain

// ExperimentStats pairs an experiment with its current counter snapshot.
type ExperimentStats struct {
	ExperimentID   string
	ExperimentName string
	Flag           string
	Counters       ArmCounters
}

// LiftMetrics compares treatment against control.
type LiftMetrics struct {
	ControlRate    float64
	TreatmentRate  float64
	AbsoluteLift   float64
	RelativeLift   float64
	TreatmentShare float64
}

// ComputeLift derives comparison metrics from a counter snapshot.
// All divisions are zero-safe: returns 0 when the divisor is zero.
func (c ArmCounters) ComputeLift() LiftMetrics {
	var m LiftMetrics

	if c.Views[ArmControl] > 0 {
		m.ControlRate = float64(c.Conversions[ArmControl]) / float64(c.Views[ArmControl])
	}
	if c.Views[ArmTreatment] > 0 {
		m.TreatmentRate = float64(c.Conversions[ArmTreatment]) / float64(c.Views[ArmTreatment])
	}

	m.AbsoluteLift = m.TreatmentRate - m.ControlRate
	if m.ControlRate > 0 {
		m.RelativeLift = m.AbsoluteLift / m.ControlRate
	}

	if total := c.TotalViews(); total > 0 {
		m.TreatmentShare = float64(c.Views[ArmTreatment]) / float64(total)
	}

	return m
}
