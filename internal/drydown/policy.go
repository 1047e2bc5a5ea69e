package drydown

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// AcceptancePolicy gates fits before they are trusted downstream. Sparse or
// narrow-range events give numerically unstable fits even when R² is high.
type AcceptancePolicy struct {
	MinRSquared             float64 `yaml:"min_r_squared" json:"min_r_squared"`
	MinRangeFraction        float64 `yaml:"min_range_fraction" json:"min_range_fraction"`
	MinObservationFrequency float64 `yaml:"min_observation_frequency" json:"min_observation_frequency"`
	SmallQThreshold         float64 `yaml:"small_q_threshold" json:"small_q_threshold"`
	RejectSmallQ            bool    `yaml:"reject_small_q" json:"reject_small_q"`
}

// DefaultAcceptancePolicy returns the thresholds used for the published analysis.
// Small-q fits are flagged but not rejected.
func DefaultAcceptancePolicy() AcceptancePolicy {
	return AcceptancePolicy{
		MinRSquared:             0.7,
		MinRangeFraction:        0.3,
		MinObservationFrequency: 1.0 / 3.0,
		SmallQThreshold:         1e-3,
	}
}

// Verdict is the outcome of applying an AcceptancePolicy to one fit
type Verdict struct {
	Accepted             bool     `json:"accepted"`
	SmallQ               bool     `json:"small_q"`
	RangeFraction        float64  `json:"range_fraction"`
	ObservationFrequency float64  `json:"observation_frequency"`
	Reasons              []string `json:"reasons,omitempty"`
}

// Evaluate applies the policy to a fit of the event whose daily values are given
func (p AcceptancePolicy) Evaluate(values []float64, b Bounds, fit FittedModel) Verdict {
	v := Verdict{
		RangeFraction:        RangeFraction(values, b),
		ObservationFrequency: ObservationFrequency(values),
	}

	if r2 := fit.RSquared(); r2 < p.MinRSquared {
		v.Reasons = append(v.Reasons, fmt.Sprintf("r_squared %.3f below %.3f", r2, p.MinRSquared))
	}
	if !(v.RangeFraction > p.MinRangeFraction) {
		v.Reasons = append(v.Reasons, fmt.Sprintf("range fraction %.3f not above %.3f", v.RangeFraction, p.MinRangeFraction))
	}
	if !(v.ObservationFrequency > p.MinObservationFrequency) {
		v.Reasons = append(v.Reasons, fmt.Sprintf("observation frequency %.3f not above %.3f", v.ObservationFrequency, p.MinObservationFrequency))
	}

	if pl, ok := fit.(PowerLawFit); ok && pl.Model.Q <= p.SmallQThreshold {
		v.SmallQ = true
		if p.RejectSmallQ {
			v.Reasons = append(v.Reasons, fmt.Sprintf("q %.2e at or below %.2e", pl.Model.Q, p.SmallQThreshold))
		}
	}

	v.Accepted = len(v.Reasons) == 0
	return v
}

// RangeFraction is the share of the full θ* - θw range that an event spans
func RangeFraction(values []float64, b Bounds) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 0) || b.Range() <= 0 {
		return 0
	}
	return (hi - lo) / b.Range()
}

// ObservationFrequency is the number of valid observations per elapsed day
func ObservationFrequency(values []float64) float64 {
	valid := 0
	for _, v := range values {
		if !math.IsNaN(v) {
			valid++
		}
	}
	elapsed := len(values) - 1
	if elapsed < 1 {
		elapsed = 1
	}
	return float64(valid) / float64(elapsed)
}

// LossCurve is a power-law loss function sampled on a θ grid
type LossCurve struct {
	Fits          int       `json:"fits"`
	WiltingPoint  float64   `json:"wilting_point"`
	FieldCapacity float64   `json:"field_capacity"`
	KDenormalized float64   `json:"k_denormalized"`
	Q             float64   `json:"q"`
	Theta         []float64 `json:"theta"`
	Loss          []float64 `json:"loss"`
}

// MedianLossCurve takes the median bounds and parameters across power-law fits
// and samples the resulting loss function from θw to θ* in steps of step.
func MedianLossCurve(fits []PowerLawFit, step float64) (LossCurve, error) {
	if len(fits) == 0 {
		return LossCurve{}, fmt.Errorf("no power-law fits to summarise")
	}
	if !(step > 0) {
		return LossCurve{}, fmt.Errorf("step must be positive, got %v", step)
	}

	var wp, fc, k, q []float64
	for _, f := range fits {
		wp = append(wp, f.Bounds.WiltingPoint)
		fc = append(fc, f.Bounds.FieldCapacity)
		k = append(k, f.DenormalizedK())
		q = append(q, f.Model.Q)
	}

	c := LossCurve{
		Fits:          len(fits),
		WiltingPoint:  median(wp),
		FieldCapacity: median(fc),
		KDenormalized: median(k),
		Q:             median(q),
	}
	if c.FieldCapacity <= c.WiltingPoint {
		return LossCurve{}, fmt.Errorf("median field capacity %.4f not above median wilting point %.4f", c.FieldCapacity, c.WiltingPoint)
	}

	n := int(math.Ceil((c.FieldCapacity-c.WiltingPoint)/step - 1e-9))
	for i := 0; i < n; i++ {
		theta := c.WiltingPoint + float64(i)*step
		c.Theta = append(c.Theta, theta)
		c.Loss = append(c.Loss, LossModel(theta, c.Q, c.KDenormalized, c.WiltingPoint, c.FieldCapacity))
	}
	return c, nil
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return stat.Mean(sorted[n/2-1:n/2+1], nil)
}
