package drydown

import (
	"math"
	"testing"
)

func TestAcceptancePolicyEvaluate(t *testing.T) {
	nan := math.NaN()
	policy := DefaultAcceptancePolicy()

	tests := []struct {
		name         string
		policy       AcceptancePolicy
		values       []float64
		fit          FittedModel
		wantAccepted bool
		wantSmallQ   bool
	}{
		{
			name:         "accepted",
			policy:       policy,
			values:       []float64{0.40, 0.33, 0.28, 0.24},
			fit:          ExponentialFit{Bounds: testBounds, Statistics: Stats{RSquared: 0.95}},
			wantAccepted: true,
		},
		{
			name:   "low r squared",
			policy: policy,
			values: []float64{0.40, 0.33, 0.28, 0.24},
			fit:    ExponentialFit{Bounds: testBounds, Statistics: Stats{RSquared: 0.5}},
		},
		{
			name:   "narrow range",
			policy: policy,
			values: []float64{0.40, 0.39, 0.38, 0.37},
			fit:    ExponentialFit{Bounds: testBounds, Statistics: Stats{RSquared: 0.99}},
		},
		{
			name:   "sparse observations",
			policy: policy,
			values: []float64{0.40, nan, nan, nan, nan, nan, nan, 0.20},
			fit:    ExponentialFit{Bounds: testBounds, Statistics: Stats{RSquared: 0.99}},
		},
		{
			name:         "small q flagged but kept",
			policy:       policy,
			values:       []float64{0.40, 0.33, 0.28, 0.24},
			fit:          PowerLawFit{Model: PowerLaw{Q: 1e-3}, Bounds: testBounds, Statistics: Stats{RSquared: 0.95}},
			wantAccepted: true,
			wantSmallQ:   true,
		},
		{
			name: "small q rejected",
			policy: AcceptancePolicy{
				MinRSquared:             0.7,
				MinRangeFraction:        0.3,
				MinObservationFrequency: 1.0 / 3.0,
				SmallQThreshold:         1e-3,
				RejectSmallQ:            true,
			},
			values:     []float64{0.40, 0.33, 0.28, 0.24},
			fit:        PowerLawFit{Model: PowerLaw{Q: 1e-3}, Bounds: testBounds, Statistics: Stats{RSquared: 0.95}},
			wantSmallQ: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tt.policy.Evaluate(tt.values, testBounds, tt.fit)
			if v.Accepted != tt.wantAccepted {
				t.Errorf("expected accepted=%v, got %v (reasons %v)", tt.wantAccepted, v.Accepted, v.Reasons)
			}
			if v.SmallQ != tt.wantSmallQ {
				t.Errorf("expected small_q=%v, got %v", tt.wantSmallQ, v.SmallQ)
			}
			if !v.Accepted && len(v.Reasons) == 0 {
				t.Errorf("rejected verdict must carry a reason")
			}
		})
	}
}

func TestRangeFraction(t *testing.T) {
	got := RangeFraction([]float64{0.40, math.NaN(), 0.20}, testBounds)
	if math.Abs(got-0.5) > 1e-12 {
		t.Errorf("expected 0.5, got %v", got)
	}
	if RangeFraction([]float64{math.NaN()}, testBounds) != 0 {
		t.Errorf("all-missing event must have zero range")
	}
}

func TestObservationFrequency(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		values []float64
		want   float64
	}{
		{[]float64{0.3, 0.2}, 2},
		{[]float64{0.3, nan, nan, 0.2}, 2.0 / 3.0},
		{[]float64{0.3, nan, nan, nan, nan, nan, 0.2}, 2.0 / 6.0},
	}
	for _, tt := range tests {
		if got := ObservationFrequency(tt.values); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("ObservationFrequency(%v) = %v, expected %v", tt.values, got, tt.want)
		}
	}
}

func TestMedianLossCurve(t *testing.T) {
	fits := []PowerLawFit{
		{Model: PowerLaw{K: 0.1, Q: 1}, Bounds: Bounds{0.05, 0.45}},
		{Model: PowerLaw{K: 0.2, Q: 2}, Bounds: Bounds{0.05, 0.45}},
		{Model: PowerLaw{K: 0.3, Q: 3}, Bounds: Bounds{0.05, 0.45}},
	}

	c, err := MedianLossCurve(fits, 0.01)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Q != 2 || math.Abs(c.KDenormalized-0.08) > 1e-12 {
		t.Errorf("unexpected medians q=%v k=%v", c.Q, c.KDenormalized)
	}
	if len(c.Theta) != 40 || len(c.Loss) != 40 {
		t.Fatalf("expected 40 grid points, got %d", len(c.Theta))
	}
	if c.Loss[0] != 0 {
		t.Errorf("loss at the wilting point must be zero, got %v", c.Loss[0])
	}
	for i := 1; i < len(c.Loss); i++ {
		if c.Loss[i] < c.Loss[i-1] {
			t.Fatalf("loss must grow with theta, dropped at %d", i)
		}
	}

	if _, err := MedianLossCurve(nil, 0.01); err == nil {
		t.Errorf("expected error for no fits")
	}
}
