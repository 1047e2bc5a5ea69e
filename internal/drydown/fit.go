package drydown

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Stats summarises how well a fitted curve matches the observations it was fitted to
type Stats struct {
	N        int     `json:"n"`
	Missing  int     `json:"missing"`
	SSE      float64 `json:"sse"`
	SST      float64 `json:"sst"`
	RSquared float64 `json:"r_squared"`
	RMSE     float64 `json:"rmse"`
	AIC      float64 `json:"aic"` // Akaike Information Criterion (lower is better)
	BIC      float64 `json:"bic"` // Bayesian Information Criterion (lower is better)
}

// FittedModel is the result of fitting one variant to one event
type FittedModel interface {
	Variant() Variant
	// Parameters returns the fitted parameters by name
	Parameters() map[string]float64
	SoilBounds() Bounds
	RSquared() float64
	Stats() Stats
	// Predict returns θ at t days after the event start
	Predict(t float64) float64
	// Loss returns -dθ/dt at soil moisture theta
	Loss(theta float64) float64
	// DenormalizedK returns the rate constant in volumetric units per day
	DenormalizedK() float64
	// ETMax returns the maximum loss rate scaled by the soil layer depth.
	// For depth in mm the result is mm/day.
	ETMax(depthMM float64) float64
}

// ExponentialFit is a fitted exponential model
type ExponentialFit struct {
	Model      Exponential `json:"model"`
	Bounds     Bounds      `json:"bounds"`
	Statistics Stats       `json:"stats"`
}

func (f ExponentialFit) Variant() Variant   { return VariantExponential }
func (f ExponentialFit) SoilBounds() Bounds { return f.Bounds }
func (f ExponentialFit) RSquared() float64  { return f.Statistics.RSquared }
func (f ExponentialFit) Stats() Stats       { return f.Statistics }

func (f ExponentialFit) Parameters() map[string]float64 {
	return map[string]float64{"k": f.Model.K, "theta0": f.Model.Theta0}
}

func (f ExponentialFit) Predict(t float64) float64  { return f.Model.Theta(t, f.Bounds) }
func (f ExponentialFit) Loss(theta float64) float64 { return f.Model.Loss(theta, f.Bounds) }

func (f ExponentialFit) DenormalizedK() float64 {
	return f.Model.K * f.Bounds.Range()
}

func (f ExponentialFit) ETMax(depthMM float64) float64 {
	return f.Loss(f.Bounds.FieldCapacity) * depthMM
}

// PowerLawFit is a fitted power-law model. SmallQ marks a degenerate exponent
// at or below the configured threshold; such fits are reported, not discarded.
type PowerLawFit struct {
	Model      PowerLaw `json:"model"`
	Bounds     Bounds   `json:"bounds"`
	Statistics Stats    `json:"stats"`
	SmallQ     bool     `json:"small_q"`
}

func (f PowerLawFit) Variant() Variant   { return VariantPowerLaw }
func (f PowerLawFit) SoilBounds() Bounds { return f.Bounds }
func (f PowerLawFit) RSquared() float64  { return f.Statistics.RSquared }
func (f PowerLawFit) Stats() Stats       { return f.Statistics }

func (f PowerLawFit) Parameters() map[string]float64 {
	return map[string]float64{"k": f.Model.K, "q": f.Model.Q, "theta0": f.Model.Theta0}
}

func (f PowerLawFit) Predict(t float64) float64  { return f.Model.Theta(t, f.Bounds) }
func (f PowerLawFit) Loss(theta float64) float64 { return f.Model.Loss(theta, f.Bounds) }

func (f PowerLawFit) DenormalizedK() float64 {
	return f.Model.K * f.Bounds.Range()
}

func (f PowerLawFit) ETMax(depthMM float64) float64 {
	return f.Loss(f.Bounds.FieldCapacity) * depthMM
}

// SigmoidFit is a fitted sigmoid model
type SigmoidFit struct {
	Model      Sigmoid `json:"model"`
	Bounds     Bounds  `json:"bounds"`
	Statistics Stats   `json:"stats"`
}

func (f SigmoidFit) Variant() Variant   { return VariantSigmoid }
func (f SigmoidFit) SoilBounds() Bounds { return f.Bounds }
func (f SigmoidFit) RSquared() float64  { return f.Statistics.RSquared }
func (f SigmoidFit) Stats() Stats       { return f.Statistics }

func (f SigmoidFit) Parameters() map[string]float64 {
	return map[string]float64{
		"k":       f.Model.K,
		"theta50": f.Model.Theta50,
		"et_max":  f.Model.ETMax,
		"theta0":  f.Model.Theta0,
	}
}

func (f SigmoidFit) Predict(t float64) float64  { return f.Model.Theta(t, f.Bounds) }
func (f SigmoidFit) Loss(theta float64) float64 { return f.Model.Loss(theta, f.Bounds) }

// DenormalizedK is the steepness K; the sigmoid rate already carries units through ETMax
func (f SigmoidFit) DenormalizedK() float64 {
	return f.Model.K
}

func (f SigmoidFit) ETMax(depthMM float64) float64 {
	return f.Loss(f.Bounds.FieldCapacity) * depthMM
}

// goodness computes fit statistics for predictions against the valid observations.
// k is the number of fitted parameters.
func goodness(observed, predicted []float64, missing, k int) Stats {
	s := Stats{N: len(observed), Missing: missing}
	if s.N == 0 {
		return s
	}

	meanY := stat.Mean(observed, nil)
	for i, y := range observed {
		s.SST += (y - meanY) * (y - meanY)
		s.SSE += (y - predicted[i]) * (y - predicted[i])
	}

	if s.SST > 0 {
		s.RSquared = 1 - s.SSE/s.SST
	}

	n := float64(s.N)
	s.RMSE = math.Sqrt(s.SSE / n)

	// AIC = 2k + n*ln(SSE/n), BIC = k*ln(n) + n*ln(SSE/n). An exact fit is
	// scored at the smallest representable SSE so both stay finite.
	sse := math.Max(s.SSE, math.SmallestNonzeroFloat64)
	s.AIC = 2*float64(k) + n*math.Log(sse/n)
	s.BIC = float64(k)*math.Log(n) + n*math.Log(sse/n)
	return s
}
