// Package drydown models soil-moisture decay between rain events and fits those
// models to observed drydowns.
//
// Three loss formulations are supported. Each maps soil moisture θ to a loss
// rate L(θ) = -dθ/dt and is bounded below by the wilting point θw and above by
// the moisture ceiling θ*:
//
//	exponential  L = k (θ - θw)
//	power law    L = k Δθ n^q, n = (θ - θw)/Δθ
//	sigmoid      L = ETmax / (1 + exp(-k (θ - θ50)))
//
// The power law reduces to the exponential form at q = 1.
package drydown

import (
	"fmt"
	"math"
)

// Variant identifies a model family
type Variant string

const (
	VariantExponential Variant = "exponential"
	VariantPowerLaw    Variant = "powerlaw"
	VariantSigmoid     Variant = "sigmoid"
)

// Variants lists every supported variant in reporting order
var Variants = []Variant{VariantExponential, VariantPowerLaw, VariantSigmoid}

// ParseVariant validates a variant name
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(s); v {
	case VariantExponential, VariantPowerLaw, VariantSigmoid:
		return v, nil
	default:
		return "", fmt.Errorf("unknown model variant %q", s)
	}
}

// NumParams returns the number of free parameters the fitter estimates
func (v Variant) NumParams() int {
	switch v {
	case VariantExponential:
		return 2
	case VariantPowerLaw:
		return 3
	case VariantSigmoid:
		return 4
	default:
		return 0
	}
}

// Bounds are the fixed soil-moisture limits a model is fitted within
type Bounds struct {
	WiltingPoint  float64 `json:"wilting_point"`
	FieldCapacity float64 `json:"field_capacity"`
}

// Range returns Δθ = θ* - θw
func (b Bounds) Range() float64 {
	return b.FieldCapacity - b.WiltingPoint
}

// Validate requires finite bounds with field capacity above wilting point
func (b Bounds) Validate() error {
	if math.IsNaN(b.WiltingPoint) || math.IsNaN(b.FieldCapacity) ||
		math.IsInf(b.WiltingPoint, 0) || math.IsInf(b.FieldCapacity, 0) {
		return fmt.Errorf("bounds must be finite (wp=%v fc=%v)", b.WiltingPoint, b.FieldCapacity)
	}
	if b.FieldCapacity <= b.WiltingPoint {
		return fmt.Errorf("field capacity %.4f must exceed wilting point %.4f", b.FieldCapacity, b.WiltingPoint)
	}
	return nil
}

// clamp limits theta to [θw, θ*]
func (b Bounds) clamp(theta float64) float64 {
	return math.Max(b.WiltingPoint, math.Min(b.FieldCapacity, theta))
}

// deficit returns the normalised moisture n = (θ - θw)/Δθ, floored at zero
func (b Bounds) deficit(theta float64) float64 {
	n := (theta - b.WiltingPoint) / b.Range()
	if n < 0 {
		return 0
	}
	return n
}

// Exponential is the linear-loss model
type Exponential struct {
	K      float64 `json:"k"`
	Theta0 float64 `json:"theta0"`
}

// Theta returns the predicted soil moisture t days into the drydown
func (m Exponential) Theta(t float64, b Bounds) float64 {
	t = math.Max(t, 0)
	theta0 := b.clamp(m.Theta0)
	return b.WiltingPoint + (theta0-b.WiltingPoint)*math.Exp(-m.K*t)
}

// Loss returns -dθ/dt at soil moisture theta
func (m Exponential) Loss(theta float64, b Bounds) float64 {
	return m.K * math.Max(b.clamp(theta)-b.WiltingPoint, 0)
}

// PowerLaw is the nonlinear-loss model with exponent Q
type PowerLaw struct {
	K      float64 `json:"k"`
	Q      float64 `json:"q"`
	Theta0 float64 `json:"theta0"`
}

// exponentialQ is how close Q must be to 1 for the closed form to switch to
// the exponential solution
const exponentialQ = 1e-12

// Theta returns the predicted soil moisture t days into the drydown
func (m PowerLaw) Theta(t float64, b Bounds) float64 {
	t = math.Max(t, 0)
	n0 := b.deficit(b.clamp(m.Theta0))
	if n0 == 0 {
		return b.WiltingPoint
	}

	oneMinusQ := 1 - m.Q
	if math.Abs(oneMinusQ) < exponentialQ {
		return b.WiltingPoint + b.Range()*n0*math.Exp(-m.K*t)
	}

	base := math.Pow(n0, oneMinusQ) - oneMinusQ*m.K*t
	if base <= 0 {
		// q < 1 reaches the wilting point in finite time
		return b.WiltingPoint
	}
	n := math.Pow(base, 1/oneMinusQ)
	return b.WiltingPoint + b.Range()*math.Min(n, n0)
}

// Loss returns -dθ/dt at soil moisture theta
func (m PowerLaw) Loss(theta float64, b Bounds) float64 {
	return m.K * b.Range() * math.Pow(b.deficit(b.clamp(theta)), m.Q)
}

// Sigmoid is the logistic-loss model. ETMax is the asymptotic loss rate in
// volumetric units per day.
type Sigmoid struct {
	K       float64 `json:"k"`
	Theta50 float64 `json:"theta50"`
	ETMax   float64 `json:"et_max"`
	Theta0  float64 `json:"theta0"`
}

// sigmoidStep is the RK4 integration step in days
const sigmoidStep = 0.05

// Loss returns -dθ/dt at soil moisture theta
func (m Sigmoid) Loss(theta float64, b Bounds) float64 {
	if theta <= b.WiltingPoint {
		return 0
	}
	return m.ETMax / (1 + math.Exp(-m.K*(b.clamp(theta)-m.Theta50)))
}

// Theta returns the predicted soil moisture t days into the drydown
func (m Sigmoid) Theta(t float64, b Bounds) float64 {
	return m.trajectory([]float64{t}, b)[0]
}

// trajectory integrates dθ/dt = -L(θ) once and samples it at ascending offsets
func (m Sigmoid) trajectory(offsets []float64, b Bounds) []float64 {
	out := make([]float64, len(offsets))
	theta := b.clamp(m.Theta0)
	now := 0.0

	f := func(x float64) float64 { return -m.Loss(x, b) }
	for i, target := range offsets {
		for target-now > 1e-9 {
			h := math.Min(sigmoidStep, target-now)
			k1 := f(theta)
			k2 := f(theta + h/2*k1)
			k3 := f(theta + h/2*k2)
			k4 := f(theta + h*k3)
			theta += h / 6 * (k1 + 2*k2 + 2*k3 + k4)
			if theta < b.WiltingPoint {
				theta = b.WiltingPoint
			}
			now += h
		}
		out[i] = theta
	}
	return out
}

// LossModel evaluates the power-law loss with an already denormalised rate
// constant, the form used to draw loss-function curves.
func LossModel(theta, q, kDenormalized, wiltingPoint, fieldCapacity float64) float64 {
	b := Bounds{WiltingPoint: wiltingPoint, FieldCapacity: fieldCapacity}
	if b.Validate() != nil {
		return math.NaN()
	}
	return kDenormalized * math.Pow(b.deficit(b.clamp(theta)), q)
}
