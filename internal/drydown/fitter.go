package drydown

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"github.com/chrissnell/drydown/internal/failure"
)

// FitOptions bounds the parameter search
type FitOptions struct {
	// MinPoints is the fewest valid observations a fit needs. A variant never
	// fits with fewer observations than it has parameters.
	MinPoints int `yaml:"min_points"`

	KMin float64 `yaml:"k_min"`
	KMax float64 `yaml:"k_max"`
	QMin float64 `yaml:"q_min"`
	QMax float64 `yaml:"q_max"`

	SigmoidKMin float64 `yaml:"sigmoid_k_min"`
	SigmoidKMax float64 `yaml:"sigmoid_k_max"`
	ETMaxMin    float64 `yaml:"et_max_min"`
	ETMaxMax    float64 `yaml:"et_max_max"`

	// MaxEvaluations caps objective evaluations per start
	MaxEvaluations int `yaml:"max_evaluations"`

	// SmallQThreshold flags power-law fits with q at or below it
	SmallQThreshold float64 `yaml:"small_q_threshold"`
}

// DefaultFitOptions returns the search bounds used for daily volumetric soil moisture
func DefaultFitOptions() FitOptions {
	return FitOptions{
		MinPoints:       2,
		KMin:            1e-4,
		KMax:            10,
		QMin:            1e-3,
		QMax:            10,
		SigmoidKMin:     1,
		SigmoidKMax:     500,
		ETMaxMin:        1e-4,
		ETMaxMax:        0.5,
		MaxEvaluations:  20000,
		SmallQThreshold: 1e-3,
	}
}

// Validate rejects search bounds that cannot describe a physical drydown
func (o FitOptions) Validate() error {
	pairs := []struct {
		name   string
		lo, hi float64
	}{
		{"k", o.KMin, o.KMax},
		{"q", o.QMin, o.QMax},
		{"sigmoid k", o.SigmoidKMin, o.SigmoidKMax},
		{"et_max", o.ETMaxMin, o.ETMaxMax},
	}
	for _, p := range pairs {
		if !(p.lo > 0) || !(p.hi > p.lo) {
			return fmt.Errorf("%s bounds must satisfy 0 < min < max (got [%v, %v])", p.name, p.lo, p.hi)
		}
	}
	if o.MinPoints < 1 {
		return fmt.Errorf("minimum points must be positive, got %d", o.MinPoints)
	}
	if o.MaxEvaluations < 1 {
		return fmt.Errorf("evaluation budget must be positive, got %d", o.MaxEvaluations)
	}
	return nil
}

// Fitter fits drydown models to events by bounded least squares. It holds no
// mutable state and may be shared between goroutines.
type Fitter struct {
	opts FitOptions
}

// NewFitter creates a new Fitter
func NewFitter(opts FitOptions) *Fitter {
	return &Fitter{opts: opts}
}

// Options returns the fitter's configuration
func (f *Fitter) Options() FitOptions {
	return f.opts
}

// Fit fits one variant to an event. values holds one observation per elapsed
// day starting at the event's first day, NaN where missing.
func (f *Fitter) Fit(variant Variant, values []float64, b Bounds) (FittedModel, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", variant, err, failure.ErrDegenerateStatistics)
	}

	var offsets, observed []float64
	for i, v := range values {
		if !math.IsNaN(v) {
			offsets = append(offsets, float64(i))
			observed = append(observed, v)
		}
	}
	missing := len(values) - len(observed)

	need := f.opts.MinPoints
	if variant.NumParams() > need {
		need = variant.NumParams()
	}
	if len(observed) < need {
		return nil, fmt.Errorf("%s: %d valid observations, need %d: %w", variant, len(observed), need, failure.ErrInsufficientData)
	}

	p, err := f.problem(variant, b, observed[0])
	if err != nil {
		return nil, err
	}

	x, err := f.minimize(p, offsets, observed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", variant, err)
	}

	predicted := p.predict(x, offsets)
	stats := goodness(observed, predicted, missing, len(x))

	switch variant {
	case VariantExponential:
		return ExponentialFit{
			Model:      Exponential{K: x[0], Theta0: x[1]},
			Bounds:     b,
			Statistics: stats,
		}, nil
	case VariantPowerLaw:
		return PowerLawFit{
			Model:      PowerLaw{K: x[0], Q: x[1], Theta0: x[2]},
			Bounds:     b,
			Statistics: stats,
			SmallQ:     x[1] <= f.opts.SmallQThreshold,
		}, nil
	default:
		return SigmoidFit{
			Model:      Sigmoid{K: x[0], Theta50: x[1], ETMax: x[2], Theta0: x[3]},
			Bounds:     b,
			Statistics: stats,
		}, nil
	}
}

// FitAll fits every requested variant to one event. Failures are per variant
// and never stop the remaining variants.
func (f *Fitter) FitAll(values []float64, b Bounds, variants []Variant) (map[Variant]FittedModel, map[Variant]error) {
	fits := make(map[Variant]FittedModel)
	errs := make(map[Variant]error)
	for _, v := range variants {
		fit, err := f.Fit(v, values, b)
		if err != nil {
			errs[v] = err
			continue
		}
		fits[v] = fit
	}
	return fits, errs
}

// param maps an unconstrained search coordinate onto [lo, hi] through a
// logistic, on a log scale when logScale is set.
type param struct {
	lo, hi   float64
	logScale bool
}

func (p param) decode(u float64) float64 {
	s := 1 / (1 + math.Exp(-u))
	if p.logScale {
		return math.Exp(math.Log(p.lo) + (math.Log(p.hi)-math.Log(p.lo))*s)
	}
	return p.lo + (p.hi-p.lo)*s
}

func (p param) encode(x float64) float64 {
	var s float64
	if p.logScale {
		s = (math.Log(x) - math.Log(p.lo)) / (math.Log(p.hi) - math.Log(p.lo))
	} else {
		s = (x - p.lo) / (p.hi - p.lo)
	}
	s = math.Max(1e-6, math.Min(1-1e-6, s))
	return math.Log(s / (1 - s))
}

// problem is one variant's search space
type problem struct {
	params  []param
	starts  [][]float64
	predict func(x, offsets []float64) []float64
}

func (p problem) decode(u []float64) []float64 {
	x := make([]float64, len(u))
	for i, pp := range p.params {
		x[i] = pp.decode(u[i])
	}
	return x
}

func (p problem) encode(x []float64) []float64 {
	u := make([]float64, len(x))
	for i, pp := range p.params {
		u[i] = pp.encode(x[i])
	}
	return u
}

func (f *Fitter) problem(variant Variant, b Bounds, first float64) (problem, error) {
	o := f.opts
	k := param{lo: o.KMin, hi: o.KMax, logScale: true}
	theta := param{lo: b.WiltingPoint, hi: b.FieldCapacity}
	theta0 := b.clamp(first)

	switch variant {
	case VariantExponential:
		p := problem{
			params: []param{k, theta},
			predict: func(x, offsets []float64) []float64 {
				m := Exponential{K: x[0], Theta0: x[1]}
				out := make([]float64, len(offsets))
				for i, t := range offsets {
					out[i] = m.Theta(t, b)
				}
				return out
			},
		}
		for _, k0 := range []float64{0.01, 0.1, 1} {
			p.starts = append(p.starts, []float64{k0, theta0})
		}
		return p, nil

	case VariantPowerLaw:
		p := problem{
			params: []param{k, {lo: o.QMin, hi: o.QMax, logScale: true}, theta},
			predict: func(x, offsets []float64) []float64 {
				m := PowerLaw{K: x[0], Q: x[1], Theta0: x[2]}
				out := make([]float64, len(offsets))
				for i, t := range offsets {
					out[i] = m.Theta(t, b)
				}
				return out
			},
		}
		for _, k0 := range []float64{0.05, 0.3, 1.5} {
			for _, q0 := range []float64{0.5, 1.5, 3} {
				p.starts = append(p.starts, []float64{k0, q0, theta0})
			}
		}
		return p, nil

	case VariantSigmoid:
		p := problem{
			params: []param{
				{lo: o.SigmoidKMin, hi: o.SigmoidKMax, logScale: true},
				theta,
				{lo: o.ETMaxMin, hi: o.ETMaxMax, logScale: true},
				theta,
			},
			predict: func(x, offsets []float64) []float64 {
				m := Sigmoid{K: x[0], Theta50: x[1], ETMax: x[2], Theta0: x[3]}
				return m.trajectory(offsets, b)
			},
		}
		mid := b.WiltingPoint + b.Range()/2
		for _, k0 := range []float64{10, 50} {
			for _, et0 := range []float64{0.005, 0.03} {
				p.starts = append(p.starts, []float64{k0, mid, et0, theta0})
			}
		}
		return p, nil

	default:
		return problem{}, fmt.Errorf("unknown model variant %q", variant)
	}
}

// minimize runs a multi-start Nelder-Mead search in the unconstrained space and
// polishes the best start with BFGS on a central-difference gradient.
func (f *Fitter) minimize(p problem, offsets, observed []float64) ([]float64, error) {
	objective := func(u []float64) float64 {
		pred := p.predict(p.decode(u), offsets)
		var sse float64
		for i, y := range observed {
			d := y - pred[i]
			sse += d * d
		}
		if math.IsNaN(sse) {
			return math.Inf(1)
		}
		return sse
	}

	settings := &optimize.Settings{
		FuncEvaluations: f.opts.MaxEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-16,
			Iterations: 200,
		},
	}

	var best *optimize.Result
	limited := 0
	for _, start := range p.starts {
		res, _ := optimize.Minimize(optimize.Problem{Func: objective}, p.encode(start), settings, &optimize.NelderMead{})
		if res == nil {
			continue
		}
		if res.Status == optimize.FunctionEvaluationLimit || res.Status == optimize.IterationLimit {
			limited++
		}
		if math.IsInf(res.F, 0) || math.IsNaN(res.F) {
			continue
		}
		if best == nil || res.F < best.F {
			best = res
		}
	}

	if best == nil {
		return nil, fmt.Errorf("no start produced a finite objective: %w", failure.ErrNonConvergence)
	}
	if limited == len(p.starts) {
		return nil, fmt.Errorf("every start exhausted its budget of %d evaluations: %w", f.opts.MaxEvaluations, failure.ErrNonConvergence)
	}

	polish := optimize.Problem{
		Func: objective,
		Grad: func(grad, u []float64) {
			fd.Gradient(grad, objective, u, &fd.Settings{Formula: fd.Central})
		},
	}
	res, _ := optimize.Minimize(polish, best.X, &optimize.Settings{FuncEvaluations: f.opts.MaxEvaluations}, &optimize.BFGS{})
	if res != nil && !math.IsNaN(res.F) && res.F < best.F {
		return p.decode(res.X), nil
	}
	return p.decode(best.X), nil
}
