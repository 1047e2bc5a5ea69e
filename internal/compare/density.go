package compare

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/chrissnell/drydown/internal/failure"
)

// DensityOptions configures the kernel-density estimate of wilting point and
// field capacity
type DensityOptions struct {
	// Bandwidth grid searched by cross-validation, log spaced
	MinBandwidth float64 `yaml:"min_bandwidth"`
	MaxBandwidth float64 `yaml:"max_bandwidth"`
	Bandwidths   int     `yaml:"bandwidths"`

	// Folds is the number of cross-validation folds
	Folds int `yaml:"folds"`

	// WidenFactor multiplies the selected bandwidth to merge close modes
	WidenFactor float64 `yaml:"widen_factor"`

	// GridPoints is the resolution of the density curve searched for peaks
	GridPoints int `yaml:"grid_points"`

	// MinPeakFraction ignores local maxima lower than this share of the tallest
	MinPeakFraction float64 `yaml:"min_peak_fraction"`

	MinSamples int `yaml:"min_samples"`
}

// DefaultDensityOptions returns a 1.5x widening over a 0.002-0.2 bandwidth grid
func DefaultDensityOptions() DensityOptions {
	return DensityOptions{
		MinBandwidth:    0.002,
		MaxBandwidth:    0.2,
		Bandwidths:      40,
		Folds:           5,
		WidenFactor:     1.5,
		GridPoints:      1000,
		MinPeakFraction: 0.05,
		MinSamples:      10,
	}
}

// Validate rejects unusable density settings
func (o DensityOptions) Validate() error {
	switch {
	case !(o.MinBandwidth > 0) || !(o.MaxBandwidth > o.MinBandwidth):
		return fmt.Errorf("bandwidth range must satisfy 0 < min < max (got [%v, %v])", o.MinBandwidth, o.MaxBandwidth)
	case o.Bandwidths < 2:
		return fmt.Errorf("bandwidth grid needs at least 2 values, got %d", o.Bandwidths)
	case o.Folds < 2:
		return fmt.Errorf("cross-validation needs at least 2 folds, got %d", o.Folds)
	case !(o.WidenFactor > 0):
		return fmt.Errorf("widen factor must be positive, got %v", o.WidenFactor)
	case o.GridPoints < 3:
		return fmt.Errorf("density grid needs at least 3 points, got %d", o.GridPoints)
	case o.MinPeakFraction < 0 || o.MinPeakFraction >= 1:
		return fmt.Errorf("minimum peak fraction must be in [0, 1), got %v", o.MinPeakFraction)
	case o.MinSamples < o.Folds:
		return fmt.Errorf("minimum samples %d is below the fold count %d", o.MinSamples, o.Folds)
	}
	return nil
}

// Peak is a local maximum of the density curve
type Peak struct {
	Value   float64 `json:"value"`
	Density float64 `json:"density"`
}

// DensityBounds are wilting point and field capacity read off the lowest and
// highest density peaks
type DensityBounds struct {
	WiltingPoint     float64 `json:"wilting_point"`
	FieldCapacity    float64 `json:"field_capacity"`
	Bandwidth        float64 `json:"bandwidth"`
	WidenedBandwidth float64 `json:"widened_bandwidth"`
	Peaks            []Peak  `json:"peaks"`
}

// EstimateBounds fits a Gaussian kernel density to the valid values and returns
// its outermost peaks. A density with fewer than two peaks after widening is
// reported as ErrDegenerateStatistics; the returned value still carries the
// bandwidths and any peak found.
func EstimateBounds(values []float64, opts DensityOptions) (DensityBounds, error) {
	if err := opts.Validate(); err != nil {
		return DensityBounds{}, err
	}

	var x []float64
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			x = append(x, v)
		}
	}
	if len(x) < opts.MinSamples {
		return DensityBounds{}, fmt.Errorf("%d valid samples, need %d: %w", len(x), opts.MinSamples, failure.ErrInsufficientData)
	}

	var db DensityBounds
	db.Bandwidth = selectBandwidth(x, opts)
	db.WidenedBandwidth = db.Bandwidth * opts.WidenFactor

	grid, density := evaluate(x, db.WidenedBandwidth, opts.GridPoints)
	db.Peaks = findPeaks(grid, density, opts.MinPeakFraction)

	if len(db.Peaks) < 2 {
		return db, fmt.Errorf("density has %d peak(s) at bandwidth %.4f: %w", len(db.Peaks), db.WidenedBandwidth, failure.ErrDegenerateStatistics)
	}

	db.WiltingPoint = db.Peaks[0].Value
	db.FieldCapacity = db.Peaks[len(db.Peaks)-1].Value
	return db, nil
}

// selectBandwidth returns the grid bandwidth with the highest held-out
// log-likelihood under k-fold cross-validation. Folds interleave samples so
// sorted input still spreads across every fold.
func selectBandwidth(x []float64, opts DensityOptions) float64 {
	hs := floats.LogSpan(make([]float64, opts.Bandwidths), opts.MinBandwidth, opts.MaxBandwidth)

	best, bestScore := hs[0], math.Inf(-1)
	terms := make([]float64, 0, len(x))
	for _, h := range hs {
		kernel := distuv.Normal{Mu: 0, Sigma: h}
		var score float64
		for fold := 0; fold < opts.Folds; fold++ {
			train := 0
			for i := range x {
				if i%opts.Folds != fold {
					train++
				}
			}
			logTrain := math.Log(float64(train))

			for i, xi := range x {
				if i%opts.Folds != fold {
					continue
				}
				terms = terms[:0]
				for j, xj := range x {
					if j%opts.Folds != fold {
						terms = append(terms, kernel.LogProb(xi-xj))
					}
				}
				score += floats.LogSumExp(terms) - logTrain
			}
		}
		if score > bestScore {
			best, bestScore = h, score
		}
	}
	return best
}

// evaluate samples the kernel density on n points spanning the data plus three
// bandwidths either side
func evaluate(x []float64, h float64, n int) ([]float64, []float64) {
	lo, hi := floats.Min(x)-3*h, floats.Max(x)+3*h
	grid := floats.Span(make([]float64, n), lo, hi)
	density := make([]float64, n)

	for _, xi := range x {
		kernel := distuv.Normal{Mu: xi, Sigma: h}
		for g, v := range grid {
			density[g] += kernel.Prob(v)
		}
	}
	floats.Scale(1/float64(len(x)), density)
	return grid, density
}

// findPeaks returns interior local maxima at least minFraction of the tallest,
// in ascending order of value
func findPeaks(grid, density []float64, minFraction float64) []Peak {
	var peaks []Peak
	tallest := 0.0
	for i := 1; i+1 < len(density); i++ {
		if density[i] > density[i-1] && density[i] >= density[i+1] {
			peaks = append(peaks, Peak{Value: grid[i], Density: density[i]})
			tallest = math.Max(tallest, density[i])
		}
	}

	kept := peaks[:0]
	for _, p := range peaks {
		if p.Density >= minFraction*tallest {
			kept = append(kept, p)
		}
	}
	return kept
}
