// Package losspet relates the daily soil-moisture loss rate to atmospheric
// demand: loss is regressed on moisture separately for the driest and wettest
// deciles of potential evapotranspiration (PET).
package losspet

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/drydown/internal/failure"
	"github.com/chrissnell/drydown/internal/timeseries"
)

// Options controls the decile split
type Options struct {
	// Quantiles is the number of PET classes; the outermost two are regressed
	Quantiles int `yaml:"quantiles"`

	// MinPairs is the fewest (θ, loss) pairs a class needs for a regression
	MinPairs int `yaml:"min_pairs"`
}

// DefaultOptions splits PET into deciles
func DefaultOptions() Options {
	return Options{Quantiles: 10, MinPairs: 3}
}

// Line is a fitted loss = Slope·θ + Intercept
type Line struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	N         int     `json:"n"`
}

// Result holds the regressions for the lowest and highest PET classes
type Result struct {
	Lower           Line    `json:"lower"`
	Upper           Line    `json:"upper"`
	LowerPETMax     float64 `json:"lower_pet_max"`
	UpperPETMin     float64 `json:"upper_pet_min"`
	SlopeDifference float64 `json:"slope_difference"`
	Pairs           int     `json:"pairs"`
}

type pair struct {
	theta, loss, pet float64
}

// Analyze pairs each dry day's moisture with the next day's loss and its PET,
// then regresses loss on moisture for the outer PET classes. The regression is
// weighted by 1/θ² so the larger scatter at high moisture counts less.
func Analyze(data timeseries.Synced, opts Options) (Result, error) {
	if opts.Quantiles < 2 || opts.MinPairs < 2 {
		return Result{}, fmt.Errorf("invalid options: %d quantiles, %d minimum pairs", opts.Quantiles, opts.MinPairs)
	}
	if err := data.Validate(); err != nil {
		return Result{}, err
	}
	if !data.HasPET() {
		return Result{}, fmt.Errorf("no PET series: %w", failure.ErrInsufficientData)
	}

	sm, pet := data.SoilMoisture, data.PET

	var dryPET []float64
	var pairs []pair
	for t := 0; t < sm.Len(); t++ {
		if data.Precip[t] || pet.IsMissing(t) {
			continue
		}
		dryPET = append(dryPET, pet.Value(t))

		if t+1 >= sm.Len() || data.Precip[t+1] || sm.IsMissing(t) || sm.IsMissing(t+1) {
			continue
		}
		delta := sm.Value(t+1) - sm.Value(t)
		if delta > 0 || sm.Value(t) <= 0 {
			continue
		}
		pairs = append(pairs, pair{theta: sm.Value(t), loss: -delta, pet: pet.Value(t)})
	}

	if len(pairs) < 2*opts.MinPairs {
		return Result{}, fmt.Errorf("%d drying pairs, need %d: %w", len(pairs), 2*opts.MinPairs, failure.ErrInsufficientData)
	}

	sort.Float64s(dryPET)
	res := Result{
		Pairs:       len(pairs),
		LowerPETMax: stat.Quantile(1/float64(opts.Quantiles), stat.Empirical, dryPET, nil),
		UpperPETMin: stat.Quantile(1-1/float64(opts.Quantiles), stat.Empirical, dryPET, nil),
	}

	var err error
	res.Lower, err = regress(pairs, opts.MinPairs, func(p pair) bool { return p.pet <= res.LowerPETMax })
	if err != nil {
		return Result{}, fmt.Errorf("lower PET class: %w", err)
	}
	res.Upper, err = regress(pairs, opts.MinPairs, func(p pair) bool { return p.pet >= res.UpperPETMin })
	if err != nil {
		return Result{}, fmt.Errorf("upper PET class: %w", err)
	}

	res.SlopeDifference = res.Upper.Slope - res.Lower.Slope
	return res, nil
}

func regress(pairs []pair, minPairs int, keep func(pair) bool) (Line, error) {
	var x, y, w []float64
	for _, p := range pairs {
		if !keep(p) {
			continue
		}
		x = append(x, p.theta)
		y = append(y, p.loss)
		w = append(w, 1/(p.theta*p.theta))
	}
	if len(x) < minPairs {
		return Line{}, fmt.Errorf("%d pairs, need %d: %w", len(x), minPairs, failure.ErrInsufficientData)
	}
	if stat.Variance(x, nil) == 0 {
		return Line{}, fmt.Errorf("moisture does not vary: %w", failure.ErrDegenerateStatistics)
	}

	intercept, slope := stat.LinearRegression(x, y, w, false)
	if math.IsNaN(slope) || math.IsNaN(intercept) {
		return Line{}, fmt.Errorf("regression undefined: %w", failure.ErrDegenerateStatistics)
	}
	return Line{Slope: slope, Intercept: intercept, N: len(x)}, nil
}
