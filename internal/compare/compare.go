// Package compare computes agreement statistics between two soil-moisture
// products observed at the same location, and estimates wilting point and
// field capacity from the modes of a series' value distribution.
package compare

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/drydown/internal/failure"
	"github.com/chrissnell/drydown/internal/timeseries"
)

// Stats is the agreement between series a and b over their jointly valid days.
// Bias is mean(a - b).
type Stats struct {
	Bias        float64 `json:"bias"`
	RMSE        float64 `json:"rmse"`
	UbRMSE      float64 `json:"ubrmse"`
	Correlation float64 `json:"correlation"`
	N           int     `json:"n"`
}

// Compare joins the series by calendar day and computes their agreement
func Compare(a, b timeseries.Series) (Stats, error) {
	j := timeseries.InnerJoin(a, b)
	return CompareValues(j.A, j.B)
}

// CompareValues computes the agreement of two equal-length slices. Index pairs
// where either value is NaN are skipped.
func CompareValues(a, b []float64) (Stats, error) {
	if len(a) != len(b) {
		return Stats{}, fmt.Errorf("series lengths differ: %d vs %d", len(a), len(b))
	}

	var x, y, diff []float64
	for i := range a {
		if math.IsNaN(a[i]) || math.IsNaN(b[i]) {
			continue
		}
		x = append(x, a[i])
		y = append(y, b[i])
		diff = append(diff, a[i]-b[i])
	}

	n := len(diff)
	if n < 2 {
		return Stats{N: n}, fmt.Errorf("%d jointly valid observations, need 2: %w", n, failure.ErrInsufficientData)
	}

	var mse float64
	for _, d := range diff {
		mse += d * d
	}
	mse /= float64(n)

	s := Stats{
		Bias: stat.Mean(diff, nil),
		RMSE: math.Sqrt(mse),
		N:    n,
	}

	radicand := mse - s.Bias*s.Bias
	if radicand < 0 {
		return Stats{N: n}, fmt.Errorf("ubRMSE radicand %.3e is negative: %w", radicand, failure.ErrDegenerateStatistics)
	}
	s.UbRMSE = math.Sqrt(radicand)

	if stat.Variance(x, nil) == 0 || stat.Variance(y, nil) == 0 {
		return Stats{N: n}, fmt.Errorf("correlation undefined for a constant series: %w", failure.ErrDegenerateStatistics)
	}
	s.Correlation = stat.Correlation(x, y, nil)

	return s, nil
}

// UnbiasedRMSE returns sqrt(rmse² - bias²). A negative radicand is reported
// as degenerate rather than clamped.
func UnbiasedRMSE(rmse, bias float64) (float64, error) {
	radicand := rmse*rmse - bias*bias
	if radicand < 0 || math.IsNaN(radicand) {
		return math.NaN(), fmt.Errorf("ubRMSE radicand %.3e is negative (rmse=%v bias=%v): %w", radicand, rmse, bias, failure.ErrDegenerateStatistics)
	}
	return math.Sqrt(radicand), nil
}
