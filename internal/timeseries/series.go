// Package timeseries holds the daily series types that every analysis stage
// consumes. A Series is dense: one slot per calendar day, NaN where the
// observation is missing.
package timeseries

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/soniakeys/meeus/v3/julian"
	"gonum.org/v1/gonum/stat"
)

// Point is a single dated observation
type Point struct {
	Time  time.Time
	Value float64
}

// Series is a daily time series with strictly increasing, gap-free calendar days.
// Missing observations are NaN.
type Series struct {
	start  time.Time
	values []float64
}

// Day truncates t to midnight UTC of its calendar date
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayNumber returns the Julian Day Number of t's calendar date
func DayNumber(t time.Time) int {
	return int(math.Floor(julian.TimeToJD(Day(t)) + 0.5))
}

// New builds a series starting on start's calendar day. values is copied.
func New(start time.Time, values []float64) Series {
	v := make([]float64, len(values))
	copy(v, values)
	return Series{start: Day(start), values: v}
}

// Missing returns a series of n NaN values starting at start
func Missing(start time.Time, n int) Series {
	v := make([]float64, n)
	for i := range v {
		v[i] = math.NaN()
	}
	return Series{start: Day(start), values: v}
}

// FromPoints builds a dense series from dated points. Points must be in strictly
// increasing calendar-day order; days with no point are filled with NaN.
func FromPoints(points []Point) (Series, error) {
	if len(points) == 0 {
		return Series{}, nil
	}

	first := DayNumber(points[0].Time)
	prev := first - 1
	for i, p := range points {
		dn := DayNumber(p.Time)
		if dn <= prev {
			return Series{}, fmt.Errorf("point %d (%s) is not after the previous calendar day", i, Day(p.Time).Format("2006-01-02"))
		}
		prev = dn
	}

	s := Missing(points[0].Time, prev-first+1)
	for _, p := range points {
		s.values[DayNumber(p.Time)-first] = p.Value
	}
	return s, nil
}

// Len returns the number of days covered
func (s Series) Len() int {
	return len(s.values)
}

// Start returns the first calendar day
func (s Series) Start() time.Time {
	return s.start
}

// End returns the last calendar day. It is the zero time for an empty series.
func (s Series) End() time.Time {
	if len(s.values) == 0 {
		return time.Time{}
	}
	return s.Date(len(s.values) - 1)
}

// Date returns the calendar day at index i
func (s Series) Date(i int) time.Time {
	return s.start.AddDate(0, 0, i)
}

// Value returns the observation at index i (NaN when missing)
func (s Series) Value(i int) float64 {
	return s.values[i]
}

// At returns the dated observation at index i
func (s Series) At(i int) Point {
	return Point{Time: s.Date(i), Value: s.values[i]}
}

// IsMissing reports whether index i holds no observation
func (s Series) IsMissing(i int) bool {
	return math.IsNaN(s.values[i])
}

// Values returns a copy of the underlying values
func (s Series) Values() []float64 {
	v := make([]float64, len(s.values))
	copy(v, s.values)
	return v
}

// Points returns the valid observations only
func (s Series) Points() []Point {
	var pts []Point
	for i, v := range s.values {
		if !math.IsNaN(v) {
			pts = append(pts, Point{Time: s.Date(i), Value: v})
		}
	}
	return pts
}

// ValidCount returns the number of non-missing observations
func (s Series) ValidCount() int {
	n := 0
	for _, v := range s.values {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

// IndexOf returns the index of t's calendar day
func (s Series) IndexOf(t time.Time) (int, bool) {
	if len(s.values) == 0 {
		return 0, false
	}
	i := DayNumber(t) - DayNumber(s.start)
	if i < 0 || i >= len(s.values) {
		return 0, false
	}
	return i, true
}

// Slice returns the days [i, j) as a new series
func (s Series) Slice(i, j int) Series {
	return New(s.Date(i), s.values[i:j])
}

// Reindex projects the series onto n days starting at start. Days outside the
// original range become NaN.
func (s Series) Reindex(start time.Time, n int) Series {
	out := Missing(start, n)
	if len(s.values) == 0 {
		return out
	}
	offset := DayNumber(start) - DayNumber(s.start)
	for i := range out.values {
		j := i + offset
		if j >= 0 && j < len(s.values) {
			out.values[i] = s.values[j]
		}
	}
	return out
}

// Aligned reports whether both series cover exactly the same days
func Aligned(a, b Series) bool {
	return a.Len() == b.Len() && (a.Len() == 0 || a.start.Equal(b.start))
}

// MinMax returns the smallest and largest valid observation
func (s Series) MinMax() (min, max float64, ok bool) {
	return MinMax(s.values)
}

// Quantile returns the p-quantile of the valid observations
func (s Series) Quantile(p float64) (float64, bool) {
	return Quantile(s.values, p)
}

// MinMax returns the NaN-aware extremes of values
func MinMax(values []float64) (min, max float64, ok bool) {
	min, max = math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		ok = true
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if !ok {
		return math.NaN(), math.NaN(), false
	}
	return min, max, true
}

// Quantile returns the NaN-aware empirical p-quantile of values
func Quantile(values []float64, p float64) (float64, bool) {
	valid := Valid(values)
	if len(valid) == 0 || p < 0 || p > 1 {
		return math.NaN(), false
	}
	sort.Float64s(valid)
	return stat.Quantile(p, stat.Empirical, valid, nil), true
}

// Valid returns the non-NaN entries of values in their original order
func Valid(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}
