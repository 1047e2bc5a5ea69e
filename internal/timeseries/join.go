package timeseries

import (
	"fmt"
	"math"
	"time"
)

// Joined holds the jointly valid observations of two series
type Joined struct {
	Dates []time.Time
	A     []float64
	B     []float64
}

// Len returns the number of jointly valid days
func (j Joined) Len() int {
	return len(j.Dates)
}

// InnerJoin pairs the two series by calendar day, keeping only the days on which
// both hold a valid observation.
func InnerJoin(a, b Series) Joined {
	var out Joined
	if a.Len() == 0 || b.Len() == 0 {
		return out
	}

	offset := DayNumber(a.start) - DayNumber(b.start)
	for i, av := range a.values {
		j := i + offset
		if j < 0 || j >= len(b.values) {
			continue
		}
		bv := b.values[j]
		if math.IsNaN(av) || math.IsNaN(bv) {
			continue
		}
		out.Dates = append(out.Dates, a.Date(i))
		out.A = append(out.A, av)
		out.B = append(out.B, bv)
	}
	return out
}

// CoverageMask blanks both series on days where the centred window around the
// day holds no valid observation in either series. Both series must be aligned.
func CoverageMask(a, b Series, window int) (Series, Series, error) {
	if !Aligned(a, b) {
		return Series{}, Series{}, fmt.Errorf("coverage mask needs aligned series (%s+%d vs %s+%d)",
			a.start.Format("2006-01-02"), a.Len(), b.start.Format("2006-01-02"), b.Len())
	}
	if window < 1 {
		return Series{}, Series{}, fmt.Errorf("coverage window must be positive, got %d", window)
	}

	half := window / 2
	ma, mb := New(a.start, a.values), New(b.start, b.values)
	covA, covB := windowCoverage(a.values, half), windowCoverage(b.values, half)
	for i := range ma.values {
		if !covA[i] || !covB[i] {
			ma.values[i] = math.NaN()
			mb.values[i] = math.NaN()
		}
	}
	return ma, mb, nil
}

// windowCoverage reports, per index, whether [i-half, i+half] holds a valid value
func windowCoverage(values []float64, half int) []bool {
	n := len(values)
	prefix := make([]int, n+1)
	for i, v := range values {
		prefix[i+1] = prefix[i]
		if !math.IsNaN(v) {
			prefix[i+1]++
		}
	}

	out := make([]bool, n)
	for i := range values {
		lo, hi := i-half, i+half+1
		if lo < 0 {
			lo = 0
		}
		if hi > n {
			hi = n
		}
		out[i] = prefix[hi]-prefix[lo] > 0
	}
	return out
}

// Accumulator stacks chunks of daily points (one per input file, say) and
// reduces them to a single Series once every chunk has been added.
type Accumulator struct {
	chunks [][]Point
	seen   map[int]struct{}
}

// NewAccumulator returns an empty accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{seen: make(map[int]struct{})}
}

// Add appends one chunk. A calendar day may appear only once across all chunks.
func (a *Accumulator) Add(points []Point) error {
	for _, p := range points {
		dn := DayNumber(p.Time)
		if _, dup := a.seen[dn]; dup {
			return fmt.Errorf("duplicate observation for %s", Day(p.Time).Format("2006-01-02"))
		}
		a.seen[dn] = struct{}{}
	}
	chunk := make([]Point, len(points))
	copy(chunk, points)
	a.chunks = append(a.chunks, chunk)
	return nil
}

// Len returns the number of points accumulated so far
func (a *Accumulator) Len() int {
	return len(a.seen)
}

// Series reduces all chunks into one dense series. Chunks may arrive in any order.
func (a *Accumulator) Series() (Series, error) {
	if len(a.seen) == 0 {
		return Series{}, nil
	}

	first, last := math.MaxInt, math.MinInt
	var firstTime time.Time
	for _, chunk := range a.chunks {
		for _, p := range chunk {
			dn := DayNumber(p.Time)
			if dn < first {
				first, firstTime = dn, p.Time
			}
			if dn > last {
				last = dn
			}
		}
	}

	s := Missing(firstTime, last-first+1)
	for _, chunk := range a.chunks {
		for _, p := range chunk {
			s.values[DayNumber(p.Time)-first] = p.Value
		}
	}
	return s, nil
}

// Synced is one location's soil moisture with same-cadence precipitation flags
// and, optionally, potential evapotranspiration.
type Synced struct {
	SoilMoisture Series
	Precip       []bool
	PET          Series
}

// HasPET reports whether a PET series accompanies the soil moisture
func (s Synced) HasPET() bool {
	return s.PET.Len() > 0
}

// Validate checks that the flags and PET cover exactly the soil moisture days
func (s Synced) Validate() error {
	if len(s.Precip) != s.SoilMoisture.Len() {
		return fmt.Errorf("precipitation flags cover %d days, soil moisture covers %d", len(s.Precip), s.SoilMoisture.Len())
	}
	if s.HasPET() && !Aligned(s.SoilMoisture, s.PET) {
		return fmt.Errorf("PET series is not aligned with soil moisture")
	}
	return nil
}
