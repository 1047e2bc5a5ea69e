// Package segment splits a synchronized daily soil-moisture series into
// drydown events: stretches of non-increasing moisture with no rain nearby.
package segment

import (
	"fmt"
	"math"
	"time"

	"github.com/chrissnell/drydown/internal/timeseries"
)

// Config controls event detection
type Config struct {
	// PrecipBufferDays excludes this many days either side of a rain day
	PrecipBufferDays int `yaml:"precip_buffer_days"`

	// MinObservations is the fewest valid observations an event may hold
	MinObservations int `yaml:"min_observations"`

	// TrimEdges drops events touching the first or last observation of the
	// series, whose true boundary is unknown
	TrimEdges bool `yaml:"trim_edges"`
}

// DefaultConfig returns a one-day rain buffer, two-observation minimum and edge trimming
func DefaultConfig() Config {
	return Config{
		PrecipBufferDays: 1,
		MinObservations:  2,
		TrimEdges:        true,
	}
}

// Validate rejects settings that cannot produce fittable events
func (c Config) Validate() error {
	if c.PrecipBufferDays < 0 {
		return fmt.Errorf("precipitation buffer must not be negative, got %d", c.PrecipBufferDays)
	}
	if c.MinObservations < 2 {
		return fmt.Errorf("events need at least 2 observations, got %d", c.MinObservations)
	}
	return nil
}

// Event is one drydown. It is immutable once produced.
type Event struct {
	series timeseries.Series
	index  int
}

// Start returns the first day of the event
func (e Event) Start() time.Time {
	return e.series.Start()
}

// End returns the last day of the event
func (e Event) End() time.Time {
	return e.series.End()
}

// Index returns the position of the event's first day in the source series
func (e Event) Index() int {
	return e.index
}

// Series returns the event's observations as a daily series
func (e Event) Series() timeseries.Series {
	return e.series
}

// Values returns one value per elapsed day from the start, NaN where missing
func (e Event) Values() []float64 {
	return e.series.Values()
}

// ValidCount returns the number of non-missing observations
func (e Event) ValidCount() int {
	return e.series.ValidCount()
}

// ElapsedDays returns the number of days from start to end
func (e Event) ElapsedDays() int {
	return e.series.Len() - 1
}

// Offsets returns the day offsets of the valid observations
func (e Event) Offsets() []float64 {
	var out []float64
	for i := 0; i < e.series.Len(); i++ {
		if !e.series.IsMissing(i) {
			out = append(out, float64(i))
		}
	}
	return out
}

// MinMax returns the event's smallest and largest observation
func (e Event) MinMax() (float64, float64) {
	lo, hi, _ := e.series.MinMax()
	return lo, hi
}

// Segment scans the synchronized series once and returns its drydown events in
// chronological order.
//
// A step between consecutive valid observations qualifies when moisture does
// not rise and neither endpoint, nor any missing day between them, lies within
// the rain buffer. Maximal chains of qualifying steps become events; the
// missing days inside a chain are kept as gaps.
func Segment(data timeseries.Synced, cfg Config) ([]Event, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}

	sm := data.SoilMoisture
	n := sm.Len()
	wet := bufferedRain(data.Precip, cfg.PrecipBufferDays)

	var valid []int
	for i := 0; i < n; i++ {
		if !sm.IsMissing(i) {
			valid = append(valid, i)
		}
	}
	if len(valid) < 2 {
		return nil, nil
	}

	qualifies := func(a, b int) bool {
		if sm.Value(b)-sm.Value(a) > 0 {
			return false
		}
		for d := a; d <= b; d++ {
			if wet[d] {
				return false
			}
		}
		return true
	}

	firstValid, lastValid := valid[0], valid[len(valid)-1]

	var events []Event
	emit := func(from, to, count int) {
		if count < cfg.MinObservations {
			return
		}
		if cfg.TrimEdges && (from == firstValid || to == lastValid) {
			return
		}
		events = append(events, Event{series: sm.Slice(from, to+1), index: from})
	}

	start, count := -1, 0
	for j := 0; j+1 < len(valid); j++ {
		a, b := valid[j], valid[j+1]
		if !qualifies(a, b) {
			if start >= 0 {
				emit(start, a, count)
				start, count = -1, 0
			}
			continue
		}
		if start < 0 {
			start, count = a, 1
		}
		count++
	}
	if start >= 0 {
		emit(start, lastValid, count)
	}

	return events, nil
}

// bufferedRain marks every day within buffer days of a rain day
func bufferedRain(precip []bool, buffer int) []bool {
	wet := make([]bool, len(precip))
	for i, rained := range precip {
		if !rained {
			continue
		}
		lo := int(math.Max(0, float64(i-buffer)))
		hi := int(math.Min(float64(len(precip)-1), float64(i+buffer)))
		for d := lo; d <= hi; d++ {
			wet[d] = true
		}
	}
	return wet
}
