package timeseries

import (
	"math"
	"testing"
	"time"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDayNumber(t *testing.T) {
	// J2000.0 falls at noon on 2000-01-01, JDN 2451545
	if got := DayNumber(day(2000, time.January, 1)); got != 2451545 {
		t.Errorf("expected JDN 2451545, got %d", got)
	}

	late := time.Date(2000, time.January, 1, 23, 59, 0, 0, time.UTC)
	if DayNumber(late) != DayNumber(day(2000, time.January, 1)) {
		t.Errorf("times on the same calendar day must share a day number")
	}

	if DayNumber(day(2000, time.March, 1))-DayNumber(day(2000, time.February, 28)) != 2 {
		t.Errorf("leap day not counted")
	}
}

func TestFromPoints(t *testing.T) {
	tests := []struct {
		name    string
		points  []Point
		want    []float64
		wantErr bool
	}{
		{
			name:   "empty",
			points: nil,
			want:   nil,
		},
		{
			name: "fills gaps with NaN",
			points: []Point{
				{Time: day(2020, time.May, 1), Value: 0.30},
				{Time: day(2020, time.May, 3), Value: 0.28},
				{Time: day(2020, time.May, 4), Value: 0.27},
			},
			want: []float64{0.30, math.NaN(), 0.28, 0.27},
		},
		{
			name: "duplicate day",
			points: []Point{
				{Time: day(2020, time.May, 1), Value: 0.30},
				{Time: day(2020, time.May, 1).Add(6 * time.Hour), Value: 0.29},
			},
			wantErr: true,
		},
		{
			name: "out of order",
			points: []Point{
				{Time: day(2020, time.May, 2), Value: 0.30},
				{Time: day(2020, time.May, 1), Value: 0.29},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := FromPoints(tt.points)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got series of length %d", s.Len())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.Len() != len(tt.want) {
				t.Fatalf("expected %d days, got %d", len(tt.want), s.Len())
			}
			for i, w := range tt.want {
				got := s.Value(i)
				if math.IsNaN(w) != math.IsNaN(got) || (!math.IsNaN(w) && got != w) {
					t.Errorf("day %d: expected %v, got %v", i, w, got)
				}
			}
		})
	}
}

func TestSeriesAccessors(t *testing.T) {
	s := New(day(2021, time.June, 10), []float64{0.2, math.NaN(), 0.4, 0.1})

	if s.ValidCount() != 3 {
		t.Errorf("expected 3 valid, got %d", s.ValidCount())
	}
	if !s.End().Equal(day(2021, time.June, 13)) {
		t.Errorf("unexpected end %s", s.End())
	}
	if i, ok := s.IndexOf(day(2021, time.June, 12)); !ok || i != 2 {
		t.Errorf("expected index 2, got %d (%v)", i, ok)
	}
	if _, ok := s.IndexOf(day(2021, time.June, 9)); ok {
		t.Errorf("day before start must not be found")
	}

	min, max, ok := s.MinMax()
	if !ok || min != 0.1 || max != 0.4 {
		t.Errorf("expected min 0.1 max 0.4, got %v %v", min, max)
	}

	if q, ok := s.Quantile(1.0); !ok || q != 0.4 {
		t.Errorf("expected upper quantile 0.4, got %v", q)
	}

	r := s.Reindex(day(2021, time.June, 9), 3)
	if !math.IsNaN(r.Value(0)) || r.Value(1) != 0.2 || !math.IsNaN(r.Value(2)) {
		t.Errorf("unexpected reindex result %v", r.Values())
	}
}

func TestInnerJoin(t *testing.T) {
	a := New(day(2022, time.July, 1), []float64{0.30, 0.32, math.NaN(), 0.31})
	b := New(day(2022, time.July, 2), []float64{0.33, 0.29, 0.30, 0.40})

	j := InnerJoin(a, b)
	if j.Len() != 2 {
		t.Fatalf("expected 2 joint days, got %d", j.Len())
	}
	if j.A[0] != 0.32 || j.B[0] != 0.33 || j.A[1] != 0.31 || j.B[1] != 0.30 {
		t.Errorf("unexpected join %v %v", j.A, j.B)
	}
}

func TestCoverageMask(t *testing.T) {
	nan := math.NaN()
	a := New(day(2022, time.July, 1), []float64{0.3, nan, nan, nan, nan, 0.2, 0.2})
	b := New(day(2022, time.July, 1), []float64{0.3, 0.3, 0.3, 0.3, 0.3, 0.3, 0.3})

	ma, mb, err := CoverageMask(a, b, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// a has no valid value in the ±1 window around days 2 and 3
	for _, i := range []int{2, 3} {
		if !ma.IsMissing(i) || !mb.IsMissing(i) {
			t.Errorf("day %d should be masked in both series", i)
		}
	}
	for _, i := range []int{0, 1, 4, 5, 6} {
		if mb.IsMissing(i) {
			t.Errorf("day %d should not be masked", i)
		}
	}

	if _, _, err := CoverageMask(a, b.Slice(0, 5), 3); err == nil {
		t.Errorf("expected error for misaligned series")
	}
}

func TestAccumulator(t *testing.T) {
	acc := NewAccumulator()

	if err := acc.Add([]Point{{Time: day(2019, time.March, 3), Value: 0.25}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := acc.Add([]Point{{Time: day(2019, time.March, 1), Value: 0.20}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := acc.Add([]Point{{Time: day(2019, time.March, 1), Value: 0.21}}); err == nil {
		t.Errorf("expected duplicate-day error")
	}

	s, err := acc.Series()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Len() != 3 || s.Value(0) != 0.20 || !s.IsMissing(1) || s.Value(2) != 0.25 {
		t.Errorf("unexpected stacked series %v", s.Values())
	}
}

func TestSyncedValidate(t *testing.T) {
	sm := New(day(2022, time.July, 1), []float64{0.3, 0.2})

	if err := (Synced{SoilMoisture: sm, Precip: []bool{false, false}}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (Synced{SoilMoisture: sm, Precip: []bool{false}}).Validate(); err == nil {
		t.Errorf("expected error for short precipitation flags")
	}
	pet := New(day(2022, time.July, 2), []float64{4, 5})
	if err := (Synced{SoilMoisture: sm, Precip: []bool{false, false}, PET: pet}).Validate(); err == nil {
		t.Errorf("expected error for misaligned PET")
	}
}
