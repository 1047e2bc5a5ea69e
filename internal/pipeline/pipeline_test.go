package pipeline

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrissnell/drydown/internal/drydown"
	"github.com/chrissnell/drydown/internal/failure"
	"github.com/chrissnell/drydown/internal/timeseries"
)

var day0 = time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)

// syntheticSite rains on days 0, 12 and 24 and dries exponentially between
// storms. With the default one-day rain buffer and edge trimming, days 2-10
// and 14-22 are the only complete events.
func syntheticSite(name string) Input {
	const n = 30
	rain := map[int]bool{0: true, 12: true, 24: true}

	values := make([]float64, n)
	precip := make([]bool, n)
	last := 0
	for i := 0; i < n; i++ {
		if rain[i] {
			last = i
			precip[i] = true
		}
		values[i] = 0.15 + 0.20*math.Exp(-0.3*float64(i-last))
	}

	return Input{
		Site: Site{Name: name, DepthMM: 50},
		Data: timeseries.Synced{
			SoilMoisture: timeseries.New(day0, values),
			Precip:       precip,
		},
	}
}

func newTestRunner(t *testing.T, cfg Config) (*Runner, *Metrics) {
	t.Helper()
	m := NewMetrics(prometheus.NewRegistry())
	r, err := NewRunner(cfg, m, nil)
	require.NoError(t, err)
	return r, m
}

func TestProcessSiteFitsEveryEvent(t *testing.T) {
	r, m := newTestRunner(t, DefaultConfig())

	res := r.ProcessSite(syntheticSite("alpha"))
	require.Nil(t, res.SegmentFailure)
	require.Nil(t, res.BoundsFailure)
	require.Len(t, res.Events, 2)

	assert.InDelta(t, 0.15+0.20*math.Exp(-3), res.Bounds.WiltingPoint, 1e-12)
	assert.InDelta(t, 0.35, res.Bounds.FieldCapacity, 1e-12)

	wantStarts := []time.Time{day0.AddDate(0, 0, 2), day0.AddDate(0, 0, 14)}
	for i, ev := range res.Events {
		assert.Equal(t, wantStarts[i], ev.Start)
		assert.Equal(t, 8, ev.ElapsedDays)
		assert.Equal(t, 9, ev.ValidCount)
		assert.Equal(t, "alpha", ev.Site)
		assert.Len(t, ev.Fits, 2)

		exp, ok := ev.Fit(drydown.VariantExponential)
		require.True(t, ok)
		require.Nil(t, exp.Failure)
		assert.Greater(t, exp.Stats.RSquared, 0.9)
		assert.True(t, exp.Verdict.Accepted, "reasons: %v", exp.Verdict.Reasons)
		assert.Greater(t, exp.ETMax, 0.0)
		assert.NotNil(t, exp.Model)

		_, ok = ev.Fit(drydown.VariantPowerLaw)
		assert.True(t, ok)
	}

	assert.NotEqual(t, res.Events[0].ID, res.Events[1].ID)
	assert.Nil(t, res.Comparison)
	assert.Nil(t, res.LossPET)
	assert.Nil(t, res.LossPETFailure)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Events))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sites.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Fits.WithLabelValues("exponential", "accepted")))
}

func TestProcessSiteEventBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BoundsSource = BoundsEvent
	cfg.Variants = []drydown.Variant{drydown.VariantExponential}
	r, _ := newTestRunner(t, cfg)

	res := r.ProcessSite(syntheticSite("beta"))
	require.Len(t, res.Events, 2)
	for _, ev := range res.Events {
		lo, hi, ok := timeseries.MinMax(ev.Values)
		require.True(t, ok)
		assert.Equal(t, lo, ev.Bounds.WiltingPoint)
		assert.Equal(t, hi, ev.Bounds.FieldCapacity)
	}
}

func TestProcessSiteDegenerateBounds(t *testing.T) {
	r, m := newTestRunner(t, DefaultConfig())

	in := syntheticSite("flat")
	values := make([]float64, in.Data.SoilMoisture.Len())
	for i := range values {
		values[i] = 0.2
	}
	in.Data.SoilMoisture = timeseries.New(day0, values)

	res := r.ProcessSite(in)
	require.NotNil(t, res.BoundsFailure)
	assert.Equal(t, failure.KindDegenerateStatistics, res.BoundsFailure.Kind)
	require.NotEmpty(t, res.Events)
	for _, ev := range res.Events {
		for _, f := range ev.Fits {
			require.NotNil(t, f.Failure)
			assert.Equal(t, failure.KindDegenerateStatistics, f.Failure.Kind)
			assert.Nil(t, f.Model)
		}
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sites.WithLabelValues(string(failure.KindDegenerateStatistics))))
}

func TestProcessSiteSegmentFailure(t *testing.T) {
	r, _ := newTestRunner(t, DefaultConfig())

	in := syntheticSite("broken")
	in.Data.Precip = in.Data.Precip[:5]

	res := r.ProcessSite(in)
	require.NotNil(t, res.SegmentFailure)
	assert.Empty(t, res.Events)
}

func TestProcessSiteComparison(t *testing.T) {
	r, m := newTestRunner(t, DefaultConfig())

	in := syntheticSite("gamma")
	sm := in.Data.SoilMoisture

	// The reference starts five days earlier and reads 0.02 wetter, with
	// alternating ±0.005 noise
	ref := make([]float64, sm.Len()+5)
	for i := range ref {
		ref[i] = math.NaN()
	}
	for i := 0; i < sm.Len(); i++ {
		noise := 0.005
		if i%2 == 1 {
			noise = -0.005
		}
		ref[i+5] = sm.Value(i) + 0.02 + noise
	}
	reference := timeseries.New(day0.AddDate(0, 0, -5), ref)
	in.Reference = &reference

	res := r.ProcessSite(in)
	require.NotNil(t, res.Comparison)
	require.Nil(t, res.Comparison.Failure)

	st := res.Comparison.Stats
	assert.Equal(t, sm.Len(), st.N)
	assert.InDelta(t, -0.02, st.Bias, 1e-9)
	assert.InDelta(t, math.Sqrt(0.02*0.02+0.005*0.005), st.RMSE, 1e-9)
	assert.InDelta(t, 0.005, st.UbRMSE, 1e-9)
	assert.Greater(t, st.Correlation, 0.9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Comparisons.WithLabelValues("ok")))
}

func TestProcessSiteLossPET(t *testing.T) {
	r, _ := newTestRunner(t, DefaultConfig())

	in := syntheticSite("delta")
	pet := make([]float64, in.Data.SoilMoisture.Len())
	for i := range pet {
		pet[i] = 2 + float64(i%7)
	}
	in.Data.PET = timeseries.New(day0, pet)

	res := r.ProcessSite(in)
	assert.True(t, (res.LossPET == nil) != (res.LossPETFailure == nil))
}

func TestRunProcessesEverySite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 2
	r, m := newTestRunner(t, cfg)

	inputs := []Input{syntheticSite("a"), syntheticSite("b"), syntheticSite("c")}
	run, err := r.Run(context.Background(), inputs)
	require.NoError(t, err)

	require.Len(t, run.Sites, 3)
	for i, s := range run.Sites {
		assert.Equal(t, inputs[i].Site.Name, s.Site.Name)
		assert.Len(t, s.Events, 2)
	}
	assert.False(t, run.FinishedAt.Before(run.StartedAt))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs))
}

func TestRunCancelled(t *testing.T) {
	r, _ := newTestRunner(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, []Input{syntheticSite("a")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRunnerRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no variants", func(c *Config) { c.Variants = nil }},
		{"unknown variant", func(c *Config) { c.Variants = []drydown.Variant{"cubic"} }},
		{"unknown bounds source", func(c *Config) { c.BoundsSource = "guess" }},
		{"zero quantile", func(c *Config) { c.UpperQuantile = 0 }},
		{"zero window", func(c *Config) { c.CoverageWindow = 0 }},
		{"zero depth", func(c *Config) { c.DefaultDepthMM = 0 }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewRunner(cfg, nil, nil)
			assert.Error(t, err)
		})
	}
}
