package sqlite

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrissnell/drydown/internal/compare"
	"github.com/chrissnell/drydown/internal/drydown"
	"github.com/chrissnell/drydown/internal/failure"
	"github.com/chrissnell/drydown/internal/pipeline"
	"github.com/chrissnell/drydown/internal/storage"
)

var day0 = time.Date(2022, 7, 1, 0, 0, 0, 0, time.UTC)

func testRun(started time.Time) *pipeline.Run {
	bounds := drydown.Bounds{WiltingPoint: 0.1, FieldCapacity: 0.4}

	accepted := pipeline.FitResult{
		Variant:       drydown.VariantPowerLaw,
		Parameters:    map[string]float64{"k": 0.3, "q": 1.8, "theta0": 0.38},
		Stats:         drydown.Stats{N: 4, Missing: 1, SSE: 1e-6, RSquared: 0.99, RMSE: 5e-4, AIC: -60, BIC: -61},
		DenormalizedK: 0.09,
		ETMax:         4.5,
		Verdict:       drydown.Verdict{Accepted: true, RangeFraction: 0.5, ObservationFrequency: 1},
	}
	rejected := pipeline.FitResult{
		Variant:    drydown.VariantExponential,
		Parameters: map[string]float64{"k": 0.2, "theta0": 0.38},
		Stats:      drydown.Stats{N: 4, Missing: 1, RSquared: 0.5, AIC: math.NaN()},
		Verdict: drydown.Verdict{
			RangeFraction:        0.5,
			ObservationFrequency: 1,
			Reasons:              []string{"r_squared 0.500 below 0.700"},
		},
	}
	failed := pipeline.FitResult{
		Variant: drydown.VariantSigmoid,
		Failure: &pipeline.Failure{Kind: failure.KindNonConvergence, Message: "did not converge"},
	}

	return &pipeline.Run{
		ID:         uuid.New(),
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		Sites: []pipeline.SiteResult{
			{
				Site:   pipeline.Site{Name: "alpha"},
				Bounds: bounds,
				Events: []pipeline.EventResult{
					{
						ID:          uuid.New(),
						Site:        "alpha",
						Start:       day0,
						End:         day0.AddDate(0, 0, 4),
						Values:      []float64{0.38, 0.30, math.NaN(), 0.22, 0.20},
						ValidCount:  4,
						ElapsedDays: 4,
						Bounds:      bounds,
						Fits:        []pipeline.FitResult{rejected, accepted, failed},
					},
				},
				Comparison: &pipeline.ComparisonResult{
					Stats:        compare.Stats{Bias: -0.02, RMSE: 0.03, UbRMSE: 0.022, Correlation: 0.9, N: 100},
					SeriesBounds: &compare.DensityBounds{WiltingPoint: 0.11, FieldCapacity: 0.39},
					ReferenceFailure: &pipeline.Failure{
						Kind:    failure.KindDegenerateStatistics,
						Message: "density has 1 peak(s)",
					},
				},
			},
			{
				Site: pipeline.Site{Name: "beta"},
				Events: []pipeline.EventResult{
					{
						ID:          uuid.New(),
						Site:        "beta",
						Start:       day0.AddDate(0, 0, 10),
						End:         day0.AddDate(0, 0, 12),
						Values:      []float64{0.3, 0.25, 0.2},
						ValidCount:  3,
						ElapsedDays: 2,
						Bounds:      bounds,
						Fits:        []pipeline.FitResult{accepted},
					},
				},
			},
		},
	}
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetEvent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	run := testRun(time.Now().UTC())
	require.NoError(t, s.SaveRun(ctx, run))
	require.NoError(t, s.Ping(ctx))

	want := run.Sites[0].Events[0]
	got, err := s.GetEvent(ctx, want.ID)
	require.NoError(t, err)

	assert.Equal(t, run.ID, got.RunID)
	assert.Equal(t, "alpha", got.Site)
	assert.True(t, want.Start.Equal(got.Start))
	assert.True(t, want.End.Equal(got.End))
	assert.Equal(t, 4, got.ElapsedDays)
	assert.Equal(t, 0.1, got.WiltingPoint)
	assert.Equal(t, 0.4, got.FieldCapacity)

	require.Len(t, got.Observations, 5)
	assert.Equal(t, 0.38, got.Observations[0])
	assert.True(t, math.IsNaN(got.Observations[2]))
	assert.Equal(t, 0.20, got.Observations[4])

	require.Len(t, got.Fits, 3)
	byVariant := make(map[string]storage.FitRecord)
	for _, f := range got.Fits {
		byVariant[f.Variant] = f
	}

	pl := byVariant["powerlaw"]
	require.NotNil(t, pl.Q)
	assert.Equal(t, 1.8, *pl.Q)
	assert.Nil(t, pl.Theta50)
	assert.True(t, pl.Accepted)
	assert.Equal(t, 4.5, pl.ETMax)
	assert.False(t, pl.Failed())

	exp := byVariant["exponential"]
	assert.Nil(t, exp.Q)
	assert.False(t, exp.Accepted)
	assert.Equal(t, "r_squared 0.500 below 0.700", exp.RejectReason)
	assert.True(t, math.IsNaN(exp.AIC))

	sig := byVariant["sigmoid"]
	assert.True(t, sig.Failed())
	assert.Equal(t, string(failure.KindNonConvergence), sig.FailureKind)
	assert.Nil(t, sig.K)
}

func TestGetEventNotFound(t *testing.T) {
	_, err := openStore(t).GetEvent(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListEventsFilters(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	first := testRun(time.Now().UTC().Add(-time.Hour))
	second := testRun(time.Now().UTC())
	require.NoError(t, s.SaveRun(ctx, first))
	require.NoError(t, s.SaveRun(ctx, second))

	yes, no := true, false
	tests := []struct {
		name      string
		filter    storage.EventFilter
		wantCount int
		wantFits  int
	}{
		{"everything", storage.EventFilter{}, 4, 0},
		{"one site", storage.EventFilter{Site: "alpha"}, 2, 3},
		{"one run", storage.EventFilter{RunID: &second.ID}, 2, 0},
		{"site and run", storage.EventFilter{Site: "beta", RunID: &first.ID}, 1, 1},
		{"accepted power-law", storage.EventFilter{Site: "alpha", Variant: "powerlaw", Accepted: &yes}, 2, 1},
		{"rejected", storage.EventFilter{Accepted: &no}, 2, 2},
		{"no match", storage.EventFilter{Site: "beta", Variant: "sigmoid"}, 0, 0},
		{"limit", storage.EventFilter{Limit: 3}, 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := s.ListEvents(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, events, tt.wantCount)
			if tt.wantFits > 0 {
				for _, e := range events {
					assert.Len(t, e.Fits, tt.wantFits)
				}
			}
		})
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	older := testRun(time.Date(2023, 1, 1, 0, 0, 0, 500, time.UTC))
	newer := testRun(time.Date(2023, 1, 1, 0, 0, 0, 5000, time.UTC))
	require.NoError(t, s.SaveRun(ctx, older))
	require.NoError(t, s.SaveRun(ctx, newer))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID)
	assert.Equal(t, 2, runs[0].SiteCount)
	assert.Equal(t, 2, runs[0].EventCount)
	assert.True(t, newer.StartedAt.Equal(runs[0].StartedAt))

	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestListComparisons(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	run := testRun(time.Now().UTC())
	require.NoError(t, s.SaveRun(ctx, run))

	cs, err := s.ListComparisons(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, cs, 1)

	c := cs[0]
	assert.Equal(t, run.ID, c.RunID)
	assert.Equal(t, 100, c.N)
	assert.Equal(t, -0.02, c.Bias)
	require.NotNil(t, c.SeriesWiltingPoint)
	assert.Equal(t, 0.11, *c.SeriesWiltingPoint)
	assert.Nil(t, c.ReferenceWiltingPoint)
	assert.Empty(t, c.FailureKind)

	cs, err = s.ListComparisons(ctx, "beta")
	require.NoError(t, err)
	assert.Empty(t, cs)
}

func TestDuplicateRunRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	run := testRun(time.Now().UTC())
	require.NoError(t, s.SaveRun(ctx, run))

	// Same event IDs under a new run ID violate the events primary key
	dup := *run
	dup.ID = uuid.New()
	require.Error(t, s.SaveRun(ctx, &dup))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "results.db")

	s, err := Open(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveRun(ctx, testRun(time.Now().UTC())))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, nil)
	require.NoError(t, err)
	defer s.Close()

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
