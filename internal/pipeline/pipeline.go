// Package pipeline runs the drydown analysis over a batch of sites: segment
// each site's series into events, fit every configured model variant to every
// event, gate the fits and compare the series against a reference product.
//
// Sites are independent and run in parallel. A failure in one unit of work
// (an event/variant pair, a comparison) is recorded on the result and never
// stops the batch.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chrissnell/drydown/internal/compare"
	"github.com/chrissnell/drydown/internal/drydown"
	"github.com/chrissnell/drydown/internal/failure"
	"github.com/chrissnell/drydown/internal/losspet"
	"github.com/chrissnell/drydown/internal/segment"
	"github.com/chrissnell/drydown/internal/timeseries"
)

// Site is the fixed metadata of one location
type Site struct {
	Name      string  `yaml:"name" json:"name"`
	Latitude  float64 `yaml:"latitude" json:"latitude"`
	Longitude float64 `yaml:"longitude" json:"longitude"`
	DepthMM   float64 `yaml:"depth_mm" json:"depth_mm"`
}

// Input is one site's synchronized data. Reference, when set, is a second
// soil-moisture product for the same location.
type Input struct {
	Site      Site
	Data      timeseries.Synced
	Reference *timeseries.Series
}

// Failure records why a unit of work produced no result
type Failure struct {
	Kind    failure.Kind `json:"kind"`
	Message string       `json:"message"`
}

func newFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{Kind: failure.KindOf(err), Message: err.Error()}
}

// FitResult is one variant fitted to one event
type FitResult struct {
	Variant       drydown.Variant     `json:"variant"`
	Model         drydown.FittedModel `json:"-"`
	Parameters    map[string]float64  `json:"parameters,omitempty"`
	Stats         drydown.Stats       `json:"stats"`
	DenormalizedK float64             `json:"k_denormalized"`
	ETMax         float64             `json:"et_max"`
	Verdict       drydown.Verdict     `json:"verdict"`
	Failure       *Failure            `json:"failure,omitempty"`
}

// EventResult is one drydown event and its fits
type EventResult struct {
	ID          uuid.UUID      `json:"id"`
	Site        string         `json:"site"`
	Start       time.Time      `json:"start"`
	End         time.Time      `json:"end"`
	Values      []float64      `json:"-"`
	ValidCount  int            `json:"valid_count"`
	ElapsedDays int            `json:"elapsed_days"`
	Bounds      drydown.Bounds `json:"bounds"`
	Fits        []FitResult    `json:"fits"`
}

// Fit returns the result for one variant
func (e EventResult) Fit(v drydown.Variant) (FitResult, bool) {
	for _, f := range e.Fits {
		if f.Variant == v {
			return f, true
		}
	}
	return FitResult{}, false
}

// ComparisonResult is the agreement between a site's series and its reference
type ComparisonResult struct {
	Stats            compare.Stats          `json:"stats"`
	Failure          *Failure               `json:"failure,omitempty"`
	SeriesBounds     *compare.DensityBounds `json:"series_bounds,omitempty"`
	SeriesFailure    *Failure               `json:"series_bounds_failure,omitempty"`
	ReferenceBounds  *compare.DensityBounds `json:"reference_bounds,omitempty"`
	ReferenceFailure *Failure               `json:"reference_bounds_failure,omitempty"`
}

// SiteResult is everything computed for one site
type SiteResult struct {
	Site           Site              `json:"site"`
	Bounds         drydown.Bounds    `json:"bounds"`
	BoundsSource   BoundsSource      `json:"bounds_source"`
	BoundsFailure  *Failure          `json:"bounds_failure,omitempty"`
	SegmentFailure *Failure          `json:"segment_failure,omitempty"`
	Events         []EventResult     `json:"events"`
	Comparison     *ComparisonResult `json:"comparison,omitempty"`
	LossPET        *losspet.Result   `json:"loss_pet,omitempty"`
	LossPETFailure *Failure          `json:"loss_pet_failure,omitempty"`
}

// Run is one completed batch
type Run struct {
	ID         uuid.UUID    `json:"id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Sites      []SiteResult `json:"sites"`
}

// Runner executes batches. It is safe for concurrent use.
type Runner struct {
	cfg     Config
	fitter  *drydown.Fitter
	metrics *Metrics
	logger  *zap.SugaredLogger
}

// NewRunner validates cfg and returns a runner. metrics may be nil.
func NewRunner(cfg Config, metrics *Metrics, logger *zap.SugaredLogger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{
		cfg:     cfg,
		fitter:  drydown.NewFitter(cfg.Fit),
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Config returns the runner's configuration
func (r *Runner) Config() Config {
	return r.cfg
}

// Run processes every input with at most cfg.Workers sites in flight. It only
// returns an error when ctx is cancelled before the batch completes.
func (r *Runner) Run(ctx context.Context, inputs []Input) (*Run, error) {
	run := &Run{
		ID:        uuid.New(),
		StartedAt: time.Now().UTC(),
		Sites:     make([]SiteResult, len(inputs)),
	}
	r.logger.Infow("starting run", "run", run.ID, "sites", len(inputs), "workers", r.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for i, in := range inputs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			run.Sites[i] = r.ProcessSite(in)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("run %s interrupted: %w", run.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run %s interrupted: %w", run.ID, err)
	}

	run.FinishedAt = time.Now().UTC()
	if r.metrics != nil {
		r.metrics.Runs.Inc()
	}
	r.logger.Infow("run complete", "run", run.ID, "elapsed", run.FinishedAt.Sub(run.StartedAt))
	return run, nil
}

// ProcessSite runs the full analysis for one site
func (r *Runner) ProcessSite(in Input) SiteResult {
	logger := r.logger.With("site", in.Site.Name)
	res := SiteResult{Site: in.Site, BoundsSource: r.cfg.BoundsSource}

	depth := in.Site.DepthMM
	if depth <= 0 {
		depth = r.cfg.DefaultDepthMM
	}

	events, err := segment.Segment(in.Data, r.cfg.Segment)
	if err != nil {
		res.SegmentFailure = newFailure(err)
		logger.Warnw("unable to segment series", "error", err)
		r.countSite("segment_error")
		return res
	}
	if r.metrics != nil {
		r.metrics.Events.Add(float64(len(events)))
	}

	if r.cfg.BoundsSource != BoundsEvent {
		res.Bounds, err = r.siteBounds(in.Data.SoilMoisture)
		if err != nil {
			res.BoundsFailure = newFailure(err)
			logger.Warnw("unable to estimate site bounds; events will not be fitted", "source", r.cfg.BoundsSource, "error", err)
		}
	}
	if res.BoundsFailure != nil {
		r.countSite(string(res.BoundsFailure.Kind))
	} else {
		r.countSite("ok")
	}

	for _, ev := range events {
		res.Events = append(res.Events, r.processEvent(in.Site.Name, ev, res.Bounds, res.BoundsFailure, depth, logger))
	}

	if in.Reference != nil {
		res.Comparison = r.compare(in.Data.SoilMoisture, *in.Reference, logger)
	}

	if in.Data.HasPET() {
		lp, err := losspet.Analyze(in.Data, r.cfg.LossPET)
		if err != nil {
			res.LossPETFailure = newFailure(err)
			logger.Debugw("loss-vs-PET regression skipped", "error", err)
		} else {
			res.LossPET = &lp
		}
	}

	logger.Infow("site processed", "events", len(res.Events))
	return res
}

// siteBounds estimates a single pair of bounds from the whole series
func (r *Runner) siteBounds(sm timeseries.Series) (drydown.Bounds, error) {
	switch r.cfg.BoundsSource {
	case BoundsDensity:
		db, err := compare.EstimateBounds(sm.Values(), r.cfg.Density)
		if err != nil {
			return drydown.Bounds{}, fmt.Errorf("density bounds: %w", err)
		}
		return drydown.Bounds{WiltingPoint: db.WiltingPoint, FieldCapacity: db.FieldCapacity}, nil
	default:
		lo, _, ok := sm.MinMax()
		hi, _ := sm.Quantile(r.cfg.UpperQuantile)
		if !ok {
			return drydown.Bounds{}, fmt.Errorf("series has no valid observations: %w", failure.ErrInsufficientData)
		}
		b := drydown.Bounds{WiltingPoint: lo, FieldCapacity: hi}
		if err := b.Validate(); err != nil {
			return b, fmt.Errorf("range bounds: %v: %w", err, failure.ErrDegenerateStatistics)
		}
		return b, nil
	}
}

func (r *Runner) processEvent(site string, ev segment.Event, siteBounds drydown.Bounds, boundsFailure *Failure, depth float64, logger *zap.SugaredLogger) EventResult {
	values := ev.Values()
	er := EventResult{
		ID:          uuid.New(),
		Site:        site,
		Start:       ev.Start(),
		End:         ev.End(),
		Values:      values,
		ValidCount:  ev.ValidCount(),
		ElapsedDays: ev.ElapsedDays(),
		Bounds:      siteBounds,
	}

	if r.cfg.BoundsSource == BoundsEvent {
		lo, hi := ev.MinMax()
		er.Bounds = drydown.Bounds{WiltingPoint: lo, FieldCapacity: hi}
	}

	for _, v := range r.cfg.Variants {
		fr := FitResult{Variant: v}
		if boundsFailure != nil {
			fr.Failure = boundsFailure
			er.Fits = append(er.Fits, fr)
			r.countFit(v, string(boundsFailure.Kind))
			continue
		}

		began := time.Now()
		fit, err := r.fitter.Fit(v, values, er.Bounds)
		if r.metrics != nil {
			r.metrics.FitDuration.WithLabelValues(string(v)).Observe(time.Since(began).Seconds())
		}
		if err != nil {
			fr.Failure = newFailure(err)
			logger.Debugw("fit failed", "event", er.ID, "variant", v, "kind", fr.Failure.Kind, "error", err)
			er.Fits = append(er.Fits, fr)
			r.countFit(v, string(fr.Failure.Kind))
			continue
		}

		fr.Model = fit
		fr.Parameters = fit.Parameters()
		fr.Stats = fit.Stats()
		fr.DenormalizedK = fit.DenormalizedK()
		fr.ETMax = fit.ETMax(depth)
		fr.Verdict = r.cfg.Acceptance.Evaluate(values, er.Bounds, fit)
		er.Fits = append(er.Fits, fr)

		if fr.Verdict.Accepted {
			r.countFit(v, "accepted")
		} else {
			r.countFit(v, "rejected")
		}
	}
	return er
}

func (r *Runner) compare(series, reference timeseries.Series, logger *zap.SugaredLogger) *ComparisonResult {
	cr := &ComparisonResult{}
	ref := reference.Reindex(series.Start(), series.Len())

	a, b, err := timeseries.CoverageMask(series, ref, r.cfg.CoverageWindow)
	if err == nil {
		cr.Stats, err = compare.Compare(a, b)
	}
	if err != nil {
		cr.Failure = newFailure(err)
		logger.Debugw("comparison failed", "error", err)
		r.countComparison(string(cr.Failure.Kind))
	} else {
		r.countComparison("ok")
	}

	if db, err := compare.EstimateBounds(series.Values(), r.cfg.Density); err != nil {
		cr.SeriesFailure = newFailure(err)
	} else {
		cr.SeriesBounds = &db
	}
	if db, err := compare.EstimateBounds(ref.Values(), r.cfg.Density); err != nil {
		cr.ReferenceFailure = newFailure(err)
	} else {
		cr.ReferenceBounds = &db
	}
	return cr
}

func (r *Runner) countSite(outcome string) {
	if r.metrics != nil {
		r.metrics.Sites.WithLabelValues(outcome).Inc()
	}
}

func (r *Runner) countFit(v drydown.Variant, outcome string) {
	if r.metrics != nil {
		r.metrics.Fits.WithLabelValues(string(v), outcome).Inc()
	}
}

func (r *Runner) countComparison(outcome string) {
	if r.metrics != nil {
		r.metrics.Comparisons.WithLabelValues(outcome).Inc()
	}
}
