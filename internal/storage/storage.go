// Package storage persists pipeline runs and serves them back to the API.
// Backends live in subpackages; this package holds the backend-neutral
// records and the conversion from pipeline results.
package storage

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chrissnell/drydown/internal/drydown"
	"github.com/chrissnell/drydown/internal/pipeline"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// Store is implemented by every results backend
type Store interface {
	SaveRun(ctx context.Context, run *pipeline.Run) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]EventRecord, error)
	GetEvent(ctx context.Context, id uuid.UUID) (EventRecord, error)
	ListComparisons(ctx context.Context, site string) ([]ComparisonRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// RunRecord summarises one stored run
type RunRecord struct {
	ID         uuid.UUID `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	SiteCount  int       `json:"site_count"`
	EventCount int       `json:"event_count"`
}

// EventRecord is one stored event with its fits. Observations holds one value
// per elapsed day, NaN where missing.
type EventRecord struct {
	ID            uuid.UUID   `json:"id"`
	RunID         uuid.UUID   `json:"run_id"`
	Site          string      `json:"site"`
	Start         time.Time   `json:"start"`
	End           time.Time   `json:"end"`
	ValidCount    int         `json:"valid_count"`
	ElapsedDays   int         `json:"elapsed_days"`
	WiltingPoint  float64     `json:"wilting_point"`
	FieldCapacity float64     `json:"field_capacity"`
	Observations  []float64   `json:"-"`
	Fits          []FitRecord `json:"fits"`
}

// FitRecord is one variant's fit to an event. Parameters the variant does not
// have are nil.
type FitRecord struct {
	Variant string `json:"variant"`

	K       *float64 `json:"k,omitempty"`
	Q       *float64 `json:"q,omitempty"`
	Theta0  *float64 `json:"theta0,omitempty"`
	Theta50 *float64 `json:"theta50,omitempty"`
	// LossMax is the sigmoid's maximum loss rate parameter
	LossMax *float64 `json:"loss_max,omitempty"`

	N             int     `json:"n"`
	Missing       int     `json:"missing"`
	SSE           float64 `json:"sse"`
	RSquared      float64 `json:"r_squared"`
	RMSE          float64 `json:"rmse"`
	AIC           float64 `json:"aic"`
	BIC           float64 `json:"bic"`
	DenormalizedK float64 `json:"k_denormalized"`
	ETMax         float64 `json:"et_max"`

	Accepted             bool    `json:"accepted"`
	SmallQ               bool    `json:"small_q"`
	RangeFraction        float64 `json:"range_fraction"`
	ObservationFrequency float64 `json:"observation_frequency"`
	RejectReason         string  `json:"reject_reason,omitempty"`

	FailureKind    string `json:"failure_kind,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
}

// Failed reports whether the fit produced no model
func (f FitRecord) Failed() bool {
	return f.FailureKind != ""
}

// PowerLaw rebuilds an accepted power-law fit for loss-curve aggregation
func (f FitRecord) PowerLaw(b drydown.Bounds) (drydown.PowerLawFit, bool) {
	if f.Variant != string(drydown.VariantPowerLaw) || f.Failed() || f.K == nil || f.Q == nil || f.Theta0 == nil {
		return drydown.PowerLawFit{}, false
	}
	return drydown.PowerLawFit{
		Model:  drydown.PowerLaw{K: *f.K, Q: *f.Q, Theta0: *f.Theta0},
		Bounds: b,
		SmallQ: f.SmallQ,
		Statistics: drydown.Stats{
			N:        f.N,
			Missing:  f.Missing,
			SSE:      f.SSE,
			RSquared: f.RSquared,
			RMSE:     f.RMSE,
			AIC:      f.AIC,
			BIC:      f.BIC,
		},
	}, true
}

// Bounds returns the soil bounds the event was fitted with
func (e EventRecord) Bounds() drydown.Bounds {
	return drydown.Bounds{WiltingPoint: e.WiltingPoint, FieldCapacity: e.FieldCapacity}
}

// ComparisonRecord is a site's agreement with its reference product in one run
type ComparisonRecord struct {
	RunID       uuid.UUID `json:"run_id"`
	Site        string    `json:"site"`
	N           int       `json:"n"`
	Bias        float64   `json:"bias"`
	RMSE        float64   `json:"rmse"`
	UbRMSE      float64   `json:"ubrmse"`
	Correlation float64   `json:"correlation"`

	FailureKind    string `json:"failure_kind,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`

	SeriesWiltingPoint     *float64 `json:"series_wilting_point,omitempty"`
	SeriesFieldCapacity    *float64 `json:"series_field_capacity,omitempty"`
	ReferenceWiltingPoint  *float64 `json:"reference_wilting_point,omitempty"`
	ReferenceFieldCapacity *float64 `json:"reference_field_capacity,omitempty"`
}

// EventFilter narrows ListEvents. Zero fields match everything. When Variant
// or Accepted is set, only events with a matching fit are returned and their
// Fits are narrowed to the matches.
type EventFilter struct {
	Site     string
	RunID    *uuid.UUID
	Variant  string
	Accepted *bool
	Limit    int
}

// Apply narrows one event's fits; ok is false when the event does not match
func (f EventFilter) Apply(e EventRecord) (EventRecord, bool) {
	if f.Variant == "" && f.Accepted == nil {
		return e, true
	}
	var fits []FitRecord
	for _, fr := range e.Fits {
		if f.Variant != "" && fr.Variant != f.Variant {
			continue
		}
		if f.Accepted != nil && fr.Accepted != *f.Accepted {
			continue
		}
		fits = append(fits, fr)
	}
	if len(fits) == 0 {
		return EventRecord{}, false
	}
	e.Fits = fits
	return e, true
}

// Records flattens a pipeline run into storable records
func Records(run *pipeline.Run) (RunRecord, []EventRecord, []ComparisonRecord) {
	rr := RunRecord{
		ID:         run.ID,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		SiteCount:  len(run.Sites),
	}

	var events []EventRecord
	var comparisons []ComparisonRecord
	for _, s := range run.Sites {
		for _, ev := range s.Events {
			events = append(events, eventRecord(run.ID, ev))
		}
		if s.Comparison != nil {
			comparisons = append(comparisons, comparisonRecord(run.ID, s.Site.Name, s.Comparison))
		}
	}
	rr.EventCount = len(events)
	return rr, events, comparisons
}

func eventRecord(runID uuid.UUID, ev pipeline.EventResult) EventRecord {
	er := EventRecord{
		ID:            ev.ID,
		RunID:         runID,
		Site:          ev.Site,
		Start:         ev.Start,
		End:           ev.End,
		ValidCount:    ev.ValidCount,
		ElapsedDays:   ev.ElapsedDays,
		WiltingPoint:  ev.Bounds.WiltingPoint,
		FieldCapacity: ev.Bounds.FieldCapacity,
		Observations:  append([]float64(nil), ev.Values...),
	}
	for _, f := range ev.Fits {
		er.Fits = append(er.Fits, fitRecord(f))
	}
	return er
}

func fitRecord(f pipeline.FitResult) FitRecord {
	fr := FitRecord{Variant: string(f.Variant)}
	if f.Failure != nil {
		fr.FailureKind = string(f.Failure.Kind)
		fr.FailureMessage = f.Failure.Message
		return fr
	}

	param := func(name string) *float64 {
		if v, ok := f.Parameters[name]; ok {
			return &v
		}
		return nil
	}
	fr.K = param("k")
	fr.Q = param("q")
	fr.Theta0 = param("theta0")
	fr.Theta50 = param("theta50")
	fr.LossMax = param("et_max")

	fr.N = f.Stats.N
	fr.Missing = f.Stats.Missing
	fr.SSE = f.Stats.SSE
	fr.RSquared = f.Stats.RSquared
	fr.RMSE = f.Stats.RMSE
	fr.AIC = f.Stats.AIC
	fr.BIC = f.Stats.BIC
	fr.DenormalizedK = f.DenormalizedK
	fr.ETMax = f.ETMax
	fr.Accepted = f.Verdict.Accepted
	fr.SmallQ = f.Verdict.SmallQ
	fr.RangeFraction = f.Verdict.RangeFraction
	fr.ObservationFrequency = f.Verdict.ObservationFrequency
	fr.RejectReason = strings.Join(f.Verdict.Reasons, "; ")
	return fr
}

func comparisonRecord(runID uuid.UUID, site string, c *pipeline.ComparisonResult) ComparisonRecord {
	cr := ComparisonRecord{
		RunID:       runID,
		Site:        site,
		N:           c.Stats.N,
		Bias:        c.Stats.Bias,
		RMSE:        c.Stats.RMSE,
		UbRMSE:      c.Stats.UbRMSE,
		Correlation: c.Stats.Correlation,
	}
	if c.Failure != nil {
		cr.FailureKind = string(c.Failure.Kind)
		cr.FailureMessage = c.Failure.Message
	}
	if b := c.SeriesBounds; b != nil {
		cr.SeriesWiltingPoint, cr.SeriesFieldCapacity = finite(b.WiltingPoint), finite(b.FieldCapacity)
	}
	if b := c.ReferenceBounds; b != nil {
		cr.ReferenceWiltingPoint, cr.ReferenceFieldCapacity = finite(b.WiltingPoint), finite(b.FieldCapacity)
	}
	return cr
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
