package postgres

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgtype"

	"github.com/chrissnell/drydown/internal/storage"
)

type runModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	StartedAt  time.Time `gorm:"not null;index"`
	FinishedAt time.Time `gorm:"not null"`
	SiteCount  int       `gorm:"not null"`
	EventCount int       `gorm:"not null"`
}

func (runModel) TableName() string { return "runs" }

type eventModel struct {
	ID            uuid.UUID          `gorm:"type:uuid;primaryKey"`
	RunID         uuid.UUID          `gorm:"type:uuid;not null;index"`
	Site          string             `gorm:"not null;index:idx_events_site_start"`
	StartDay      time.Time          `gorm:"type:date;not null;index:idx_events_site_start"`
	EndDay        time.Time          `gorm:"type:date;not null"`
	ValidCount    int                `gorm:"not null"`
	ElapsedDays   int                `gorm:"not null"`
	WiltingPoint  float64            `gorm:"not null"`
	FieldCapacity float64            `gorm:"not null"`
	Observations  pgtype.Float8Array `gorm:"type:float8[];not null"`
	Fits          []fitModel         `gorm:"foreignKey:EventID;constraint:OnDelete:CASCADE"`
}

func (eventModel) TableName() string { return "events" }

type fitModel struct {
	EventID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Variant string    `gorm:"primaryKey"`

	K       *float64
	Q       *float64
	Theta0  *float64
	Theta50 *float64
	LossMax *float64

	N                    int
	Missing              int
	SSE                  float64
	RSquared             float64
	RMSE                 float64
	AIC                  float64
	BIC                  float64
	DenormalizedK        float64
	ETMax                float64
	Accepted             bool `gorm:"index"`
	SmallQ               bool
	RangeFraction        float64
	ObservationFrequency float64
	RejectReason         string
	FailureKind          string
	FailureMessage       string
}

func (fitModel) TableName() string { return "fits" }

type comparisonModel struct {
	RunID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Site        string    `gorm:"primaryKey"`
	N           int
	Bias        float64
	RMSE        float64
	UbRMSE      float64
	Correlation float64

	FailureKind    string
	FailureMessage string

	SeriesWiltingPoint     *float64
	SeriesFieldCapacity    *float64
	ReferenceWiltingPoint  *float64
	ReferenceFieldCapacity *float64
}

func (comparisonModel) TableName() string { return "comparisons" }

func toRunModel(r storage.RunRecord) runModel {
	return runModel{
		ID:         r.ID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		SiteCount:  r.SiteCount,
		EventCount: r.EventCount,
	}
}

func (m runModel) record() storage.RunRecord {
	return storage.RunRecord{
		ID:         m.ID,
		StartedAt:  m.StartedAt.UTC(),
		FinishedAt: m.FinishedAt.UTC(),
		SiteCount:  m.SiteCount,
		EventCount: m.EventCount,
	}
}

func toEventModel(e storage.EventRecord) (eventModel, error) {
	m := eventModel{
		ID:            e.ID,
		RunID:         e.RunID,
		Site:          e.Site,
		StartDay:      e.Start,
		EndDay:        e.End,
		ValidCount:    e.ValidCount,
		ElapsedDays:   e.ElapsedDays,
		WiltingPoint:  e.WiltingPoint,
		FieldCapacity: e.FieldCapacity,
	}
	if err := m.Observations.Set(e.Observations); err != nil {
		return eventModel{}, fmt.Errorf("encoding observations of event %s: %w", e.ID, err)
	}
	for _, f := range e.Fits {
		m.Fits = append(m.Fits, toFitModel(e.ID, f))
	}
	return m, nil
}

func (m eventModel) record() storage.EventRecord {
	e := storage.EventRecord{
		ID:            m.ID,
		RunID:         m.RunID,
		Site:          m.Site,
		Start:         m.StartDay.UTC(),
		End:           m.EndDay.UTC(),
		ValidCount:    m.ValidCount,
		ElapsedDays:   m.ElapsedDays,
		WiltingPoint:  m.WiltingPoint,
		FieldCapacity: m.FieldCapacity,
	}

	// NULL elements, which this store never writes, read back as missing
	e.Observations = make([]float64, len(m.Observations.Elements))
	for i, el := range m.Observations.Elements {
		if el.Status != pgtype.Present {
			e.Observations[i] = math.NaN()
			continue
		}
		e.Observations[i] = el.Float
	}

	for _, f := range m.Fits {
		e.Fits = append(e.Fits, f.record())
	}
	return e
}

func toFitModel(eventID uuid.UUID, f storage.FitRecord) fitModel {
	return fitModel{
		EventID:              eventID,
		Variant:              f.Variant,
		K:                    f.K,
		Q:                    f.Q,
		Theta0:               f.Theta0,
		Theta50:              f.Theta50,
		LossMax:              f.LossMax,
		N:                    f.N,
		Missing:              f.Missing,
		SSE:                  f.SSE,
		RSquared:             f.RSquared,
		RMSE:                 f.RMSE,
		AIC:                  f.AIC,
		BIC:                  f.BIC,
		DenormalizedK:        f.DenormalizedK,
		ETMax:                f.ETMax,
		Accepted:             f.Accepted,
		SmallQ:               f.SmallQ,
		RangeFraction:        f.RangeFraction,
		ObservationFrequency: f.ObservationFrequency,
		RejectReason:         f.RejectReason,
		FailureKind:          f.FailureKind,
		FailureMessage:       f.FailureMessage,
	}
}

func (m fitModel) record() storage.FitRecord {
	return storage.FitRecord{
		Variant:              m.Variant,
		K:                    m.K,
		Q:                    m.Q,
		Theta0:               m.Theta0,
		Theta50:              m.Theta50,
		LossMax:              m.LossMax,
		N:                    m.N,
		Missing:              m.Missing,
		SSE:                  m.SSE,
		RSquared:             m.RSquared,
		RMSE:                 m.RMSE,
		AIC:                  m.AIC,
		BIC:                  m.BIC,
		DenormalizedK:        m.DenormalizedK,
		ETMax:                m.ETMax,
		Accepted:             m.Accepted,
		SmallQ:               m.SmallQ,
		RangeFraction:        m.RangeFraction,
		ObservationFrequency: m.ObservationFrequency,
		RejectReason:         m.RejectReason,
		FailureKind:          m.FailureKind,
		FailureMessage:       m.FailureMessage,
	}
}

func toComparisonModel(c storage.ComparisonRecord) comparisonModel {
	return comparisonModel{
		RunID:                  c.RunID,
		Site:                   c.Site,
		N:                      c.N,
		Bias:                   c.Bias,
		RMSE:                   c.RMSE,
		UbRMSE:                 c.UbRMSE,
		Correlation:            c.Correlation,
		FailureKind:            c.FailureKind,
		FailureMessage:         c.FailureMessage,
		SeriesWiltingPoint:     c.SeriesWiltingPoint,
		SeriesFieldCapacity:    c.SeriesFieldCapacity,
		ReferenceWiltingPoint:  c.ReferenceWiltingPoint,
		ReferenceFieldCapacity: c.ReferenceFieldCapacity,
	}
}

func (m comparisonModel) record() storage.ComparisonRecord {
	return storage.ComparisonRecord{
		RunID:                  m.RunID,
		Site:                   m.Site,
		N:                      m.N,
		Bias:                   m.Bias,
		RMSE:                   m.RMSE,
		UbRMSE:                 m.UbRMSE,
		Correlation:            m.Correlation,
		FailureKind:            m.FailureKind,
		FailureMessage:         m.FailureMessage,
		SeriesWiltingPoint:     m.SeriesWiltingPoint,
		SeriesFieldCapacity:    m.SeriesFieldCapacity,
		ReferenceWiltingPoint:  m.ReferenceWiltingPoint,
		ReferenceFieldCapacity: m.ReferenceFieldCapacity,
	}
}
