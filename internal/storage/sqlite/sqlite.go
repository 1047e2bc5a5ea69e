// Package sqlite is the embedded results store
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/chrissnell/drydown/internal/pipeline"
	"github.com/chrissnell/drydown/internal/storage"
	"github.com/chrissnell/drydown/pkg/migrate"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	dayLayout  = "2006-01-02"
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Store keeps results in a single SQLite file
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and brings its schema
// up to date. Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database %s: %w", path, err)
	}
	// One connection serialises writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := NewMigrator(db, logger).MigrateUp(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate SQLite schema: %w", err)
	}

	logger.Infow("SQLite store ready", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// NewMigrator returns a migrator for the results schema compiled into the binary
func NewMigrator(db *sql.DB, logger *zap.SugaredLogger) *migrate.Migrator {
	return migrate.NewMigrator(db, migrate.NewFSProvider(migrations, "migrations", migrate.SQLite), logger)
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveRun writes a run and everything it produced in one transaction
func (s *Store) SaveRun(ctx context.Context, run *pipeline.Run) error {
	rr, events, comparisons := storage.Records(run)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, site_count, event_count) VALUES (?, ?, ?, ?, ?)`,
		rr.ID.String(), rr.StartedAt.UTC().Format(timeLayout), rr.FinishedAt.UTC().Format(timeLayout), rr.SiteCount, rr.EventCount,
	); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", rr.ID, err)
	}

	for _, e := range events {
		if err := insertEvent(ctx, tx, e); err != nil {
			return err
		}
	}

	for _, c := range comparisons {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO comparisons (run_id, site, n, bias, rmse, ubrmse, correlation, failure_kind, failure_message,
				series_wilting_point, series_field_capacity, reference_wilting_point, reference_field_capacity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.RunID.String(), c.Site, c.N, c.Bias, c.RMSE, c.UbRMSE, c.Correlation, c.FailureKind, c.FailureMessage,
			c.SeriesWiltingPoint, c.SeriesFieldCapacity, c.ReferenceWiltingPoint, c.ReferenceFieldCapacity,
		); err != nil {
			return fmt.Errorf("failed to insert comparison for %s: %w", c.Site, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", rr.ID, err)
	}
	s.logger.Infow("saved run", "run", rr.ID, "events", len(events), "comparisons", len(comparisons))
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e storage.EventRecord) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, run_id, site, start_day, end_day, valid_count, elapsed_days, wilting_point, field_capacity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.RunID.String(), e.Site, e.Start.Format(dayLayout), e.End.Format(dayLayout),
		e.ValidCount, e.ElapsedDays, e.WiltingPoint, e.FieldCapacity,
	); err != nil {
		return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
	}

	for day, v := range e.Observations {
		if math.IsNaN(v) {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_observations (event_id, day, value) VALUES (?, ?, ?)`,
			e.ID.String(), day, v,
		); err != nil {
			return fmt.Errorf("failed to insert observation %d of event %s: %w", day, e.ID, err)
		}
	}

	for _, f := range e.Fits {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fits (event_id, variant, k, q, theta0, theta50, loss_max, n, missing, sse, r_squared, rmse, aic, bic,
				k_denormalized, et_max, accepted, small_q, range_fraction, observation_frequency, reject_reason,
				failure_kind, failure_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID.String(), f.Variant, f.K, f.Q, f.Theta0, f.Theta50, f.LossMax, f.N, f.Missing, f.SSE, f.RSquared, f.RMSE,
			f.AIC, f.BIC, f.DenormalizedK, f.ETMax, f.Accepted, f.SmallQ, f.RangeFraction, f.ObservationFrequency,
			f.RejectReason, f.FailureKind, f.FailureMessage,
		); err != nil {
			return fmt.Errorf("failed to insert %s fit of event %s: %w", f.Variant, e.ID, err)
		}
	}
	return nil
}

// ListRuns returns the newest runs first
func (s *Store) ListRuns(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, site_count, event_count FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []storage.RunRecord
	for rows.Next() {
		var r storage.RunRecord
		var id, started, finished string
		if err := rows.Scan(&id, &started, &finished, &r.SiteCount, &r.EventCount); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListEvents returns matching events in chronological order
func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) ([]storage.EventRecord, error) {
	var where []string
	var args []interface{}
	if filter.Site != "" {
		where = append(where, "site = ?")
		args = append(args, filter.Site)
	}
	if filter.RunID != nil {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID.String())
	}

	query := `SELECT id, run_id, site, start_day, end_day, valid_count, elapsed_days, wilting_point, field_capacity FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY site, start_day"

	events, err := s.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var out []storage.EventRecord
	for _, e := range events {
		if err := s.loadFits(ctx, &e); err != nil {
			return nil, err
		}
		matched, ok := filter.Apply(e)
		if !ok {
			continue
		}
		if err := s.loadObservations(ctx, &matched); err != nil {
			return nil, err
		}
		out = append(out, matched)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// GetEvent returns one event with its fits and observations
func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (storage.EventRecord, error) {
	events, err := s.queryEvents(ctx,
		`SELECT id, run_id, site, start_day, end_day, valid_count, elapsed_days, wilting_point, field_capacity
		 FROM events WHERE id = ?`, id.String())
	if err != nil {
		return storage.EventRecord{}, err
	}
	if len(events) == 0 {
		return storage.EventRecord{}, fmt.Errorf("event %s: %w", id, storage.ErrNotFound)
	}

	e := events[0]
	if err := s.loadFits(ctx, &e); err != nil {
		return storage.EventRecord{}, err
	}
	if err := s.loadObservations(ctx, &e); err != nil {
		return storage.EventRecord{}, err
	}
	return e, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...interface{}) ([]storage.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []storage.EventRecord
	for rows.Next() {
		var e storage.EventRecord
		var id, runID, start, end string
		if err := rows.Scan(&id, &runID, &e.Site, &start, &end, &e.ValidCount, &e.ElapsedDays, &e.WiltingPoint, &e.FieldCapacity); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if e.RunID, err = uuid.Parse(runID); err != nil {
			return nil, err
		}
		if e.Start, err = time.Parse(dayLayout, start); err != nil {
			return nil, err
		}
		if e.End, err = time.Parse(dayLayout, end); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) loadFits(ctx context.Context, e *storage.EventRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT variant, k, q, theta0, theta50, loss_max, n, missing, sse, r_squared, rmse, aic, bic, k_denormalized,
			et_max, accepted, small_q, range_fraction, observation_frequency, reject_reason, failure_kind, failure_message
		FROM fits WHERE event_id = ? ORDER BY variant`, e.ID.String())
	if err != nil {
		return fmt.Errorf("failed to query fits of event %s: %w", e.ID, err)
	}
	defer rows.Close()

	e.Fits = nil
	for rows.Next() {
		var f storage.FitRecord
		var k, q, theta0, theta50, lossMax sql.NullFloat64
		if err := rows.Scan(&f.Variant, &k, &q, &theta0, &theta50, &lossMax, &f.N, &f.Missing,
			nan{&f.SSE}, nan{&f.RSquared}, nan{&f.RMSE}, nan{&f.AIC}, nan{&f.BIC}, nan{&f.DenormalizedK},
			nan{&f.ETMax}, &f.Accepted, &f.SmallQ, nan{&f.RangeFraction}, nan{&f.ObservationFrequency},
			&f.RejectReason, &f.FailureKind, &f.FailureMessage); err != nil {
			return err
		}
		f.K, f.Q, f.Theta0, f.Theta50, f.LossMax = ptr(k), ptr(q), ptr(theta0), ptr(theta50), ptr(lossMax)
		e.Fits = append(e.Fits, f)
	}
	return rows.Err()
}

func (s *Store) loadObservations(ctx context.Context, e *storage.EventRecord) error {
	e.Observations = make([]float64, e.ElapsedDays+1)
	for i := range e.Observations {
		e.Observations[i] = math.NaN()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT day, value FROM event_observations WHERE event_id = ? ORDER BY day`, e.ID.String())
	if err != nil {
		return fmt.Errorf("failed to query observations of event %s: %w", e.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var day int
		var v float64
		if err := rows.Scan(&day, &v); err != nil {
			return err
		}
		if day < 0 || day >= len(e.Observations) {
			return fmt.Errorf("event %s has observation on day %d outside its %d elapsed days", e.ID, day, e.ElapsedDays)
		}
		e.Observations[day] = v
	}
	return rows.Err()
}

// ListComparisons returns a site's comparisons, newest run first
func (s *Store) ListComparisons(ctx context.Context, site string) ([]storage.ComparisonRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.run_id, c.site, c.n, c.bias, c.rmse, c.ubrmse, c.correlation, c.failure_kind, c.failure_message,
			c.series_wilting_point, c.series_field_capacity, c.reference_wilting_point, c.reference_field_capacity
		FROM comparisons c JOIN runs r ON r.id = c.run_id
		WHERE c.site = ? ORDER BY r.started_at DESC`, site)
	if err != nil {
		return nil, fmt.Errorf("failed to query comparisons: %w", err)
	}
	defer rows.Close()

	var out []storage.ComparisonRecord
	for rows.Next() {
		var c storage.ComparisonRecord
		var runID string
		var swp, sfc, rwp, rfc sql.NullFloat64
		if err := rows.Scan(&runID, &c.Site, &c.N, nan{&c.Bias}, nan{&c.RMSE}, nan{&c.UbRMSE}, nan{&c.Correlation},
			&c.FailureKind, &c.FailureMessage, &swp, &sfc, &rwp, &rfc); err != nil {
			return nil, err
		}
		if c.RunID, err = uuid.Parse(runID); err != nil {
			return nil, err
		}
		c.SeriesWiltingPoint, c.SeriesFieldCapacity = ptr(swp), ptr(sfc)
		c.ReferenceWiltingPoint, c.ReferenceFieldCapacity = ptr(rwp), ptr(rfc)
		out = append(out, c)
	}
	return out, rows.Err()
}

// nan scans a nullable REAL, mapping NULL back to NaN. SQLite stores a bound
// NaN as NULL.
type nan struct {
	dst *float64
}

func (n nan) Scan(src interface{}) error {
	var nf sql.NullFloat64
	if err := nf.Scan(src); err != nil {
		return err
	}
	if !nf.Valid {
		*n.dst = math.NaN()
		return nil
	}
	*n.dst = nf.Float64
	return nil
}

func ptr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}
