// Package postgres is the PostgreSQL results store, built on GORM
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chrissnell/drydown/internal/log"
	"github.com/chrissnell/drydown/internal/pipeline"
	"github.com/chrissnell/drydown/internal/storage"
)

// Options controls the connection
type Options struct {
	DSN string

	// ConnectRetries bounds the exponential backoff while the database comes up
	ConnectRetries uint64
}

// Store keeps results in PostgreSQL
type Store struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

var _ storage.Store = (*Store)(nil)

// Open connects, retrying with exponential backoff, and migrates the schema
func Open(ctx context.Context, opts Options, zl *zap.SugaredLogger) (*Store, error) {
	if zl == nil {
		zl = zap.NewNop().Sugar()
	}

	dbLogger := logger.New(
		zap.NewStdLog(log.GetZapLogger()),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var db *gorm.DB
	connect := func() error {
		var err error
		db, err = gorm.Open(postgres.Open(opts.DSN), &gorm.Config{Logger: dbLogger})
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return backoff.Permanent(err)
		}
		return sqlDB.PingContext(ctx)
	}
	notify := func(err error, wait time.Duration) {
		zl.Warnw("unable to reach PostgreSQL, retrying", "error", err, "wait", wait)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), opts.ConnectRetries), ctx)
	zl.Info("connecting to PostgreSQL...")
	if err := backoff.RetryNotify(connect, b, notify); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&runModel{}, &eventModel{}, &fitModel{}, &comparisonModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate PostgreSQL schema: %w", err)
	}

	zl.Info("PostgreSQL store ready")
	return &Store{db: db, logger: zl}, nil
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveRun writes a run and everything it produced in one transaction
func (s *Store) SaveRun(ctx context.Context, run *pipeline.Run) error {
	rr, events, comparisons := storage.Records(run)

	models := make([]eventModel, 0, len(events))
	for _, e := range events {
		m, err := toEventModel(e)
		if err != nil {
			return err
		}
		models = append(models, m)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rm := toRunModel(rr)
		if err := tx.Create(&rm).Error; err != nil {
			return fmt.Errorf("failed to insert run %s: %w", rr.ID, err)
		}
		if len(models) > 0 {
			if err := tx.CreateInBatches(&models, 100).Error; err != nil {
				return fmt.Errorf("failed to insert events: %w", err)
			}
		}
		for _, c := range comparisons {
			cm := toComparisonModel(c)
			if err := tx.Create(&cm).Error; err != nil {
				return fmt.Errorf("failed to insert comparison for %s: %w", c.Site, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Infow("saved run", "run", rr.ID, "events", len(events), "comparisons", len(comparisons))
	return nil
}

// ListRuns returns the newest runs first
func (s *Store) ListRuns(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	var models []runModel
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	out := make([]storage.RunRecord, len(models))
	for i, m := range models {
		out[i] = m.record()
	}
	return out, nil
}

// ListEvents returns matching events in chronological order
func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) ([]storage.EventRecord, error) {
	q := s.db.WithContext(ctx).Preload("Fits", func(db *gorm.DB) *gorm.DB {
		return db.Order("variant")
	})
	if filter.Site != "" {
		q = q.Where("site = ?", filter.Site)
	}
	if filter.RunID != nil {
		q = q.Where("run_id = ?", *filter.RunID)
	}

	var models []eventModel
	if err := q.Order("site, start_day").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	var out []storage.EventRecord
	for _, m := range models {
		e, ok := filter.Apply(m.record())
		if !ok {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// GetEvent returns one event with its fits and observations
func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (storage.EventRecord, error) {
	var m eventModel
	err := s.db.WithContext(ctx).Preload("Fits").First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.EventRecord{}, fmt.Errorf("event %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("failed to query event %s: %w", id, err)
	}
	return m.record(), nil
}

// ListComparisons returns a site's comparisons, newest run first
func (s *Store) ListComparisons(ctx context.Context, site string) ([]storage.ComparisonRecord, error) {
	var models []comparisonModel
	err := s.db.WithContext(ctx).
		Joins("JOIN runs ON runs.id = comparisons.run_id").
		Where("comparisons.site = ?", site).
		Order("runs.started_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query comparisons: %w", err)
	}

	out := make([]storage.ComparisonRecord, len(models))
	for i, m := range models {
		out[i] = m.record()
	}
	return out, nil
}
