// Package sqlstore persists anomaly sets, feedback logs and the per-shape
// annotation audit trail in SQLite through GORM.
package sqlstore

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/menta2k/thermal-annotator/internal/errors"
	"github.com/menta2k/thermal-annotator/internal/logging"
	"github.com/menta2k/thermal-annotator/pkg/types"
)

const component = "sqlstore"

// Options configures a Store
type Options struct {
	Logger *slog.Logger
	// Debug turns on GORM's SQL logging
	Debug bool
}

// Store is an anomaly store backed by a SQLite database. It also records the
// audit trail of every shape it is handed.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens or creates the database at path and migrates the schema
func Open(path string, opts Options) (*Store, error) {
	logLevel := gormlogger.Silent
	if opts.Debug {
		logLevel = gormlogger.Info
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, dbError(fmt.Errorf("failed to open database: %w", err), "open").
			Context("path", path).
			Build()
	}

	if err := db.AutoMigrate(&AnomalySetRow{}, &AnnotationRow{}, &ActionRow{}); err != nil {
		return nil, dbError(fmt.Errorf("failed to migrate schema: %w", err), "migrate").Build()
	}

	s := &Store{db: db, logger: logging.ForModule(opts.Logger, component)}
	s.logger.Debug("database opened", "path", path)
	return s, nil
}

// Close releases the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Seed stores an anomaly set as if it had been produced upstream
func (s *Store) Seed(ctx context.Context, ref types.ImageRef, set types.AnomalySet) error {
	row := setRow(ref)
	row.Anomalies = set.Anomalies
	row.Logs = set.Logs
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return dbError(fmt.Errorf("failed to seed anomalies: %w", err), "seed").
			Context("image_id", ref.ImageID()).
			Build()
	}
	return nil
}

// FetchAnomalies returns the stored set. An unknown image has an empty set.
func (s *Store) FetchAnomalies(ctx context.Context, ref types.ImageRef) (*types.AnomalySet, error) {
	row, err := s.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &types.AnomalySet{Anomalies: row.Anomalies, Logs: row.Logs}, nil
}

// FetchLogs returns the stored feedback logs
func (s *Store) FetchLogs(ctx context.Context, ref types.ImageRef) ([]types.FeedbackLog, error) {
	row, err := s.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return row.Logs, nil
}

// UpdateAnomalies replaces the anomaly list. Logs replace the stored array when
// given and are left untouched otherwise.
func (s *Store) UpdateAnomalies(ctx context.Context, ref types.ImageRef, anomalies []types.PersistedAnomaly, logs []types.FeedbackLog) error {
	records := make([]types.AnomalyRecord, 0, len(anomalies))
	for _, a := range anomalies {
		records = append(records, a.Record())
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := find(tx, ref)
		if err != nil {
			return err
		}
		row.Anomalies = records
		if len(logs) > 0 {
			row.Logs = logs
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		return dbError(fmt.Errorf("failed to update anomalies: %w", err), "update").
			Context("image_id", ref.ImageID()).
			Context("anomalies", len(anomalies)).
			Build()
	}
	return nil
}

// RecordActions upserts the shape's current state and appends the actions not
// yet stored
func (s *Store) RecordActions(ctx context.Context, ref types.ImageRef, shape types.Shape, actions []types.AnnotationAction) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := annotationRow(ref, shape)
		if err := tx.Omit("Actions").Save(&row).Error; err != nil {
			return err
		}
		if len(actions) == 0 {
			return nil
		}
		rows := make([]ActionRow, 0, len(actions))
		for _, a := range actions {
			rows = append(rows, actionRow(a))
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		return dbError(fmt.Errorf("failed to record actions: %w", err), "record_actions").
			Context("image_id", ref.ImageID()).
			Context("shape_id", shape.ID).
			Build()
	}
	return nil
}

// History returns the audit trail of a shape, oldest first
func (s *Store) History(ctx context.Context, shapeID string) ([]types.AnnotationAction, error) {
	var rows []ActionRow
	err := s.db.WithContext(ctx).
		Where("annotation_id = ?", shapeID).
		Order("timestamp ASC").
		Order("rowid ASC").
		Find(&rows).Error
	if err != nil {
		return nil, dbError(fmt.Errorf("failed to load history: %w", err), "history").
			Context("shape_id", shapeID).
			Build()
	}

	out := make([]types.AnnotationAction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.action())
	}
	return out, nil
}

// Annotations lists the stored shapes of an image in idx order, including
// deleted ones when includeDeleted is set
func (s *Store) Annotations(ctx context.Context, ref types.ImageRef, includeDeleted bool) ([]AnnotationRow, error) {
	q := s.db.WithContext(ctx).Where("image_id = ?", ref.ImageID())
	if !includeDeleted {
		q = q.Where("is_deleted = ?", false)
	}
	var rows []AnnotationRow
	if err := q.Order("idx ASC").Find(&rows).Error; err != nil {
		return nil, dbError(fmt.Errorf("failed to list annotations: %w", err), "annotations").
			Context("image_id", ref.ImageID()).
			Build()
	}
	return rows, nil
}

func (s *Store) load(ctx context.Context, ref types.ImageRef) (*AnomalySetRow, error) {
	row, err := find(s.db.WithContext(ctx), ref)
	if err != nil {
		return nil, dbError(fmt.Errorf("failed to load anomalies: %w", err), "load").
			Context("image_id", ref.ImageID()).
			Build()
	}
	return &row, nil
}

// find loads the row of an image, or a fresh one when none is stored
func find(tx *gorm.DB, ref types.ImageRef) (AnomalySetRow, error) {
	var row AnomalySetRow
	res := tx.Where("image_id = ?", ref.ImageID()).Limit(1).Find(&row)
	if res.Error != nil {
		return row, res.Error
	}
	if res.RowsAffected == 0 {
		row = setRow(ref)
	}
	return row, nil
}

func setRow(ref types.ImageRef) AnomalySetRow {
	return AnomalySetRow{
		ImageID:       ref.ImageID(),
		TransformerNo: ref.TransformerNo,
		InspectionNo:  ref.InspectionNo,
		ImageKind:     ref.Kind(),
	}
}

func dbError(err error, operation string) *errors.ErrorBuilder {
	return errors.New(err).
		Component(component).
		Category(errors.CategoryDatabase).
		Context("operation", operation)
}
