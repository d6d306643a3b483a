package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mediaforged/pkg/models"
	"mediaforged/pkg/storage"
)

type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore initializes the GORM connection and migrates the ledger
// schema.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.JobRecord{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) CreateJob(ctx context.Context, rec *models.JobRecord) error {
	result := s.db.WithContext(ctx).Create(rec)
	if result.Error != nil {
		return fmt.Errorf("failed to create job record: %w", result.Error)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.JobRecord, error) {
	var rec models.JobRecord
	result := s.db.WithContext(ctx).First(&rec, "id = ?", id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &rec, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, limit, offset int) ([]models.JobRecord, error) {
	var recs []models.JobRecord
	result := s.db.WithContext(ctx).
		Order("submitted_at desc").
		Limit(limit).
		Offset(offset).
		Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", result.Error)
	}
	return recs, nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.JobRecord{}).
		Where("id = ? AND state = ?", id, models.JobStatePending).
		Updates(map[string]interface{}{
			"state":      models.JobStateRunning,
			"started_at": startedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark job running: %w", result.Error)
	}
	return nil
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, id uuid.UUID, outcome models.Outcome, logURI string) error {
	result := s.db.WithContext(ctx).
		Model(&models.JobRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":        models.StateFor(outcome.Status),
			"exit_code":    outcome.ExitCode,
			"diagnostic":   outcome.Diagnostic,
			"log_uri":      logURI,
			"duration_ms":  outcome.Duration.Milliseconds(),
			"completed_at": outcome.CompletedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record outcome: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("state NOT IN ?", []models.JobState{models.JobStatePending, models.JobStateRunning}).
		Where("completed_at < ?", cutoff).
		Delete(&models.JobRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge job records: %w", result.Error)
	}
	return result.RowsAffected, nil
}
