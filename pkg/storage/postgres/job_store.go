package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sidequest/pkg/models"
	"sidequest/pkg/storage"
)

// Store is the GORM-backed Job Repository: a single jobs table where each
// attempt — original or retry — is its own row.
type Store struct {
	db *gorm.DB
}

// New connects to Postgres and AutoMigrates the jobs table.
func New(connString string) (*Store, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Info),
		PrepareStmt: true, // cache prepared statements for performance
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

	if err := db.AutoMigrate(&models.Job{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Insert persists a new job. Returns storage.ErrConflict if id exists.
func (s *Store) Insert(ctx context.Context, job *models.Job) error {
	result := s.db.WithContext(ctx).Create(job)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return storage.ErrConflict
		}
		return &storage.StorageError{Op: "insert", Err: result.Error}
	}
	return nil
}

// Update applies a partial update to mutable fields only.
func (s *Store) Update(ctx context.Context, id string, patch map[string]any) error {
	for _, immutable := range models.ImmutableFields {
		if _, touched := patch[immutable]; touched {
			return models.ErrImmutableField
		}
	}

	result := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).Updates(patch)
	if result.Error != nil {
		return &storage.StorageError{Op: "update", Err: result.Error}
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	result := s.db.WithContext(ctx).First(&job, "id = ?", id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, &storage.StorageError{Op: "get", Err: result.Error}
	}
	return &job, nil
}

// ListByPipeline returns a pipeline-scoped, newest-first page.
func (s *Store) ListByPipeline(ctx context.Context, pipelineID string, opts storage.ListOptions) (storage.ListResult, error) {
	return s.list(ctx, s.db.WithContext(ctx).Where("pipeline_id = ?", pipelineID), opts)
}

// ListAll returns a cross-pipeline, newest-first page.
func (s *Store) ListAll(ctx context.Context, opts storage.ListOptions) (storage.ListResult, error) {
	return s.list(ctx, s.db.WithContext(ctx), opts)
}

func (s *Store) list(ctx context.Context, query *gorm.DB, opts storage.ListOptions) (storage.ListResult, error) {
	if opts.Status != "" {
		query = query.Where("status = ?", opts.Status)
	}

	var result storage.ListResult
	if opts.IncludeTotal {
		var total int64
		if err := query.Session(&gorm.Session{}).Model(&models.Job{}).Count(&total).Error; err != nil {
			return result, &storage.StorageError{Op: "count", Err: err}
		}
		result.Total = &total
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var jobs []models.Job
	// newest-first by startedAt, falling back to createdAt.
	dbResult := query.
		Order("COALESCE(started_at, created_at) desc").
		Limit(limit).
		Offset(opts.Offset).
		Find(&jobs)
	if dbResult.Error != nil {
		return result, &storage.StorageError{Op: "list", Err: dbResult.Error}
	}

	result.Jobs = jobs
	return result, nil
}

// BulkImport inserts every record whose ID is not already present.
// Idempotent: a second call with the same batch reports everything as
// skipped.
func (s *Store) BulkImport(ctx context.Context, records []models.Job) (storage.BulkImportResult, error) {
	var result storage.BulkImportResult

	for i := range records {
		rec := records[i]
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var existing models.Job
			lookupErr := tx.First(&existing, "id = ?", rec.ID).Error
			if lookupErr == nil {
				result.Skipped++
				return nil
			}
			if lookupErr != gorm.ErrRecordNotFound {
				return lookupErr
			}
			if createErr := tx.Create(&rec).Error; createErr != nil {
				return createErr
			}
			result.Imported++
			return nil
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rec.ID, err))
		}
	}

	return result, nil
}

// ListRunning returns every job left in the running state, for the startup
// abandoned-job sweep.
func (s *Store) ListRunning(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	result := s.db.WithContext(ctx).Where("status = ?", models.JobStatusRunning).Find(&jobs)
	if result.Error != nil {
		return nil, &storage.StorageError{Op: "list-running", Err: result.Error}
	}
	return jobs, nil
}

func isUniqueViolation(err error) bool {
	// Postgres unique_violation SQLSTATE is 23505; pgx/pq both surface it
	// in the error string when GORM doesn't unwrap a structured code.
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "violates unique constraint")
}
