package storage

import (
	"context"
	"errors"
	"time"

	"sidequest/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// ListOptions filters a pipeline- or global-scoped job listing.
type ListOptions struct {
	Status       models.JobStatus
	Limit        int
	Offset       int
	IncludeTotal bool
}

// ListResult carries the page plus an optional COUNT against the same
// filter, only populated when IncludeTotal was requested.
type ListResult struct {
	Jobs  []models.Job
	Total *int64
}

// BulkImportResult tallies a bulk-import call; records whose ID already
// exists are skipped, not errored, making repeat calls idempotent.
type BulkImportResult struct {
	Imported int
	Skipped  int
	Errors   []string
}

// JobRepository is the durable job store's public contract. Single-writer
// per job ID: the Scheduler is the only writer outside the bulk-import
// path.
type JobRepository interface {
	// Insert persists a new job. Returns ErrConflict if id already exists.
	Insert(ctx context.Context, job *models.Job) error

	// Update applies a partial update to mutable fields. Returns
	// ErrNotFound if id does not exist, ErrImmutableField if patch touches
	// an immutable field.
	Update(ctx context.Context, id string, patch map[string]any) error

	// Get retrieves a job by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*models.Job, error)

	// ListByPipeline returns jobs for one pipeline, newest-first by
	// startedAt (falling back to createdAt).
	ListByPipeline(ctx context.Context, pipelineID string, opts ListOptions) (ListResult, error)

	// ListAll returns jobs across all pipelines, newest-first.
	ListAll(ctx context.Context, opts ListOptions) (ListResult, error)

	// BulkImport inserts every record whose ID is not already present;
	// existing IDs are skipped. Idempotent across repeated calls with the
	// same batch.
	BulkImport(ctx context.Context, records []models.Job) (BulkImportResult, error)

	// ListRunning returns every job left in the running state — used by
	// the startup abandoned-job sweep.
	ListRunning(ctx context.Context) ([]models.Job, error)
}

// StorageError wraps a persistence failure. The Scheduler treats these as
// non-fatal for in-memory correctness — it logs and emits an event rather
// than failing the handler — but callers that need to distinguish a genuine
// storage fault from ErrNotFound/ErrConflict can unwrap this.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// Clock is the narrow time dependency the storage layer needs for default
// timestamps (kept separate from pkg/clock.Clock to avoid an import cycle
// with models).
type Clock interface {
	Now() time.Time
}
