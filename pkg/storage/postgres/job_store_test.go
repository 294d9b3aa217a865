package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"sidequest/pkg/models"
	"sidequest/pkg/storage"
)

// JobStoreSuite exercises the real GORM/Postgres store, skipping if no
// database is reachable — the same escape hatch the Redis mirror suite uses.
type JobStoreSuite struct {
	suite.Suite
	store  *Store
	prefix string
}

func (s *JobStoreSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("SKIP_INTEGRATION_TESTS=true")
	}

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		dsn = "host=localhost user=postgres password=postgres dbname=sidequest_test port=5432 sslmode=disable"
	}

	store, err := New(dsn)
	if err != nil {
		s.T().Skipf("skipping job store suite: %v", err)
	}
	s.store = store
	s.prefix = fmt.Sprintf("t%d", time.Now().UnixNano())
}

func (s *JobStoreSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
}

func (s *JobStoreSuite) id(suffix string) string {
	return s.prefix + "-" + suffix
}

func (s *JobStoreSuite) newJob(suffix, pipeline string, status models.JobStatus) *models.Job {
	return &models.Job{
		ID:         s.id(suffix),
		PipelineID: pipeline,
		Status:     status,
		Data:       models.RawJSON(`{"target":"/repos/x"}`),
		CreatedAt:  time.Now().UTC(),
	}
}

func (s *JobStoreSuite) TestInsertThenGetRoundTrips() {
	ctx := context.Background()
	job := s.newJob("rt", "repomix", models.JobStatusQueued)
	require.NoError(s.T(), s.store.Insert(ctx, job))

	got, err := s.store.Get(ctx, job.ID)
	require.NoError(s.T(), err)
	require.Equal(s.T(), job.ID, got.ID)
	require.Equal(s.T(), job.PipelineID, got.PipelineID)
	require.Equal(s.T(), models.JobStatusQueued, got.Status)
	require.JSONEq(s.T(), string(job.Data), string(got.Data))
}

func (s *JobStoreSuite) TestInsertDuplicateIDConflicts() {
	ctx := context.Background()
	job := s.newJob("dup", "repomix", models.JobStatusQueued)
	require.NoError(s.T(), s.store.Insert(ctx, job))

	err := s.store.Insert(ctx, s.newJob("dup", "repomix", models.JobStatusQueued))
	require.ErrorIs(s.T(), err, storage.ErrConflict)
}

func (s *JobStoreSuite) TestUpdateRejectsImmutableFields() {
	ctx := context.Background()
	job := s.newJob("imm", "repomix", models.JobStatusQueued)
	require.NoError(s.T(), s.store.Insert(ctx, job))

	err := s.store.Update(ctx, job.ID, map[string]any{"data": `{"tampered":true}`})
	require.ErrorIs(s.T(), err, models.ErrImmutableField)
}

func (s *JobStoreSuite) TestUpdateUnknownIDIsNotFound() {
	err := s.store.Update(context.Background(), s.id("ghost"), map[string]any{"status": models.JobStatusFailed})
	require.ErrorIs(s.T(), err, storage.ErrNotFound)
}

func (s *JobStoreSuite) TestUpdateTerminalFieldsPersist() {
	ctx := context.Background()
	job := s.newJob("term", "repomix", models.JobStatusRunning)
	require.NoError(s.T(), s.store.Insert(ctx, job))

	now := time.Now().UTC()
	require.NoError(s.T(), s.store.Update(ctx, job.ID, map[string]any{
		"status":       models.JobStatusFailed,
		"completed_at": &now,
		"error": &models.JobError{
			Message:  "spawn failed",
			Category: "spawn-failure",
		},
	}))

	got, err := s.store.Get(ctx, job.ID)
	require.NoError(s.T(), err)
	require.Equal(s.T(), models.JobStatusFailed, got.Status)
	require.NotNil(s.T(), got.CompletedAt)
	require.NotNil(s.T(), got.Error)
	require.Equal(s.T(), "spawn-failure", got.Error.Category)
}

func (s *JobStoreSuite) TestListByPipelineFiltersAndCounts() {
	ctx := context.Background()
	pipeline := s.id("list-pipe")
	for i := 0; i < 3; i++ {
		require.NoError(s.T(), s.store.Insert(ctx, s.newJob(fmt.Sprintf("lp%d", i), pipeline, models.JobStatusQueued)))
	}
	require.NoError(s.T(), s.store.Insert(ctx, s.newJob("lp-done", pipeline, models.JobStatusCompleted)))

	res, err := s.store.ListByPipeline(ctx, pipeline, storage.ListOptions{
		Status:       models.JobStatusQueued,
		Limit:        10,
		IncludeTotal: true,
	})
	require.NoError(s.T(), err)
	require.Len(s.T(), res.Jobs, 3)
	require.NotNil(s.T(), res.Total)
	require.EqualValues(s.T(), 3, *res.Total)
	for _, j := range res.Jobs {
		require.Equal(s.T(), models.JobStatusQueued, j.Status)
	}
}

func (s *JobStoreSuite) TestBulkImportIsIdempotent() {
	ctx := context.Background()
	batch := []models.Job{
		*s.newJob("bulk-a", "repomix", models.JobStatusCompleted),
		*s.newJob("bulk-b", "repomix", models.JobStatusFailed),
	}

	first, err := s.store.BulkImport(ctx, batch)
	require.NoError(s.T(), err)
	require.Equal(s.T(), 2, first.Imported)
	require.Equal(s.T(), 0, first.Skipped)

	second, err := s.store.BulkImport(ctx, batch)
	require.NoError(s.T(), err)
	require.Equal(s.T(), 0, second.Imported)
	require.Equal(s.T(), 2, second.Skipped)
	require.Empty(s.T(), second.Errors)
}

func (s *JobStoreSuite) TestListRunningFindsAbandonedCandidates() {
	ctx := context.Background()
	job := s.newJob("abandon", s.id("abandon-pipe"), models.JobStatusRunning)
	require.NoError(s.T(), s.store.Insert(ctx, job))

	running, err := s.store.ListRunning(ctx)
	require.NoError(s.T(), err)

	found := false
	for _, j := range running {
		if j.ID == job.ID {
			found = true
		}
	}
	require.True(s.T(), found)
}

func TestJobStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration suite in short mode")
	}
	suite.Run(t, new(JobStoreSuite))
}
