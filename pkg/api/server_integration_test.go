package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"sidequest/pkg/activity"
	"sidequest/pkg/classifier"
	"sidequest/pkg/clock"
	"sidequest/pkg/eventbus"
	"sidequest/pkg/models"
	"sidequest/pkg/registry"
	"sidequest/pkg/retry"
	"sidequest/pkg/scheduler"
	"sidequest/pkg/storage/postgres"
	"sidequest/pkg/worker"
)

// fakeLifecycleWorker is a minimal worker.Worker whose handler is supplied
// per-test, so the suite can exercise both the success and failure paths
// through the real HTTP surface.
type fakeLifecycleWorker struct {
	handler func(ctx context.Context, job *models.Job) (models.RawJSON, error)
}

func (w *fakeLifecycleWorker) PipelineID() string                   { return "integration-fake" }
func (w *fakeLifecycleWorker) Initialize(ctx context.Context) error { return nil }
func (w *fakeLifecycleWorker) RetrySafety() worker.RetrySafety {
	return worker.RetrySafety{Idempotent: true}
}
func (w *fakeLifecycleWorker) GenerateCommitMessage(job *models.Job) worker.CommitMessage {
	return worker.CommitMessage{Title: "integration test commit"}
}
func (w *fakeLifecycleWorker) GeneratePRContext(job *models.Job, commit worker.CommitMessage) worker.PRContext {
	return worker.PRContext{Title: commit.Title}
}
func (w *fakeLifecycleWorker) RepoPath(job *models.Job) string { return "" }
func (w *fakeLifecycleWorker) RunJobHandler(ctx context.Context, job *models.Job) (models.RawJSON, error) {
	return w.handler(ctx, job)
}

// JobLifecycleSuite drives the real API router against a real Postgres Job
// Repository, skipping if one isn't reachable.
type JobLifecycleSuite struct {
	suite.Suite
	store  *postgres.Store
	server *Server
	w      *fakeLifecycleWorker
}

func (s *JobLifecycleSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("SKIP_INTEGRATION_TESTS=true")
	}

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getEnv("TEST_DB_HOST", "localhost"),
		getEnv("TEST_DB_PORT", "5432"),
		getEnv("TEST_DB_USER", "sidequest"),
		getEnv("TEST_DB_PASS", "password"),
		getEnv("TEST_DB_NAME", "sidequest_test"),
	)

	store, err := postgres.New(dsn)
	if err != nil {
		s.T().Skipf("skipping integration suite: %v", err)
	}
	s.store = store
}

func (s *JobLifecycleSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
}

// SetupTest rebuilds the scheduler/server for every test so each test's
// handler closure and job IDs start from a clean slate.
func (s *JobLifecycleSuite) SetupTest() {
	bus := eventbus.New(nil)
	clk := clock.New()
	s.w = &fakeLifecycleWorker{}
	retryCtrl := retry.New(retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxAbsoluteAttempts: 3}, clk, bus, nil)

	sched := scheduler.New(scheduler.Config{
		PipelineID:         "integration-fake",
		MaxConcurrent:      2,
		PersistenceEnabled: true,
	}, s.w, s.store, bus, retryCtrl, clk, nil, nil)
	require.NoError(s.T(), sched.Initialize(context.Background()))
	go sched.Run(context.Background())

	reg := registry.New()
	reg.Register("integration-fake", func() (worker.Worker, error) { return s.w, nil })

	s.server = NewServer(Config{
		Port:       "0",
		Store:      s.store,
		Schedulers: map[string]*scheduler.Scheduler{"integration-fake": sched},
		Registry:   reg,
		Feed:       activity.New(10, bus, nil),
		Clock:      clk,
	})
}

func (s *JobLifecycleSuite) doRequest(method, path string, body any) *httptest.ResponseRecorder {
	var reqBody []byte
	if body != nil {
		reqBody, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.server.router.ServeHTTP(w, req)
	return w
}

func (s *JobLifecycleSuite) TestTriggerRunsToCompletion() {
	s.w.handler = func(ctx context.Context, job *models.Job) (models.RawJSON, error) {
		return models.RawJSON(`{"ok":true}`), nil
	}

	w := s.doRequest(http.MethodPost, "/api/pipelines/integration-fake/trigger", map[string]any{})
	require.Equal(s.T(), http.StatusAccepted, w.Code, w.Body.String())

	var triggerResp struct {
		JobID string `json:"jobId"`
	}
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &triggerResp))
	require.NotEmpty(s.T(), triggerResp.JobID)

	s.waitForTerminal(triggerResp.JobID)

	w = s.doRequest(http.MethodGet, "/api/jobs/"+triggerResp.JobID, nil)
	require.Equal(s.T(), http.StatusOK, w.Code)

	var getResp struct {
		Job models.Job `json:"job"`
	}
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &getResp))
	assert.Equal(s.T(), models.JobStatusCompleted, getResp.Job.Status)
}

func (s *JobLifecycleSuite) TestTriggerUnknownPipelineReturns404() {
	w := s.doRequest(http.MethodPost, "/api/pipelines/does-not-exist/trigger", map[string]any{})
	assert.Equal(s.T(), http.StatusNotFound, w.Code)
}

func (s *JobLifecycleSuite) TestNonRetryableFailureGoesStraightToFailed() {
	s.w.handler = func(ctx context.Context, job *models.Job) (models.RawJSON, error) {
		return nil, &classifier.ValidationError{Err: fmt.Errorf("always invalid")}
	}

	w := s.doRequest(http.MethodPost, "/api/pipelines/integration-fake/trigger", map[string]any{})
	require.Equal(s.T(), http.StatusAccepted, w.Code, w.Body.String())

	var triggerResp struct {
		JobID string `json:"jobId"`
	}
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &triggerResp))

	s.waitForTerminal(triggerResp.JobID)

	w = s.doRequest(http.MethodGet, "/api/jobs/"+triggerResp.JobID, nil)
	var getResp struct {
		Job models.Job `json:"job"`
	}
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &getResp))
	assert.Equal(s.T(), models.JobStatusFailed, getResp.Job.Status)
}

func (s *JobLifecycleSuite) waitForTerminal(jobID string) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.store.Get(context.Background(), jobID)
		if err == nil && job.Status.IsTerminal() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.T().Fatalf("job %s did not reach a terminal status in time", jobID)
}

func TestJobLifecycleSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration suite in short mode")
	}
	suite.Run(t, new(JobLifecycleSuite))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
