package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sidequest/pkg/models"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.False(t, models.JobStatusQueued.IsTerminal())
	assert.False(t, models.JobStatusRunning.IsTerminal())
	assert.True(t, models.JobStatusCompleted.IsTerminal())
	assert.True(t, models.JobStatusFailed.IsTerminal())
	assert.True(t, models.JobStatusCancelled.IsTerminal())
}

func TestRawJSON_DriverRoundTrip(t *testing.T) {
	in := models.RawJSON(`{"scanType":"intra","count":3}`)

	v, err := in.Value()
	require.NoError(t, err)

	var out models.RawJSON
	require.NoError(t, out.Scan(v))
	assert.JSONEq(t, string(in), string(out))

	// Empty payloads persist as NULL and scan back to nil.
	var empty models.RawJSON
	v, err = empty.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
	require.NoError(t, out.Scan(nil))
	assert.Nil(t, out)
}

func TestRawJSON_MarshalsInline(t *testing.T) {
	job := models.Job{
		ID:     "job-1",
		Data:   models.RawJSON(`{"target":"/repos/x"}`),
		Status: models.JobStatusQueued,
	}
	b, err := json.Marshal(job)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"data":{"target":"/repos/x"}`)
}

func TestJobError_DriverRoundTrip(t *testing.T) {
	in := &models.JobError{
		Message:   "spawn failed: fork/exec",
		Category:  "spawn-failure",
		Retryable: true,
		Context:   map[string]any{"cwd": "/tmp/gone"},
	}

	v, err := in.Value()
	require.NoError(t, err)

	out := &models.JobError{}
	require.NoError(t, out.Scan(v))
	assert.Equal(t, in.Message, out.Message)
	assert.Equal(t, in.Category, out.Category)
	assert.True(t, out.Retryable)
	assert.Equal(t, "/tmp/gone", out.Context["cwd"])

	var nilErr *models.JobError
	v, err = nilErr.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestGitState_DriverRoundTrip(t *testing.T) {
	in := &models.GitState{
		BranchName:     "sidequest/repomix/job-1-pack",
		Commits:        []string{"abc123"},
		PullRequestURL: "https://github.com/acme/tools/pull/7",
	}

	v, err := in.Value()
	require.NoError(t, err)

	out := &models.GitState{}
	require.NoError(t, out.Scan(v))
	assert.Equal(t, in, out)
}

func TestJob_CancelRequestedFlag(t *testing.T) {
	job := &models.Job{ID: "job-1", Status: models.JobStatusRunning}
	assert.False(t, job.CancelRequested())
	job.RequestCancel()
	assert.True(t, job.CancelRequested())

	started := time.Now()
	job.StartedAt = &started
	b, err := json.Marshal(job)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "cancelRequested")
}
