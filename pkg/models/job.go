package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a Job. Transitions only move forward:
// queued -> running -> {completed, failed, cancelled}. running -> queued is
// forbidden; a retry always creates a new Job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// RawJSON is a JSONB-backed opaque payload, used for the pipeline-defined
// data/result fields. Stored as TEXT-JSON per the persisted schema; callers
// unmarshal into their own pipeline-specific shape.
type RawJSON json.RawMessage

func (r RawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return string(r), nil
}

func (r *RawJSON) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	switch v := value.(type) {
	case string:
		*r = RawJSON(v)
		return nil
	case []byte:
		*r = RawJSON(append([]byte(nil), v...))
		return nil
	default:
		return fmt.Errorf("unsupported Scan type for RawJSON: %T", value)
	}
}

func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}

// JobError is the sum-type error shape every failed Job carries: category,
// optional code and stack, whether the classifier considered it retryable,
// and free-form context.
type JobError struct {
	Message   string         `json:"message"`
	Code      string         `json:"code,omitempty"`
	Stack     string         `json:"stack,omitempty"`
	Retryable bool           `json:"retryable"`
	Category  string         `json:"category,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

func (e *JobError) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (e *JobError) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case string:
		if v == "" {
			return nil
		}
		raw = []byte(v)
	case []byte:
		if len(v) == 0 {
			return nil
		}
		raw = v
	default:
		return fmt.Errorf("unsupported Scan type for JobError: %T", value)
	}
	return json.Unmarshal(raw, e)
}

// GitState is the per-job progress through the Git Workflow Manager's state
// machine (NoBranch is implicit — zero value).
type GitState struct {
	BranchName     string   `json:"branchName,omitempty"`
	Commits        []string `json:"commits,omitempty"`
	PullRequestURL string   `json:"pullRequestUrl,omitempty"`
}

func (g *GitState) Value() (driver.Value, error) {
	if g == nil {
		return nil, nil
	}
	b, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (g *GitState) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case string:
		if v == "" {
			return nil
		}
		raw = []byte(v)
	case []byte:
		if len(v) == 0 {
			return nil
		}
		raw = v
	default:
		return fmt.Errorf("unsupported Scan type for GitState: %T", value)
	}
	return json.Unmarshal(raw, g)
}

// Job is the runtime's single persisted entity. Unlike a schedule-config
// row joined to a separate execution-history table, each attempt — original
// or retry — is its own Job, linked only by the "-retryN" ID convention the
// Retry Controller uses to find the original ID.
type Job struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	PipelineID string    `json:"pipelineId" gorm:"column:pipeline_id;index"`
	Status     JobStatus `json:"status" gorm:"index"`

	Data   RawJSON `json:"data" gorm:"column:data;type:text"`
	Result RawJSON `json:"result,omitempty" gorm:"column:result;type:text"`

	Error      *JobError `json:"error,omitempty" gorm:"column:error;type:text"`
	ErrorType  string    `json:"-" gorm:"column:error_type"`
	RetryCount int       `json:"retryCount" gorm:"column:retry_count"`
	MaxRetries int       `json:"maxRetries" gorm:"column:max_retries"`

	CreatedAt   time.Time  `json:"createdAt" gorm:"column:created_at;index"`
	StartedAt   *time.Time `json:"startedAt,omitempty" gorm:"column:started_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" gorm:"column:completed_at"`
	Duration    *int64     `json:"duration,omitempty" gorm:"column:duration"`

	Progress         *int   `json:"progress,omitempty" gorm:"column:progress"`
	CurrentOperation string `json:"currentOperation,omitempty" gorm:"column:current_operation"`

	Git *GitState `json:"git,omitempty" gorm:"column:git;type:text"`

	// cancelRequested is in-memory only, never persisted: it is the
	// cooperative-cancel flag a running handler polls at its checkpoints.
	cancelRequested bool `gorm:"-"`
}

func (Job) TableName() string {
	return "jobs"
}

// CancelRequested reports whether cancelJob was called on this job while it
// was running.
func (j *Job) CancelRequested() bool {
	return j.cancelRequested
}

// RequestCancel flips the cooperative-cancel flag; it never forces a state
// transition by itself.
func (j *Job) RequestCancel() {
	j.cancelRequested = true
}

// ErrImmutableField is returned when a patch attempts to touch an immutable
// field.
var ErrImmutableField = errors.New("models: attempted to modify an immutable job field")

// ImmutableFields lists the Job fields the Job Repository refuses to patch.
var ImmutableFields = []string{"id", "pipelineId", "createdAt", "data"}
