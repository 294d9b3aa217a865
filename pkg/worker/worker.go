// Package worker defines the contract every pipeline implements: one
// mandatory handler method the compiler enforces, plus the hooks the git
// workflow wrapper and retry machinery consult.
package worker

import (
	"context"

	"sidequest/pkg/classifier"
	"sidequest/pkg/models"
)

// CommitMessage is the {title, body} pair a pipeline generates for its own
// git-workflow commit.
type CommitMessage struct {
	Title string
	Body  string
}

// PRContext is the full shape a pipeline generates for opening a pull
// request once its handler and commit have succeeded.
type PRContext struct {
	BranchName string
	Title      string
	Body       string
	Labels     []string
}

// RetrySafety declares whether this pipeline's handler tolerates being
// retried, and under which error categories specifically. The Retry
// Controller consults this before scheduling a successor: a category the
// pipeline does not declare safe is terminal even when the classifier
// considers it retryable. A nil SafeForCategories with Idempotent set
// means safe under every retryable category.
type RetrySafety struct {
	Idempotent        bool
	SafeForCategories map[classifier.Category]bool
}

// Worker is the capability every pipeline must implement. A Scheduler
// holds a Worker rather than a pipeline extending a Scheduler.
type Worker interface {
	// PipelineID identifies this pipeline for routing, metrics, and the
	// Worker Registry.
	PipelineID() string

	// Initialize performs pipeline-specific warm-up (loading config,
	// preflight checks). Idempotent — safe to call more than once.
	Initialize(ctx context.Context) error

	// RunJobHandler does the actual work. Must be idempotent with respect
	// to externally observable side effects when the same job is retried,
	// as declared by RetrySafety — a pipeline whose handler is not safe to
	// retry under a category must say so here rather than relying on the
	// classifier's default.
	RunJobHandler(ctx context.Context, job *models.Job) (models.RawJSON, error)

	// RetrySafety reports this pipeline's retry-idempotence declaration,
	// consulted by the Retry Controller on every failure.
	RetrySafety() RetrySafety

	// GenerateCommitMessage produces the wrapper git workflow's single
	// commit message for a completed job. Only called when git workflow
	// is enabled and the pipeline relies on the wrapper (single-commit)
	// behavior rather than issuing its own commits directly.
	GenerateCommitMessage(job *models.Job) CommitMessage

	// GeneratePRContext produces the wrapper git workflow's PR parameters.
	GeneratePRContext(job *models.Job, commit CommitMessage) PRContext

	// RepoPath returns the absolute path of the repository this job's git
	// workflow (if enabled) operates against. Only consulted when the
	// Scheduler's wrapper git workflow is enabled for this pipeline.
	RepoPath(job *models.Job) string
}
