// Package schemaenhancement implements the pipeline
// that injects structured data (e.g. JSON-LD)
// into a target document, guarded by an idempotence check so re-running an
// already-enhanced file is a no-op rather than a duplicate injection. Schema
// production itself is an external collaborator (Generator); this package
// owns the read/detect/write/idempotence flow and the wrapper git workflow
// hooks.
package schemaenhancement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"sidequest/pkg/classifier"
	"sidequest/pkg/models"
	"sidequest/pkg/worker"
)

const PipelineID = "schema-enhancement"

// structuredDataMarker is the substring already-enhanced documents carry;
// its presence is the idempotence guard's detection signal.
const structuredDataMarker = "application/ld+json"

// SchemaMeta is the descriptive metadata a Generator returns alongside the
// injected bytes, used to compute impact metrics.
type SchemaMeta struct {
	SchemaType     string `json:"schemaType"`
	FieldsInjected int    `json:"fieldsInjected"`
}

// Generator is the external collaborator that produces and validates the
// structured-data block to inject; this pipeline only decides whether to
// call it and what to do with the result.
type Generator interface {
	Generate(ctx context.Context, path string, content []byte) (injected []byte, meta SchemaMeta, err error)
}

// jobData is the pipeline-defined shape of a Schema-Enhancement job's Data
// field.
type jobData struct {
	TargetFile string `json:"targetFile"`
	DryRun     bool   `json:"dryRun"`
}

// jobResult is the pipeline-defined shape of a Schema-Enhancement job's
// Result field.
type jobResult struct {
	Skipped        bool   `json:"skipped"`
	Reason         string `json:"reason,omitempty"`
	SchemaType     string `json:"schemaType,omitempty"`
	FieldsInjected int    `json:"fieldsInjected,omitempty"`
	BytesAdded     int    `json:"bytesAdded,omitempty"`
}

// Config configures the Schema-Enhancement Worker.
type Config struct {
	// RepoRoot is the repository the wrapper git workflow operates on;
	// TargetFile in job data is relative to it.
	RepoRoot string
}

// Worker is the Schema-Enhancement pipeline's worker.Worker implementation.
type Worker struct {
	cfg       Config
	generator Generator
	logger    *zap.Logger
}

func New(cfg Config, generator Generator, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{cfg: cfg, generator: generator, logger: logger}
}

func (w *Worker) PipelineID() string { return PipelineID }

func (w *Worker) Initialize(ctx context.Context) error { return nil }

// RunJobHandler reads the target file, skips it if structured data is
// already present, otherwise generates and injects a schema block, computes
// impact metrics, and writes the result back unless DryRun is set.
func (w *Worker) RunJobHandler(ctx context.Context, job *models.Job) (models.RawJSON, error) {
	var data jobData
	if err := json.Unmarshal(job.Data, &data); err != nil {
		return nil, &classifier.ValidationError{Field: "data", Err: fmt.Errorf("invalid schema-enhancement job data: %w", err)}
	}
	if data.TargetFile == "" {
		return nil, &classifier.ValidationError{Field: "targetFile", Err: fmt.Errorf("targetFile is required")}
	}

	path := data.TargetFile
	if w.cfg.RepoRoot != "" && !filepath.IsAbs(path) {
		path = filepath.Join(w.cfg.RepoRoot, path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schemaenhancement: read target file: %w", err)
	}

	if bytes.Contains(content, []byte(structuredDataMarker)) {
		return marshalResult(jobResult{Skipped: true, Reason: "already contains structured data"})
	}

	injected, meta, err := w.generator.Generate(ctx, path, content)
	if err != nil {
		return nil, fmt.Errorf("schemaenhancement: generate schema: %w", err)
	}

	if job.CancelRequested() {
		return nil, &classifier.CancelledError{}
	}

	if !data.DryRun {
		if err := os.WriteFile(path, injected, 0644); err != nil {
			return nil, fmt.Errorf("schemaenhancement: write target file: %w", err)
		}
	}

	return marshalResult(jobResult{
		SchemaType:     meta.SchemaType,
		FieldsInjected: meta.FieldsInjected,
		BytesAdded:     len(injected) - len(content),
	})
}

func marshalResult(r jobResult) (models.RawJSON, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("schemaenhancement: marshal result: %w", err)
	}
	return models.RawJSON(b), nil
}

// RetrySafety: the idempotence guard makes a retry of this handler a true
// no-op once the first attempt's write succeeded, so every transient
// category is safe to retry.
func (w *Worker) RetrySafety() worker.RetrySafety {
	return worker.RetrySafety{
		Idempotent: true,
		SafeForCategories: map[classifier.Category]bool{
			classifier.CategoryTimeout:     true,
			classifier.CategoryTransientIO: true,
			classifier.CategoryUnknown:     true,
		},
	}
}

// GenerateCommitMessage/GeneratePRContext back the wrapper git workflow's
// single end-of-job commit — this pipeline never issues its own commits.
func (w *Worker) GenerateCommitMessage(job *models.Job) worker.CommitMessage {
	var res jobResult
	_ = json.Unmarshal(job.Result, &res)
	if res.Skipped {
		return worker.CommitMessage{Title: "chore: schema enhancement (no-op)", Body: res.Reason}
	}
	return worker.CommitMessage{
		Title: fmt.Sprintf("feat: inject %s structured data", res.SchemaType),
		Body:  fmt.Sprintf("Automated schema enhancement injected %d field(s).", res.FieldsInjected),
	}
}

func (w *Worker) GeneratePRContext(job *models.Job, commit worker.CommitMessage) worker.PRContext {
	return worker.PRContext{
		Title:  commit.Title,
		Body:   commit.Body,
		Labels: []string{"schema-enhancement", "automated"},
	}
}

func (w *Worker) RepoPath(job *models.Job) string {
	return w.cfg.RepoRoot
}

var _ worker.Worker = (*Worker)(nil)
