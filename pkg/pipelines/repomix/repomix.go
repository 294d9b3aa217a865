// Package repomix is the pipeline that packages a repository into a single
// digest file by spawning the external `repomix` tool and mirroring its
// output as a job artifact.
package repomix

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"sidequest/pkg/artifact"
	"sidequest/pkg/classifier"
	"sidequest/pkg/executor/runner"
	"sidequest/pkg/models"
	"sidequest/pkg/worker"
)

const PipelineID = "repomix"

// jobData is the pipeline-defined shape of a Repomix job's Data field.
type jobData struct {
	TargetDir         string   `json:"targetDir"`
	IgnorePatterns    []string `json:"ignorePatterns,omitempty"`
	AdditionalIgnores []string `json:"additionalIgnores,omitempty"`
}

// jobResult is the pipeline-defined shape of a Repomix job's Result field.
type jobResult struct {
	ArtifactRef string `json:"artifactRef"`
	OutputBytes int    `json:"outputBytes"`
	ExitCode    int    `json:"exitCode"`
}

// Config configures the Repomix Worker.
type Config struct {
	BinaryPath       string // default "repomix"
	SpawnTimeout     time.Duration
	PreflightTimeout time.Duration
	// MaxMemoryPercent is the VirtualMemory().UsedPercent ceiling above
	// which a spawn is deferred (retryable) rather than risking an OOM
	// kill partway through packaging a large repository.
	MaxMemoryPercent float64
	// MaxCapturedOutput bounds how much of stdout/stderr is retained in
	// the job's error context; the external tool's own output file is
	// unaffected.
	MaxCapturedOutput int
}

func DefaultConfig() Config {
	return Config{
		BinaryPath:        "repomix",
		SpawnTimeout:      10 * time.Minute,
		PreflightTimeout:  5 * time.Second,
		MaxMemoryPercent:  90,
		MaxCapturedOutput: 4096,
	}
}

// Worker is the Repomix pipeline's worker.Worker implementation.
type Worker struct {
	cfg       Config
	runner    runner.JobRunner
	artifacts artifact.Store
	logger    *zap.Logger
}

func New(cfg Config, r runner.JobRunner, artifacts artifact.Store, logger *zap.Logger) *Worker {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "repomix"
	}
	if cfg.SpawnTimeout == 0 {
		cfg.SpawnTimeout = 10 * time.Minute
	}
	if cfg.PreflightTimeout == 0 {
		cfg.PreflightTimeout = 5 * time.Second
	}
	if cfg.MaxMemoryPercent == 0 {
		cfg.MaxMemoryPercent = 90
	}
	if cfg.MaxCapturedOutput == 0 {
		cfg.MaxCapturedOutput = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{cfg: cfg, runner: r, artifacts: artifacts, logger: logger}
}

func (w *Worker) PipelineID() string { return PipelineID }

// Initialize checks the external tool responds to --version. A timeout here
// is tolerated (logged, not failed) since a loaded box can be slow to fork a
// process that will still work fine once actually dispatched.
func (w *Worker) Initialize(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.cfg.PreflightTimeout)
	defer cancel()

	res := w.runner.Run(pctx, w.cfg.BinaryPath, []string{"--version"})
	if pctx.Err() != nil {
		w.logger.Warn("repomix: preflight version check timed out, proceeding anyway")
		return nil
	}
	if res.Error != nil {
		w.logger.Warn("repomix: preflight version check failed", zap.Error(res.Error))
	}
	return nil
}

// RunJobHandler validates the target directory, runs a memory preflight,
// spawns repomix, and mirrors its output as an artifact.
func (w *Worker) RunJobHandler(ctx context.Context, job *models.Job) (models.RawJSON, error) {
	var data jobData
	if err := json.Unmarshal(job.Data, &data); err != nil {
		return nil, &classifier.ValidationError{Field: "data", Err: fmt.Errorf("invalid repomix job data: %w", err)}
	}
	if data.TargetDir == "" {
		return nil, &classifier.ValidationError{Field: "targetDir", Err: fmt.Errorf("targetDir is required")}
	}

	info, statErr := os.Stat(data.TargetDir)
	if statErr != nil || !info.IsDir() {
		return nil, &classifier.SpawnError{Cwd: data.TargetDir, Err: os.ErrNotExist}
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm.UsedPercent > w.cfg.MaxMemoryPercent {
		return nil, fmt.Errorf("repomix: deferring spawn, memory pressure at %.1f%% (limit %.1f%%)", vm.UsedPercent, w.cfg.MaxMemoryPercent)
	}

	outputPath := filepath.Join(os.TempDir(), fmt.Sprintf("repomix-%s.txt", job.ID))
	args := buildArgs(data, outputPath)

	sctx, cancel := context.WithTimeout(ctx, w.cfg.SpawnTimeout)
	defer cancel()

	res := w.runner.Run(sctx, w.cfg.BinaryPath, args)
	if res.Error != nil && res.ExitCode == -1 {
		return nil, &classifier.SpawnError{Cwd: data.TargetDir, Err: res.Error}
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("repomix: exited %d: %s", res.ExitCode, truncate(res.Stderr, w.cfg.MaxCapturedOutput))
	}

	defer os.Remove(outputPath)
	output, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("repomix: read output file: %w", err)
	}

	ref, err := w.artifacts.Store(ctx, job.ID, output)
	if err != nil {
		return nil, fmt.Errorf("repomix: mirror artifact: %w", err)
	}

	result := jobResult{ArtifactRef: ref, OutputBytes: len(output), ExitCode: res.ExitCode}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("repomix: marshal result: %w", err)
	}
	return models.RawJSON(out), nil
}

func buildArgs(data jobData, outputPath string) []string {
	args := []string{data.TargetDir, "-o", outputPath}
	if len(data.IgnorePatterns) > 0 {
		args = append(args, "--ignore", strings.Join(data.IgnorePatterns, ","))
	}
	for _, extra := range data.AdditionalIgnores {
		args = append(args, "--ignore", extra)
	}
	return args
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// RetrySafety: packaging a directory into a digest has no side effects
// beyond the output file, so every retryable category is idempotent-safe.
func (w *Worker) RetrySafety() worker.RetrySafety {
	return worker.RetrySafety{
		Idempotent: true,
		SafeForCategories: map[classifier.Category]bool{
			classifier.CategoryTimeout:      true,
			classifier.CategoryTransientIO:  true,
			classifier.CategorySpawnFailure: true,
			classifier.CategoryUnknown:      true,
		},
	}
}

func (w *Worker) GenerateCommitMessage(job *models.Job) worker.CommitMessage {
	return worker.CommitMessage{
		Title: fmt.Sprintf("chore: refresh repomix digest (%s)", job.ID),
		Body:  "Automated digest regeneration via the repomix pipeline.",
	}
}

func (w *Worker) GeneratePRContext(job *models.Job, commit worker.CommitMessage) worker.PRContext {
	return worker.PRContext{
		Title:  commit.Title,
		Body:   commit.Body,
		Labels: []string{"repomix", "automated"},
	}
}

// RepoPath reads the same targetDir the handler validated, so the wrapper
// git workflow (if enabled for this pipeline) operates on the packaged
// repository itself.
func (w *Worker) RepoPath(job *models.Job) string {
	var data jobData
	if err := json.Unmarshal(job.Data, &data); err != nil {
		return ""
	}
	return data.TargetDir
}

var _ worker.Worker = (*Worker)(nil)
