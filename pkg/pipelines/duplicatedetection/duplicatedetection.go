// Package duplicatedetection implements the pipeline
// that scans one or more repositories for
// duplicated code, records scan history, and surfaces high-impact findings
// as a notification and (optionally) an automated pull request. The actual
// duplicate-matching algorithm is an external collaborator (Scanner);
// this package owns scan-due selection, dispatch, and bookkeeping only.
package duplicatedetection

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"sidequest/pkg/classifier"
	"sidequest/pkg/eventbus"
	"sidequest/pkg/models"
	"sidequest/pkg/worker"
)

const PipelineID = "duplicate-detection"

// ScanType distinguishes a single-repository scan from a cross-repository
// one.
type ScanType string

const (
	ScanIntra ScanType = "intra"
	ScanInter ScanType = "inter"
)

// DuplicateGroup is one cluster of duplicated code found within a single
// repository.
type DuplicateGroup struct {
	Files      []string `json:"files"`
	LineCount  int      `json:"lineCount"`
	HighImpact bool     `json:"highImpact"`
}

// CrossRepoDuplicate is one cluster of duplicated code spanning repos.
type CrossRepoDuplicate struct {
	Repositories []string `json:"repositories"`
	Files        []string `json:"files"`
	LineCount    int      `json:"lineCount"`
	HighImpact   bool     `json:"highImpact"`
}

// ScanResult is what a Scanner returns for one job.
type ScanResult struct {
	Metrics                   map[string]any       `json:"metrics"`
	DuplicateGroups           []DuplicateGroup     `json:"duplicateGroups,omitempty"`
	CrossRepositoryDuplicates []CrossRepoDuplicate `json:"crossRepositoryDuplicates,omitempty"`
	Suggestions               []string             `json:"suggestions,omitempty"`
}

func (r ScanResult) highImpactCount() int {
	n := 0
	for _, g := range r.DuplicateGroups {
		if g.HighImpact {
			n++
		}
	}
	for _, d := range r.CrossRepositoryDuplicates {
		if d.HighImpact {
			n++
		}
	}
	return n
}

// Scanner is the external collaborator that does the actual duplicate
// matching; this pipeline only selects what to scan and what to do with the
// result.
type Scanner interface {
	ScanIntraProject(ctx context.Context, repo models.RepositoryConfig) (ScanResult, error)
	ScanInterProject(ctx context.Context, repos []models.RepositoryConfig, groupName string) (ScanResult, error)
}

// RepositoryStore owns the set of repositories under management. It is
// external to the runtime (its own config store), per the worker contract's
// note that RepositoryConfig is specified here only because the worker
// needs its shape.
type RepositoryStore interface {
	ListRepositories(ctx context.Context) ([]models.RepositoryConfig, error)
	RecordScan(ctx context.Context, repoName string, entry models.ScanHistoryEntry) error
}

// jobData is the pipeline-defined shape of a Duplicate-Detection job's Data
// field.
type jobData struct {
	ScanType     ScanType                  `json:"scanType"`
	Repositories []models.RepositoryConfig `json:"repositories"`
	GroupName    string                    `json:"groupName,omitempty"`
}

// jobResult is the pipeline-defined shape of a Duplicate-Detection job's
// Result field.
type jobResult struct {
	ScanType        ScanType   `json:"scanType"`
	HighImpactCount int        `json:"highImpactCount"`
	Result          ScanResult `json:"result"`
}

// Worker is the Duplicate-Detection pipeline's worker.Worker
// implementation.
type Worker struct {
	repos   RepositoryStore
	scanner Scanner
	bus     *eventbus.Bus
	logger  *zap.Logger

	dailyCron   cron.Schedule
	weeklyCron  cron.Schedule
	monthlyCron cron.Schedule
}

func New(repos RepositoryStore, scanner Scanner, bus *eventbus.Bus, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	daily, _ := parser.Parse("0 2 * * *")
	weekly, _ := parser.Parse("0 2 * * 0")
	monthly, _ := parser.Parse("0 2 1 * *")
	return &Worker{repos: repos, scanner: scanner, bus: bus, logger: logger, dailyCron: daily, weeklyCron: weekly, monthlyCron: monthly}
}

func (w *Worker) PipelineID() string { return PipelineID }

func (w *Worker) Initialize(ctx context.Context) error { return nil }

// DueRepositories lists every enabled, non-test repository whose
// scanFrequency schedule has elapsed as of at. A caller (the orchestrator's
// nightly cron trigger) uses this to decide what scan jobs to create; this
// worker never schedules jobs itself, matching the composition rule that a
// Scheduler holds a Worker and not the reverse.
func (w *Worker) DueRepositories(ctx context.Context, at time.Time) ([]models.RepositoryConfig, error) {
	all, err := w.repos.ListRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("duplicatedetection: list repositories: %w", err)
	}

	var due []models.RepositoryConfig
	for _, repo := range all {
		if !repo.Enabled || isTestRepo(repo) {
			continue
		}
		if w.isDue(repo, at) {
			due = append(due, repo)
		}
	}
	return due, nil
}

func (w *Worker) isDue(repo models.RepositoryConfig, at time.Time) bool {
	sched := w.scheduleFor(repo.ScanFrequency)
	if sched == nil {
		return false
	}
	last := time.Time{}
	if repo.LastScannedAt != nil {
		last = *repo.LastScannedAt
	}
	return !sched.Next(last).After(at)
}

func (w *Worker) scheduleFor(freq models.ScanFrequency) cron.Schedule {
	switch freq {
	case models.ScanDaily:
		return w.dailyCron
	case models.ScanWeekly:
		return w.weeklyCron
	case models.ScanMonthly:
		return w.monthlyCron
	default:
		return nil
	}
}

func isTestRepo(repo models.RepositoryConfig) bool {
	if repo.Tags != nil {
		if _, ok := repo.Tags["test"]; ok {
			return true
		}
	}
	return strings.HasPrefix(repo.Name, "test-")
}

// BuildJobData shapes the Data payload for a scan job, for the caller that
// dispatches DueRepositories results via Scheduler.CreateJob.
func BuildJobData(scanType ScanType, repos []models.RepositoryConfig, groupName string) (models.RawJSON, error) {
	b, err := json.Marshal(jobData{ScanType: scanType, Repositories: repos, GroupName: groupName})
	if err != nil {
		return nil, err
	}
	return models.RawJSON(b), nil
}

// RunJobHandler dispatches to the intra- or inter-project scanner, records
// scan history (skipping test repositories), and emits a scan-completed
// notification.
func (w *Worker) RunJobHandler(ctx context.Context, job *models.Job) (models.RawJSON, error) {
	var data jobData
	if err := json.Unmarshal(job.Data, &data); err != nil {
		return nil, &classifier.ValidationError{Field: "data", Err: fmt.Errorf("invalid scan job data: %w", err)}
	}
	if len(data.Repositories) == 0 {
		return nil, &classifier.ValidationError{Field: "repositories", Err: fmt.Errorf("at least one repository is required")}
	}

	var result ScanResult
	var err error
	switch data.ScanType {
	case ScanIntra:
		result, err = w.scanner.ScanIntraProject(ctx, data.Repositories[0])
	case ScanInter:
		result, err = w.scanner.ScanInterProject(ctx, data.Repositories, data.GroupName)
	default:
		return nil, &classifier.ValidationError{Field: "scanType", Err: fmt.Errorf("unknown scan type %q", data.ScanType)}
	}
	if err != nil {
		return nil, fmt.Errorf("duplicatedetection: scan: %w", err)
	}

	if job.CancelRequested() {
		return nil, &classifier.CancelledError{}
	}

	now := time.Now()
	for _, repo := range data.Repositories {
		if isTestRepo(repo) {
			continue
		}
		entry := models.ScanHistoryEntry{
			ScannedAt:      now,
			DuplicateCount: len(result.DuplicateGroups) + len(result.CrossRepositoryDuplicates),
			HighImpact:     result.highImpactCount(),
		}
		if recErr := w.repos.RecordScan(ctx, repo.Name, entry); recErr != nil {
			w.logger.Warn("duplicatedetection: failed to record scan history", zap.String("repo", repo.Name), zap.Error(recErr))
		}
	}

	highImpact := result.highImpactCount()
	w.bus.Publish(eventbus.NewEvent(eventbus.TopicScanCompleted, job.ID, map[string]any{
		"scanType":        data.ScanType,
		"groupName":       data.GroupName,
		"highImpactCount": highImpact,
	}))

	out, err := json.Marshal(jobResult{ScanType: data.ScanType, HighImpactCount: highImpact, Result: result})
	if err != nil {
		return nil, fmt.Errorf("duplicatedetection: marshal result: %w", err)
	}
	return models.RawJSON(out), nil
}

// RetrySafety: a scan has no side effects beyond the history update applied
// at the very end, so it is safe to retry under every transient category.
func (w *Worker) RetrySafety() worker.RetrySafety {
	return worker.RetrySafety{
		Idempotent: true,
		SafeForCategories: map[classifier.Category]bool{
			classifier.CategoryTimeout:      true,
			classifier.CategoryTransientIO:  true,
			classifier.CategoryRateLimit:    true,
			classifier.CategorySpawnFailure: true,
			classifier.CategoryUnknown:      true,
		},
	}
}

// GenerateCommitMessage/GeneratePRContext back the optional auto-PR
// delegation: when a scan turns up high-impact duplicates worth a tracked
// fix, the wrapper git workflow opens a report PR rather than the pipeline
// driving git itself.
func (w *Worker) GenerateCommitMessage(job *models.Job) worker.CommitMessage {
	var res jobResult
	_ = json.Unmarshal(job.Result, &res)
	return worker.CommitMessage{
		Title: fmt.Sprintf("docs: duplicate scan report (%d high-impact)", res.HighImpactCount),
		Body:  "Automated duplicate-detection scan findings.",
	}
}

func (w *Worker) GeneratePRContext(job *models.Job, commit worker.CommitMessage) worker.PRContext {
	return worker.PRContext{
		Title:  commit.Title,
		Body:   commit.Body,
		Labels: []string{"duplicate-detection", "automated"},
	}
}

// RepoPath returns the first repository's path — scan jobs operate across
// potentially many repos, but the wrapper git workflow commits its report to
// one designated location.
func (w *Worker) RepoPath(job *models.Job) string {
	var data jobData
	if err := json.Unmarshal(job.Data, &data); err != nil || len(data.Repositories) == 0 {
		return ""
	}
	return data.Repositories[0].Path
}

var _ worker.Worker = (*Worker)(nil)
