// Package gitworkflow implements the optional per-job branch -> commit ->
// push -> PR sequence wrapping a pipeline handler.
package gitworkflow

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/v68/github"
	"go.uber.org/zap"

	"sidequest/pkg/resilience"
)

// State is this job's position in the NoBranch -> BranchCreated ->
// Committed -> Pushed -> PRCreated state machine. Any state can move to
// Failed without failing the job itself — git failure is surfaced
// non-fatally.
type State string

const (
	StateNoBranch      State = "no-branch"
	StateBranchCreated State = "branch-created"
	StateCommitted     State = "committed"
	StatePushed        State = "pushed"
	StatePRCreated     State = "pr-created"
	StateFailed        State = "failed"
)

// Config governs branch naming, dry-run behavior, and PR creation.
type Config struct {
	Enabled          bool
	BranchPrefix     string
	BaseBranch       string // default "main"
	DryRun           bool
	EnablePRCreation bool
	PRDryRun         bool
	GitHubOwner      string
	GitHubRepo       string
	GitHubToken      string
	Author           object.Signature
}

func DefaultConfig() Config {
	return Config{
		BranchPrefix: "sidequest",
		BaseBranch:   "main",
		Author: object.Signature{
			Name:  "sidequest-bot",
			Email: "sidequest@example.org",
		},
	}
}

// CommitRequest is the pipeline-supplied shape for one commit.
type CommitRequest struct {
	Message     string
	Description string
	JobID       string
}

// PRRequest is the pipeline-supplied shape for opening a pull request.
type PRRequest struct {
	BranchName string
	Title      string
	Body       string
	Labels     []string
}

// ErrNothingToCommit is returned by CommitChanges when the worktree has no
// changes — a noop, not a failure.
var ErrNothingToCommit = fmt.Errorf("gitworkflow: nothing to commit")

// Manager drives the state machine for one pipeline's jobs. A single
// Manager is shared across jobs; all git-CLI-equivalent operations are
// scoped by the repoPath argument passed per call.
type Manager struct {
	cfg       Config
	logger    *zap.Logger
	ghBreaker *resilience.CircuitBreaker
}

func New(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		// A flaky GitHub API must not cascade into every job's "open PR"
		// step failing slowly. Every error from a PR-creation call counts as
		// a breaker failure; the error classifier is not consulted.
		ghBreaker: resilience.NewCircuitBreaker("github-pr", resilience.DefaultCircuitBreakerConfig()),
	}
}

// CreateJobBranch creates `{prefix}/{pipeline}/{jobId-descr}` off the local
// baseBranch, or off the current HEAD when no local branch of that name
// exists. Fails on a dirty working tree unless dryRun. In dryRun mode, no repo is
// touched and a synthesized branch name is returned.
func (m *Manager) CreateJobBranch(ctx context.Context, repoPath string, pipelineID, jobID, description string) (string, error) {
	branchName := fmt.Sprintf("%s/%s/%s-%s", m.cfg.BranchPrefix, pipelineID, jobID, description)

	if m.cfg.DryRun {
		return branchName, nil
	}

	if !repoExists(repoPath) {
		return "", fmt.Errorf("gitworkflow: repository path %s does not exist or is not a directory", repoPath)
	}

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("gitworkflow: open repo %s: %w", repoPath, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("gitworkflow: worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("gitworkflow: status: %w", err)
	}
	if !status.IsClean() {
		return "", fmt.Errorf("gitworkflow: dirty working tree at %s", repoPath)
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("gitworkflow: head: %w", err)
	}

	base := head.Hash()
	if baseRef, err := repo.Reference(plumbing.NewBranchReferenceName(m.cfg.BaseBranch), true); err == nil {
		base = baseRef.Hash()
	}

	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branchName), base)
	if err := repo.Storer.SetReference(ref); err != nil {
		return "", fmt.Errorf("gitworkflow: create branch ref: %w", err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{Branch: ref.Name()}); err != nil {
		return "", fmt.Errorf("gitworkflow: checkout %s: %w", branchName, err)
	}

	return branchName, nil
}

// CommitChanges stages everything under repoPath and commits. Returns
// ErrNothingToCommit (a noop, not a failure) if the worktree has nothing
// staged.
func (m *Manager) CommitChanges(ctx context.Context, repoPath string, req CommitRequest) (string, error) {
	if m.cfg.DryRun {
		return fmt.Sprintf("dryrun-%s-sha", req.JobID), nil
	}

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("gitworkflow: open repo %s: %w", repoPath, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("gitworkflow: worktree: %w", err)
	}

	if _, err := wt.Add("."); err != nil {
		return "", fmt.Errorf("gitworkflow: add: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("gitworkflow: status: %w", err)
	}
	if status.IsClean() {
		return "", ErrNothingToCommit
	}

	author := m.cfg.Author
	author.When = time.Now()

	hash, err := wt.Commit(req.Message, &git.CommitOptions{Author: &author})
	if err != nil {
		return "", fmt.Errorf("gitworkflow: commit: %w", err)
	}

	return hash.String(), nil
}

// PushBranch pushes the named branch to origin.
func (m *Manager) PushBranch(ctx context.Context, repoPath, branchName string) error {
	if m.cfg.DryRun {
		return nil
	}

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return fmt.Errorf("gitworkflow: open repo %s: %w", repoPath, err)
	}

	refSpec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branchName, branchName))
	pushOpts := &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{refSpec},
	}
	if m.cfg.GitHubToken != "" {
		pushOpts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: m.cfg.GitHubToken}
	}

	if err := repo.PushContext(ctx, pushOpts); err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("gitworkflow: push %s: %w", branchName, err)
	}
	return nil
}

// CreatePullRequest opens a PR via the GitHub API, wrapped in a circuit
// breaker so a flaky provider degrades to fast failures rather than
// stalling every job's PR step.
func (m *Manager) CreatePullRequest(ctx context.Context, req PRRequest) (string, error) {
	if !m.cfg.EnablePRCreation {
		return "", nil
	}
	if m.cfg.DryRun || m.cfg.PRDryRun {
		return fmt.Sprintf("https://github.com/%s/%s/pull/0-dryrun", m.cfg.GitHubOwner, m.cfg.GitHubRepo), nil
	}

	client := github.NewClient(nil).WithAuthToken(m.cfg.GitHubToken)

	var url string
	err := m.ghBreaker.Execute(ctx, func() error {
		pr, _, err := client.PullRequests.Create(ctx, m.cfg.GitHubOwner, m.cfg.GitHubRepo, &github.NewPullRequest{
			Title: github.Ptr(req.Title),
			Head:  github.Ptr(req.BranchName),
			Base:  github.Ptr(m.cfg.BaseBranch),
			Body:  github.Ptr(req.Body),
		})
		if err != nil {
			return err
		}
		if len(req.Labels) > 0 {
			_, _, _ = client.Issues.AddLabelsToIssue(ctx, m.cfg.GitHubOwner, m.cfg.GitHubRepo, pr.GetNumber(), req.Labels)
		}
		url = pr.GetHTMLURL()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("gitworkflow: create PR: %w", err)
	}
	return url, nil
}

// repoExists guards CreateJobBranch before go-git opens a worktree, so a
// vanished repository path fails with a clear message rather than an
// opaque open error.
func repoExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
