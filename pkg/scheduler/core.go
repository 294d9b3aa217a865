// Package scheduler is the generic per-pipeline worker base: a queue plus
// active set enforcing maxConcurrent, driving the Job state machine,
// emitting lifecycle events, and orchestrating retries and the optional
// git workflow wrapper.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/zap"

	"sidequest/pkg/classifier"
	"sidequest/pkg/clock"
	"sidequest/pkg/eventbus"
	"sidequest/pkg/gitworkflow"
	"sidequest/pkg/lock"
	"sidequest/pkg/metrics"
	"sidequest/pkg/models"
	"sidequest/pkg/retry"
	"sidequest/pkg/storage"
	"sidequest/pkg/worker"
)

// Config configures one pipeline's Scheduler.
type Config struct {
	PipelineID          string
	MaxConcurrent       int
	PersistenceEnabled  bool
	GitWorkflowEnabled  bool
	RetryAttempts       int
	RetryDelay          time.Duration
	MaxAbsoluteAttempts int
}

// Stats is the snapshot GetStats returns.
type Stats struct {
	Total     int
	Queued    int
	Active    int
	Completed int
	Failed    int
	Cancelled int
}

// CancelResult is returned by CancelJob.
type CancelResult struct {
	OK     bool
	Reason string
}

type runningJob struct {
	job    *models.Job
	cancel context.CancelFunc
}

// Scheduler is the generic per-pipeline worker base. Pipelines hold one of
// these rather than extending it, and supply a worker.Worker to drive
// RunJobHandler.
type Scheduler struct {
	cfg    Config
	w      worker.Worker
	store  storage.JobRepository
	bus    *eventbus.Bus
	retry  *retry.Controller
	clk    clock.Clock
	gitWF  *gitworkflow.Manager
	logger *zap.Logger

	// repoLock is optional (nil by default): when set, at most one job may
	// run concurrently against any repository path, for any job whose
	// worker.RepoPath is non-empty. Pipelines that never touch a
	// repository path (RepoPath returning "") are unaffected.
	repoLock *lock.RepoLock

	mu      sync.Mutex
	queue   []*models.Job
	active  map[string]*runningJob
	jobs    map[string]*models.Job
	paused  bool
	closing bool
	wakeCh  chan struct{}

	doneWG sync.WaitGroup
}

// New constructs a Scheduler for one pipeline. gitWF may be nil when
// cfg.GitWorkflowEnabled is false.
func New(cfg Config, w worker.Worker, store storage.JobRepository, bus *eventbus.Bus, retryCtrl *retry.Controller, clk clock.Clock, gitWF *gitworkflow.Manager, logger *zap.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:    cfg,
		w:      w,
		store:  store,
		bus:    bus,
		retry:  retryCtrl,
		clk:    clk,
		gitWF:  gitWF,
		logger: logger,
		active: make(map[string]*runningJob),
		jobs:   make(map[string]*models.Job),
		wakeCh: make(chan struct{}, 1),
	}
}

// PipelineID identifies the pipeline this Scheduler serves.
func (s *Scheduler) PipelineID() string { return s.cfg.PipelineID }

// SetRepoLock wires the per-repository-path mutex. Optional: a
// Scheduler with no repo lock configured simply does not serialize by
// repository path (acceptable for pipelines that never set RepoPath).
func (s *Scheduler) SetRepoLock(l *lock.RepoLock) { s.repoLock = l }

// Initialize delegates to the pipeline's own warm-up; idempotent by
// contract of worker.Worker.Initialize.
func (s *Scheduler) Initialize(ctx context.Context) error {
	return s.w.Initialize(ctx)
}

// RestoreAbandoned marks every job this Scheduler's store still has in the
// running state as failed/abandoned — the startup sweep that recovers from
// a crash mid-dispatch, since nothing survives an in-memory active set
// restart. Call once before Run.
func (s *Scheduler) RestoreAbandoned(ctx context.Context) error {
	if !s.cfg.PersistenceEnabled {
		return nil
	}
	running, err := s.store.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list running jobs: %w", err)
	}
	for i := range running {
		job := running[i]
		if job.PipelineID != s.cfg.PipelineID {
			continue
		}
		now := s.clk.Now()
		patch := map[string]any{
			"status":       models.JobStatusFailed,
			"completed_at": &now,
			"error": &models.JobError{
				Message:   "abandoned: orchestrator restarted while job was running",
				Retryable: false,
				Category:  "abandoned",
			},
		}
		if err := s.store.Update(ctx, job.ID, patch); err != nil {
			s.logger.Warn("scheduler: failed to mark abandoned job",
				zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		s.bus.Publish(eventbus.NewEvent(eventbus.TopicJobFailed, job.ID, map[string]any{
			"pipelineId": s.cfg.PipelineID,
			"reason":     "abandoned",
		}))
	}
	return nil
}

// ErrShuttingDown is returned by CreateJob once Shutdown has been called.
var ErrShuttingDown = fmt.Errorf("scheduler: shutting down, not accepting new jobs")

// ErrJobExists is returned by CreateJob when id is already known to this
// Scheduler, matching the requirement that concurrent createJob calls with
// the same ID fail deterministically rather than racing.
var ErrJobExists = fmt.Errorf("scheduler: job id already exists")

// CreateJob constructs a queued Job, persists it, emits job:created, and
// wakes the dispatcher. Fails deterministically if id already exists.
func (s *Scheduler) CreateJob(ctx context.Context, id string, data models.RawJSON) (*models.Job, error) {
	return s.createJob(ctx, id, data, 0, s.cfg.RetryAttempts)
}

func (s *Scheduler) createJob(ctx context.Context, id string, data models.RawJSON, retryCount, maxRetries int) (*models.Job, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, exists := s.jobs[id]; exists {
		s.mu.Unlock()
		return nil, ErrJobExists
	}

	job := &models.Job{
		ID:         id,
		PipelineID: s.cfg.PipelineID,
		Status:     models.JobStatusQueued,
		Data:       data,
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		CreatedAt:  s.clk.Now(),
	}
	s.jobs[id] = job
	s.queue = append(s.queue, job)
	s.mu.Unlock()

	if s.cfg.PersistenceEnabled {
		if err := s.store.Insert(ctx, job); err != nil {
			// Non-fatal: the job still runs in memory. A restart before a
			// later successful persist forgets it entirely, which is a
			// detectable inconsistency, not a dispatch failure.
			s.logger.Warn("scheduler: persistence insert failed, job still runs",
				zap.String("job_id", id), zap.Error(err))
		}
	}

	s.bus.Publish(eventbus.NewEvent(eventbus.TopicJobCreated, id, map[string]any{
		"pipelineId": s.cfg.PipelineID,
	}))
	metrics.JobsTotal.WithLabelValues(s.cfg.PipelineID, string(models.JobStatusQueued)).Inc()

	s.wake()
	return job, nil
}

// CancelJob cancels a job. Queued jobs are removed immediately; running
// jobs are cooperatively signalled (cancelRequested=true, and their
// per-job context cancelled so a job built on context-aware runners, e.g.
// a spawned child process, tears down). Terminal jobs are a no-op.
func (s *Scheduler) CancelJob(id string) CancelResult {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return CancelResult{OK: false, Reason: "not-found"}
	}

	switch job.Status {
	case models.JobStatusQueued:
		for i, qj := range s.queue {
			if qj.ID == id {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		job.Status = models.JobStatusCancelled
		now := s.clk.Now()
		job.CompletedAt = &now
		s.mu.Unlock()

		if s.cfg.PersistenceEnabled {
			_ = s.store.Update(context.Background(), id, map[string]any{
				"status":       job.Status,
				"completed_at": job.CompletedAt,
			})
		}
		s.bus.Publish(eventbus.NewEvent(eventbus.TopicJobCancelled, id, nil))
		metrics.JobsTotal.WithLabelValues(s.cfg.PipelineID, string(models.JobStatusCancelled)).Inc()
		return CancelResult{OK: true}

	case models.JobStatusRunning:
		job.RequestCancel()
		running, isRunning := s.active[id]
		s.mu.Unlock()
		if isRunning && running.cancel != nil {
			running.cancel()
		}
		return CancelResult{OK: true}

	default:
		s.mu.Unlock()
		return CancelResult{OK: false, Reason: "already-terminal"}
	}
}

// GetJob returns a snapshot of job id.
func (s *Scheduler) GetJob(id string) (*models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

// GetAllJobs returns a snapshot of every job this Scheduler knows about.
func (s *Scheduler) GetAllJobs() []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out
}

// GetStats summarizes the current job population.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Total: len(s.jobs), Queued: len(s.queue), Active: len(s.active)}
	for _, j := range s.jobs {
		switch j.Status {
		case models.JobStatusCompleted:
			stats.Completed++
		case models.JobStatusFailed:
			stats.Failed++
		case models.JobStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// Pause suspends dispatch without draining already-active jobs.
func (s *Scheduler) Pause() { s.SetPaused(true) }

// Resume lifts a pause and wakes the dispatcher.
func (s *Scheduler) Resume() { s.SetPaused(false) }

// SetPaused is NOT persisted — a restart always comes back unpaused, per
// the in-memory nature of pause state.
func (s *Scheduler) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
	if !paused {
		s.wake()
	}
	s.bus.Publish(eventbus.NewEvent(eventbus.TopicPipelineStatus, "", map[string]any{
		"pipelineId": s.cfg.PipelineID,
		"paused":     paused,
	}))
}

func (s *Scheduler) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// wake signals the dispatch loop; non-blocking — a wake already queued is
// sufficient, so a full channel is not an error.
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is cancelled. Launched once per
// Scheduler in its own goroutine by the orchestrator's main.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wakeCh:
			s.dispatch(ctx)
		case <-ticker.C:
			// Periodic nudge in case a wake was coalesced away while the
			// loop was busy dispatching something else.
			s.dispatch(ctx)
		}
	}
}

// dispatch: while not paused, the queue is non-empty, and fewer than
// maxConcurrent jobs are active, pop and launch the next job.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.paused || s.closing || len(s.queue) == 0 || len(s.active) >= s.cfg.MaxConcurrent {
			s.mu.Unlock()
			return
		}
		job := s.queue[0]
		s.queue = s.queue[1:]

		jobCtx, cancel := context.WithCancel(ctx)
		s.active[job.ID] = &runningJob{job: job, cancel: cancel}

		job.Status = models.JobStatusRunning
		startedAt := s.clk.Now()
		job.StartedAt = &startedAt
		s.mu.Unlock()

		lag := startedAt.Sub(job.CreatedAt).Seconds()
		metrics.RecordDispatch(s.cfg.PipelineID, lag)
		metrics.JobsTotal.WithLabelValues(s.cfg.PipelineID, string(models.JobStatusQueued)).Dec()
		metrics.ActiveJobs.WithLabelValues(s.cfg.PipelineID).Inc()

		if s.cfg.PersistenceEnabled {
			_ = s.store.Update(context.Background(), job.ID, map[string]any{
				"status":     job.Status,
				"started_at": job.StartedAt,
			})
		}
		s.bus.Publish(eventbus.NewEvent(eventbus.TopicJobStarted, job.ID, nil))

		s.doneWG.Add(1)
		go s.runOne(jobCtx, cancel, job)
	}
}

// runOne executes one job's handler (wrapped by the optional git workflow)
// and carries it to a terminal state.
func (s *Scheduler) runOne(ctx context.Context, cancel context.CancelFunc, job *models.Job) {
	defer s.doneWG.Done()
	defer cancel()

	if s.repoLock != nil {
		if repoPath := s.w.RepoPath(job); repoPath != "" {
			handle, err := s.repoLock.TryAcquire(ctx, repoPath)
			if err != nil {
				// Another job already holds this repository path. That is a
				// pipeline bug, not expected contention — surface it as a
				// handler failure so it goes through the ordinary
				// classify/retry path instead of silently racing the
				// working tree.
				s.handleFailure(ctx, job, fmt.Errorf("scheduler: repository path %s is locked by another job: %w", repoPath, err))
				s.mu.Lock()
				delete(s.active, job.ID)
				s.mu.Unlock()
				metrics.ActiveJobs.WithLabelValues(s.cfg.PipelineID).Dec()
				if s.cfg.PersistenceEnabled {
					_ = s.store.Update(context.Background(), job.ID, persistPatch(job))
				}
				s.wake()
				return
			}
			defer func() { _ = s.repoLock.Release(context.Background(), handle) }()
		}
	}

	var branchName string
	if s.cfg.GitWorkflowEnabled && s.gitWF != nil {
		repoPath := s.w.RepoPath(job)
		if repoPath != "" {
			name, err := s.gitWF.CreateJobBranch(ctx, repoPath, s.cfg.PipelineID, job.ID, "job")
			if err != nil {
				s.logger.Warn("gitworkflow: create branch failed, proceeding without it",
					zap.String("job_id", job.ID), zap.Error(err))
			} else {
				branchName = name
				s.mu.Lock()
				if job.Git == nil {
					job.Git = &models.GitState{}
				}
				job.Git.BranchName = branchName
				s.mu.Unlock()
			}
		}
	}

	result, err := s.w.RunJobHandler(ctx, job)

	s.mu.Lock()
	wasCancelRequested := job.CancelRequested()
	s.mu.Unlock()

	if err != nil {
		s.handleFailure(ctx, job, err)
	} else {
		s.handleSuccess(ctx, job, result, branchName, wasCancelRequested)
	}

	s.mu.Lock()
	delete(s.active, job.ID)
	s.mu.Unlock()

	metrics.ActiveJobs.WithLabelValues(s.cfg.PipelineID).Dec()

	if s.cfg.PersistenceEnabled {
		_ = s.store.Update(context.Background(), job.ID, persistPatch(job))
	}

	s.wake()
}

func (s *Scheduler) handleSuccess(ctx context.Context, job *models.Job, result models.RawJSON, branchName string, cancelRequested bool) {
	s.mu.Lock()
	job.Result = result
	job.Status = models.JobStatusCompleted
	completedAt := s.clk.Now()
	job.CompletedAt = &completedAt
	s.mu.Unlock()

	s.retry.OnSuccess(job.ID)

	if job.StartedAt != nil {
		metrics.RecordJobTerminal(s.cfg.PipelineID, string(job.Status), completedAt.Sub(*job.StartedAt).Seconds())
	}
	metrics.JobsTotal.WithLabelValues(s.cfg.PipelineID, string(models.JobStatusCompleted)).Inc()

	s.bus.Publish(eventbus.NewEvent(eventbus.TopicJobCompleted, job.ID, map[string]any{
		"pipelineId": s.cfg.PipelineID,
	}))

	// A handler that ignores the cooperative-cancel flag and finishes
	// anyway completes normally; this is informational only.
	if cancelRequested {
		s.bus.Publish(eventbus.NewEvent(eventbus.TopicCancelIgnored, job.ID, nil))
	}

	if s.cfg.GitWorkflowEnabled && s.gitWF != nil && branchName != "" {
		s.runWrapperGitWorkflow(ctx, job, branchName)
	}
}

// runWrapperGitWorkflow performs the single-commit-at-end sequence for
// pipelines relying on the Scheduler's wrapper rather than issuing their
// own commits. Failures are surfaced non-fatally — the job still completes.
func (s *Scheduler) runWrapperGitWorkflow(ctx context.Context, job *models.Job, branchName string) {
	repoPath := s.w.RepoPath(job)
	if repoPath == "" {
		return
	}

	commitMsg := s.w.GenerateCommitMessage(job)
	sha, err := s.gitWF.CommitChanges(ctx, repoPath, gitworkflow.CommitRequest{
		Message: commitMsg.Title + "\n\n" + commitMsg.Body,
		JobID:   job.ID,
	})
	if err != nil {
		if err == gitworkflow.ErrNothingToCommit {
			return
		}
		s.logger.Warn("gitworkflow: commit failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	s.mu.Lock()
	if job.Git == nil {
		job.Git = &models.GitState{}
	}
	job.Git.Commits = append(job.Git.Commits, sha)
	s.mu.Unlock()

	if err := s.gitWF.PushBranch(ctx, repoPath, branchName); err != nil {
		s.logger.Warn("gitworkflow: push failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	prCtx := s.w.GeneratePRContext(job, commitMsg)
	url, err := s.gitWF.CreatePullRequest(ctx, gitworkflow.PRRequest{
		BranchName: branchName,
		Title:      prCtx.Title,
		Body:       prCtx.Body,
		Labels:     prCtx.Labels,
	})
	if err != nil {
		s.bus.Publish(eventbus.NewEvent(eventbus.TopicPRFailed, job.ID, map[string]any{"error": err.Error()}))
		return
	}
	if url != "" {
		s.mu.Lock()
		job.Git.PullRequestURL = url
		s.mu.Unlock()
		s.bus.Publish(eventbus.NewEvent(eventbus.TopicPRCreated, job.ID, map[string]any{"url": url}))
	}
}

func (s *Scheduler) handleFailure(ctx context.Context, job *models.Job, err error) {
	class := classifier.Classify(err)

	s.mu.Lock()
	job.Status = models.JobStatusFailed
	completedAt := s.clk.Now()
	job.CompletedAt = &completedAt
	job.Error = &models.JobError{
		Message:   err.Error(),
		Retryable: class.Retryable,
		Category:  string(class.Category),
	}
	s.mu.Unlock()

	if job.StartedAt != nil {
		metrics.RecordJobTerminal(s.cfg.PipelineID, string(job.Status), completedAt.Sub(*job.StartedAt).Seconds())
	}
	metrics.JobsTotal.WithLabelValues(s.cfg.PipelineID, string(models.JobStatusFailed)).Inc()

	s.bus.Publish(eventbus.NewEvent(eventbus.TopicJobFailed, job.ID, map[string]any{
		"pipelineId": s.cfg.PipelineID,
		"category":   string(class.Category),
	}))

	scheduled, ok := s.retry.OnFailure(job, err, s.w.RetrySafety())
	if !ok {
		return
	}

	metrics.RetriesTotal.WithLabelValues(s.cfg.PipelineID).Inc()

	// The successor is enqueued only after the delay elapses, never
	// overlapping this job's own run: job:failed has already been
	// published above by the time this fires.
	time.AfterFunc(scheduled.Delay, func() {
		defer s.retry.ClearScheduled(scheduled.SuccessorID)
		if _, err := s.createJob(context.Background(), scheduled.SuccessorID, scheduled.Data, job.RetryCount+1, job.MaxRetries); err != nil {
			log.Printf("[scheduler:%s] failed to schedule retry successor %s: %v", s.cfg.PipelineID, scheduled.SuccessorID, err)
		}
	})
}

// Shutdown stops accepting new jobs and waits (up to ctx's deadline) for
// currently active jobs to finish. Queued jobs are left queued — this is a
// drain, not a cancel-everything.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.doneWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persistPatch builds the mutable-field patch for a terminal job update.
func persistPatch(job *models.Job) map[string]any {
	patch := map[string]any{
		"status":       job.Status,
		"completed_at": job.CompletedAt,
		"result":       job.Result,
		"error":        job.Error,
	}
	if job.Git != nil {
		patch["git"] = job.Git
	}
	return patch
}
