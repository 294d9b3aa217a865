// Package retry implements per-original-job retry bookkeeping with
// exponential backoff and a hard circuit-breaker ceiling that applies
// regardless of a pipeline's configured attempt budget.
package retry

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sidequest/pkg/classifier"
	"sidequest/pkg/clock"
	"sidequest/pkg/eventbus"
	"sidequest/pkg/models"
	"sidequest/pkg/worker"
)

// PendingRetryMirror writes an observability-only record of each scheduled
// retry delay. A restart still loses the in-process time.AfterFunc timer —
// pending retries are not persisted for correctness — but an operator can
// see in-flight retries across a restart by reading this mirror rather than
// reconstructing timer state that no longer exists.
type PendingRetryMirror interface {
	MarkScheduled(ctx context.Context, successorID, originalID string, attempt int, delay time.Duration) error
	Clear(ctx context.Context, successorID string) error
}

// DefaultMaxAbsoluteAttempts is the default for Config.MaxAbsoluteAttempts,
// the hard circuit-breaker ceiling applied regardless of a pipeline's
// configured retryAttempts.
const DefaultMaxAbsoluteAttempts = 5

// Config configures one Controller instance (one per Scheduler).
type Config struct {
	MaxAttempts         int // pipeline config.retryAttempts
	BaseDelay           time.Duration
	MaxAbsoluteAttempts int // hard ceiling; default DefaultMaxAbsoluteAttempts
}

// Scheduled is returned to the dispatch loop so it can enqueue the successor
// job after the delay elapses.
type Scheduled struct {
	SuccessorID string
	Data        models.RawJSON
	Delay       time.Duration
}

// Controller owns every RetryChain for one Scheduler. Nothing outside this
// package ever walks or mutates a chain directly — single writer, no shared
// map.
type Controller struct {
	mu     sync.Mutex
	chains map[string]*models.RetryChain
	cfg    Config
	clock  clock.Clock
	bus    *eventbus.Bus
	logger *zap.Logger
	mirror PendingRetryMirror
}

// SetMirror wires the optional Redis pending-retry mirror. Nil (the
// default) simply skips the observability write — correctness never
// depends on it.
func (c *Controller) SetMirror(m PendingRetryMirror) { c.mirror = m }

func New(cfg Config, clk clock.Clock, bus *eventbus.Bus, logger *zap.Logger) *Controller {
	if cfg.MaxAbsoluteAttempts <= 0 {
		cfg.MaxAbsoluteAttempts = DefaultMaxAbsoluteAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		chains: make(map[string]*models.RetryChain),
		cfg:    cfg,
		clock:  clk,
		bus:    bus,
		logger: logger,
	}
}

// OriginalID strips every trailing "-retryN" suffix from a job ID.
func OriginalID(jobID string) string {
	id := jobID
	for {
		idx := strings.LastIndex(id, "-retry")
		if idx < 0 {
			return id
		}
		suffix := id[idx+len("-retry"):]
		if suffix == "" {
			return id
		}
		if _, err := strconv.Atoi(suffix); err != nil {
			return id
		}
		id = id[:idx]
	}
}

// OnFailure classifies a failed job's error, checks it against the
// pipeline's own retry-safety declaration, and advances its chain. It
// returns (scheduled, true) when a successor job should be created, or
// (zero, false) when the chain is exhausted or the error is non-retryable —
// either by classification or because the pipeline did not declare itself
// safe to retry under this category.
func (c *Controller) OnFailure(job *models.Job, err error, safety worker.RetrySafety) (Scheduled, bool) {
	class := classifier.Classify(err)
	originalID := OriginalID(job.ID)

	if !class.Retryable || !retrySafe(safety, class.Category) {
		c.dropChain(originalID)
		c.bus.Publish(eventbus.NewEvent(eventbus.TopicRetryMaxAttempts, job.ID, map[string]any{
			"originalId": originalID,
			"reason":     "non-retryable",
			"category":   string(class.Category),
		}))
		return Scheduled{}, false
	}

	c.mu.Lock()
	chain, exists := c.chains[originalID]
	if !exists {
		chain = &models.RetryChain{
			OriginalID:  originalID,
			MaxAttempts: c.cfg.MaxAttempts,
			BaseDelay:   c.cfg.BaseDelay,
		}
		c.chains[originalID] = chain
	}
	chain.Attempts++
	chain.LastAttemptAt = c.clock.Now()
	attempts := chain.Attempts
	maxAttempts := chain.MaxAttempts
	baseDelay := chain.BaseDelay
	c.mu.Unlock()

	if attempts >= c.cfg.MaxAbsoluteAttempts {
		c.dropChain(originalID)
		c.logger.Warn("retry: circuit breaker tripped",
			zap.String("original_id", originalID),
			zap.Int("attempts", attempts),
		)
		c.bus.Publish(eventbus.NewEvent(eventbus.TopicRetryCircuitBreak, job.ID, map[string]any{
			"originalId": originalID,
			"attempts":   attempts,
		}))
		return Scheduled{}, false
	}

	// maxAttempts counts allowed successors: a chain with maxAttempts=3
	// schedules retry1..retry3 and exhausts on the failure after retry3.
	if attempts > maxAttempts {
		c.dropChain(originalID)
		c.bus.Publish(eventbus.NewEvent(eventbus.TopicRetryMaxAttempts, job.ID, map[string]any{
			"originalId": originalID,
			"reason":     "max-attempts",
			"attempts":   attempts,
		}))
		return Scheduled{}, false
	}

	if attempts >= 3 {
		c.bus.Publish(eventbus.NewEvent(eventbus.TopicRetryWarning, job.ID, map[string]any{
			"originalId": originalID,
			"attempts":   attempts,
		}))
	}

	delay := time.Duration(math.Max(float64(class.SuggestedDelay), float64(baseDelay))) *
		time.Duration(math.Pow(2, float64(attempts-1)))

	successorID := fmt.Sprintf("%s-retry%d", originalID, attempts)

	c.bus.Publish(eventbus.NewEvent(eventbus.TopicRetryScheduled, job.ID, map[string]any{
		"originalId":  originalID,
		"successorId": successorID,
		"attempt":     attempts,
		"delay":       delay.String(),
	}))

	if c.mirror != nil {
		if err := c.mirror.MarkScheduled(context.Background(), successorID, originalID, attempts, delay); err != nil {
			c.logger.Warn("retry: pending-retry mirror write failed",
				zap.String("successor_id", successorID), zap.Error(err))
		}
	}

	return Scheduled{SuccessorID: successorID, Data: job.Data, Delay: delay}, true
}

// ClearScheduled removes a successor's pending-retry mirror entry once the
// delay has elapsed and the successor job has actually been created (or its
// creation failed) — the window it was observing is over either way.
func (c *Controller) ClearScheduled(successorID string) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.Clear(context.Background(), successorID); err != nil {
		c.logger.Warn("retry: pending-retry mirror clear failed",
			zap.String("successor_id", successorID), zap.Error(err))
	}
}

// OnSuccess deletes the chain for the original ID this job belongs to, if
// any — success anywhere in a chain clears its bookkeeping.
func (c *Controller) OnSuccess(jobID string) {
	c.dropChain(OriginalID(jobID))
}

// retrySafe applies the pipeline's declaration on top of the classifier's
// verdict: a handler that is not idempotent, or that does not list this
// category as safe, is never retried no matter what the classifier
// suggests. A nil category map with Idempotent set means safe under every
// retryable category.
func retrySafe(safety worker.RetrySafety, cat classifier.Category) bool {
	if !safety.Idempotent {
		return false
	}
	if safety.SafeForCategories == nil {
		return true
	}
	return safety.SafeForCategories[cat]
}

func (c *Controller) dropChain(originalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chains, originalID)
}

// ActiveChainCount reports the number of in-flight retry chains, for
// metrics and health checks.
func (c *Controller) ActiveChainCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chains)
}
