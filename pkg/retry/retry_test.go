package retry_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sidequest/pkg/classifier"
	"sidequest/pkg/clock"
	"sidequest/pkg/eventbus"
	"sidequest/pkg/models"
	"sidequest/pkg/retry"
	"sidequest/pkg/worker"
)

func TestOriginalID(t *testing.T) {
	cases := map[string]string{
		"job-1":               "job-1",
		"job-1-retry1":        "job-1",
		"job-1-retry1-retry2": "job-1",
		"job-1-retry":         "job-1-retry",   // no attempt number, not a retry suffix
		"job-1-retryx":        "job-1-retryx",  // non-numeric suffix
		"nightly-1700000000":  "nightly-1700000000",
	}
	for in, want := range cases {
		assert.Equal(t, want, retry.OriginalID(in), "input %q", in)
	}
}

type capturedEvents struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (c *capturedEvents) record(e eventbus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capturedEvents) byTopic(topic eventbus.Topic) []eventbus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []eventbus.Event
	for _, e := range c.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

func newController(t *testing.T, maxAttempts int, baseDelay time.Duration) (*retry.Controller, *capturedEvents) {
	t.Helper()
	bus := eventbus.New(nil)
	cap := &capturedEvents{}
	for _, topic := range []eventbus.Topic{
		eventbus.TopicRetryScheduled,
		eventbus.TopicRetryWarning,
		eventbus.TopicRetryMaxAttempts,
		eventbus.TopicRetryCircuitBreak,
	} {
		bus.Subscribe(topic, cap.record)
	}
	c := retry.New(retry.Config{MaxAttempts: maxAttempts, BaseDelay: baseDelay}, clock.NewFrozen(time.Now()), bus, nil)
	return c, cap
}

func failedJob(id string) *models.Job {
	return &models.Job{ID: id, Status: models.JobStatusFailed, Data: models.RawJSON(`{"k":"v"}`)}
}

// safeAlways is an idempotent declaration with no category restrictions.
var safeAlways = worker.RetrySafety{Idempotent: true}

// Exercises the backoff doubling: retryAttempts=3, retryDelay=500ms, a
// rate-limited error suggesting 1s. Successors fire after 1s, 2s, 4s; the
// failure after the third retry exhausts the chain.
func TestController_BackoffDoublesPerAttempt(t *testing.T) {
	c, cap := newController(t, 3, 500*time.Millisecond)
	rateLimited := &classifier.RateLimitError{RetryAfter: time.Second, Err: errors.New("429 from provider")}

	s1, ok := c.OnFailure(failedJob("job-1"), rateLimited, safeAlways)
	require.True(t, ok)
	assert.Equal(t, "job-1-retry1", s1.SuccessorID)
	assert.Equal(t, time.Second, s1.Delay)
	assert.Equal(t, models.RawJSON(`{"k":"v"}`), s1.Data)

	s2, ok := c.OnFailure(failedJob(s1.SuccessorID), rateLimited, safeAlways)
	require.True(t, ok)
	assert.Equal(t, "job-1-retry2", s2.SuccessorID)
	assert.Equal(t, 2*time.Second, s2.Delay)

	s3, ok := c.OnFailure(failedJob(s2.SuccessorID), rateLimited, safeAlways)
	require.True(t, ok)
	assert.Equal(t, "job-1-retry3", s3.SuccessorID)
	assert.Equal(t, 4*time.Second, s3.Delay)

	_, ok = c.OnFailure(failedJob(s3.SuccessorID), rateLimited, safeAlways)
	assert.False(t, ok, "no fourth successor after maxAttempts retries")

	exhausted := cap.byTopic(eventbus.TopicRetryMaxAttempts)
	require.Len(t, exhausted, 1)
	assert.Equal(t, "max-attempts", exhausted[0].Payload["reason"])
	assert.Equal(t, "job-1", exhausted[0].Payload["originalId"])
	assert.Equal(t, 0, c.ActiveChainCount())
}

// The base delay wins when it exceeds the classifier's suggestion.
func TestController_BaseDelayFloorsSuggestedDelay(t *testing.T) {
	c, _ := newController(t, 3, time.Minute)

	s, ok := c.OnFailure(failedJob("job-1"), errors.New("connection reset by peer"), safeAlways)
	require.True(t, ok)
	assert.Equal(t, time.Minute, s.Delay)
}

// retryAttempts=100 never reaches 100: the hard ceiling trips after the
// fifth attempt regardless of configuration.
func TestController_CircuitBreakerCapsConfiguredAttempts(t *testing.T) {
	c, cap := newController(t, 100, time.Millisecond)

	id := "job-1"
	successors := 0
	for i := 0; i < 10; i++ {
		s, ok := c.OnFailure(failedJob(id), errors.New("connection reset by peer"), safeAlways)
		if !ok {
			break
		}
		successors++
		id = s.SuccessorID
	}

	assert.Equal(t, 4, successors, "attempts 1-4 schedule, attempt 5 trips the breaker")
	broken := cap.byTopic(eventbus.TopicRetryCircuitBreak)
	require.Len(t, broken, 1)
	assert.Equal(t, 5, broken[0].Payload["attempts"])
	assert.Equal(t, 0, c.ActiveChainCount())
}

func TestController_NonRetryableNeverCreatesChain(t *testing.T) {
	c, cap := newController(t, 3, time.Millisecond)

	_, ok := c.OnFailure(failedJob("job-1"), &classifier.ValidationError{Field: "path", Err: errors.New("required")}, safeAlways)
	assert.False(t, ok)
	assert.Equal(t, 0, c.ActiveChainCount())

	exhausted := cap.byTopic(eventbus.TopicRetryMaxAttempts)
	require.Len(t, exhausted, 1)
	assert.Equal(t, "non-retryable", exhausted[0].Payload["reason"])
	assert.Empty(t, cap.byTopic(eventbus.TopicRetryScheduled))
}

func TestController_ZeroAttemptsMakesAnyFailureTerminal(t *testing.T) {
	c, cap := newController(t, 0, time.Millisecond)

	_, ok := c.OnFailure(failedJob("job-1"), errors.New("connection reset by peer"), safeAlways)
	assert.False(t, ok)
	assert.Empty(t, cap.byTopic(eventbus.TopicRetryScheduled))
}

func TestController_WarningEmittedFromThirdAttempt(t *testing.T) {
	c, cap := newController(t, 10, time.Millisecond)

	id := "job-1"
	for i := 0; i < 3; i++ {
		s, ok := c.OnFailure(failedJob(id), errors.New("connection reset by peer"), safeAlways)
		require.True(t, ok)
		id = s.SuccessorID
	}

	warnings := cap.byTopic(eventbus.TopicRetryWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, 3, warnings[0].Payload["attempts"])
}

func TestController_SuccessDropsChain(t *testing.T) {
	c, _ := newController(t, 10, time.Millisecond)

	s, ok := c.OnFailure(failedJob("job-1"), errors.New("connection reset by peer"), safeAlways)
	require.True(t, ok)
	require.Equal(t, 1, c.ActiveChainCount())

	c.OnSuccess(s.SuccessorID)
	assert.Equal(t, 0, c.ActiveChainCount())

	// A later failure of the same original ID starts a fresh chain at
	// attempt 1, not where the old chain left off.
	s2, ok := c.OnFailure(failedJob("job-1"), errors.New("connection reset by peer"), safeAlways)
	require.True(t, ok)
	assert.Equal(t, "job-1-retry1", s2.SuccessorID)
}

// A pipeline that declares itself non-idempotent is never retried, even
// when the classifier's verdict is retryable.
func TestController_NonIdempotentWorkerIsNeverRetried(t *testing.T) {
	c, cap := newController(t, 3, time.Millisecond)

	_, ok := c.OnFailure(failedJob("job-1"), errors.New("connection reset by peer"), worker.RetrySafety{Idempotent: false})
	assert.False(t, ok)
	assert.Equal(t, 0, c.ActiveChainCount())

	exhausted := cap.byTopic(eventbus.TopicRetryMaxAttempts)
	require.Len(t, exhausted, 1)
	assert.Equal(t, "non-retryable", exhausted[0].Payload["reason"])
	assert.Empty(t, cap.byTopic(eventbus.TopicRetryScheduled))
}

// An explicit category map gates per category: an undeclared category is
// terminal, a declared one schedules as usual.
func TestController_SafetyCategoryMapGatesRetries(t *testing.T) {
	c, cap := newController(t, 3, time.Millisecond)
	safety := worker.RetrySafety{
		Idempotent: true,
		SafeForCategories: map[classifier.Category]bool{
			classifier.CategoryTimeout: true,
		},
	}

	_, ok := c.OnFailure(failedJob("job-1"), errors.New("connection reset by peer"), safety)
	assert.False(t, ok, "transient-io is not declared safe by this pipeline")
	assert.Empty(t, cap.byTopic(eventbus.TopicRetryScheduled))

	s, ok := c.OnFailure(failedJob("job-2"), errors.New("context deadline exceeded"), safety)
	require.True(t, ok)
	assert.Equal(t, "job-2-retry1", s.SuccessorID)
}

func TestController_IndependentChainsDoNotInterfere(t *testing.T) {
	c, _ := newController(t, 3, time.Millisecond)

	sa, ok := c.OnFailure(failedJob("job-a"), errors.New("connection reset by peer"), safeAlways)
	require.True(t, ok)
	sb, ok := c.OnFailure(failedJob("job-b"), errors.New("connection reset by peer"), safeAlways)
	require.True(t, ok)

	assert.Equal(t, "job-a-retry1", sa.SuccessorID)
	assert.Equal(t, "job-b-retry1", sb.SuccessorID)
	assert.Equal(t, 2, c.ActiveChainCount())
}
