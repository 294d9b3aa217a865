// Package eventbus implements the runtime's synchronous, ordered in-process
// broker: lifecycle events for one job are seen by every subscriber in
// state-machine order, even while other jobs are dispatching concurrently.
package eventbus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Topic names the fixed set of lifecycle events the bus carries — a closed
// set the compiler can check callers against.
type Topic string

const (
	TopicJobCreated        Topic = "job:created"
	TopicJobStarted        Topic = "job:started"
	TopicJobCompleted      Topic = "job:completed"
	TopicJobFailed         Topic = "job:failed"
	TopicJobCancelled      Topic = "job:cancelled"
	TopicJobProgress       Topic = "job:progress"
	TopicRetryScheduled    Topic = "retry:scheduled"
	TopicRetryWarning      Topic = "retry:warning"
	TopicRetryMaxAttempts  Topic = "retry:max-attempts"
	TopicRetryCircuitBreak Topic = "retry:circuit-breaker"
	TopicScanCompleted     Topic = "scan:completed"
	TopicPRCreated         Topic = "pr:created"
	TopicPRFailed          Topic = "pr:failed"
	TopicMetricsUpdated    Topic = "metrics:updated"
	TopicPipelineStatus    Topic = "pipeline:status"
	TopicCancelIgnored     Topic = "cancel:ignored"
)

// Event is a single published message. Payload is shaped per-Topic by
// convention (see the doc comments on each pipeline publisher); subscribers
// that need a specific field type-assert defensively.
type Event struct {
	Topic   Topic
	JobID   string
	Payload map[string]any
}

// Handler receives one event. Handlers must not block — the bus delivers
// synchronously on the publisher's goroutine, so a slow handler stalls
// dispatch for every pipeline. A handler that needs to do real work must
// hand off to its own goroutine/queue.
type Handler func(Event)

// Bus is the in-process broker. Subscriber errors (panics) are caught and
// reported; they never stop delivery to the remaining subscribers and never
// propagate to the publishing call site.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]Handler
	logger      *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[Topic][]Handler),
		logger:      logger,
	}
}

// Subscribe registers handler for topic. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[topic] = append(b.subscribers[topic], handler)
	idx := len(b.subscribers[topic]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.subscribers[topic]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// Publish delivers event to every subscriber of event.Topic, in
// registration order, synchronously. A subscriber panic is recovered and
// logged so it cannot take down the dispatch loop or block later
// subscribers from seeing the event.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[event.Topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		b.deliver(h, event)
	}
}

func (b *Bus) deliver(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: subscriber panicked",
				zap.String("topic", string(event.Topic)),
				zap.String("job_id", event.JobID),
				zap.Any("recovered", r),
			)
		}
	}()
	h(event)
}

// NewEvent is a small constructor convenience mirroring the shape every
// dispatch-loop call site wants: a topic, the job ID, and a handful of
// payload fields.
func NewEvent(topic Topic, jobID string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{Topic: topic, JobID: jobID, Payload: payload}
}

func (e Event) String() string {
	return fmt.Sprintf("%s[%s]", e.Topic, e.JobID)
}
