// Package activity keeps a bounded ring of recent lifecycle events for
// dashboards, fed by subscribing to the Event Bus.
package activity

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"sidequest/pkg/eventbus"
	"sidequest/pkg/models"
)

const DefaultMaxActivities = 50

// Feed is the bounded, newest-first ring buffer. Missing fields in a
// source event never crash the feed — they fall back to "unknown" and a
// warning is logged.
type Feed struct {
	mu      sync.RWMutex
	entries []models.ActivityEntry // newest first
	maxSize int
	nextID  int64
	logger  *zap.Logger
}

func New(maxSize int, bus *eventbus.Bus, logger *zap.Logger) *Feed {
	if maxSize <= 0 {
		maxSize = DefaultMaxActivities
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Feed{maxSize: maxSize, logger: logger}

	for _, topic := range []eventbus.Topic{
		eventbus.TopicJobCreated,
		eventbus.TopicJobStarted,
		eventbus.TopicJobCompleted,
		eventbus.TopicJobFailed,
		eventbus.TopicJobCancelled,
		eventbus.TopicRetryScheduled,
		eventbus.TopicRetryWarning,
		eventbus.TopicRetryMaxAttempts,
		eventbus.TopicRetryCircuitBreak,
		eventbus.TopicScanCompleted,
		eventbus.TopicPRCreated,
		eventbus.TopicPRFailed,
		eventbus.TopicPipelineStatus,
		eventbus.TopicCancelIgnored,
	} {
		bus.Subscribe(topic, f.onEvent)
	}

	return f
}

func (f *Feed) onEvent(evt eventbus.Event) {
	f.AddActivity(string(evt.Topic), evt.Payload)
}

// AddActivity appends a new entry at the front of the ring, evicting the
// oldest once maxSize is exceeded.
func (f *Feed) AddActivity(activityType string, payload map[string]any) models.ActivityEntry {
	if activityType == "" {
		activityType = "unknown"
		f.logger.Warn("activity: event missing type, defaulting to unknown")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	entry := models.ActivityEntry{
		ID:        f.nextID,
		Timestamp: time.Now(),
		Type:      activityType,
		Payload:   payload,
	}

	f.entries = append([]models.ActivityEntry{entry}, f.entries...)
	if len(f.entries) > f.maxSize {
		f.entries = f.entries[:f.maxSize]
	}
	return entry
}

// GetRecentActivities returns up to limit entries, newest first.
func (f *Feed) GetRecentActivities(limit int) []models.ActivityEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if limit <= 0 || limit > len(f.entries) {
		limit = len(f.entries)
	}
	out := make([]models.ActivityEntry, limit)
	copy(out, f.entries[:limit])
	return out
}

// GetStats summarizes recent activity counts.
func (f *Feed) GetStats() models.ActivityStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	now := time.Now()
	stats := models.ActivityStats{
		Total:     len(f.entries),
		TypeCount: make(map[string]int),
	}
	for _, e := range f.entries {
		age := now.Sub(e.Timestamp)
		if age <= time.Hour {
			stats.LastHour++
		}
		if age <= 24*time.Hour {
			stats.LastDay++
		}
		stats.TypeCount[e.Type]++
	}
	return stats
}
