package activity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sidequest/pkg/activity"
	"sidequest/pkg/eventbus"
)

func TestFeed_NewestFirstWithIncreasingIDs(t *testing.T) {
	feed := activity.New(10, eventbus.New(nil), nil)

	feed.AddActivity("job:created", map[string]any{"jobId": "a"})
	feed.AddActivity("job:started", map[string]any{"jobId": "a"})
	feed.AddActivity("job:completed", map[string]any{"jobId": "a"})

	entries := feed.GetRecentActivities(0)
	require.Len(t, entries, 3)
	assert.Equal(t, "job:completed", entries[0].Type)
	assert.Equal(t, "job:created", entries[2].Type)
	assert.Greater(t, entries[0].ID, entries[1].ID)
	assert.Greater(t, entries[1].ID, entries[2].ID)
}

func TestFeed_RingEvictsOldestAtCapacity(t *testing.T) {
	feed := activity.New(3, eventbus.New(nil), nil)

	for _, typ := range []string{"one", "two", "three", "four", "five"} {
		feed.AddActivity(typ, nil)
	}

	entries := feed.GetRecentActivities(0)
	require.Len(t, entries, 3)
	assert.Equal(t, "five", entries[0].Type)
	assert.Equal(t, "three", entries[2].Type)
}

func TestFeed_LimitCapsResult(t *testing.T) {
	feed := activity.New(10, eventbus.New(nil), nil)
	for i := 0; i < 6; i++ {
		feed.AddActivity("job:created", nil)
	}

	assert.Len(t, feed.GetRecentActivities(2), 2)
	assert.Len(t, feed.GetRecentActivities(100), 6)
}

func TestFeed_MissingTypeFallsBackToUnknown(t *testing.T) {
	feed := activity.New(10, eventbus.New(nil), nil)
	entry := feed.AddActivity("", nil)
	assert.Equal(t, "unknown", entry.Type)
}

func TestFeed_SubscribesToLifecycleTopics(t *testing.T) {
	bus := eventbus.New(nil)
	feed := activity.New(10, bus, nil)

	bus.Publish(eventbus.NewEvent(eventbus.TopicJobCreated, "job-1", map[string]any{"pipelineId": "repomix"}))
	bus.Publish(eventbus.NewEvent(eventbus.TopicJobFailed, "job-1", nil))

	entries := feed.GetRecentActivities(0)
	require.Len(t, entries, 2)
	assert.Equal(t, "job:failed", entries[0].Type)
	assert.Equal(t, "job:created", entries[1].Type)
	assert.Equal(t, "repomix", entries[1].Payload["pipelineId"])
}

func TestFeed_Stats(t *testing.T) {
	feed := activity.New(10, eventbus.New(nil), nil)
	feed.AddActivity("job:created", nil)
	feed.AddActivity("job:created", nil)
	feed.AddActivity("job:failed", nil)

	stats := feed.GetStats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.LastHour)
	assert.Equal(t, 3, stats.LastDay)
	assert.Equal(t, 2, stats.TypeCount["job:created"])
	assert.Equal(t, 1, stats.TypeCount["job:failed"])
}
