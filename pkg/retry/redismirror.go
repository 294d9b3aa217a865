package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisMirrorKeyPrefix = "sidequest:pendingretry:"

// redisMirrorEntry is the JSON value stored per pending retry.
type redisMirrorEntry struct {
	OriginalID  string    `json:"originalId"`
	Attempt     int       `json:"attempt"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// RedisMirror is the production PendingRetryMirror: one TTL'd key per
// scheduled retry, expiring on its own if the process dies before Clear.
type RedisMirror struct {
	client *redis.Client
}

func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

// MarkScheduled writes a TTL'd key so the pending retry is visible to an
// operator inspecting Redis directly, even if this process restarts before
// the in-memory time.AfterFunc fires. The TTL is the delay itself plus a
// small grace window so the key outlives the timer it describes.
func (m *RedisMirror) MarkScheduled(ctx context.Context, successorID, originalID string, attempt int, delay time.Duration) error {
	entry := redisMirrorEntry{OriginalID: originalID, Attempt: attempt, ScheduledAt: time.Now()}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("retry: marshal pending-retry mirror entry: %w", err)
	}
	ttl := delay + 30*time.Second
	if err := m.client.Set(ctx, redisMirrorKeyPrefix+successorID, b, ttl).Err(); err != nil {
		return fmt.Errorf("retry: write pending-retry mirror: %w", err)
	}
	return nil
}

// Clear removes the mirror entry once the successor has actually been
// created (or creation failed) — a no-op if the key already expired.
func (m *RedisMirror) Clear(ctx context.Context, successorID string) error {
	if err := m.client.Del(ctx, redisMirrorKeyPrefix+successorID).Err(); err != nil {
		return fmt.Errorf("retry: clear pending-retry mirror: %w", err)
	}
	return nil
}

var _ PendingRetryMirror = (*RedisMirror)(nil)
