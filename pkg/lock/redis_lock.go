// Package lock implements a named mutex keyed on repository path, so at
// most one job at a time operates on any given working tree.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by TryAcquire when another job already holds the lock
// for that repository path — a pipeline hitting this is a pipeline bug, not
// an expected contention case.
var ErrHeld = errors.New("lock: repository path is already locked")

const keyPrefix = "sidequest:repolock:"

// RepoLock is a distributed mutex over repository paths, backed by Redis
// SETNX semantics (SetNX) with a TTL so a crashed holder can't wedge a path
// forever.
type RepoLock struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *RepoLock {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RepoLock{client: client, ttl: ttl}
}

// Handle is returned by a successful TryAcquire and must be passed to
// Release.
type Handle struct {
	key   string
	token string
}

// TryAcquire attempts to take the lock for repoPath. Returns ErrHeld if
// another holder currently has it.
func (l *RepoLock) TryAcquire(ctx context.Context, repoPath string) (*Handle, error) {
	key := keyPrefix + repoPath
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", repoPath, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Handle{key: key, token: token}, nil
}

// lua ensures we only delete the key if we still hold it — a crash-and-
// reacquire elsewhere must not have its lock stolen out from under it by a
// stale Release call.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Release frees the lock, but only if this handle's token is still the
// current holder (a TTL expiry plus a new acquire must not be clobbered).
func (l *RepoLock) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if err := l.client.Eval(ctx, releaseScript, []string{h.key}, h.token).Err(); err != nil {
		return fmt.Errorf("lock: release %s: %w", h.key, err)
	}
	return nil
}
