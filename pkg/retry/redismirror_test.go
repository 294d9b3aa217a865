package retry

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// RedisMirrorSuite exercises the real Redis client, skipping if none is
// reachable.
type RedisMirrorSuite struct {
	suite.Suite
	client *redis.Client
	mirror *RedisMirror
}

func (s *RedisMirrorSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("SKIP_INTEGRATION_TESTS=true")
	}

	addr := getEnvOr("TEST_REDIS_ADDR", "localhost:6379")
	s.client = redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.T().Skipf("skipping redis mirror suite: %v", err)
	}
	s.mirror = NewRedisMirror(s.client)
}

func (s *RedisMirrorSuite) TearDownSuite() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *RedisMirrorSuite) TestMarkScheduledWritesEntryWithTTL() {
	ctx := context.Background()
	successorID := "job-retry-1"

	require.NoError(s.T(), s.mirror.MarkScheduled(ctx, successorID, "job-original", 1, 5*time.Second))

	raw, err := s.client.Get(ctx, redisMirrorKeyPrefix+successorID).Result()
	require.NoError(s.T(), err)

	var entry redisMirrorEntry
	require.NoError(s.T(), json.Unmarshal([]byte(raw), &entry))
	require.Equal(s.T(), "job-original", entry.OriginalID)
	require.Equal(s.T(), 1, entry.Attempt)

	ttl, err := s.client.TTL(ctx, redisMirrorKeyPrefix+successorID).Result()
	require.NoError(s.T(), err)
	require.Greater(s.T(), ttl, time.Duration(0))

	require.NoError(s.T(), s.mirror.Clear(ctx, successorID))
	exists, err := s.client.Exists(ctx, redisMirrorKeyPrefix+successorID).Result()
	require.NoError(s.T(), err)
	require.Equal(s.T(), int64(0), exists)
}

func (s *RedisMirrorSuite) TestClearIsNoOpWhenKeyMissing() {
	require.NoError(s.T(), s.mirror.Clear(context.Background(), "job-never-scheduled"))
}

func TestRedisMirrorSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration suite in short mode")
	}
	suite.Run(t, new(RedisMirrorSuite))
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
