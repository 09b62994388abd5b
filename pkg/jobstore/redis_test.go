package jobstore

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanout-labs/fanoutd/pkg/jobrecord"
)

// redisClient connects to the Redis named by FANOUTD_REDIS_TEST_ADDR,
// or skips the test when the variable is unset.
func redisClient(t *testing.T) goredis.UniversalClient {
	t.Helper()
	addr := os.Getenv("FANOUTD_REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("FANOUTD_REDIS_TEST_ADDR not set; skipping Redis integration test")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 9})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err(), "redis at %s not reachable", addr)
	require.NoError(t, client.FlushDB(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewRedisStore(redisClient(t), WithRecordTTL(time.Minute))

	j := testJob(t, "job-redis-1")
	require.NoError(t, s.CreateJob(ctx, j))
	assert.ErrorIs(t, s.CreateJob(ctx, j), ErrAlreadyExists)

	got, err := s.GetJob(ctx, "job-redis-1")
	require.NoError(t, err)
	assert.Equal(t, j.JobID, got.JobID)
	assert.Len(t, got.Entities, 2)
	assert.Equal(t, jobrecord.EntityPending, got.Entities["ent-a"].Status)

	got.Status = jobrecord.JobRunning
	require.NoError(t, s.PutJob(ctx, got))
	after, err := s.GetJob(ctx, "job-redis-1")
	require.NoError(t, err)
	assert.Equal(t, jobrecord.JobRunning, after.Status)

	require.NoError(t, s.DeleteJob(ctx, "job-redis-1"))
	_, err = s.GetJob(ctx, "job-redis-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_TickQueue(t *testing.T) {
	ctx := context.Background()
	s := NewRedisStore(redisClient(t))
	now := time.Now()

	require.NoError(t, s.ScheduleTick(ctx, "job-b", now.Add(-time.Second)))
	require.NoError(t, s.ScheduleTick(ctx, "job-a", now.Add(-2*time.Second)))
	require.NoError(t, s.ScheduleTick(ctx, "job-c", now.Add(time.Hour)))

	due, err := s.DueJobs(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a", "job-b"}, due)

	due, err = s.DueJobs(ctx, now, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a"}, due)

	require.NoError(t, s.ClearTick(ctx, "job-a"))
	require.NoError(t, s.ClearTick(ctx, "job-b"))
	due, err = s.DueJobs(ctx, now, 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRedisStore_Lease(t *testing.T) {
	ctx := context.Background()
	s := NewRedisStore(redisClient(t))

	ok, err := s.AcquireLease(ctx, "job-1", "runner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "job-1", "runner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.AcquireLease(ctx, "job-1", "runner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "same holder refreshes")

	require.NoError(t, s.ReleaseLease(ctx, "job-1", "runner-b"))
	ok, err = s.AcquireLease(ctx, "job-1", "runner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by non-holder is a no-op")

	require.NoError(t, s.ReleaseLease(ctx, "job-1", "runner-a"))
	ok, err = s.AcquireLease(ctx, "job-1", "runner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
