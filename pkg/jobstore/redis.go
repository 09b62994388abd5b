package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fanout-labs/fanoutd/pkg/jobrecord"
)

// RedisStore is the production Store. Records are JSON strings with a
// TTL refreshed on every write; the tick schedule is a sorted set scored
// by due time; tick leases are SET NX keys with a TTL.
type RedisStore struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRecordTTL overrides the record retention TTL.
func WithRecordTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// NewRedisStore creates a Store backed by the given Redis client.
func NewRedisStore(client goredis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, ttl: DefaultRecordTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) CreateJob(ctx context.Context, j *jobrecord.Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("jobstore: marshal job record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, jobKey(j.JobID), b, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("jobstore: create job: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

func (s *RedisStore) GetJob(ctx context.Context, jobID string) (*jobrecord.Job, error) {
	b, err := s.client.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobstore: get job: %w", err)
	}
	var j jobrecord.Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("jobstore: parse job record: %w", err)
	}
	return &j, nil
}

func (s *RedisStore) PutJob(ctx context.Context, j *jobrecord.Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("jobstore: marshal job record: %w", err)
	}
	if err := s.client.Set(ctx, jobKey(j.JobID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("jobstore: put job: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteJob(ctx context.Context, jobID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(jobID))
	pipe.ZRem(ctx, ticksKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobstore: delete job: %w", err)
	}
	return nil
}

func (s *RedisStore) ScheduleTick(ctx context.Context, jobID string, due time.Time) error {
	z := goredis.Z{Score: float64(due.UnixMilli()), Member: jobID}
	if err := s.client.ZAdd(ctx, ticksKey, z).Err(); err != nil {
		return fmt.Errorf("jobstore: schedule tick: %w", err)
	}
	return nil
}

func (s *RedisStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rangeBy := &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, ticksKey, rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore: due jobs: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) ClearTick(ctx context.Context, jobID string) error {
	if err := s.client.ZRem(ctx, ticksKey, jobID).Err(); err != nil {
		return fmt.Errorf("jobstore: clear tick: %w", err)
	}
	return nil
}

func (s *RedisStore) AcquireLease(ctx context.Context, jobID, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, leaseKey(jobID), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("jobstore: acquire lease: %w", err)
	}
	if ok {
		return true, nil
	}
	// Re-entrant for the same holder: refresh instead of failing.
	current, err := s.client.Get(ctx, leaseKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			// Lease expired between SETNX and GET; let the next tick race for it.
			return false, nil
		}
		return false, fmt.Errorf("jobstore: read lease: %w", err)
	}
	if current != holder {
		return false, nil
	}
	if err := s.client.Expire(ctx, leaseKey(jobID), ttl).Err(); err != nil {
		return false, fmt.Errorf("jobstore: refresh lease: %w", err)
	}
	return true, nil
}

// releaseLeaseScript deletes the lease only when held by the caller.
var releaseLeaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (s *RedisStore) ReleaseLease(ctx context.Context, jobID, holder string) error {
	if err := releaseLeaseScript.Run(ctx, s.client, []string{leaseKey(jobID)}, holder).Err(); err != nil {
		return fmt.Errorf("jobstore: release lease: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
