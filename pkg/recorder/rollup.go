package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Rollup is the shared cross-job summary record. Multiple recorder
// instances update it concurrently, so writes go through a version
// token and compare-and-swap.
type Rollup struct {
	JobsDone       int64     `json:"jobs_done"`
	JobsFailed     int64     `json:"jobs_failed"`
	EntitiesDone   int64     `json:"entities_done"`
	EntitiesFailed int64     `json:"entities_failed"`
	LastJobID      string    `json:"last_job_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ErrVersionConflict is returned by Put when the record changed since
// the version token was read.
var ErrVersionConflict = errors.New("recorder: rollup version conflict")

// RollupStore holds the shared rollup record.
type RollupStore interface {
	// Get returns the current rollup and its version token. A store
	// with no record yet returns a zero Rollup and version "0".
	Get(ctx context.Context) (Rollup, string, error)

	// Put writes the rollup iff the stored version still matches the
	// token from Get, returning ErrVersionConflict otherwise.
	Put(ctx context.Context, r Rollup, version string) error
}

// MemoryRollupStore is an in-process RollupStore.
type MemoryRollupStore struct {
	mu      sync.Mutex
	rollup  Rollup
	version int64
}

// NewMemoryRollupStore creates an empty in-memory rollup store.
func NewMemoryRollupStore() *MemoryRollupStore {
	return &MemoryRollupStore{}
}

func (s *MemoryRollupStore) Get(context.Context) (Rollup, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollup, strconv.FormatInt(s.version, 10), nil
}

func (s *MemoryRollupStore) Put(_ context.Context, r Rollup, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version != strconv.FormatInt(s.version, 10) {
		return ErrVersionConflict
	}
	s.rollup = r
	s.version++
	return nil
}

const (
	rollupKey        = "fanoutd:rollup"
	rollupVersionKey = "fanoutd:rollup:version"
)

// RedisRollupStore keeps the rollup in Redis. The version token is a
// counter key; Put runs inside WATCH so a concurrent bump aborts the
// transaction and surfaces as a conflict.
type RedisRollupStore struct {
	client goredis.UniversalClient
}

// NewRedisRollupStore creates a RollupStore backed by Redis.
func NewRedisRollupStore(client goredis.UniversalClient) *RedisRollupStore {
	return &RedisRollupStore{client: client}
}

func (s *RedisRollupStore) Get(ctx context.Context) (Rollup, string, error) {
	vals, err := s.client.MGet(ctx, rollupKey, rollupVersionKey).Result()
	if err != nil {
		return Rollup{}, "", fmt.Errorf("recorder: get rollup: %w", err)
	}

	var r Rollup
	if raw, ok := vals[0].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return Rollup{}, "", fmt.Errorf("recorder: parse rollup: %w", err)
		}
	}
	version := "0"
	if v, ok := vals[1].(string); ok && v != "" {
		version = v
	}
	return r, version, nil
}

func (s *RedisRollupStore) Put(ctx context.Context, r Rollup, version string) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("recorder: marshal rollup: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, rollupVersionKey).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("recorder: read rollup version: %w", err)
		}
		if errors.Is(err, goredis.Nil) {
			current = "0"
		}
		if current != version {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, rollupKey, b, 0)
			pipe.Incr(ctx, rollupVersionKey)
			return nil
		})
		return err
	}, rollupVersionKey)

	if errors.Is(err, goredis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}
