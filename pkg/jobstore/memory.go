package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fanout-labs/fanoutd/pkg/jobrecord"
)

// MemoryStore is an in-process Store for tests and for the continuous
// (volatile) execution variant, where the tick runner and the state live
// in the same process and durability is not required.
//
// Records are stored as JSON so reads return independent copies, the
// same isolation the Redis store provides.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string][]byte
	ticks  map[string]time.Time
	leases map[string]memoryLease
}

type memoryLease struct {
	holder  string
	expires time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string][]byte),
		ticks:  make(map[string]time.Time),
		leases: make(map[string]memoryLease),
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, j *jobrecord.Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("jobstore: marshal job record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.JobID]; exists {
		return ErrAlreadyExists
	}
	s.jobs[j.JobID] = b
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*jobrecord.Job, error) {
	s.mu.Lock()
	b, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	var j jobrecord.Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("jobstore: parse job record: %w", err)
	}
	return &j, nil
}

func (s *MemoryStore) PutJob(_ context.Context, j *jobrecord.Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("jobstore: marshal job record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.JobID] = b
	return nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	delete(s.ticks, jobID)
	return nil
}

func (s *MemoryStore) ScheduleTick(_ context.Context, jobID string, due time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[jobID] = due
	return nil
}

func (s *MemoryStore) DueJobs(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type entry struct {
		id  string
		due time.Time
	}
	due := make([]entry, 0, len(s.ticks))
	for id, at := range s.ticks {
		if !at.After(now) {
			due = append(due, entry{id: id, due: at})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].id < due[j].id
		}
		return due[i].due.Before(due[j].due)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]string, len(due))
	for i, e := range due {
		out[i] = e.id
	}
	return out, nil
}

func (s *MemoryStore) ClearTick(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ticks, jobID)
	return nil
}

func (s *MemoryStore) AcquireLease(_ context.Context, jobID, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if l, ok := s.leases[jobID]; ok && l.expires.After(now) && l.holder != holder {
		return false, nil
	}
	s.leases[jobID] = memoryLease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, jobID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[jobID]; ok && l.holder == holder {
		delete(s.leases, jobID)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
