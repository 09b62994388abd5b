package jobrecord

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxRetries:   3,
		Concurrency:  2,
		PollInterval: time.Second,
		PollTimeout:  time.Minute,
	}
}

func TestMarkDispatched(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := &EntityState{Status: EntityPending}

	require.NoError(t, MarkDispatched(e, "sub-1", now, testConfig()))

	assert.Equal(t, EntityDispatched, e.Status)
	assert.Equal(t, "sub-1", e.SubJobID)
	assert.Equal(t, 1, e.Attempts)
	require.NotNil(t, e.PollDeadline)
	assert.Equal(t, now.Add(time.Minute), *e.PollDeadline)

	// Double dispatch is rejected.
	assert.Error(t, MarkDispatched(e, "sub-2", now, testConfig()))
}

func TestMarkDispatchFailed_RetryThenTerminal(t *testing.T) {
	now := time.Now().UTC()
	cfg := testConfig()
	cfg.MaxRetries = 2
	e := &EntityState{Status: EntityPending}

	require.NoError(t, MarkDispatchFailed(e, "connection refused", now, cfg))
	assert.Equal(t, EntityPending, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "connection refused", e.Error)

	require.NoError(t, MarkDispatchFailed(e, "remote rejected", now, cfg))
	assert.Equal(t, EntityError, e.Status)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, "remote rejected", e.Error)
}

func TestMarkDone_ClearsErrorAndFreezes(t *testing.T) {
	now := time.Now().UTC()
	e := &EntityState{Status: EntityPending, Error: "earlier failure"}
	require.NoError(t, MarkDispatched(e, "sub-1", now, testConfig()))
	require.NoError(t, MarkPolling(e))

	require.NoError(t, MarkDone(e, map[string]any{"ok": true}))
	assert.Equal(t, EntityDone, e.Status)
	assert.Empty(t, e.Error)
	assert.Nil(t, e.PollDeadline)

	// Terminal stability: nothing moves a done entity.
	assert.ErrorIs(t, MarkAttemptFailed(e, "late failure", testConfig()), ErrTerminalEntity)
	assert.ErrorIs(t, MarkDispatched(e, "sub-2", now, testConfig()), ErrTerminalEntity)
	assert.ErrorIs(t, MarkDone(e, nil), ErrTerminalEntity)
	assert.Equal(t, 1, e.Attempts)
}

func TestMarkAttemptFailed_ResetOnRetry(t *testing.T) {
	now := time.Now().UTC()
	cfg := testConfig()
	e := &EntityState{Status: EntityPending}
	require.NoError(t, MarkDispatched(e, "sub-1", now, cfg))
	require.NoError(t, MarkPolling(e))

	// Retry budget remains: the attempt is discarded, sub-job cleared.
	require.NoError(t, MarkAttemptFailed(e, "poll timeout", cfg))
	assert.Equal(t, EntityPending, e.Status)
	assert.Empty(t, e.SubJobID)
	assert.Nil(t, e.PollDeadline)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "poll timeout", e.Error)
}

func TestPollTimeoutScenario(t *testing.T) {
	// Scenario: max_retries=2, poll never returns before the deadline
	// twice. polling -> pending -> polling -> error.
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.MaxRetries = 2
	e := &EntityState{Status: EntityPending}

	require.NoError(t, MarkDispatched(e, "sub-1", now, cfg))
	require.NoError(t, MarkPolling(e))
	later := now.Add(cfg.PollTimeout + time.Second)
	assert.True(t, PollDeadlineExceeded(e, later))

	require.NoError(t, MarkAttemptFailed(e, "poll timeout", cfg))
	assert.Equal(t, EntityPending, e.Status)

	require.NoError(t, MarkDispatched(e, "sub-2", later, cfg))
	require.NoError(t, MarkPolling(e))
	require.NoError(t, MarkAttemptFailed(e, "poll timeout", cfg))

	assert.Equal(t, EntityError, e.Status)
	assert.Equal(t, 2, e.Attempts)
}

func TestAttemptsNeverExceedMaxRetries(t *testing.T) {
	now := time.Now().UTC()
	cfg := testConfig()
	e := &EntityState{Status: EntityPending}

	for i := 0; i < cfg.MaxRetries; i++ {
		if e.Status.Terminal() {
			break
		}
		require.NoError(t, MarkDispatchFailed(e, "down", now, cfg))
	}
	assert.Equal(t, EntityError, e.Status)
	assert.Equal(t, cfg.MaxRetries, e.Attempts)
	assert.Error(t, MarkDispatchFailed(e, "down", now, cfg))
	assert.Equal(t, cfg.MaxRetries, e.Attempts)
}

func TestRecomputeInvariant(t *testing.T) {
	entities := map[string]*EntityState{
		"a": {Status: EntityPending},
		"b": {Status: EntityDispatched},
		"c": {Status: EntityPolling},
		"d": {Status: EntityDone},
		"e": {Status: EntityError},
	}

	p := Recompute(entities)
	assert.Equal(t, 5, p.Total)
	assert.Equal(t, p.Total, p.Pending+p.Dispatched+p.Done+p.Error)
	assert.Equal(t, 1, p.Pending)
	assert.Equal(t, 2, p.Dispatched) // dispatched + polling
	assert.Equal(t, 1, p.Done)
	assert.Equal(t, 1, p.Error)
}

func TestNewJob(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	j, err := New("job-1", "tenant-a", "runs", "https://agents.example.com", expires,
		[]string{"e1", "e2", "e2", " ", "e3"}, Options{Concurrency: 8})
	require.NoError(t, err)

	assert.Equal(t, JobPending, j.Status)
	assert.Equal(t, []string{"e1", "e2", "e3"}, j.EntityOrder)
	assert.Len(t, j.Entities, 3)
	assert.Equal(t, 8, j.Config.Concurrency)
	assert.Equal(t, DefaultConfig().MaxRetries, j.Config.MaxRetries)
	assert.Equal(t, 3, j.Progress.Pending)
	assert.Equal(t, 3, j.Progress.Total)

	_, err = New("", "tenant-a", "runs", "", expires, []string{"e1"}, Options{})
	assert.Error(t, err)
	_, err = New("job-2", "tenant-a", "runs", "", expires, nil, Options{})
	assert.Error(t, err)
}

func TestFinalize(t *testing.T) {
	now := time.Now().UTC()

	t.Run("partial success is done", func(t *testing.T) {
		j := &Job{
			JobID:  "job-1",
			Status: JobRunning,
			Entities: map[string]*EntityState{
				"a": {Status: EntityDone},
				"b": {Status: EntityError},
			},
		}
		out := Finalize(j, now)
		assert.Equal(t, JobDone, out.Status)
		assert.Equal(t, 1, out.Succeeded)
		assert.Equal(t, 1, out.Failed)
		require.NotNil(t, j.CompletedAt)

		// Idempotent: a second call does not move completed_at or status.
		first := *j.CompletedAt
		out2 := Finalize(j, now.Add(time.Minute))
		assert.Equal(t, out, out2)
		assert.Equal(t, first, *j.CompletedAt)
	})

	t.Run("all failed is error", func(t *testing.T) {
		j := &Job{
			JobID:  "job-2",
			Status: JobRunning,
			Entities: map[string]*EntityState{
				"a": {Status: EntityError},
				"b": {Status: EntityError},
			},
		}
		out := Finalize(j, now)
		assert.Equal(t, JobError, out.Status)
		require.NotNil(t, j.Error)
		assert.Equal(t, "ALL_ENTITIES_FAILED", j.Error.Code)
	})
}

func TestForceExpire(t *testing.T) {
	now := time.Now().UTC()
	j := &Job{
		JobID:     "job-1",
		Status:    JobRunning,
		ExpiresAt: now.Add(-time.Minute),
		Entities: map[string]*EntityState{
			"a": {Status: EntityPolling},
			"b": {Status: EntityDone},
		},
	}
	require.True(t, j.Expired(now))

	ForceExpire(j, now)
	assert.Equal(t, JobError, j.Status)
	require.NotNil(t, j.Error)
	assert.Equal(t, ErrCodeExpired, j.Error.Code)
	require.NotNil(t, j.CompletedAt)

	// Terminal jobs are left alone.
	j.Error.Message = "original"
	ForceExpire(j, now.Add(time.Hour))
	assert.Equal(t, "original", j.Error.Message)
}
