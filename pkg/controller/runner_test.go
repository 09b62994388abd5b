package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fanout-labs/fanoutd/pkg/jobrecord"
	"github.com/fanout-labs/fanoutd/pkg/jobstore"
	"github.com/fanout-labs/fanoutd/pkg/remote"
)

func TestRunner_DrivesJobToCompletion(t *testing.T) {
	store := jobstore.NewMemoryStore()
	fake := newFakeRemote()
	rec := &recorderSpy{}
	ctrl := New(store, fake, WithRecorder(rec), WithLogger(zap.NewNop()))

	ctx := context.Background()
	j, err := jobrecord.New("job-1", "release-check", "batch-1", "https://api.internal.example",
		time.Now().Add(time.Hour), []string{"ent-a", "ent-b"},
		jobrecord.Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(ctx, j))
	require.NoError(t, store.ScheduleTick(ctx, j.JobID, time.Now()))

	r := NewRunner(store, ctrl,
		WithScanInterval(5*time.Millisecond),
		WithRunnerLogger(zap.NewNop()))
	r.Start(ctx)
	defer r.Stop()

	require.Eventually(t, func() bool {
		got, err := store.GetJob(ctx, "job-1")
		return err == nil && got.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobrecord.JobDone, got.Status)
	assert.Equal(t, 2, got.Progress.Done)
}

func TestRunner_RespectsLeases(t *testing.T) {
	store := jobstore.NewMemoryStore()
	fake := newFakeRemote()
	ctrl := New(store, fake, WithLogger(zap.NewNop()))

	ctx := context.Background()
	j, err := jobrecord.New("job-1", "release-check", "batch-1", "https://api.internal.example",
		time.Now().Add(time.Hour), []string{"ent-a"}, jobrecord.Options{})
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(ctx, j))
	require.NoError(t, store.ScheduleTick(ctx, j.JobID, time.Now()))

	// Another holder owns the job's tick lease.
	ok, err := store.AcquireLease(ctx, "job-1", "other-runner", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	r := NewRunner(store, ctrl,
		WithScanInterval(5*time.Millisecond),
		WithRunnerLogger(zap.NewNop()))
	r.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	r.Stop()

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobrecord.JobPending, got.Status, "no tick ran while leased elsewhere")
	assert.Zero(t, fake.dispatches)
}

// rendezvousRemote blocks every dispatch until the test releases them,
// so a scan only finishes when its ticks overlap.
type rendezvousRemote struct {
	arrived chan struct{}
	release chan struct{}
}

func (r *rendezvousRemote) Dispatch(ctx context.Context, req remote.DispatchRequest) (remote.DispatchResult, error) {
	r.arrived <- struct{}{}
	select {
	case <-r.release:
	case <-ctx.Done():
		return remote.DispatchResult{}, ctx.Err()
	}
	return remote.DispatchResult{Accepted: true, SubJobID: "sub-" + req.EntityID}, nil
}

func (r *rendezvousRemote) Poll(context.Context, string, string, string) (remote.PollResult, error) {
	return remote.PollResult{Outcome: remote.PollDone}, nil
}

func TestRunner_WorkersTickJobsConcurrently(t *testing.T) {
	store := jobstore.NewMemoryStore()
	rr := &rendezvousRemote{arrived: make(chan struct{}), release: make(chan struct{})}
	ctrl := New(store, rr, WithLogger(zap.NewNop()))

	ctx := context.Background()
	jobIDs := []string{"job-a", "job-b"}
	for _, id := range jobIDs {
		j, err := jobrecord.New(id, "release-check", "batch-1", "https://api.internal.example",
			time.Now().Add(time.Hour), []string{"ent-1"},
			jobrecord.Options{PollInterval: 5 * time.Millisecond})
		require.NoError(t, err)
		require.NoError(t, store.CreateJob(ctx, j))
		require.NoError(t, store.ScheduleTick(ctx, id, time.Now()))
	}

	r := NewRunner(store, ctrl,
		WithScanInterval(5*time.Millisecond),
		WithWorkers(2),
		WithRunnerLogger(zap.NewNop()))
	r.Start(ctx)
	defer r.Stop()

	// Each job has one entity, so two in-flight dispatches mean two
	// ticks for distinct jobs are running at once.
	for i := 0; i < len(jobIDs); i++ {
		select {
		case <-rr.arrived:
		case <-time.After(5 * time.Second):
			t.Fatal("second tick never started while the first was blocked")
		}
	}
	close(rr.release)

	require.Eventually(t, func() bool {
		for _, id := range jobIDs {
			got, err := store.GetJob(ctx, id)
			if err != nil || !got.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunner_StopIsIdempotent(t *testing.T) {
	store := jobstore.NewMemoryStore()
	ctrl := New(store, newFakeRemote())
	r := NewRunner(store, ctrl, WithScanInterval(time.Millisecond))
	r.Start(context.Background())
	r.Stop()
	r.Stop()
}
