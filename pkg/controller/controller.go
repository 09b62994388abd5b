// Package controller drives jobs through their lifecycle one tick at a
// time. A tick is the resumable unit of work: it loads the durable job
// record, advances entity states through dispatch and poll calls,
// recomputes progress, persists, and either finalizes or schedules the
// next tick. All in-memory state may be lost between ticks; replaying a
// tick over the persisted record is safe.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fanout-labs/fanoutd/pkg/jobrecord"
	"github.com/fanout-labs/fanoutd/pkg/jobstore"
	"github.com/fanout-labs/fanoutd/pkg/remote"
	"github.com/fanout-labs/fanoutd/pkg/scheduler"
)

// RemoteClient is the outbound surface the controller needs: one
// dispatch attempt and one status check, neither internally retried.
type RemoteClient interface {
	Dispatch(ctx context.Context, req remote.DispatchRequest) (remote.DispatchResult, error)
	Poll(ctx context.Context, apiBase, entityID, subJobID string) (remote.PollResult, error)
}

// Recorder receives terminal jobs for external summary recording.
type Recorder interface {
	Record(ctx context.Context, j *jobrecord.Job) error
}

// Controller executes ticks against the job store.
type Controller struct {
	store    jobstore.Store
	remote   RemoteClient
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithRecorder sets the terminal-job recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock overrides the controller's clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller.
func New(store jobstore.Store, rc RemoteClient, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		remote: rc,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TickResult summarizes one tick.
type TickResult struct {
	// Terminal reports whether the job finished during this tick (or
	// was already finished when it loaded).
	Terminal bool

	// NextTick is when the job should be ticked again; zero when
	// Terminal.
	NextTick time.Time

	// Dispatched and Polled count the remote calls made this tick.
	Dispatched int
	Polled     int
}

// Tick advances the job one step. Steps, in order: load, expiry check,
// schedule, fan out dispatch/poll calls, apply transitions in plan
// order, recompute progress, persist, then finalize or reschedule.
func (c *Controller) Tick(ctx context.Context, jobID string) (TickResult, error) {
	j, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		// A tick can outlive its record: retention reaped the job, or a
		// duplicate wake-up arrived after deletion. Drop the stale entry
		// so the queue cannot re-select it forever.
		if errors.Is(err, jobstore.ErrNotFound) {
			if cerr := c.store.ClearTick(ctx, jobID); cerr != nil {
				return TickResult{}, cerr
			}
			c.logger.Info("dropped tick for missing job", zap.String("job_id", jobID))
			return TickResult{Terminal: true}, nil
		}
		return TickResult{}, fmt.Errorf("controller: load job %s: %w", jobID, err)
	}

	// A replayed tick for a finished job only clears the stale wake-up.
	if j.Status.Terminal() {
		if err := c.store.ClearTick(ctx, jobID); err != nil {
			return TickResult{}, err
		}
		return TickResult{Terminal: true}, nil
	}

	now := c.now()

	// Expiry is checked before any dispatch or poll work and
	// short-circuits everything else.
	if j.Expired(now) {
		jobrecord.ForceExpire(j, now)
		if err := c.persistTerminal(ctx, j); err != nil {
			return TickResult{}, err
		}
		c.logger.Info("job expired",
			zap.String("job_id", j.JobID),
			zap.Time("expires_at", j.ExpiresAt))
		return TickResult{Terminal: true}, nil
	}

	plan := scheduler.Next(j)
	outcomes := c.fanOut(ctx, j, plan, now)

	// Transitions apply sequentially in plan order, never concurrently.
	for _, id := range plan.ToDispatch {
		c.applyDispatch(j, id, outcomes[id], now)
	}
	for _, id := range plan.ToPoll {
		c.applyPoll(j, id, outcomes[id], now)
	}

	j.Status = jobrecord.JobRunning
	j.Progress = jobrecord.Recompute(j.Entities)

	if j.AllTerminal() {
		out := jobrecord.Finalize(j, now)
		if err := c.persistTerminal(ctx, j); err != nil {
			return TickResult{}, err
		}
		c.logger.Info("job finalized",
			zap.String("job_id", j.JobID),
			zap.String("status", string(out.Status)),
			zap.Int("succeeded", out.Succeeded),
			zap.Int("failed", out.Failed))
		return TickResult{
			Terminal:   true,
			Dispatched: len(plan.ToDispatch),
			Polled:     len(plan.ToPoll),
		}, nil
	}

	if err := c.store.PutJob(ctx, j); err != nil {
		return TickResult{}, fmt.Errorf("controller: persist job %s: %w", jobID, err)
	}
	next := now.Add(j.Config.PollInterval)
	if err := c.store.ScheduleTick(ctx, j.JobID, next); err != nil {
		return TickResult{}, fmt.Errorf("controller: reschedule job %s: %w", jobID, err)
	}

	return TickResult{
		NextTick:   next,
		Dispatched: len(plan.ToDispatch),
		Polled:     len(plan.ToPoll),
	}, nil
}

// persistTerminal writes the finished record, removes the wake-up and
// hands the job to the recorder. Recording failures are logged, not
// propagated: the durable record is already authoritative.
func (c *Controller) persistTerminal(ctx context.Context, j *jobrecord.Job) error {
	if err := c.store.PutJob(ctx, j); err != nil {
		return fmt.Errorf("controller: persist job %s: %w", j.JobID, err)
	}
	if err := c.store.ClearTick(ctx, j.JobID); err != nil {
		return err
	}
	if c.recorder != nil {
		if err := c.recorder.Record(ctx, j); err != nil {
			c.logger.Warn("summary recording failed",
				zap.String("job_id", j.JobID),
				zap.Error(err))
		}
	}
	return nil
}

// callOutcome carries the result of one remote call back to the
// sequential transition phase.
type callOutcome struct {
	dispatch remote.DispatchResult
	poll     remote.PollResult
	timedOut bool
}

// fanOut performs the tick's network calls with bounded parallelism.
// The semaphore spans dispatch and poll calls alike so a tick never has
// more than config.Concurrency requests outstanding. Entities whose
// poll deadline already passed are decided locally without a call.
func (c *Controller) fanOut(ctx context.Context, j *jobrecord.Job, plan scheduler.Plan, now time.Time) map[string]*callOutcome {
	outcomes := make(map[string]*callOutcome, len(plan.ToDispatch)+len(plan.ToPoll))
	for _, id := range plan.ToDispatch {
		outcomes[id] = &callOutcome{}
	}
	for _, id := range plan.ToPoll {
		outcomes[id] = &callOutcome{}
	}

	limit := j.Config.Concurrency
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for _, id := range plan.ToDispatch {
		wg.Add(1)
		go func(id string, out *callOutcome) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := c.remote.Dispatch(ctx, remote.DispatchRequest{
				APIBase:       j.APIBase,
				EntityID:      id,
				Target:        j.Target,
				JobCollection: j.JobCollection,
				Input:         j.Options.Input,
				ExpiresIn:     j.ExpiresAt.Sub(now),
			})
			if err != nil {
				res = remote.DispatchResult{Reason: err.Error()}
			}
			out.dispatch = res
		}(id, outcomes[id])
	}

	for _, id := range plan.ToPoll {
		e := j.Entities[id]
		if jobrecord.PollDeadlineExceeded(e, now) {
			outcomes[id].timedOut = true
			continue
		}
		wg.Add(1)
		go func(id, subJobID string, out *callOutcome) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := c.remote.Poll(ctx, j.APIBase, id, subJobID)
			if err != nil {
				res = remote.PollResult{Outcome: remote.StillRunning, Reason: err.Error()}
			}
			out.poll = res
		}(id, e.SubJobID, outcomes[id])
	}

	wg.Wait()
	return outcomes
}

func (c *Controller) applyDispatch(j *jobrecord.Job, id string, out *callOutcome, now time.Time) {
	e := j.Entities[id]
	if out.dispatch.Accepted {
		if err := jobrecord.MarkDispatched(e, out.dispatch.SubJobID, now, j.Config); err != nil {
			c.logger.Warn("dispatch transition rejected",
				zap.String("job_id", j.JobID),
				zap.String("entity_id", id),
				zap.Error(err))
			return
		}
		// Acceptance moves straight into polling; the first status
		// check happens this tick or a later one, the state decides.
		_ = jobrecord.MarkPolling(e)
		return
	}

	if err := jobrecord.MarkDispatchFailed(e, "dispatch failed: "+out.dispatch.Reason, now, j.Config); err != nil {
		c.logger.Warn("dispatch-failure transition rejected",
			zap.String("job_id", j.JobID),
			zap.String("entity_id", id),
			zap.Error(err))
		return
	}
	c.logger.Debug("dispatch attempt failed",
		zap.String("job_id", j.JobID),
		zap.String("entity_id", id),
		zap.Int("attempts", e.Attempts),
		zap.String("reason", out.dispatch.Reason))
}

func (c *Controller) applyPoll(j *jobrecord.Job, id string, out *callOutcome, now time.Time) {
	e := j.Entities[id]

	if out.timedOut {
		reason := fmt.Sprintf("poll timeout after %s", j.Config.PollTimeout)
		if err := jobrecord.MarkAttemptFailed(e, reason, j.Config); err != nil {
			c.logger.Warn("poll-timeout transition rejected",
				zap.String("job_id", j.JobID),
				zap.String("entity_id", id),
				zap.Error(err))
		}
		return
	}

	switch out.poll.Outcome {
	case remote.PollDone:
		if err := jobrecord.MarkDone(e, out.poll.Result); err != nil {
			c.logger.Warn("completion transition rejected",
				zap.String("job_id", j.JobID),
				zap.String("entity_id", id),
				zap.Error(err))
		}
	case remote.PollFailed:
		if err := jobrecord.MarkAttemptFailed(e, "remote failure: "+out.poll.Reason, j.Config); err != nil {
			c.logger.Warn("failure transition rejected",
				zap.String("job_id", j.JobID),
				zap.String("entity_id", id),
				zap.Error(err))
		}
	case remote.StillRunning:
		// No new information. Promote a freshly dispatched entity into
		// polling so the record reflects that a check has happened.
		if e.Status == jobrecord.EntityDispatched {
			_ = jobrecord.MarkPolling(e)
		}
	}
}
