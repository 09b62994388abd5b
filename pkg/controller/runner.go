package controller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fanout-labs/fanoutd/pkg/jobstore"
)

// Runner is the in-process wake-up source: it periodically scans the
// store for jobs whose tick is due and drives them through the
// Controller. Deployments that rely on an external scheduler instead
// can skip the Runner and invoke ticks directly.
//
// Each due job is ticked under a store lease, so multiple runner
// instances sharing one store never interleave ticks for the same job.
type Runner struct {
	store      jobstore.Store
	controller *Controller
	logger     *zap.Logger

	scanInterval time.Duration
	leaseTTL     time.Duration
	batchSize    int
	workers      int
	holder       string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithScanInterval sets how often the runner scans for due jobs.
func WithScanInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.scanInterval = d }
}

// WithLeaseTTL sets the per-job tick lease duration.
func WithLeaseTTL(d time.Duration) RunnerOption {
	return func(r *Runner) { r.leaseTTL = d }
}

// WithBatchSize caps how many due jobs one scan picks up.
func WithBatchSize(n int) RunnerOption {
	return func(r *Runner) { r.batchSize = n }
}

// WithWorkers caps how many jobs one scan ticks concurrently. Values
// below one keep the single-worker default.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a Runner with a 1s scan interval, 1m lease TTL, a
// batch size of 100 and a single tick worker.
func NewRunner(store jobstore.Store, c *Controller, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:        store,
		controller:   c,
		logger:       zap.NewNop(),
		scanInterval: time.Second,
		leaseTTL:     time.Minute,
		batchSize:    100,
		workers:      1,
		holder:       uuid.NewString(),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the scan loop. It returns immediately; call Stop to
// shut down.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.scanInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.scan(ctx)
			}
		}
	}()
}

// Stop signals the loop to exit and waits for the in-flight scan to
// finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// scan ticks every due job it can take the lease for, with at most
// workers ticks in flight at once. The tick queue holds each job once,
// so ticks within a scan never touch the same job.
func (r *Runner) scan(ctx context.Context) {
	now := time.Now()
	due, err := r.store.DueJobs(ctx, now, r.batchSize)
	if err != nil {
		r.logger.Warn("due-job scan failed", zap.Error(err))
		return
	}

	sem := make(chan struct{}, r.workers)
	var wg sync.WaitGroup

	for _, jobID := range due {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-r.stop:
			wg.Wait()
			return
		default:
		}
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			r.tickOne(ctx, jobID)
		}(jobID)
	}
	wg.Wait()
}

func (r *Runner) tickOne(ctx context.Context, jobID string) {
	ok, err := r.store.AcquireLease(ctx, jobID, r.holder, r.leaseTTL)
	if err != nil {
		r.logger.Warn("lease acquisition failed",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}
	if !ok {
		// Another runner instance owns this job right now.
		return
	}
	defer func() {
		if err := r.store.ReleaseLease(ctx, jobID, r.holder); err != nil {
			r.logger.Warn("lease release failed",
				zap.String("job_id", jobID),
				zap.Error(err))
		}
	}()

	res, err := r.controller.Tick(ctx, jobID)
	if err != nil {
		r.logger.Error("tick failed",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}
	r.logger.Debug("tick complete",
		zap.String("job_id", jobID),
		zap.Bool("terminal", res.Terminal),
		zap.Int("dispatched", res.Dispatched),
		zap.Int("polled", res.Polled))
}
