package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/fanout-labs/fanoutd/pkg/backoff"
	"github.com/fanout-labs/fanoutd/pkg/jobrecord"
)

// maxRollupAttempts bounds CAS retries on the shared rollup record.
const maxRollupAttempts = 5

// Recorder writes finished-job summaries to a sink and folds their
// counts into the shared rollup record.
type Recorder struct {
	sink     Sink
	rollups  RollupStore
	strategy backoff.Strategy
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithBackoff overrides the CAS retry backoff strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(r *Recorder) { r.strategy = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithSleep overrides the retry sleep; tests inject a no-op.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Recorder) { r.sleep = sleep }
}

// New creates a Recorder. A nil rollup store disables rollup updates.
func New(sink Sink, rollups RollupStore, opts ...Option) *Recorder {
	r := &Recorder{
		sink:     sink,
		rollups:  rollups,
		strategy: backoff.Default(),
		logger:   zap.NewNop(),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Record writes the summary document for a terminal job and updates
// the rollup. The document write is authoritative and its error is
// returned; the rollup update is best-effort and only logged.
func (r *Recorder) Record(ctx context.Context, j *jobrecord.Job) error {
	if !j.Status.Terminal() {
		return fmt.Errorf("recorder: job %s is not terminal", j.JobID)
	}

	doc, err := r.buildDocument(j)
	if err != nil {
		return err
	}

	key := path.Join(j.JobCollection, j.JobID+".jsonl")
	if err := r.sink.Put(ctx, key, doc); err != nil {
		return err
	}

	r.updateRollup(ctx, j)
	return nil
}

func (r *Recorder) buildDocument(j *jobrecord.Job) ([]byte, error) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, j.JobID, j.Target)

	sum := &SummaryRecord{
		Status:        string(j.Status),
		Succeeded:     j.Progress.Done,
		Failed:        j.Progress.Error,
		Total:         j.Progress.Total,
		JobCollection: j.JobCollection,
	}
	if j.Result != nil {
		if msg, ok := j.Result["message"].(string); ok {
			sum.Message = msg
		}
	}
	if j.Error != nil {
		sum.ErrorCode = j.Error.Code
		if sum.Message == "" {
			sum.Message = j.Error.Message
		}
	}
	if j.CompletedAt != nil {
		d := j.CompletedAt.Sub(j.StartedAt)
		sum.Duration = d
		sum.DurationHuman = d.String()
	}
	if err := w.WriteSummary(sum); err != nil {
		return nil, err
	}

	for _, id := range j.EntityOrder {
		e := j.Entities[id]
		if e == nil {
			continue
		}
		rec := &EntityRecord{
			EntityID: id,
			Status:   string(e.Status),
			Attempts: e.Attempts,
			SubJobID: e.SubJobID,
			Error:    e.Error,
			Result:   e.Result,
		}
		if err := w.WriteEntity(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// updateRollup folds the job's counts into the shared record with
// CAS + backoff. Conflicts retry up to maxRollupAttempts; exhaustion
// and store errors are logged, never propagated as job failure.
func (r *Recorder) updateRollup(ctx context.Context, j *jobrecord.Job) {
	if r.rollups == nil {
		return
	}

	for attempt := 1; attempt <= maxRollupAttempts; attempt++ {
		current, version, err := r.rollups.Get(ctx)
		if err != nil {
			r.logger.Warn("rollup read failed",
				zap.String("job_id", j.JobID),
				zap.Error(err))
			return
		}

		next := current
		if j.Status == jobrecord.JobError {
			next.JobsFailed++
		} else {
			next.JobsDone++
		}
		next.EntitiesDone += int64(j.Progress.Done)
		next.EntitiesFailed += int64(j.Progress.Error)
		next.LastJobID = j.JobID
		next.UpdatedAt = time.Now().UTC()

		err = r.rollups.Put(ctx, next, version)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrVersionConflict) {
			r.logger.Warn("rollup write failed",
				zap.String("job_id", j.JobID),
				zap.Error(err))
			return
		}
		if attempt == maxRollupAttempts {
			break
		}
		if err := r.sleep(ctx, r.strategy.Delay(attempt)); err != nil {
			return
		}
	}

	r.logger.Warn("rollup update abandoned after repeated conflicts",
		zap.String("job_id", j.JobID),
		zap.Int("attempts", maxRollupAttempts))
}
