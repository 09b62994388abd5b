// Package jobstore persists job records durably with expiry, and keeps
// the tick schedule that drives the orchestrator between process
// restarts.
//
// The store is deliberately narrow: one record per job id, whole-record
// reads and writes, a sorted tick queue, and a short-lived per-job lease
// so concurrent ticks for the same job never interleave.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/fanout-labs/fanoutd/pkg/jobrecord"
)

var (
	// ErrNotFound is returned when no record exists for the job id.
	ErrNotFound = errors.New("jobstore: job not found")

	// ErrAlreadyExists is returned by CreateJob when a record with the
	// same job id is already present. Intake treats this as the
	// idempotent-duplicate case, not a failure.
	ErrAlreadyExists = errors.New("jobstore: job already exists")
)

// DefaultRecordTTL is how long a record survives after its last write.
const DefaultRecordTTL = 24 * time.Hour

// Store is the durable persistence contract for job records.
type Store interface {
	// CreateJob writes a new record iff no record exists for its job id.
	// Returns ErrAlreadyExists otherwise (creation is never an upsert).
	CreateJob(ctx context.Context, j *jobrecord.Job) error

	// GetJob loads the record for jobID, or ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*jobrecord.Job, error)

	// PutJob overwrites the record and refreshes its TTL.
	PutJob(ctx context.Context, j *jobrecord.Job) error

	// DeleteJob removes the record. Missing records are not an error.
	DeleteJob(ctx context.Context, jobID string) error

	// ScheduleTick registers jobID to be ticked at or after due.
	// Rescheduling an already-queued job moves its due time.
	ScheduleTick(ctx context.Context, jobID string, due time.Time) error

	// DueJobs returns up to limit job ids whose tick is due at now,
	// earliest first. It does not remove them; call ClearTick once the
	// tick has been persisted so a crash mid-tick keeps the wake-up.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]string, error)

	// ClearTick removes jobID from the tick queue.
	ClearTick(ctx context.Context, jobID string) error

	// AcquireLease takes the single-writer tick lease for jobID for ttl.
	// Returns false when another holder has it.
	AcquireLease(ctx context.Context, jobID, holder string, ttl time.Duration) (bool, error)

	// ReleaseLease gives the lease back. Releasing a lease held by
	// someone else is a no-op.
	ReleaseLease(ctx context.Context, jobID, holder string) error
}
