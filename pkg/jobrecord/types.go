// Package jobrecord defines the durable job record and the per-entity
// work-item state machine.
//
// The record is pure data: all mutation happens through the transition
// functions in this package, which keeps the state machine testable
// without any I/O. Persistence is the concern of pkg/jobstore.
package jobrecord

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle status of a job.
//
// NOTE: These values are persisted in the job record and are part of the
// stable on-disk contract. Status only moves forward: pending -> running
// -> {done | error}.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobError   JobStatus = "error"
)

// Terminal reports whether the job status is final.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobError
}

// EntityStatus is the lifecycle status of one work item within a job.
type EntityStatus string

const (
	EntityPending    EntityStatus = "pending"
	EntityDispatched EntityStatus = "dispatched"
	EntityPolling    EntityStatus = "polling"
	EntityDone       EntityStatus = "done"
	EntityError      EntityStatus = "error"
)

// Terminal reports whether the entity status is final.
func (s EntityStatus) Terminal() bool {
	return s == EntityDone || s == EntityError
}

// InFlight reports whether the entity currently occupies a dispatch slot.
func (s EntityStatus) InFlight() bool {
	return s == EntityDispatched || s == EntityPolling
}

// ErrCodeExpired is recorded on jobs force-failed past their deadline.
const ErrCodeExpired = "EXPIRED"

// Config is the resolved per-job tuning, immutable once the job is created.
type Config struct {
	MaxRetries   int           `json:"max_retries"`
	Concurrency  int           `json:"concurrency"`
	PollInterval time.Duration `json:"poll_interval"`
	PollTimeout  time.Duration `json:"poll_timeout"`
}

// DefaultConfig returns the tuning applied when the caller provides no
// overrides.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		Concurrency:  5,
		PollInterval: 10 * time.Second,
		PollTimeout:  5 * time.Minute,
	}
}

// Options are the caller-supplied tuning overrides from the intake request.
// Zero values mean "use the default".
type Options struct {
	MaxRetries   int           `json:"max_retries,omitempty"`
	Concurrency  int           `json:"concurrency,omitempty"`
	PollInterval time.Duration `json:"poll_interval,omitempty"`
	PollTimeout  time.Duration `json:"poll_timeout,omitempty"`

	// Input is an opaque payload forwarded to every dispatch call.
	Input map[string]any `json:"input,omitempty"`
}

// Resolve merges the options over the defaults into an immutable Config.
func (o Options) Resolve() Config {
	cfg := DefaultConfig()
	if o.MaxRetries > 0 {
		cfg.MaxRetries = o.MaxRetries
	}
	if o.Concurrency > 0 {
		cfg.Concurrency = o.Concurrency
	}
	if o.PollInterval > 0 {
		cfg.PollInterval = o.PollInterval
	}
	if o.PollTimeout > 0 {
		cfg.PollTimeout = o.PollTimeout
	}
	return cfg
}

// EntityState tracks one work item through dispatch, polling and retry.
type EntityState struct {
	Status EntityStatus `json:"status"`

	// SubJobID is the remote worker's identifier for the current dispatch
	// attempt. Cleared when an attempt is abandoned for retry.
	SubJobID string `json:"sub_job_id,omitempty"`

	// Attempts counts dispatch attempts. It only ever increases and is
	// bounded by Config.MaxRetries.
	Attempts int `json:"attempts"`

	// PollDeadline bounds how long the current attempt may stay in polling.
	PollDeadline  *time.Time `json:"poll_deadline,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	// Error holds the last observed failure detail. Advisory only; it is
	// overwritten each attempt and cleared on success.
	Error string `json:"error,omitempty"`

	// Result is the opaque payload returned by the remote worker. Set
	// once, when the entity reaches done.
	Result map[string]any `json:"result,omitempty"`
}

// Progress is the aggregate entity count snapshot. It is always derived
// from the entity map (see Recompute), never incremented independently.
type Progress struct {
	Pending    int `json:"pending"`
	Dispatched int `json:"dispatched"`
	Done       int `json:"done"`
	Error      int `json:"error"`
	Total      int `json:"total"`
}

// ErrorDetail is the job-level terminal error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is the persistent record for one orchestration run.
//
// The schema is designed for backward-compatible extension (additive
// fields). EntityOrder pins the deterministic scheduling order; the keys
// of Entities are fixed at creation and never change afterwards.
type Job struct {
	JobID         string    `json:"job_id"`
	Status        JobStatus `json:"status"`
	Target        string    `json:"target"`
	JobCollection string    `json:"job_collection"`
	APIBase       string    `json:"api_base"`
	Network       string    `json:"network,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`

	Options Options `json:"options"`
	Config  Config  `json:"config"`

	EntityOrder []string                `json:"entity_order"`
	Entities    map[string]*EntityState `json:"entities"`
	Progress    Progress                `json:"progress"`

	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *ErrorDetail    `json:"error,omitempty"`
}

// New builds a job record from an intake request. Entity states are
// initialized pending with zero attempts; entityIDs fixes the scheduling
// order.
func New(jobID, target, jobCollection, apiBase string, expiresAt time.Time, entityIDs []string, opts Options) (*Job, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	if strings.TrimSpace(target) == "" {
		return nil, fmt.Errorf("target is required")
	}
	if strings.TrimSpace(jobCollection) == "" {
		return nil, fmt.Errorf("job_collection is required")
	}
	if len(entityIDs) == 0 {
		return nil, fmt.Errorf("at least one entity is required")
	}

	entities := make(map[string]*EntityState, len(entityIDs))
	order := make([]string, 0, len(entityIDs))
	for _, id := range entityIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := entities[id]; dup {
			continue
		}
		entities[id] = &EntityState{Status: EntityPending}
		order = append(order, id)
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("at least one entity is required")
	}

	j := &Job{
		JobID:         jobID,
		Status:        JobPending,
		Target:        target,
		JobCollection: jobCollection,
		APIBase:       strings.TrimRight(apiBase, "/"),
		ExpiresAt:     expiresAt,
		Options:       opts,
		Config:        opts.Resolve(),
		EntityOrder:   order,
		Entities:      entities,
		StartedAt:     time.Now().UTC(),
	}
	j.Progress = Recompute(j.Entities)
	return j, nil
}

// Entity returns the state for id, or nil if the id is unknown.
func (j *Job) Entity(id string) *EntityState {
	return j.Entities[id]
}

// AllTerminal reports whether every entity has reached done or error.
func (j *Job) AllTerminal() bool {
	for _, e := range j.Entities {
		if !e.Status.Terminal() {
			return false
		}
	}
	return true
}

// Expired reports whether the job deadline has passed at now.
func (j *Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && now.After(j.ExpiresAt)
}
