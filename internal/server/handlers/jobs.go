package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/fanout-labs/fanoutd/internal/errors"
	"github.com/fanout-labs/fanoutd/pkg/discovery"
	"github.com/fanout-labs/fanoutd/pkg/jobrecord"
	"github.com/fanout-labs/fanoutd/pkg/jobstore"
	"github.com/fanout-labs/fanoutd/pkg/signature"
)

// maxIntakeBody bounds the intake request body.
const maxIntakeBody = 1 << 20

// SignatureVerifier checks the intake signature header against the raw
// request body.
type SignatureVerifier interface {
	Verify(ctx context.Context, apiBase, header string, body []byte) error
}

// EntityLister discovers entity ids for a target when intake does not
// name them.
type EntityLister interface {
	ListEntityIDs(ctx context.Context, apiBase, target string, filter discovery.Filter) ([]string, error)
}

// JobsHandler serves job intake and status queries.
type JobsHandler struct {
	store    jobstore.Store
	verifier SignatureVerifier
	lister   EntityLister
	logger   *zap.Logger
	now      func() time.Time
}

// JobsOption configures a JobsHandler.
type JobsOption func(*JobsHandler)

// WithVerifier enables signature verification. Without it intake
// accepts unsigned requests (local development only).
func WithVerifier(v SignatureVerifier) JobsOption {
	return func(h *JobsHandler) { h.verifier = v }
}

// WithLister enables entity discovery for requests without entity_ids.
func WithLister(l EntityLister) JobsOption {
	return func(h *JobsHandler) { h.lister = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) JobsOption {
	return func(h *JobsHandler) { h.logger = l }
}

// WithClock overrides the handler's clock.
func WithClock(now func() time.Time) JobsOption {
	return func(h *JobsHandler) { h.now = now }
}

// NewJobsHandler creates the handler.
func NewJobsHandler(store jobstore.Store, opts ...JobsOption) *JobsHandler {
	h := &JobsHandler{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// intakeRequest is the inbound job submission body.
type intakeRequest struct {
	JobID         string          `json:"job_id"`
	Target        string          `json:"target"`
	JobCollection string          `json:"job_collection"`
	APIBase       string          `json:"api_base"`
	Network       string          `json:"network"`
	ExpiresAt     time.Time       `json:"expires_at"`
	Input         json.RawMessage `json:"input"`
}

// intakeInput is the typed view of the input block. Unknown keys are
// preserved separately and forwarded to dispatched entities.
type intakeInput struct {
	EntityIDs  []string       `json:"entity_ids"`
	EntityType string         `json:"entity_type"`
	EntityGlob string         `json:"entity_glob"`
	Options    *intakeOptions `json:"options"`
}

type intakeOptions struct {
	MaxRetries   int    `json:"max_retries"`
	Concurrency  int    `json:"concurrency"`
	PollInterval string `json:"poll_interval"`
	PollTimeout  string `json:"poll_timeout"`
}

// intakeResponse is the intake reply for both outcomes.
type intakeResponse struct {
	Accepted   bool   `json:"accepted"`
	JobID      string `json:"job_id,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func writeIntake(w http.ResponseWriter, status int, resp intakeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Intake handles POST /jobs. Duplicate submissions with an existing
// job_id are acknowledged without touching the stored record.
func (h *JobsHandler) Intake(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIntakeBody))
	if err != nil {
		writeIntake(w, http.StatusBadRequest, intakeResponse{Error: "failed to read request body"})
		return
	}

	var req intakeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeIntake(w, http.StatusBadRequest, intakeResponse{Error: "malformed request body"})
		return
	}

	if h.verifier != nil {
		header := r.Header.Get(signature.Header)
		if err := h.verifier.Verify(r.Context(), req.APIBase, header, body); err != nil {
			h.logger.Warn("intake signature rejected",
				zap.String("job_id", req.JobID),
				zap.Error(err))
			writeIntake(w, http.StatusUnauthorized, intakeResponse{Error: "signature verification failed"})
			return
		}
	}

	if msg := validateIntake(req); msg != "" {
		writeIntake(w, http.StatusBadRequest, intakeResponse{Error: msg})
		return
	}

	var input intakeInput
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			writeIntake(w, http.StatusBadRequest, intakeResponse{Error: "malformed input block"})
			return
		}
	}

	opts, err := resolveOptions(input)
	if err != nil {
		writeIntake(w, http.StatusBadRequest, intakeResponse{Error: err.Error()})
		return
	}
	opts.Input = dispatchInput(req.Input)

	entityIDs := input.EntityIDs
	if len(entityIDs) == 0 {
		if h.lister == nil {
			writeIntake(w, http.StatusBadRequest, intakeResponse{Error: "entity_ids is required"})
			return
		}
		entityIDs, err = h.lister.ListEntityIDs(r.Context(), req.APIBase, req.Target, discovery.Filter{
			Type:   input.EntityType,
			IDGlob: input.EntityGlob,
		})
		if err != nil {
			h.logger.Warn("entity discovery failed",
				zap.String("job_id", req.JobID),
				zap.String("target", req.Target),
				zap.Error(err))
			writeIntake(w, http.StatusServiceUnavailable, intakeResponse{
				Error:      "entity discovery failed",
				RetryAfter: 30,
			})
			return
		}
	}

	j, err := jobrecord.New(req.JobID, req.Target, req.JobCollection, req.APIBase,
		req.ExpiresAt, entityIDs, opts)
	if err != nil {
		writeIntake(w, http.StatusBadRequest, intakeResponse{Error: err.Error()})
		return
	}
	j.Network = req.Network

	if err := h.store.CreateJob(r.Context(), j); err != nil {
		if errors.Is(err, jobstore.ErrAlreadyExists) {
			// Idempotent duplicate: acknowledge, never re-create.
			writeIntake(w, http.StatusAccepted, intakeResponse{Accepted: true, JobID: req.JobID})
			return
		}
		h.logger.Error("job creation failed",
			zap.String("job_id", req.JobID),
			zap.Error(err))
		writeIntake(w, http.StatusServiceUnavailable, intakeResponse{
			Error:      "job store unavailable",
			RetryAfter: 30,
		})
		return
	}

	if err := h.store.ScheduleTick(r.Context(), j.JobID, h.now()); err != nil {
		h.logger.Error("first tick scheduling failed",
			zap.String("job_id", j.JobID),
			zap.Error(err))
		writeIntake(w, http.StatusServiceUnavailable, intakeResponse{
			Error:      "scheduling unavailable",
			RetryAfter: 30,
		})
		return
	}

	h.logger.Info("job accepted",
		zap.String("job_id", j.JobID),
		zap.String("target", j.Target),
		zap.Int("entities", len(j.Entities)))
	writeIntake(w, http.StatusAccepted, intakeResponse{Accepted: true, JobID: j.JobID})
}

func validateIntake(req intakeRequest) string {
	switch {
	case req.JobID == "":
		return "job_id is required"
	case req.Target == "":
		return "target is required"
	case req.JobCollection == "":
		return "job_collection is required"
	case req.APIBase == "":
		return "api_base is required"
	case req.ExpiresAt.IsZero():
		return "expires_at is required"
	default:
		return ""
	}
}

func resolveOptions(input intakeInput) (jobrecord.Options, error) {
	var opts jobrecord.Options
	if input.Options == nil {
		return opts, nil
	}
	opts.MaxRetries = input.Options.MaxRetries
	opts.Concurrency = input.Options.Concurrency
	if s := input.Options.PollInterval; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return opts, fmt.Errorf("invalid poll_interval %q", s)
		}
		opts.PollInterval = d
	}
	if s := input.Options.PollTimeout; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return opts, fmt.Errorf("invalid poll_timeout %q", s)
		}
		opts.PollTimeout = d
	}
	return opts, nil
}

// dispatchInput strips orchestration keys from the input block; the
// remainder is forwarded verbatim with every dispatch.
func dispatchInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	delete(m, "entity_ids")
	delete(m, "entity_type")
	delete(m, "entity_glob")
	delete(m, "options")
	if len(m) == 0 {
		return nil
	}
	return m
}

// statusResponse is the status query reply.
type statusResponse struct {
	JobID       string              `json:"job_id"`
	Status      jobrecord.JobStatus `json:"status"`
	Progress    jobrecord.Progress  `json:"progress"`
	Result      map[string]any      `json:"result,omitempty"`
	Error       *jobrecord.ErrorDetail `json:"error,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// Status handles GET /status/{job_id}. It reflects the last durably
// committed state; in-tick transitions are invisible until persisted.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		apperrors.WriteError(w, r, http.StatusBadRequest, apperrors.CodeValidationError, "job_id is required")
		return
	}

	j, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{
		JobID:       j.JobID,
		Status:      j.Status,
		Progress:    j.Progress,
		Result:      j.Result,
		Error:       j.Error,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	})
}
