package jobrecord

import (
	"fmt"
	"time"
)

// Outcome is the finalization summary for a job whose entities have all
// reached a terminal state.
type Outcome struct {
	Status    JobStatus `json:"status"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Total     int       `json:"total"`
	Message   string    `json:"message"`
}

// Finalize computes the terminal job status from the entity map and
// stamps the record. The job fails only when every entity failed; any
// success yields done (partial results are still results).
//
// Finalize is a pure function of the entity map plus now: calling it
// twice on the same terminal state produces the same outcome, so a
// replayed finalization tick is harmless.
func Finalize(j *Job, now time.Time) Outcome {
	out := Outcome{Total: len(j.Entities)}
	for _, e := range j.Entities {
		switch e.Status {
		case EntityDone:
			out.Succeeded++
		case EntityError:
			out.Failed++
		}
	}

	if out.Failed == out.Total {
		out.Status = JobError
		out.Message = fmt.Sprintf("all %d entities failed", out.Total)
	} else {
		out.Status = JobDone
		out.Message = fmt.Sprintf("%d of %d entities succeeded, %d failed", out.Succeeded, out.Total, out.Failed)
	}

	j.Status = out.Status
	if j.CompletedAt == nil {
		t := now.UTC()
		j.CompletedAt = &t
	}
	j.Result = map[string]any{
		"succeeded": out.Succeeded,
		"failed":    out.Failed,
		"total":     out.Total,
		"message":   out.Message,
	}
	if out.Status == JobError && j.Error == nil {
		j.Error = &ErrorDetail{Code: "ALL_ENTITIES_FAILED", Message: out.Message}
	}
	j.Progress = Recompute(j.Entities)
	return out
}

// ForceExpire fails a non-terminal job past its deadline. Entities still
// in flight are left as-is; the job-level error short-circuits further
// processing.
func ForceExpire(j *Job, now time.Time) {
	if j.Status.Terminal() {
		return
	}
	j.Status = JobError
	j.Error = &ErrorDetail{
		Code:    ErrCodeExpired,
		Message: fmt.Sprintf("job did not complete before deadline %s", j.ExpiresAt.UTC().Format(time.RFC3339)),
	}
	t := now.UTC()
	j.CompletedAt = &t
	j.Progress = Recompute(j.Entities)
}
