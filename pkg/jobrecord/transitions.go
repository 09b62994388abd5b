package jobrecord

import (
	"fmt"
	"time"
)

// Transition functions for the entity state machine:
//
//	pending -> dispatched -> polling -> {done | pending (retry) | error}
//
// Each function validates the source state, so an out-of-order call from
// a replayed tick surfaces as an error instead of corrupting the record.
// Terminal states are frozen: done and error entities reject every
// further transition. Attempts never decrease and never reset.

// ErrTerminalEntity is returned when a transition targets a finished entity.
var ErrTerminalEntity = fmt.Errorf("entity is in a terminal state")

// MarkDispatched records a dispatch acceptance: the entity moves to
// dispatched, consumes one attempt and remembers the remote sub-job id.
func MarkDispatched(e *EntityState, subJobID string, now time.Time, cfg Config) error {
	if e.Status.Terminal() {
		return ErrTerminalEntity
	}
	if e.Status != EntityPending {
		return fmt.Errorf("cannot dispatch entity in state %q", e.Status)
	}
	e.Status = EntityDispatched
	e.SubJobID = subJobID
	e.Attempts++
	t := now.UTC()
	e.LastAttemptAt = &t
	deadline := now.Add(cfg.PollTimeout).UTC()
	e.PollDeadline = &deadline
	return nil
}

// MarkPolling moves a dispatched entity into polling. Dispatch acceptance
// and the first poll may land in the same tick or different ticks; the
// state alone is authoritative.
func MarkPolling(e *EntityState) error {
	if e.Status.Terminal() {
		return ErrTerminalEntity
	}
	if e.Status != EntityDispatched {
		return fmt.Errorf("cannot poll entity in state %q", e.Status)
	}
	e.Status = EntityPolling
	return nil
}

// MarkDispatchFailed records a failed or rejected dispatch attempt. The
// attempt is consumed; if budget remains the entity stays retryable,
// otherwise it is terminally failed.
func MarkDispatchFailed(e *EntityState, reason string, now time.Time, cfg Config) error {
	if e.Status.Terminal() {
		return ErrTerminalEntity
	}
	if e.Status != EntityPending && e.Status != EntityDispatched {
		return fmt.Errorf("cannot fail dispatch for entity in state %q", e.Status)
	}
	e.Attempts++
	t := now.UTC()
	e.LastAttemptAt = &t
	e.Error = reason
	e.SubJobID = ""
	e.PollDeadline = nil
	if e.Attempts >= cfg.MaxRetries {
		e.Status = EntityError
	} else {
		e.Status = EntityPending
	}
	return nil
}

// MarkDone records a terminal success reported by the remote worker.
func MarkDone(e *EntityState, result map[string]any) error {
	if e.Status.Terminal() {
		return ErrTerminalEntity
	}
	if e.Status != EntityPolling && e.Status != EntityDispatched {
		return fmt.Errorf("cannot complete entity in state %q", e.Status)
	}
	e.Status = EntityDone
	e.Result = result
	e.Error = ""
	e.PollDeadline = nil
	return nil
}

// MarkAttemptFailed records a terminal failure or poll timeout for the
// current attempt. The attempt was already consumed at dispatch, so this
// does not touch Attempts: it discards the sub-job and either requeues
// the entity or, with the retry budget exhausted, fails it terminally.
func MarkAttemptFailed(e *EntityState, reason string, cfg Config) error {
	if e.Status.Terminal() {
		return ErrTerminalEntity
	}
	if e.Status != EntityPolling && e.Status != EntityDispatched {
		return fmt.Errorf("cannot fail attempt for entity in state %q", e.Status)
	}
	e.Error = reason
	e.SubJobID = ""
	e.PollDeadline = nil
	if e.Attempts >= cfg.MaxRetries {
		e.Status = EntityError
	} else {
		e.Status = EntityPending
	}
	return nil
}

// PollDeadlineExceeded reports whether the entity's current attempt has
// been polling past its deadline at now.
func PollDeadlineExceeded(e *EntityState, now time.Time) bool {
	return e.PollDeadline != nil && now.After(*e.PollDeadline)
}
