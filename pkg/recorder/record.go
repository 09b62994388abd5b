// Package recorder persists the outcome of finished jobs outside the
// job store: a JSONL summary document written to a configurable sink,
// and a shared rollup record updated with optimistic concurrency.
//
// Each line of a summary document is a self-contained envelope with a
// type-specific payload, so consumers can parse lines independently.
package recorder

import (
	"encoding/json"
	"io"
	"time"
)

// Envelope type constants, pattern fanoutd.<type>.v<version>.
const (
	// TypeSummary identifies the job-level summary record.
	TypeSummary = "fanoutd.summary.v1"

	// TypeEntity identifies per-entity outcome records.
	TypeEntity = "fanoutd.entity.v1"
)

// Record is the envelope for every summary-document line.
type Record struct {
	// Type identifies the record type (e.g., "fanoutd.summary.v1").
	Type string `json:"type"`

	// TS is when the record was created.
	TS time.Time `json:"ts"`

	// JobID correlates all lines of one document.
	JobID string `json:"job_id"`

	// Target is the job's target identifier.
	Target string `json:"target"`

	// Data is the type-specific payload.
	Data json.RawMessage `json:"data"`
}

// SummaryRecord is the job-level payload, one per document.
type SummaryRecord struct {
	Status        string `json:"status"`
	Succeeded     int    `json:"succeeded"`
	Failed        int    `json:"failed"`
	Total         int    `json:"total"`
	Message       string `json:"message"`
	JobCollection string `json:"job_collection"`

	// Duration is the wall time from job start to completion.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	ErrorCode string `json:"error_code,omitempty"`
}

// EntityRecord is the per-entity payload, one per entity.
type EntityRecord struct {
	EntityID string         `json:"entity_id"`
	Status   string         `json:"status"`
	Attempts int            `json:"attempts"`
	SubJobID string         `json:"sub_job_id,omitempty"`
	Error    string         `json:"error,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
}

// WriteError wraps errors from document assembly.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "recorder: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// writeAll writes all bytes to w, handling short writes.
//
// io.Writer.Write may return n < len(p) with a nil error; looping
// guarantees complete JSONL lines.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
