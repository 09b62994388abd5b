package recorder

import (
	"encoding/json"
	"io"
	"time"
)

// JSONLWriter writes envelope records as newline-delimited JSON.
// Writes are sequential; the recorder assembles one document per job
// from a single goroutine.
type JSONLWriter struct {
	w      io.Writer
	jobID  string
	target string
	now    func() time.Time
}

// NewJSONLWriter creates a writer stamping every line with the job id
// and target.
func NewJSONLWriter(w io.Writer, jobID, target string) *JSONLWriter {
	return &JSONLWriter{w: w, jobID: jobID, target: target, now: time.Now}
}

// WriteSummary emits the job-level summary record.
func (jw *JSONLWriter) WriteSummary(sum *SummaryRecord) error {
	return jw.writeRecord(TypeSummary, sum)
}

// WriteEntity emits one per-entity outcome record.
func (jw *JSONLWriter) WriteEntity(e *EntityRecord) error {
	return jw.writeRecord(TypeEntity, e)
}

func (jw *JSONLWriter) writeRecord(recordType string, data any) error {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	record := Record{
		Type:   recordType,
		TS:     jw.now().UTC(),
		JobID:  jw.jobID,
		Target: jw.target,
		Data:   dataBytes,
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}
