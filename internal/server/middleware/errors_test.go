package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecovery_PassesThroughHealthyHandler(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"accepted":true,"job_id":"job-1"}`))
	})

	mw := Recovery(handler)

	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	rec := httptest.NewRecorder()

	mw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"accepted":true,"job_id":"job-1"}`, rec.Body.String())
}

func TestRecovery_StringPanic(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("entity map corrupted")
	})

	mw := Recovery(handler)

	req := httptest.NewRequest(http.MethodGet, "/status/job-1", nil)
	rec := httptest.NewRecorder()

	assert.NotPanics(t, func() {
		mw.ServeHTTP(rec, req)
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	assert.Equal(t, "INTERNAL_ERROR", response.Error.Code)
	assert.Contains(t, response.Error.Message, "panic: entity map corrupted")
}

func TestRecovery_ErrorPanic(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(assert.AnError)
	})

	mw := Recovery(handler)

	req := httptest.NewRequest(http.MethodGet, "/status/job-1", nil)
	rec := httptest.NewRecorder()

	mw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "INTERNAL_ERROR", response.Error.Code)
}

func TestRecovery_CarriesRequestID(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("tick persist raced")
	})

	// The server chains RequestID ahead of Recovery; mirror that order.
	mw := RequestID(Recovery(handler))

	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	req.Header.Set(RequestIDHeader, "intake-req-42")
	rec := httptest.NewRecorder()

	mw.ServeHTTP(rec, req)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "intake-req-42", response.Error.RequestID)
}

func TestErrorHandler_AliasesRecovery(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	recoveryMW := Recovery(handler)
	aliasMW := ErrorHandler(handler)

	req1 := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec1 := httptest.NewRecorder()
	recoveryMW.ServeHTTP(rec1, req1)

	req2 := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec2 := httptest.NewRecorder()
	aliasMW.ServeHTTP(rec2, req2)

	assert.Equal(t, rec1.Code, rec2.Code)
	assert.Equal(t, rec1.Header().Get("Content-Type"), rec2.Header().Get("Content-Type"))
}

func TestWriteErrorResponse(t *testing.T) {
	tests := []struct {
		name       string
		envelope   *errors.ErrorEnvelope
		statusCode int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "unknown job",
			envelope:   errors.NewErrorEnvelope("NOT_FOUND", "no record for job deploy-17"),
			statusCode: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
			wantMsg:    "no record for job deploy-17",
		},
		{
			name:       "rejected signature",
			envelope:   errors.NewErrorEnvelope("UNAUTHORIZED", "signature verification failed"),
			statusCode: http.StatusUnauthorized,
			wantCode:   "UNAUTHORIZED",
			wantMsg:    "signature verification failed",
		},
		{
			name: "internal failure with correlation id",
			envelope: errors.NewErrorEnvelope("INTERNAL_ERROR", "job store unavailable").
				WithCorrelationID("intake-req-42"),
			statusCode: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
			wantMsg:    "job store unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()

			writeErrorResponse(rec, tt.envelope, tt.statusCode)

			assert.Equal(t, tt.statusCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var response ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

			assert.Equal(t, tt.wantCode, response.Error.Code)
			assert.Equal(t, tt.wantMsg, response.Error.Message)
		})
	}
}

func TestWriteErrorResponse_ContextBecomesDetails(t *testing.T) {
	envelope := errors.NewErrorEnvelope("VALIDATION_ERROR", "invalid intake options")
	envelope, _ = envelope.WithContext(map[string]interface{}{
		"field": "poll_interval",
		"value": "soon",
	})

	rec := httptest.NewRecorder()
	writeErrorResponse(rec, envelope, http.StatusBadRequest)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	require.NotNil(t, response.Error.Details)
	assert.Equal(t, "poll_interval", response.Error.Details["field"])
	assert.Equal(t, "soon", response.Error.Details["value"])
}
