package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanout-labs/fanoutd/pkg/jobstore"
)

func TestSetHTTPErrorResponder(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	t.Run("custom responder handles handler failures", func(t *testing.T) {
		var captured error
		SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
			captured = err
			w.WriteHeader(http.StatusBadGateway)
		})

		req := httptest.NewRequest(http.MethodGet, "/status/job-1", nil)
		rec := httptest.NewRecorder()
		respondWithError(rec, req, jobstore.ErrNotFound)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.ErrorIs(t, captured, jobstore.ErrNotFound)
	})

	t.Run("nil restores the store-aware default", func(t *testing.T) {
		SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
			w.WriteHeader(http.StatusTeapot)
		})
		SetHTTPErrorResponder(nil)

		req := httptest.NewRequest(http.MethodGet, "/status/job-1", nil)
		rec := httptest.NewRecorder()
		respondWithError(rec, req, fmt.Errorf("load job job-1: %w", jobstore.ErrNotFound))

		assert.Equal(t, http.StatusNotFound, rec.Code)

		var resp struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	})
}

func TestResetHTTPErrorResponder(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	customCalled := false
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		customCalled = true
	})

	ResetHTTPErrorResponder()

	req := httptest.NewRequest(http.MethodGet, "/status/job-1", nil)
	rec := httptest.NewRecorder()
	respondWithError(rec, req, assert.AnError)

	assert.False(t, customCalled, "reset removes the custom responder")
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "unknown errors fall through to 500")
}

func TestRespondWithError_RoutesThroughActiveResponder(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	var captured error
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		captured = err
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	rec := httptest.NewRecorder()

	respondWithError(rec, req, assert.AnError)

	assert.Equal(t, assert.AnError, captured)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
