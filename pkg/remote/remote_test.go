package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_Started(t *testing.T) {
	var gotPath string
	var gotBody invokeBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "started", "job_id": "sub-42"})
	}))
	defer srv.Close()

	c := NewClient()
	res, err := c.Dispatch(context.Background(), DispatchRequest{
		APIBase:       srv.URL,
		EntityID:      "ent-a",
		Target:        "release-check",
		JobCollection: "batch-1",
		Input:         map[string]any{"ref": "v1.2"},
		ExpiresIn:     time.Hour,
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "sub-42", res.SubJobID)

	assert.Equal(t, "/agents/ent-a/invoke", gotPath)
	assert.Equal(t, "release-check", gotBody.Target)
	assert.Equal(t, "batch-1", gotBody.JobCollection)
	assert.Equal(t, int64(3600), gotBody.ExpiresIn)
	assert.True(t, gotBody.Confirm)
}

func TestDispatch_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "rejected", "error": "at capacity"})
	}))
	defer srv.Close()

	c := NewClient()
	res, err := c.Dispatch(context.Background(), DispatchRequest{
		APIBase: srv.URL, EntityID: "ent-a", Target: "t", JobCollection: "c",
	})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "at capacity", res.Reason)
}

func TestDispatch_FailureModesAllRejected(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "not json")
		}},
		{"started without job_id", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "started"})
		}},
		{"unknown status", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			c := NewClient()
			res, err := c.Dispatch(context.Background(), DispatchRequest{
				APIBase: srv.URL, EntityID: "e", Target: "t", JobCollection: "c",
			})
			require.NoError(t, err)
			assert.False(t, res.Accepted)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestDispatch_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused

	c := NewClient()
	res, err := c.Dispatch(context.Background(), DispatchRequest{
		APIBase: srv.URL, EntityID: "e", Target: "t", JobCollection: "c",
	})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Contains(t, res.Reason, "transport")
}

func TestPoll_Statuses(t *testing.T) {
	responses := map[string]statusResponse{
		"sub-running": {Status: "running"},
		"sub-done":    {Status: "done", Result: map[string]any{"ok": true}},
		"sub-error":   {Status: "error", Error: "exploded"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		for id, resp := range responses {
			if r.URL.Path == "/agents/ent-a/status/"+id {
				_ = json.NewEncoder(w).Encode(resp)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient()
	ctx := context.Background()

	res, err := c.Poll(ctx, srv.URL, "ent-a", "sub-running")
	require.NoError(t, err)
	assert.Equal(t, StillRunning, res.Outcome)

	res, err = c.Poll(ctx, srv.URL, "ent-a", "sub-done")
	require.NoError(t, err)
	assert.Equal(t, PollDone, res.Outcome)
	assert.Equal(t, true, res.Result["ok"])

	res, err = c.Poll(ctx, srv.URL, "ent-a", "sub-error")
	require.NoError(t, err)
	assert.Equal(t, PollFailed, res.Outcome)
	assert.Equal(t, "exploded", res.Reason)

	res, err = c.Poll(ctx, srv.URL, "ent-a", "sub-unknown")
	require.NoError(t, err)
	assert.Equal(t, PollFailed, res.Outcome, "worker forgot the sub-job")
}

func TestPoll_TransientErrorsAreStillRunning(t *testing.T) {
	t.Run("5xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		c := NewClient()
		res, err := c.Poll(context.Background(), srv.URL, "e", "s")
		require.NoError(t, err)
		assert.Equal(t, StillRunning, res.Outcome)
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		c := NewClient()
		res, err := c.Poll(context.Background(), srv.URL, "e", "s")
		require.NoError(t, err)
		assert.Equal(t, StillRunning, res.Outcome)
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "not json")
		}))
		defer srv.Close()

		c := NewClient()
		res, err := c.Poll(context.Background(), srv.URL, "e", "s")
		require.NoError(t, err)
		assert.Equal(t, StillRunning, res.Outcome)
	})
}

func TestClient_InputValidation(t *testing.T) {
	c := NewClient()
	_, err := c.Dispatch(context.Background(), DispatchRequest{EntityID: "e"})
	assert.Error(t, err)
	_, err = c.Poll(context.Background(), "http://x", "e", "")
	assert.Error(t, err)
}
