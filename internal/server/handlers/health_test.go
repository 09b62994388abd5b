package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkerFunc adapts a function to HealthChecker, mirroring how serve
// wires redis and config checks.
type checkerFunc func(ctx context.Context) error

func (f checkerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

func healthyChecker() HealthChecker {
	return checkerFunc(func(context.Context) error { return nil })
}

func failingChecker(msg string) HealthChecker {
	return checkerFunc(func(context.Context) error { return errors.New(msg) })
}

func hangingChecker() HealthChecker {
	return checkerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
}

func TestHealthHandler_AllDependenciesHealthy(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("redis", healthyChecker())
	manager.RegisterChecker("config", healthyChecker())

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "healthy", resp.Checks["redis"])
	assert.Equal(t, "healthy", resp.Checks["config"])
}

func TestHealthHandler_UnhealthyDependency(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("redis", failingChecker("connection refused"))

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)

	require.NotNil(t, resp.Error.Details, "failure response carries the per-check detail")
	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "details include the check map")
	assert.Equal(t, "unhealthy", checks["redis"])
}

func TestDetermineOverallStatus(t *testing.T) {
	manager := NewHealthManager("dev")

	tests := []struct {
		name   string
		checks map[string]string
		want   string
	}{
		{"all healthy", map[string]string{"redis": "healthy", "config": "healthy"}, "healthy"},
		{"timeout degrades", map[string]string{"redis": "timeout"}, "degraded"},
		{"unhealthy wins over timeout", map[string]string{"redis": "unhealthy", "sink": "timeout"}, "unhealthy"},
		{"no checks", map[string]string{}, "healthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, manager.determineOverallStatus(tt.checks))
		})
	}
}

func TestHealthHandler_SlowCheckerTimesOut(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("remote", hangingChecker())

	start := time.Now()
	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	// The probe is bounded by the per-check timeout, not the checker.
	assert.Less(t, time.Since(start), checkTimeout+2*time.Second)
	assert.Equal(t, http.StatusOK, rec.Code, "timeout degrades without failing the probe")

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "timeout", resp.Checks["remote"])
}

func TestInitAndGetHealthManager(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()

	t.Run("get returns nil before init", func(t *testing.T) {
		globalHealthManager = nil
		assert.Nil(t, GetHealthManager())
	})

	t.Run("init installs the global manager", func(t *testing.T) {
		InitHealthManager("test-version")
		require.NotNil(t, GetHealthManager())
	})
}

func TestGlobalProbeHandlers(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()

	InitHealthManager("test-version")

	probes := []struct {
		name    string
		path    string
		handler http.HandlerFunc
	}{
		{"health", "/health", HealthHandler},
		{"liveness", "/health/live", LivenessHandler},
		{"readiness", "/health/ready", ReadinessHandler},
		{"startup", "/health/startup", StartupHandler},
	}

	for _, p := range probes {
		t.Run(p.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			p.handler(rec, httptest.NewRequest(http.MethodGet, p.path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestGlobalProbeHandlers_WhenNotInitialized(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()

	globalHealthManager = nil

	probes := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"HealthHandler", HealthHandler},
		{"LivenessHandler", LivenessHandler},
		{"ReadinessHandler", ReadinessHandler},
		{"StartupHandler", StartupHandler},
	}

	for _, p := range probes {
		t.Run(p.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			p.handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		})
	}
}
