package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	err error
}

func (s stubChecker) CheckHealth(ctx context.Context) error {
	return s.err
}

func withGlobalManager(t *testing.T, m *HealthManager) {
	t.Helper()
	original := globalHealthManager
	globalHealthManager = m
	t.Cleanup(func() { globalHealthManager = original })
}

func TestHealthHandlerReturnsHealthyStatus(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("ledger", stubChecker{})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, StatusHealthy, resp.Checks["ledger"])
}

func TestHealthHandlerReturnsServiceUnavailableWhenUnhealthy(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("ledger", stubChecker{err: errors.New("disk full")})
	manager.RegisterChecker("dispatcher", stubChecker{})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)

	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "expected checks in error details")
	assert.Equal(t, StatusUnhealthy, checks["ledger"])
	assert.Equal(t, StatusHealthy, checks["dispatcher"])
}

func TestCheckerDeadlineReportsTimeout(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("slow", HealthCheckerFunc(func(ctx context.Context) error {
		return context.DeadlineExceeded
	}))

	checks := manager.runChecks(context.Background())
	assert.Equal(t, StatusTimeout, checks["slow"])
}

func TestDetermineOverallStatus(t *testing.T) {
	manager := NewHealthManager("dev")

	assert.Equal(t, StatusHealthy, manager.determineOverallStatus(nil))
	assert.Equal(t, StatusDegraded, manager.determineOverallStatus(map[string]string{"ledger": StatusTimeout}))
	assert.Equal(t, StatusUnhealthy, manager.determineOverallStatus(map[string]string{
		"ledger":     StatusTimeout,
		"dispatcher": StatusUnhealthy,
	}))
}

func TestLivenessIgnoresCheckers(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("ledger", stubChecker{err: errors.New("down")})

	rec := httptest.NewRecorder()
	manager.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	manager.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetHealthManager(t *testing.T) {
	t.Run("returns nil when not initialized", func(t *testing.T) {
		withGlobalManager(t, nil)
		assert.Nil(t, GetHealthManager())
	})

	t.Run("returns manager after init", func(t *testing.T) {
		withGlobalManager(t, nil)
		InitHealthManager("1.0.0")
		assert.NotNil(t, GetHealthManager())
	})
}

func TestGlobalHandlers(t *testing.T) {
	withGlobalManager(t, nil)
	InitHealthManager("test-version")

	handlers := map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	}
	for path, h := range handlers {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestGlobalHandlersWithoutManager(t *testing.T) {
	withGlobalManager(t, nil)

	rec := httptest.NewRecorder()
	HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
