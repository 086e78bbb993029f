// Package handlers implements the status server's HTTP handlers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/framefarm/internal/errors"
)

// Check results.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
)

// checkTimeout bounds a single checker.
const checkTimeout = 2 * time.Second

// HealthChecker is a dependency that can report its health.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// HealthResponse is the body of a successful health check.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers for the health endpoints.
type HealthManager struct {
	version   string
	startedAt time.Time

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager returns a manager with no checkers.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:   version,
		startedAt: time.Now(),
		checkers:  make(map[string]HealthChecker),
	}
}

// RegisterChecker adds or replaces the checker called name.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// HealthHandler runs every checker.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, m.runChecks(r.Context()))
}

// LivenessHandler reports that the process is serving requests.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, nil)
}

// ReadinessHandler runs every checker; the dispatcher is ready when its
// dependencies are.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, m.runChecks(r.Context()))
}

// StartupHandler reports that startup has completed.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, nil)
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for k, v := range m.checkers {
		checkers[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checkers[name].CheckHealth(checkCtx)
		cancel()
		switch {
		case err == nil:
			results[name] = StatusHealthy
		case errors.Is(err, context.DeadlineExceeded):
			results[name] = StatusTimeout
		default:
			results[name] = StatusUnhealthy
		}
	}
	return results
}

func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := StatusHealthy
	for _, result := range checks {
		switch result {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusTimeout, StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

func (m *HealthManager) respond(w http.ResponseWriter, r *http.Request, checks map[string]string) {
	status := m.determineOverallStatus(checks)
	if status == StatusUnhealthy {
		details := make(map[string]any, len(checks))
		for k, v := range checks {
			details[k] = v
		}
		respondWithError(w, r, &apperrors.StatusError{
			Status:  http.StatusServiceUnavailable,
			Code:    apperrors.CodeServiceUnavailable,
			Message: "one or more health checks failed",
			Details: map[string]any{"checks": details},
		})
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(m.startedAt).Round(time.Second).String(),
		Checks:    checks,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

var globalHealthManager *HealthManager

// InitHealthManager installs the process-wide manager.
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the process-wide manager, or nil.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func global(w http.ResponseWriter, r *http.Request) *HealthManager {
	if globalHealthManager == nil {
		respondWithError(w, r, apperrors.NewExternalServiceError("health manager not initialized"))
		return nil
	}
	return globalHealthManager
}

// HealthHandler serves /health from the process-wide manager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if m := global(w, r); m != nil {
		m.HealthHandler(w, r)
	}
}

// LivenessHandler serves /health/live.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if m := global(w, r); m != nil {
		m.LivenessHandler(w, r)
	}
}

// ReadinessHandler serves /health/ready.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if m := global(w, r); m != nil {
		m.ReadinessHandler(w, r)
	}
}

// StartupHandler serves /health/startup.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	if m := global(w, r); m != nil {
		m.StartupHandler(w, r)
	}
}
