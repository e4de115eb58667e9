package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the reported condition of one component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckResult is one component's probe outcome.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
}

// Manager runs registered checkers and serves the aggregate over HTTP.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	logger   *zap.Logger
	timeout  time.Duration
}

// NewManager creates a health manager with a per-check timeout.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger, timeout: 5 * time.Second}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers = append(m.checkers, c)
	m.mu.Unlock()
}

// Check probes every registered component.
func (m *Manager) Check(ctx context.Context) []CheckResult {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	results := make([]CheckResult, 0, len(checkers))
	for _, c := range checkers {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		start := time.Now()
		err := c.Check(cctx)
		cancel()

		result := CheckResult{
			Component: c.Name(),
			Status:    StatusHealthy,
			Duration:  time.Since(start) / time.Millisecond,
		}
		if err != nil {
			result.Status = StatusUnhealthy
			result.Error = err.Error()
			m.logger.Warn("Health check failed",
				zap.String("component", c.Name()),
				zap.Error(err),
			)
		}
		results = append(results, result)
	}
	return results
}

// Handler serves the aggregate health as JSON; 503 when any component
// is unhealthy.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := m.Check(r.Context())
		status := StatusHealthy
		code := http.StatusOK
		for _, res := range results {
			if res.Status != StatusHealthy {
				status = StatusUnhealthy
				code = http.StatusServiceUnavailable
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": status,
			"checks": results,
		})
	})
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	ComponentName string
	Fn            func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                    { return c.ComponentName }
func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }
