// Package health aggregates liveness checks over the bridge's moving
// parts: the broker connection, the channel pool, the key-value store,
// and the bridge itself.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status is the outcome of a single check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult captures one check execution.
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Checker is a single named health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report is the aggregate of all registered checks. Overall is the worst
// individual status.
type Report struct {
	Overall   Status        `json:"overall"`
	Checks    []CheckResult `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
}

// Monitor runs a set of checkers and folds their results.
type Monitor struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
	logger   *slog.Logger
}

// MonitorOption configures the monitor.
type MonitorOption func(*Monitor)

// WithCheckTimeout bounds each individual check.
func WithCheckTimeout(timeout time.Duration) MonitorOption {
	return func(m *Monitor) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor creates an empty monitor.
func NewMonitor(options ...MonitorOption) *Monitor {
	m := &Monitor{
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Register adds a checker.
func (m *Monitor) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Check runs every registered checker and returns the aggregate report.
// Checks run sequentially; the set is small and ordering keeps logs stable.
func (m *Monitor) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	report := Report{
		Overall:   StatusHealthy,
		Timestamp: time.Now(),
	}

	for _, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		result := c.Check(checkCtx)
		cancel()

		if result.Status != StatusHealthy {
			m.logger.Warn("health check not healthy",
				"check", result.Name,
				"status", result.Status,
				"message", result.Message)
		}

		report.Checks = append(report.Checks, result)
		report.Overall = worse(report.Overall, result.Status)
	}

	return report
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
