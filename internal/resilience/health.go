package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	LastCheck time.Time              `json:"last_check"`
	Latency   time.Duration          `json:"latency"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthCheck represents a health check function.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth is the aggregate of every registered check.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Uptime     string            `json:"uptime"`
	Components []ComponentHealth `json:"components"`
}

// HealthMonitor runs registered checks on demand.
type HealthMonitor struct {
	mu         sync.RWMutex
	startTime  time.Time
	components map[string]HealthCheck
}

// NewHealthMonitor creates an empty monitor.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime:  time.Now(),
		components: make(map[string]HealthCheck),
	}
}

// RegisterComponent adds a named check, replacing any existing one.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	m.components[name] = check
	m.mu.Unlock()
}

// Check runs every check. The overall status is the worst component status.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(m.components))
	for k, v := range m.components {
		checks[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	out := SystemHealth{
		Status: HealthStatusHealthy,
		Uptime: time.Since(m.startTime).Round(time.Second).String(),
	}
	for _, name := range names {
		h := checks[name](ctx)
		h.Name = name
		out.Components = append(out.Components, h)
		switch {
		case h.Status == HealthStatusUnhealthy:
			out.Status = HealthStatusUnhealthy
		case h.Status == HealthStatusDegraded && out.Status == HealthStatusHealthy:
			out.Status = HealthStatusDegraded
		}
	}
	return out
}

// HealthHTTPHandler returns an HTTP handler for health checks.
func (m *HealthMonitor) HealthHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := m.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	}
}

// TerminalHealthCheck reports the terminal session. A stale heartbeat
// degrades the component.
func TerminalHealthCheck(isConnected func() bool, heartbeatAge func() *time.Duration, maxAge time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		health := ComponentHealth{
			LastCheck: time.Now(),
			Details:   make(map[string]interface{}),
		}

		connected := isConnected()
		health.Details["connected"] = connected
		if !connected {
			health.Status = HealthStatusUnhealthy
			health.Message = "Terminal disconnected"
			return health
		}

		if age := heartbeatAge(); age != nil {
			health.Details["heartbeat_age"] = age.Round(time.Millisecond).String()
			if *age > maxAge {
				health.Status = HealthStatusDegraded
				health.Message = fmt.Sprintf("No heartbeat for %v", age.Round(time.Second))
				return health
			}
		}

		health.Status = HealthStatusHealthy
		health.Message = "Terminal connected"
		return health
	}
}

// DatabaseHealthCheck creates a health check for database connections.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		health := ComponentHealth{LastCheck: time.Now()}

		start := time.Now()
		err := ping(ctx)
		health.Latency = time.Since(start)

		if err != nil {
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("Database ping failed: %v", err)
			return health
		}

		if health.Latency > 100*time.Millisecond {
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("Database slow: %v", health.Latency)
			return health
		}

		health.Status = HealthStatusHealthy
		health.Message = "Database healthy"
		return health
	}
}

// BreakerHealthCheck degrades while the circuit is not closed.
func BreakerHealthCheck(cb *CircuitBreaker) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		stats := cb.Stats()
		health := ComponentHealth{
			LastCheck: time.Now(),
			Status:    HealthStatusHealthy,
			Message:   fmt.Sprintf("Circuit %s", stats.State),
			Details: map[string]interface{}{
				"failures": stats.TotalFailures,
				"rejected": stats.TotalRejected,
			},
		}
		if stats.State != CircuitClosed {
			health.Status = HealthStatusDegraded
		}
		return health
	}
}
