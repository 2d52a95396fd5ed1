package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus is the aggregate outcome of a health evaluation.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck probes one dependency. A failing critical check makes the
// whole service unhealthy; a failing non-critical check only degrades it.
type HealthCheck struct {
	Name     string
	Run      func(context.Context) error
	Timeout  time.Duration
	Critical bool
}

// CheckResult is the outcome of one check within a report.
type CheckResult struct {
	Status   HealthStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	Duration string       `json:"duration"`
}

// HealthReport aggregates every registered check.
type HealthReport struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// HealthChecker evaluates registered checks on demand.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []*HealthCheck
	started time.Time
}

var (
	globalChecker  *HealthChecker
	initHealthOnce sync.Once
)

// InitHealthChecker initializes and returns the process-wide checker.
func InitHealthChecker() *HealthChecker {
	initHealthOnce.Do(func() {
		globalChecker = NewHealthChecker()
	})
	return globalChecker
}

// GetHealthChecker returns the process-wide checker, initializing if needed.
func GetHealthChecker() *HealthChecker {
	return InitHealthChecker()
}

// NewHealthChecker creates an independent checker, mainly for embedding and
// tests; most callers want the process-wide one.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{started: time.Now()}
}

// RegisterCheck adds a check. A zero timeout gets a 5s default.
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	if check.Timeout == 0 {
		check.Timeout = 5 * time.Second
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, check)
}

// Check runs every registered check and aggregates the outcome. Checks run
// sequentially under their own timeouts; the agentbus checks are cheap
// in-memory probes, so there is nothing to gain from running them in
// parallel.
func (hc *HealthChecker) Check(ctx context.Context) HealthReport {
	hc.mu.RLock()
	checks := make([]*HealthCheck, len(hc.checks))
	copy(checks, hc.checks)
	started := hc.started
	hc.mu.RUnlock()

	report := HealthReport{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(started).String(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	for _, check := range checks {
		result := runCheck(ctx, check)
		report.Checks[check.Name] = result

		switch {
		case result.Status == HealthStatusUnhealthy:
			report.Status = HealthStatusUnhealthy
		case result.Status == HealthStatusDegraded && report.Status == HealthStatusHealthy:
			report.Status = HealthStatusDegraded
		}
	}
	return report
}

func runCheck(ctx context.Context, check *HealthCheck) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	err := check.Run(checkCtx)
	result := CheckResult{
		Status:   HealthStatusHealthy,
		Duration: time.Since(start).String(),
	}
	if err != nil {
		result.Message = err.Error()
		if check.Critical {
			result.Status = HealthStatusUnhealthy
		} else {
			result.Status = HealthStatusDegraded
		}
	}
	return result
}

// Handler serves the full health report. Degraded still returns 200 so
// orchestrators do not restart a service that is merely impaired.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hc.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

// LivenessHandler always reports alive; it answers "is the process up", not
// "is it serving".
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

// ReadinessHandler reports ready only when every check passes.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hc.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == HealthStatusHealthy {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
	}
}

// HealthHandler serves the process-wide checker's health report.
func HealthHandler() http.HandlerFunc {
	return GetHealthChecker().Handler()
}

// LivenessHandler serves the process-wide liveness probe.
func LivenessHandler() http.HandlerFunc {
	return GetHealthChecker().LivenessHandler()
}

// ReadinessHandler serves the process-wide readiness probe.
func ReadinessHandler() http.HandlerFunc {
	return GetHealthChecker().ReadinessHandler()
}

// PingCheck is a trivial always-passing check.
func PingCheck() *HealthCheck {
	return &HealthCheck{
		Name:     "ping",
		Run:      func(context.Context) error { return nil },
		Timeout:  time.Second,
		Critical: false,
	}
}

// RelayCheck probes the host relay listener. run should report an error when
// the relay is not accepting workers.
func RelayCheck(run func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:     "relay",
		Run:      run,
		Timeout:  5 * time.Second,
		Critical: true,
	}
}
