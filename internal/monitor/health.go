package monitor

import (
	"sync"
	"time"
)

// HealthStatus represents the health state of the monitor
type HealthStatus int

const (
	HealthStatusHealthy HealthStatus = iota
	HealthStatusDegraded
	HealthStatusUnhealthy
)

// String returns string representation of health status
func (hs HealthStatus) String() string {
	switch hs {
	case HealthStatusHealthy:
		return "healthy"
	case HealthStatusDegraded:
		return "degraded"
	case HealthStatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthCheck tracks whether ticks and per-node dispatches keep succeeding
type HealthCheck struct {
	mu sync.RWMutex

	status           HealthStatus
	lastStatusChange time.Time

	lastSuccessfulTick      time.Time
	consecutiveTickFailures int
	totalTickFailures       int64

	lastSuccessfulDispatch      time.Time
	consecutiveDispatchFailures int
	totalDispatchFailures       int64

	// Thresholds
	maxConsecutiveTickFailures     int
	maxConsecutiveDispatchFailures int
	maxTickAge                     time.Duration

	lastError *DispatchError
}

// NewHealthCheck creates a health check for a loop ticking every interval
func NewHealthCheck(interval time.Duration) *HealthCheck {
	maxAge := 2 * time.Minute
	if 3*interval > maxAge {
		maxAge = 3 * interval
	}

	now := time.Now()
	return &HealthCheck{
		status:                         HealthStatusHealthy,
		lastStatusChange:               now,
		lastSuccessfulTick:             now,
		lastSuccessfulDispatch:         now,
		maxConsecutiveTickFailures:     5,
		maxConsecutiveDispatchFailures: 10,
		maxTickAge:                     maxAge,
	}
}

// Reset marks the start of a new monitoring run
func (hc *HealthCheck) Reset() {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	now := time.Now()
	hc.lastSuccessfulTick = now
	hc.lastSuccessfulDispatch = now
	hc.consecutiveTickFailures = 0
	hc.consecutiveDispatchFailures = 0
	hc.updateStatus()
}

// RecordTickSuccess records a tick whose status query succeeded
func (hc *HealthCheck) RecordTickSuccess() {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.lastSuccessfulTick = time.Now()
	hc.consecutiveTickFailures = 0
	hc.updateStatus()
}

// RecordTickFailure records a tick-level error
func (hc *HealthCheck) RecordTickFailure(err *DispatchError) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.consecutiveTickFailures++
	hc.totalTickFailures++
	hc.lastError = err
	hc.updateStatus()
}

// RecordDispatchSuccess records a node dispatch that succeeded
func (hc *HealthCheck) RecordDispatchSuccess() {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.lastSuccessfulDispatch = time.Now()
	hc.consecutiveDispatchFailures = 0
	hc.updateStatus()
}

// RecordDispatchFailure records a failed node dispatch
func (hc *HealthCheck) RecordDispatchFailure(err *DispatchError) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.consecutiveDispatchFailures++
	hc.totalDispatchFailures++
	hc.lastError = err
	hc.updateStatus()
}

// updateStatus must be called with lock held
func (hc *HealthCheck) updateStatus() {
	newStatus := hc.evaluate()
	if newStatus != hc.status {
		hc.status = newStatus
		hc.lastStatusChange = time.Now()
	}
}

func (hc *HealthCheck) evaluate() HealthStatus {
	status := HealthStatusHealthy

	switch {
	case time.Since(hc.lastSuccessfulTick) > hc.maxTickAge:
		status = HealthStatusUnhealthy
	case hc.consecutiveTickFailures >= hc.maxConsecutiveTickFailures:
		status = HealthStatusUnhealthy
	case hc.consecutiveTickFailures >= hc.maxConsecutiveTickFailures/2 && hc.consecutiveTickFailures > 0:
		status = HealthStatusDegraded
	}

	if hc.consecutiveDispatchFailures >= hc.maxConsecutiveDispatchFailures && status < HealthStatusDegraded {
		status = HealthStatusDegraded
	}

	return status
}

// GetStatus returns current health status
func (hc *HealthCheck) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return hc.status
}

// IsHealthy returns true if the monitor is healthy
func (hc *HealthCheck) IsHealthy() bool {
	return hc.GetStatus() == HealthStatusHealthy
}

// GetHealthReport returns detailed health report
func (hc *HealthCheck) GetHealthReport() map[string]interface{} {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	report := map[string]interface{}{
		"status":                        hc.status.String(),
		"status_duration":               time.Since(hc.lastStatusChange).String(),
		"last_successful_tick":          hc.lastSuccessfulTick.Format(time.RFC3339),
		"time_since_last_tick":          time.Since(hc.lastSuccessfulTick).String(),
		"consecutive_tick_failures":     hc.consecutiveTickFailures,
		"total_tick_failures":           hc.totalTickFailures,
		"last_successful_dispatch":      hc.lastSuccessfulDispatch.Format(time.RFC3339),
		"consecutive_dispatch_failures": hc.consecutiveDispatchFailures,
		"total_dispatch_failures":       hc.totalDispatchFailures,
	}
	if hc.lastError != nil {
		report["last_error"] = hc.lastError.Error()
		report["last_error_type"] = hc.lastError.Type.String()
	}
	return report
}

// GetLastError returns the most recent error
func (hc *HealthCheck) GetLastError() *DispatchError {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return hc.lastError
}
