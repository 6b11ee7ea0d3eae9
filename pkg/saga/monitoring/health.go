// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package monitoring

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	// HealthStatusHealthy indicates the component is healthy.
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusUnhealthy indicates the component is unhealthy.
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	// HealthStatusDegraded indicates the component is degraded but operational.
	HealthStatusDegraded HealthStatus = "degraded"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name          string        `json:"name"`
	Status        HealthStatus  `json:"status"`
	Message       string        `json:"message,omitempty"`
	Error         string        `json:"error,omitempty"`
	CheckDuration time.Duration `json:"check_duration"`
	Timestamp     time.Time     `json:"timestamp"`
}

// HealthReport contains the overall health status of the service.
type HealthReport struct {
	Status             HealthStatus                `json:"status"`
	Components         map[string]*ComponentHealth `json:"components"`
	Timestamp          time.Time                   `json:"timestamp"`
	TotalCheckDuration time.Duration               `json:"total_check_duration"`
}

// HealthChecker defines the interface for health check implementations.
type HealthChecker interface {
	// Check performs a health check and returns the component health.
	Check(ctx context.Context) *ComponentHealth
	// GetName returns the name of the component being checked.
	GetName() string
}

// CoordinatorProbe is the part of the coordinator a health check needs.
type CoordinatorProbe interface {
	HealthCheck(ctx context.Context) error
	ActiveCount() int
}

// CoordinatorHealthChecker checks the transaction coordinator.
type CoordinatorHealthChecker struct {
	name        string
	coordinator CoordinatorProbe
	// maxActive is the threshold for degraded status.
	maxActive int
}

// NewCoordinatorHealthChecker creates a coordinator health checker. The
// coordinator is reported degraded once more than maxActive transactions
// run; 0 disables the threshold.
func NewCoordinatorHealthChecker(name string, coordinator CoordinatorProbe, maxActive int) *CoordinatorHealthChecker {
	return &CoordinatorHealthChecker{
		name:        name,
		coordinator: coordinator,
		maxActive:   maxActive,
	}
}

// Check performs the coordinator health check.
func (c *CoordinatorHealthChecker) Check(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{Name: c.name, Timestamp: start}

	err := c.coordinator.HealthCheck(ctx)
	health.CheckDuration = time.Since(start)
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Error = err.Error()
		health.Message = "coordinator health check failed"
		return health
	}

	active := c.coordinator.ActiveCount()
	if c.maxActive > 0 && active > c.maxActive {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("active transactions (%d) exceed threshold (%d)", active, c.maxActive)
		return health
	}

	health.Status = HealthStatusHealthy
	health.Message = fmt.Sprintf("coordinator healthy with %d active transactions", active)
	return health
}

// GetName returns the checker name.
func (c *CoordinatorHealthChecker) GetName() string {
	return c.name
}

// FuncHealthChecker adapts a probe function, e.g. an event log or a broker
// connection HealthCheck. Responses slower than half the timeout are
// reported as degraded.
type FuncHealthChecker struct {
	name    string
	probe   func(ctx context.Context) error
	timeout time.Duration
}

// NewFuncHealthChecker creates a checker calling probe with timeout (default 5s).
func NewFuncHealthChecker(name string, probe func(ctx context.Context) error, timeout time.Duration) *FuncHealthChecker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &FuncHealthChecker{name: name, probe: probe, timeout: timeout}
}

// Check runs the probe.
func (f *FuncHealthChecker) Check(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{Name: f.name, Timestamp: start}

	checkCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	err := f.probe(checkCtx)
	health.CheckDuration = time.Since(start)
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Error = err.Error()
		health.Message = fmt.Sprintf("%s health check failed", f.name)
		return health
	}

	health.Status = HealthStatusHealthy
	health.Message = fmt.Sprintf("%s is healthy", f.name)
	if health.CheckDuration > f.timeout/2 {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("%s response time degraded (%v)", f.name, health.CheckDuration)
	}
	return health
}

// GetName returns the checker name.
func (f *FuncHealthChecker) GetName() string {
	return f.name
}

// HealthManager aggregates health checkers and caches the last report.
type HealthManager struct {
	mu             sync.RWMutex
	checkers       map[string]HealthChecker
	lastReport     *HealthReport
	lastReportTime time.Time
	cacheDuration  time.Duration
	checkTimeout   time.Duration
	ready          atomic.Bool
	alive          atomic.Bool
}

// HealthManagerConfig contains configuration for the health manager.
type HealthManagerConfig struct {
	// CacheDuration is how long to cache health check results (default: 5s).
	CacheDuration time.Duration
	// CheckTimeout is the timeout for individual health checks (default: 10s).
	CheckTimeout time.Duration
	// InitiallyReady indicates if the service starts in ready state.
	InitiallyReady bool
}

// DefaultHealthManagerConfig returns a default configuration.
func DefaultHealthManagerConfig() *HealthManagerConfig {
	return &HealthManagerConfig{
		CacheDuration: 5 * time.Second,
		CheckTimeout:  10 * time.Second,
	}
}

// NewHealthManager creates a health manager. A nil config uses defaults.
func NewHealthManager(config *HealthManagerConfig) *HealthManager {
	if config == nil {
		config = DefaultHealthManagerConfig()
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 10 * time.Second
	}

	manager := &HealthManager{
		checkers:      make(map[string]HealthChecker),
		cacheDuration: config.CacheDuration,
		checkTimeout:  config.CheckTimeout,
	}
	manager.ready.Store(config.InitiallyReady)
	manager.alive.Store(true)
	return manager
}

// RegisterChecker registers a health checker. Names must be unique.
func (h *HealthManager) RegisterChecker(checker HealthChecker) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	name := checker.GetName()
	if _, exists := h.checkers[name]; exists {
		return fmt.Errorf("health checker %s already registered", name)
	}
	h.checkers[name] = checker
	return nil
}

// UnregisterChecker unregisters a health checker by name.
func (h *HealthManager) UnregisterChecker(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checkers, name)
}

// CheckHealth runs all checkers concurrently and aggregates the results.
// Results are cached for the configured cache duration.
func (h *HealthManager) CheckHealth(ctx context.Context) *HealthReport {
	h.mu.RLock()
	if h.lastReport != nil && time.Since(h.lastReportTime) < h.cacheDuration {
		report := h.lastReport
		h.mu.RUnlock()
		return report
	}
	checkers := make([]HealthChecker, 0, len(h.checkers))
	for _, checker := range h.checkers {
		checkers = append(checkers, checker)
	}
	h.mu.RUnlock()

	start := time.Now()
	components := h.runHealthChecks(ctx, checkers)
	report := &HealthReport{
		Status:             HealthStatusHealthy,
		Components:         components,
		Timestamp:          time.Now(),
		TotalCheckDuration: time.Since(start),
	}
	for _, comp := range components {
		if comp.Status == HealthStatusUnhealthy {
			report.Status = HealthStatusUnhealthy
			break
		}
		if comp.Status == HealthStatusDegraded {
			report.Status = HealthStatusDegraded
		}
	}

	h.mu.Lock()
	h.lastReport = report
	h.lastReportTime = time.Now()
	h.mu.Unlock()
	return report
}

func (h *HealthManager) runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]*ComponentHealth {
	results := make(map[string]*ComponentHealth, len(checkers))
	resultChan := make(chan *ComponentHealth, len(checkers))

	var wg sync.WaitGroup
	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, h.checkTimeout)
			defer cancel()
			resultChan <- c.Check(checkCtx)
		}(checker)
	}
	wg.Wait()
	close(resultChan)

	for result := range resultChan {
		results[result.Name] = result
	}
	return results
}

// CheckReadiness reports whether the service is ready: marked ready and
// no component unhealthy.
func (h *HealthManager) CheckReadiness(ctx context.Context) (bool, error) {
	if !h.ready.Load() {
		return false, fmt.Errorf("service marked as not ready")
	}
	return h.CheckHealth(ctx).Status != HealthStatusUnhealthy, nil
}

// CheckLiveness reports whether the service still responds.
func (h *HealthManager) CheckLiveness(ctx context.Context) (bool, error) {
	if !h.alive.Load() {
		return false, fmt.Errorf("service marked as not alive")
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
		return true, nil
	}
}

// SetReady sets the readiness state, e.g. during startup and shutdown.
func (h *HealthManager) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetAlive sets the liveness state.
func (h *HealthManager) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// ClearCache forces a fresh check on the next request.
func (h *HealthManager) ClearCache() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastReport = nil
	h.lastReportTime = time.Time{}
}
