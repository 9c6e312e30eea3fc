// Package health provides the liveness and readiness endpoints.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const checkTimeout = 5 * time.Second

type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

type Response struct {
	Status     Status                 `json:"status"`
	Version    string                 `json:"version,omitempty"`
	Uptime     string                 `json:"uptime,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
	ReportedAt time.Time              `json:"reported_at"`
}

// PingFunc reports whether a dependency is reachable.
type PingFunc func(ctx context.Context) error

type dependency struct {
	ping     PingFunc
	critical bool
}

// Checker aggregates dependency pings. A failing critical dependency makes the service unhealthy,
// any other failure only degrades it.
type Checker struct {
	startTime    time.Time
	version      string
	dependencies map[string]dependency

	mu    sync.RWMutex
	ready bool
}

func NewChecker(version string) *Checker {
	return &Checker{
		startTime:    time.Now(),
		version:      version,
		dependencies: map[string]dependency{},
	}
}

// Register adds a named dependency. Call before the routes are served.
func (c *Checker) Register(name string, ping PingFunc, critical bool) *Checker {
	c.dependencies[name] = dependency{ping: ping, critical: critical}
	return c
}

func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// LivenessHandler answers as long as the process can serve requests.
func (c *Checker) LivenessHandler(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, Response{
		Status:     StatusHealthy,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		ReportedAt: time.Now(),
	})
}

// ReadinessHandler fails until SetReady(true) and whenever a critical dependency is down.
func (c *Checker) ReadinessHandler(ctx echo.Context) error {
	if !c.IsReady() {
		return ctx.JSON(http.StatusServiceUnavailable, Response{
			Status:     StatusUnhealthy,
			Version:    c.version,
			ReportedAt: time.Now(),
			Checks: map[string]CheckResult{
				"startup": {Status: StatusUnhealthy, Message: "service is still starting up"},
			},
		})
	}
	return c.HealthHandler(ctx)
}

func (c *Checker) HealthHandler(ctx echo.Context) error {
	checks := c.RunChecks(ctx.Request().Context())
	overall := overallStatus(checks)

	statusCode := http.StatusOK
	if overall == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	return ctx.JSON(statusCode, Response{
		Status:     overall,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Checks:     checks,
		ReportedAt: time.Now(),
	})
}

// RunChecks pings every registered dependency concurrently.
func (c *Checker) RunChecks(ctx context.Context) map[string]CheckResult {
	names := make([]string, 0, len(c.dependencies))
	for name := range c.dependencies {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]CheckResult, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, dep dependency) {
			defer wg.Done()
			results[i] = check(ctx, dep)
		}(i, c.dependencies[name])
	}
	wg.Wait()

	checks := make(map[string]CheckResult, len(names))
	for i, name := range names {
		checks[name] = results[i]
	}
	return checks
}

func check(ctx context.Context, dep dependency) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := dep.ping(ctx); err != nil {
		status := StatusDegraded
		if dep.critical {
			status = StatusUnhealthy
		}
		return CheckResult{Status: status, Message: err.Error(), Latency: time.Since(start).String()}
	}
	return CheckResult{Status: StatusHealthy, Latency: time.Since(start).String()}
}

func overallStatus(checks map[string]CheckResult) Status {
	overall := StatusHealthy
	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// RegisterRoutes registers the probes under /api/v1/health.
func (c *Checker) RegisterRoutes(e *echo.Echo) {
	health := e.Group("/api/v1/health")

	health.GET("", c.HealthHandler)
	health.GET("/live", c.LivenessHandler)
	health.GET("/ready", c.ReadinessHandler)
}
