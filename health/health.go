// Package health reports whether the bootstrapped broker collaborators work.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string         `json:"name" yaml:"name"`
	Status    Status         `json:"status" yaml:"status"`
	Message   string         `json:"message,omitempty" yaml:"message,omitempty"`
	Duration  time.Duration  `json:"duration" yaml:"duration"`
	Details   map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report is the combined result of every registered check
type Report struct {
	Status    Status                 `json:"status" yaml:"status"`
	Timestamp time.Time              `json:"timestamp" yaml:"timestamp"`
	Duration  time.Duration          `json:"duration" yaml:"duration"`
	Checks    map[string]CheckResult `json:"checks" yaml:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Registry runs a set of checkers together
type Registry struct {
	checkers map[string]Checker
	mu       sync.RWMutex
}

// NewRegistry creates a new health check registry
func NewRegistry(checkers ...Checker) *Registry {
	r := &Registry{checkers: make(map[string]Checker)}
	for _, c := range checkers {
		r.Register(c)
	}
	return r
}

// Register adds a checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Names lists the registered checkers, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs all checks concurrently. Checks still running when ctx ends are
// reported unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for k, v := range r.checkers {
		checkers[k] = v
	}
	r.mu.RUnlock()

	type named struct {
		name   string
		result CheckResult
	}
	results := make(chan named, len(checkers))
	for name, checker := range checkers {
		go func(name string, checker Checker) {
			results <- named{name: name, result: checker.Check(ctx)}
		}(name, checker)
	}

	checks := make(map[string]CheckResult, len(checkers))
	overall := StatusHealthy

collect:
	for range checkers {
		select {
		case res := <-results:
			checks[res.name] = res.result
			overall = worst(overall, res.result.Status)
		case <-ctx.Done():
			for name := range checkers {
				if _, done := checks[name]; !done {
					checks[name] = CheckResult{
						Name:      name,
						Status:    StatusUnhealthy,
						Message:   "check timed out",
						Duration:  time.Since(start),
						Timestamp: time.Now(),
						Error:     ctx.Err().Error(),
					}
				}
			}
			overall = StatusUnhealthy
			break collect
		}
	}

	return Report{
		Status:    overall,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
	}
}

func worst(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusHealthy:
			return 0
		case StatusDegraded:
			return 1
		default:
			return 2
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
