// Package health aggregates health checks for the bus and its broker resources.
package health

import (
	"context"
	"encoding/json"
	"net/http"
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

// worse reports whether s is a worse status than other
func (s Status) worse(other Status) bool {
	return rank(s) > rank(other)
}

func rank(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Result is the outcome of one check
type Result struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// Report is the combined outcome of every registered check. Its status is the
// worst status of its checks.
type Report struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]Result `json:"checks"`
}

// Failing returns the names of checks that are not healthy, sorted
func (r Report) Failing() []string {
	var names []string
	for name, res := range r.Checks {
		if res.Status != StatusHealthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Checker is a single health check
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

type checkerFunc struct {
	name string
	fn   func(ctx context.Context) Result
}

// CheckerFunc adapts fn to a Checker
func CheckerFunc(name string, fn func(ctx context.Context) Result) Checker {
	return &checkerFunc{name: name, fn: fn}
}

func (c *checkerFunc) Name() string { return c.name }

func (c *checkerFunc) Check(ctx context.Context) Result { return c.fn(ctx) }

// Registry runs a set of checkers
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates a registry holding checkers
func NewRegistry(checkers ...Checker) *Registry {
	r := &Registry{checkers: make(map[string]Checker, len(checkers))}
	for _, c := range checkers {
		r.checkers[c.Name()] = c
	}
	return r
}

// Register adds or replaces a checker by name
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[c.Name()] = c
}

// Unregister removes a checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// Check runs every checker concurrently. Checks still running when ctx ends
// are reported unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for name, c := range r.checkers {
		checkers[name] = c
	}
	r.mu.RUnlock()

	type named struct {
		name   string
		result Result
	}
	results := make(chan named, len(checkers))
	for name, c := range checkers {
		go func() {
			results <- named{name: name, result: c.Check(ctx)}
		}()
	}

	report := Report{Status: StatusHealthy, Checks: make(map[string]Result, len(checkers))}
	record := func(name string, res Result) {
		report.Checks[name] = res
		if res.Status.worse(report.Status) {
			report.Status = res.Status
		}
	}

collect:
	for range checkers {
		select {
		case n := <-results:
			record(n.name, n.result)
		case <-ctx.Done():
			for name := range checkers {
				if _, ok := report.Checks[name]; ok {
					continue
				}
				record(name, Result{
					Name:      name,
					Status:    StatusUnhealthy,
					Message:   "Check timed out",
					Duration:  time.Since(start),
					Timestamp: time.Now(),
					Error:     ctx.Err().Error(),
				})
			}
			break collect
		}
	}

	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}

// Handler serves a registry report as JSON. Unhealthy reports answer 503.
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a health endpoint with a per-request timeout
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{registry: registry, timeout: timeout}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report := h.registry.Check(ctx)

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(report) //nolint:errcheck
}
