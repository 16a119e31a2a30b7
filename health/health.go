// Package health tracks the liveness of the table processes (writer,
// compactor, vacuum) and exposes them over HTTP for the daemon. Each process
// carries the time of its last status transition, so a probe can tell a
// flapping compactor from one that has been down since startup.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health state of a process.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

type state struct {
	status Status
	since  time.Time
}

// Checker tracks the health of registered processes.
type Checker struct {
	mu        sync.RWMutex
	now       func() time.Time
	processes map[string]state
}

// NewChecker creates a Checker with no registered processes.
func NewChecker() *Checker {
	return &Checker{
		now:       time.Now,
		processes: make(map[string]state),
	}
}

// SetClock replaces the time source. Tests only.
func (c *Checker) SetClock(now func() time.Time) { c.now = now }

// Register adds a process with an initial status of down.
func (c *Checker) Register(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processes[name] = state{status: StatusDown, since: c.now().UTC()}
}

// SetStatus records a status transition for a named process. Re-setting the
// current status keeps the original transition time.
func (c *Checker) SetStatus(name string, status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.processes[name]; ok && s.status == status {
		return
	}
	c.processes[name] = state{status: status, since: c.now().UTC()}
}

type processState struct {
	Status Status    `json:"status"`
	Since  time.Time `json:"since"`
}

type response struct {
	Status    Status                  `json:"status"`
	Processes map[string]processState `json:"processes"`
}

// ServeHTTP responds with the aggregated health status.
// Returns 200 when all processes are up, 503 when any is down. A paused
// process (degraded) downgrades the overall status without failing the probe.
func (c *Checker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	c.mu.RLock()
	overall := StatusUp
	procs := make(map[string]processState, len(c.processes))
	for name, s := range c.processes {
		procs[name] = processState{Status: s.status, Since: s.since}
		switch s.status {
		case StatusDown:
			overall = StatusDown
		case StatusDegraded:
			if overall == StatusUp {
				overall = StatusDegraded
			}
		}
	}
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if overall == StatusDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response{
		Status:    overall,
		Processes: procs,
	})
}

// ReadinessChecker tracks whether the daemon finished loading the table and
// is ready to serve snapshot reads. Separate from liveness for Kubernetes
// readiness probes.
type ReadinessChecker struct {
	mu    sync.RWMutex
	ready bool
}

// NewReadinessChecker creates a ReadinessChecker in not-ready state.
func NewReadinessChecker() *ReadinessChecker {
	return &ReadinessChecker{}
}

// SetReady updates the readiness state.
func (r *ReadinessChecker) SetReady(ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = ready
}

// ServeHTTP responds with readiness status.
// Returns 200 when ready, 503 when not ready.
func (r *ReadinessChecker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	r.mu.RLock()
	ready := r.ready
	r.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"ready": ready})
}
