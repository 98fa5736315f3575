// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health exposes liveness and readiness probes of a CoAP node.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ErrNotListening is reported by TransportCheck while the socket is closed.
var ErrNotListening = errors.New("transport is not listening")

// Check is the last result of one named probe.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc probes one component. A non-nil error marks it unhealthy.
type CheckFunc func(ctx context.Context) error

type probe struct {
	fn       CheckFunc
	critical bool
}

// Checker runs registered probes and caches their results for a TTL.
type Checker struct {
	mu     sync.Mutex
	probes map[string]probe
	cache  map[string]Check
	ttl    time.Duration
	now    func() time.Time
}

// NewChecker creates a checker caching results for cacheTTL.
// If cacheTTL is 0, results are cached for 10 seconds.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		probes: make(map[string]probe),
		cache:  make(map[string]Check),
		ttl:    cacheTTL,
		now:    time.Now,
	}
}

// Register adds a probe. A failing critical probe makes the node
// unhealthy; any other failing probe only degrades it.
func (c *Checker) Register(name string, critical bool, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe{fn: fn, critical: critical}
	delete(c.cache, name)
}

// Health runs the probes whose cached result expired and returns the
// overall status with every result, sorted by name.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	overall := StatusHealthy
	checks := make([]Check, 0, len(names))
	for _, name := range names {
		p := c.probes[name]
		check, ok := c.cache[name]
		if !ok || c.now().Sub(check.LastChecked) >= c.ttl {
			check = c.run(ctx, name, p.fn)
			c.cache[name] = check
		}
		checks = append(checks, check)

		if check.Status == StatusHealthy {
			continue
		}
		if p.critical {
			overall = StatusUnhealthy
		} else if overall == StatusHealthy {
			overall = StatusDegraded
		}
	}
	return overall, checks
}

func (c *Checker) run(ctx context.Context, name string, fn CheckFunc) Check {
	start := c.now()
	err := fn(ctx)
	check := Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: c.now(),
		Duration:    c.now().Sub(start),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// HTTPHandler reports the node health. Only an unhealthy node answers 503.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return c.handler(func(s Status) bool { return s != StatusUnhealthy })
}

// ReadinessHandler answers 200 only while every probe passes.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return c.handler(func(s Status) bool { return s == StatusHealthy })
}

func (c *Checker) handler(ok func(Status) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)
		code := http.StatusOK
		if !ok(status) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"status": status,
			"checks": checks,
		})
	}
}

// LivenessHandler returns a probe that answers while the process runs.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// TransportCheck fails while addr reports no bound socket.
func TransportCheck(addr func() *net.UDPAddr) CheckFunc {
	return func(ctx context.Context) error {
		if addr() == nil {
			return ErrNotListening
		}
		return nil
	}
}

// CapacityCheck fails once usage reaches limit. A limit of 0 or less
// never fails.
func CapacityCheck(what string, usage func() int, limit int) CheckFunc {
	return func(ctx context.Context) error {
		if limit <= 0 {
			return nil
		}
		if n := usage(); n >= limit {
			return fmt.Errorf("%s at capacity: %d of %d", what, n, limit)
		}
		return nil
	}
}
