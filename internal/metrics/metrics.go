// Package metrics provides lightweight, lock-free counters for tracking
// the runtime statistics of the MITM session controller.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for the session controller.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	toggles        atomic.Int64
	rejected       atomic.Int64
	grantRequests  atomic.Int64
	grantDenials   atomic.Int64
	staleResumes   atomic.Int64
	engineStarts   atomic.Int64
	engineFailures atomic.Int64
	sessionsActive atomic.Int64
	sessionsTotal  atomic.Int64
	errorsTotal    atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	runningSince time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Toggle metrics ───────────────────────────────────────────────────

// Toggle records an accepted toggle request.
func (c *Collector) Toggle() {
	if c == nil {
		return
	}
	c.toggles.Add(1)
}

// Rejected records a toggle refused because the session was busy or
// already running elsewhere.
func (c *Collector) Rejected() {
	if c == nil {
		return
	}
	c.rejected.Add(1)
}

// Toggles returns the number of accepted toggle requests.
func (c *Collector) Toggles() int64 {
	if c == nil {
		return 0
	}
	return c.toggles.Load()
}

// ── Grant metrics ────────────────────────────────────────────────────

// GrantRequested records an asynchronous grant request.
func (c *Collector) GrantRequested() {
	if c == nil {
		return
	}
	c.grantRequests.Add(1)
}

// GrantDenied records a user refusal.
func (c *Collector) GrantDenied() {
	if c == nil {
		return
	}
	c.grantDenials.Add(1)
}

// StaleResume records a grant resolution that did not match the
// pending privilege.
func (c *Collector) StaleResume() {
	if c == nil {
		return
	}
	c.staleResumes.Add(1)
}

// GrantRequests returns the total number of grant requests issued.
func (c *Collector) GrantRequests() int64 {
	if c == nil {
		return 0
	}
	return c.grantRequests.Load()
}

// GrantDenials returns the total number of denied grants.
func (c *Collector) GrantDenials() int64 {
	if c == nil {
		return 0
	}
	return c.grantDenials.Load()
}

// ── Engine metrics ───────────────────────────────────────────────────

// EngineStarted records a start call accepted by the engine.
func (c *Collector) EngineStarted() {
	if c == nil {
		return
	}
	c.engineStarts.Add(1)
}

// EngineFailed records a synchronous engine start failure.
func (c *Collector) EngineFailed() {
	if c == nil {
		return
	}
	c.engineFailures.Add(1)
}

// EngineFailures returns the number of failed start calls.
func (c *Collector) EngineFailures() int64 {
	if c == nil {
		return 0
	}
	return c.engineFailures.Load()
}

// SessionUp records the transition to Running.
func (c *Collector) SessionUp() {
	if c == nil {
		return
	}
	c.sessionsActive.Store(1)
	c.sessionsTotal.Add(1)
	c.mu.Lock()
	c.runningSince = time.Now()
	c.mu.Unlock()
}

// SessionDown records the transition out of Running.
func (c *Collector) SessionDown() {
	if c == nil {
		return
	}
	c.sessionsActive.Store(0)
	c.mu.Lock()
	c.runningSince = time.Time{}
	c.mu.Unlock()
}

// TotalSessions returns how many sessions reached Running.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	Toggles          int64  `json:"toggles"`
	Rejected         int64  `json:"rejected"`
	GrantRequests    int64  `json:"grant_requests"`
	GrantDenials     int64  `json:"grant_denials"`
	StaleResumes     int64  `json:"stale_resumes"`
	EngineStarts     int64  `json:"engine_starts"`
	EngineFailures   int64  `json:"engine_failures"`
	SessionsActive   int64  `json:"sessions_active"`
	SessionsTotal    int64  `json:"sessions_total"`
	ErrorsTotal      int64  `json:"errors_total"`
	RunningFor       string `json:"running_for,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:         time.Since(c.startTime).Truncate(time.Second).String(),
		Toggles:        c.toggles.Load(),
		Rejected:       c.rejected.Load(),
		GrantRequests:  c.grantRequests.Load(),
		GrantDenials:   c.grantDenials.Load(),
		StaleResumes:   c.staleResumes.Load(),
		EngineStarts:   c.engineStarts.Load(),
		EngineFailures: c.engineFailures.Load(),
		SessionsActive: c.sessionsActive.Load(),
		SessionsTotal:  c.sessionsTotal.Load(),
		ErrorsTotal:    c.errorsTotal.Load(),
	}
	if !c.runningSince.IsZero() {
		s.RunningFor = time.Since(c.runningSince).Truncate(time.Second).String()
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
