// Package metrics provides lightweight, lock-free counters and gauges
// for the device pool and the enrollment session manager.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one enrollgate process.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
	tunnelReconnects  atomic.Int64
	errorsTotal       atomic.Int64

	leasesActive    atomic.Int64
	leasesTotal     atomic.Int64
	acquireFailures atomic.Int64
	evictions       atomic.Int64
	probesTotal     atomic.Int64
	probeFailures   atomic.Int64
	sessionsStarted atomic.Int64

	mu              sync.RWMutex
	startTime       time.Time
	lastHealthCheck time.Time
	lastError       time.Time
	lastErrorMsg    string
	sessionsEnded   map[string]int64
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now(), sessionsEnded: make(map[string]int64)}
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active connection counter.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

// ActiveConnections returns the current number of open connections.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the network.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the network.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Tunnel metrics ───────────────────────────────────────────────────

// TunnelReconnect records a tunnel reconnection event.
func (c *Collector) TunnelReconnect() {
	if c == nil {
		return
	}
	c.tunnelReconnects.Add(1)
}

// TunnelReconnects returns the total tunnel reconnection count.
func (c *Collector) TunnelReconnects() int64 {
	if c == nil {
		return 0
	}
	return c.tunnelReconnects.Load()
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

// ── Health ───────────────────────────────────────────────────────────

// RecordHealthCheck updates the last health check timestamp.
func (c *Collector) RecordHealthCheck() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastHealthCheck = time.Now()
	c.mu.Unlock()
}

// ── Pool metrics ─────────────────────────────────────────────────────

// LeaseGranted records a successful Acquire.
func (c *Collector) LeaseGranted() {
	if c == nil {
		return
	}
	c.leasesActive.Add(1)
	c.leasesTotal.Add(1)
}

// LeaseReturned records a Release.
func (c *Collector) LeaseReturned() {
	if c == nil {
		return
	}
	c.leasesActive.Add(-1)
}

// ActiveLeases returns the number of leases currently held.
func (c *Collector) ActiveLeases() int64 {
	if c == nil {
		return 0
	}
	return c.leasesActive.Load()
}

// AcquireFailed records an Acquire that returned an error.
func (c *Collector) AcquireFailed() {
	if c == nil {
		return
	}
	c.acquireFailures.Add(1)
}

// Evicted records a pooled connection being closed by the pool.
func (c *Collector) Evicted() {
	if c == nil {
		return
	}
	c.evictions.Add(1)
}

// Evictions returns the lifetime eviction count.
func (c *Collector) Evictions() int64 {
	if c == nil {
		return 0
	}
	return c.evictions.Load()
}

// Probed records a health probe and whether it succeeded.
func (c *Collector) Probed(ok bool) {
	if c == nil {
		return
	}
	c.probesTotal.Add(1)
	if !ok {
		c.probeFailures.Add(1)
	}
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionStarted records a new enrollment session.
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsStarted.Add(1)
}

// SessionEnded records a session reaching the given terminal state.
func (c *Collector) SessionEnded(state string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.sessionsEnded == nil {
		c.sessionsEnded = make(map[string]int64)
	}
	c.sessionsEnded[state]++
	c.mu.Unlock()
}

// SessionsEnded returns how many sessions finished in state.
func (c *Collector) SessionsEnded(state string) int64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionsEnded[state]
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string       `json:"uptime"`
	ConnectionsActive int64        `json:"connections_active"`
	ConnectionsTotal  int64        `json:"connections_total"`
	BytesIn           int64        `json:"bytes_in"`
	BytesOut          int64        `json:"bytes_out"`
	TunnelReconnects  int64        `json:"tunnel_reconnects"`
	ErrorsTotal       int64        `json:"errors_total"`
	LeasesActive      int64        `json:"leases_active"`
	LeasesTotal       int64        `json:"leases_total"`
	AcquireFailures   int64        `json:"acquire_failures"`
	Evictions         int64        `json:"evictions"`
	ProbesTotal       int64        `json:"probes_total"`
	ProbeFailures     int64        `json:"probe_failures"`
	SessionsStarted   int64        `json:"sessions_started"`
	SessionsEnded     []StateCount `json:"sessions_ended,omitempty"`
	LastHealthCheck   string       `json:"last_health_check,omitempty"`
	LastError         string       `json:"last_error,omitempty"`
	LastErrorMessage  string       `json:"last_error_message,omitempty"`
}

// StateCount is the number of sessions that ended in State.
type StateCount struct {
	State string `json:"state"`
	Count int64  `json:"count"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive: c.connectionsActive.Load(),
		ConnectionsTotal:  c.connectionsTotal.Load(),
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
		TunnelReconnects:  c.tunnelReconnects.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
		LeasesActive:      c.leasesActive.Load(),
		LeasesTotal:       c.leasesTotal.Load(),
		AcquireFailures:   c.acquireFailures.Load(),
		Evictions:         c.evictions.Load(),
		ProbesTotal:       c.probesTotal.Load(),
		ProbeFailures:     c.probeFailures.Load(),
		SessionsStarted:   c.sessionsStarted.Load(),
	}
	for state, n := range c.sessionsEnded {
		s.SessionsEnded = append(s.SessionsEnded, StateCount{State: state, Count: n})
	}
	sort.Slice(s.SessionsEnded, func(i, j int) bool {
		return s.SessionsEnded[i].State < s.SessionsEnded[j].State
	})
	if !c.lastHealthCheck.IsZero() {
		s.LastHealthCheck = c.lastHealthCheck.Format(time.RFC3339)
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
