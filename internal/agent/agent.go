// Package agent carries the identifiers and mutable scalars shared by the
// capture, shipper, heartbeat and control-plane tasks. Everything here is
// passed explicitly; there are no ambient singletons.
package agent

import (
	"sync/atomic"
	"time"
)

// Version is the agent version reported in every DTO and /healthz.
const Version = "0.3.0"

// Event is the queue plaintext: one focus observation.
type Event struct {
	TsMs        int64  `json:"ts_ms"`
	AppName     string `json:"app_name"`
	WindowTitle string `json:"window_title"`
	InputIdleMs uint64 `json:"input_idle_ms"`
}

// Runtime holds the cross-task scalars. All fields are atomics with relaxed
// semantics; readers tolerate slightly stale values.
type Runtime struct {
	LastEventTs     atomic.Int64 // ms of the last enqueued event, 0 = never
	LastHeartbeatTs atomic.Int64 // ms of the last successful heartbeat
	LastIdleMs      atomic.Uint64
	PausedUntilMs   atomic.Int64 // 0 = not paused

	StartTime time.Time
}

// NewRuntime stamps the process start time.
func NewRuntime() *Runtime {
	return &Runtime{StartTime: time.Now()}
}

// Paused reports whether capture is paused at the given wall time.
func (r *Runtime) Paused(nowMs int64) bool {
	return r.PausedUntilMs.Load() > nowMs
}

// UptimeSeconds is the heartbeat's liveness figure.
func (r *Runtime) UptimeSeconds() int64 {
	return int64(time.Since(r.StartTime).Seconds())
}

// ActivityState derives the user state from input idleness.
func ActivityState(idleMs uint64, thresholdMs int64) string {
	if int64(idleMs) < thresholdMs {
		return "ONLINE_ACTIVE"
	}
	return "ONLINE_IDLE"
}
