// Package metrics samples the agent's own CPU and memory for the state
// snapshot.
package metrics

import (
	"context"
	"sync"
	"time"
)

const sampleInterval = 5 * time.Second

// AgentMetrics is the process view exposed on /state.
type AgentMetrics struct {
	CPUPct float64 `json:"cpu_pct"` // of this process, not the machine
	MemMB  uint64  `json:"mem_mb"`  // resident set (peak resident set on darwin)
}

// Handle is a shareable snapshot holder fed by Run.
type Handle struct {
	mu sync.Mutex
	m  AgentMetrics
}

// NewHandle returns an empty handle.
func NewHandle() *Handle { return &Handle{} }

// Get returns the latest sample.
func (h *Handle) Get() AgentMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.m
}

// Run samples every 5 s until the context ends. CPU% is the process
// cpu-time delta over the wall interval.
func (h *Handle) Run(ctx context.Context) {
	prevCPU := processCPUSeconds()
	prevWall := time.Now()

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cpu := processCPUSeconds()
		now := time.Now()
		wall := now.Sub(prevWall).Seconds()

		var pct float64
		if wall > 0 {
			pct = (cpu - prevCPU) / wall * 100
			if pct < 0 {
				pct = 0
			}
		}
		prevCPU, prevWall = cpu, now

		memMB := processRSSBytes() / (1024 * 1024)

		h.mu.Lock()
		h.m = AgentMetrics{CPUPct: pct, MemMB: memMB}
		h.mu.Unlock()
	}
}
