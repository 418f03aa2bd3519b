// Package capture drives the focus sampler and feeds the encrypted queue,
// subject to the pause deadline, the policy chain and the emit throttle.
package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"time"

	"github.com/gerswin/ripor/internal/agent"
	"github.com/gerswin/ripor/internal/policy"
	"github.com/gerswin/ripor/internal/queue"
	"github.com/gerswin/ripor/internal/sampler"
)

// forceEmitAfter bounds the silence between events for an unchanged focus.
const forceEmitAfter = 30 * time.Second

// SampleFunc produces one focus observation. Production uses sampler.Once;
// tests inject their own.
type SampleFunc func() (sampler.Sample, error)

// Loop owns the capture tick state.
type Loop struct {
	rt       *agent.Runtime
	policies *policy.Runtime
	counters *policy.DropCounters
	drops    *policy.DropLog
	q        *queue.Queue
	sample   SampleFunc

	prevApp   string
	prevTitle string
}

// New builds a capture loop over the given collaborators.
func New(rt *agent.Runtime, policies *policy.Runtime, counters *policy.DropCounters, drops *policy.DropLog, q *queue.Queue, sample SampleFunc) *Loop {
	return &Loop{rt: rt, policies: policies, counters: counters, drops: drops, q: q, sample: sample}
}

// Run ticks roughly once per second until the context ends. The goroutine
// is pinned to its OS thread: some platforms' focus APIs require every call
// to arrive on the same thread.
func (l *Loop) Run(ctx context.Context) {
	runtime.LockOSThread()
	sampler.Init()
	slog.Info("capture loop started")
	for {
		delay := l.Tick(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Tick runs one capture iteration and returns the delay before the next.
func (l *Loop) Tick(now time.Time) time.Duration {
	nowMs := now.UnixMilli()
	if l.rt.Paused(nowMs) {
		return 500 * time.Millisecond
	}

	s, err := l.sample()
	if err != nil {
		slog.Debug("sample failed", "error", err)
		return time.Second
	}
	l.rt.LastIdleMs.Store(s.IdleMs)

	if reason, dropped := l.policies.Evaluate(s.AppName, s.WindowTitle, s.ExePath); dropped {
		l.counters.Inc(reason)
		l.drops.Push(reason, s.AppName, s.WindowTitle)
		return time.Second
	}

	effectiveTitle := s.WindowTitle
	if !l.policies.Get().Policy.TitleCapture {
		effectiveTitle = ""
	}

	lastTs := l.rt.LastEventTs.Load()
	changed := s.AppName != l.prevApp || effectiveTitle != l.prevTitle
	forceEmit := lastTs == 0 || nowMs-lastTs > forceEmitAfter.Milliseconds()
	if !changed && !forceEmit {
		return time.Second
	}

	if !l.policies.Throttle().AllowAt(now) {
		l.counters.Inc(policy.DropThrottled)
		l.drops.Push(policy.DropThrottled, s.AppName, effectiveTitle)
		return time.Second
	}

	evt := agent.Event{
		TsMs:        nowMs,
		AppName:     s.AppName,
		WindowTitle: effectiveTitle,
		InputIdleMs: s.IdleMs,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Error("encoding capture event", "error", err)
		return time.Second
	}
	if _, err := l.q.Enqueue(data); err != nil {
		// Retried next tick; previous is left untouched so the change
		// is still observed.
		slog.Warn("enqueue failed", "error", err)
		return time.Second
	}

	l.rt.LastEventTs.Store(evt.TsMs)
	l.prevApp, l.prevTitle = s.AppName, effectiveTitle
	slog.Debug("event enqueued", "app", evt.AppName, "title", evt.WindowTitle)
	return time.Second
}
