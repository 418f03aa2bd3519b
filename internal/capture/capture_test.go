package capture_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/gerswin/ripor/internal/agent"
	"github.com/gerswin/ripor/internal/capture"
	"github.com/gerswin/ripor/internal/policy"
	"github.com/gerswin/ripor/internal/queue"
	"github.com/gerswin/ripor/internal/sampler"
)

type fixture struct {
	rt       *agent.Runtime
	policies *policy.Runtime
	counters *policy.DropCounters
	drops    *policy.DropLog
	q        *queue.Queue
	loop     *capture.Loop

	sample sampler.Sample
}

func newFixture(t *testing.T, pol policy.Policy) *fixture {
	t.Helper()
	key := make([]byte, 32)
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.sqlite"), key, []byte("device-test"))
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	f := &fixture{
		rt:       agent.NewRuntime(),
		policies: policy.NewRuntime(policy.State{Policy: pol}),
		counters: &policy.DropCounters{},
		drops:    policy.NewDropLog(policy.DefaultDropLogCap),
		q:        q,
	}
	f.loop = capture.New(f.rt, f.policies, f.counters, f.drops, q, func() (sampler.Sample, error) {
		return f.sample, nil
	})
	return f
}

func (f *fixture) queueLen(t *testing.T) int64 {
	t.Helper()
	n, err := f.q.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	return n
}

func TestEmitOnChange(t *testing.T) {
	f := newFixture(t, policy.Default())
	now := time.Unix(1_700_000_000, 0)

	f.sample = sampler.Sample{AppName: "Editor", WindowTitle: "a.txt", IdleMs: 5}
	f.loop.Tick(now)
	if n := f.queueLen(t); n != 1 {
		t.Fatalf("queue after first tick = %d, want 1", n)
	}

	// Unchanged focus, no force window elapsed: nothing emitted.
	f.loop.Tick(now.Add(time.Second))
	if n := f.queueLen(t); n != 1 {
		t.Fatalf("queue after unchanged tick = %d, want 1", n)
	}

	// Title change emits.
	f.sample.WindowTitle = "b.txt"
	f.loop.Tick(now.Add(2 * time.Second))
	if n := f.queueLen(t); n != 2 {
		t.Fatalf("queue after title change = %d, want 2", n)
	}

	if f.rt.LastIdleMs.Load() != 5 {
		t.Errorf("LastIdleMs = %d, want 5", f.rt.LastIdleMs.Load())
	}
}

func TestForceEmitAfterSilence(t *testing.T) {
	f := newFixture(t, policy.Default())
	now := time.Unix(1_700_000_000, 0)

	f.sample = sampler.Sample{AppName: "Editor", WindowTitle: "a.txt"}
	f.loop.Tick(now)

	// 31 s of the same window: heartbeat-style re-emit.
	f.loop.Tick(now.Add(31 * time.Second))
	if n := f.queueLen(t); n != 2 {
		t.Fatalf("queue after 31s silence = %d, want 2", n)
	}
}

func TestPauseBlocksCapture(t *testing.T) {
	f := newFixture(t, policy.Default())
	now := time.Unix(1_700_000_000, 0)
	f.sample = sampler.Sample{AppName: "Editor", WindowTitle: "a.txt"}

	f.rt.PausedUntilMs.Store(now.Add(time.Minute).UnixMilli())
	for i := 0; i < 60; i++ {
		delay := f.loop.Tick(now.Add(time.Duration(i) * time.Second))
		if delay != 500*time.Millisecond {
			t.Fatalf("tick %d: paused delay = %v, want 500ms", i, delay)
		}
	}
	if n := f.queueLen(t); n != 0 {
		t.Fatalf("queue while paused = %d, want 0", n)
	}

	// Clearing the pause restores capture on the very next tick.
	f.rt.PausedUntilMs.Store(0)
	f.loop.Tick(now.Add(61 * time.Second))
	if n := f.queueLen(t); n != 1 {
		t.Fatalf("queue after clear = %d, want 1", n)
	}
}

func TestExcludedAppDropsAndCounts(t *testing.T) {
	f := newFixture(t, policy.Policy{TitleCapture: true, ExcludeApps: []string{"Secret"}})
	now := time.Unix(1_700_000_000, 0)
	f.sample = sampler.Sample{AppName: "Secret", WindowTitle: "whatever"}

	for i := 0; i < 5; i++ {
		f.loop.Tick(now.Add(time.Duration(i) * time.Second))
	}
	if n := f.queueLen(t); n != 0 {
		t.Errorf("queue = %d, want 0", n)
	}
	if got := f.counters.ByReason()["excludedApp"]; got != 5 {
		t.Errorf("excludedApp drops = %d, want 5", got)
	}
	if drops := f.drops.Recent(10); len(drops) != 5 || drops[0].Reason != "excludedApp" {
		t.Errorf("drop log = %v", drops)
	}
}

func TestKillSwitchHotApply(t *testing.T) {
	f := newFixture(t, policy.Default())
	now := time.Unix(1_700_000_000, 0)
	f.sample = sampler.Sample{AppName: "Editor", WindowTitle: "a.txt"}

	f.loop.Tick(now)
	if n := f.queueLen(t); n != 1 {
		t.Fatalf("queue = %d, want 1", n)
	}

	f.policies.Set(policy.State{Policy: policy.Policy{KillSwitch: true, TitleCapture: true}})
	f.sample.WindowTitle = "b.txt"
	f.loop.Tick(now.Add(time.Second))

	if n := f.queueLen(t); n != 1 {
		t.Errorf("queue after kill switch = %d, want 1", n)
	}
	if got := f.counters.ByReason()["killSwitch"]; got != 1 {
		t.Errorf("killSwitch drops = %d, want 1", got)
	}
}

func TestTitleRedaction(t *testing.T) {
	f := newFixture(t, policy.Policy{TitleCapture: false})
	now := time.Unix(1_700_000_000, 0)

	f.sample = sampler.Sample{AppName: "Browser", WindowTitle: "secret page"}
	f.loop.Tick(now)
	if n := f.queueLen(t); n != 1 {
		t.Fatalf("queue = %d, want 1", n)
	}

	records, err := f.q.FetchBatch(10)
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	var evt agent.Event
	if err := json.Unmarshal(records[0].Plaintext, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.WindowTitle != "" {
		t.Errorf("window_title = %q, want empty", evt.WindowTitle)
	}

	// A title-only change of a redacted event must not trigger emission.
	f.sample.WindowTitle = "another secret page"
	f.loop.Tick(now.Add(time.Second))
	if n := f.queueLen(t); n != 1 {
		t.Errorf("queue after redacted title change = %d, want 1", n)
	}
}

func TestThrottledTicksAreCounted(t *testing.T) {
	f := newFixture(t, policy.Policy{TitleCapture: true, TitleBurstPerMinute: 3, TitleSampleHz: 10})
	now := time.Unix(1_700_000_000, 0)

	// Titles alternate every 100 ms for 10 s. Change is measured against the
	// last emitted title, so once the bucket is empty every other tick asks
	// for a permit and is denied.
	titles := []string{"one", "two"}
	for i := 0; i < 100; i++ {
		f.sample = sampler.Sample{AppName: "Browser", WindowTitle: titles[i%2]}
		f.loop.Tick(now.Add(time.Duration(i) * 100 * time.Millisecond))
	}

	if n := f.queueLen(t); n > 3 {
		t.Errorf("queue = %d, want <= 3", n)
	}
	if got := f.counters.ByReason()["throttled"]; got < 7 {
		t.Errorf("throttled = %d, want >= 7", got)
	}
}

func TestSamplerErrorSkipsTick(t *testing.T) {
	key := make([]byte, 32)
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.sqlite"), key, []byte("d"))
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	defer q.Close()

	rt := agent.NewRuntime()
	loop := capture.New(rt, policy.NewRuntime(policy.State{Policy: policy.Default()}),
		&policy.DropCounters{}, policy.NewDropLog(10), q,
		func() (sampler.Sample, error) { return sampler.Sample{}, errSample })

	delay := loop.Tick(time.Unix(1_700_000_000, 0))
	if delay != time.Second {
		t.Errorf("delay = %v, want 1s", delay)
	}
	if n, _ := q.Len(); n != 0 {
		t.Errorf("queue = %d, want 0", n)
	}
}

var errSample = &sampleError{}

type sampleError struct{}

func (*sampleError) Error() string { return "focus API unavailable" }
