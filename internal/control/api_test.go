package control_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gerswin/ripor/internal/agent"
	"github.com/gerswin/ripor/internal/capture"
	"github.com/gerswin/ripor/internal/control"
	"github.com/gerswin/ripor/internal/metrics"
	"github.com/gerswin/ripor/internal/paths"
	"github.com/gerswin/ripor/internal/policy"
	"github.com/gerswin/ripor/internal/queue"
	"github.com/gerswin/ripor/internal/sampler"
	"github.com/gerswin/ripor/internal/state"
)

type fixture struct {
	handler  *control.Handler
	rt       *agent.Runtime
	policies *policy.Runtime
	counters *policy.DropCounters
	drops    *policy.DropLog
	q        *queue.Queue
	paths    *paths.Paths
	loop     *capture.Loop
	sample   sampler.Sample

	refreshed int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p, err := paths.NewAt(t.TempDir())
	if err != nil {
		t.Fatalf("paths: %v", err)
	}
	key := make([]byte, 32)
	q, err := queue.Open(filepath.Join(p.DataDir, "queue.sqlite"), key, []byte("device-test"))
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	f := &fixture{
		rt:       agent.NewRuntime(),
		policies: policy.NewRuntime(policy.State{Policy: policy.Default()}),
		counters: &policy.DropCounters{},
		drops:    policy.NewDropLog(policy.DefaultDropLogCap),
		q:        q,
		paths:    p,
	}
	st := &state.AgentState{DeviceID: "device-test", AgentVersion: agent.Version}
	f.handler = control.New(f.rt, f.policies, f.counters, f.drops, q, metrics.NewHandle(),
		st, p, 60_000, func() { f.refreshed++ }, "")
	f.loop = capture.New(f.rt, f.policies, f.counters, f.drops, q, func() (sampler.Sample, error) {
		return f.sample, nil
	})
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[map[string]any](t, rec)
	if resp["ok"] != true {
		t.Errorf("ok = %v", resp["ok"])
	}
	if resp["version"] != agent.Version {
		t.Errorf("version = %v", resp["version"])
	}
}

func TestStateEmptyConfigDryRun(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	st := decode[control.StateDTO](t, rec)
	if st.QueueLen != 0 {
		t.Errorf("queue_len = %d, want 0", st.QueueLen)
	}
	if st.DeviceID != "device-test" {
		t.Errorf("device_id = %s", st.DeviceID)
	}
	if st.ActivityState != "ONLINE_ACTIVE" {
		t.Errorf("activity_state = %s (idle 0 < threshold)", st.ActivityState)
	}
	if st.PausedUntilMs != 0 {
		t.Errorf("paused_until_ms = %d", st.PausedUntilMs)
	}
}

func TestActivityStateThreshold(t *testing.T) {
	f := newFixture(t)
	f.rt.LastIdleMs.Store(59_999)
	st := decode[control.StateDTO](t, f.do(t, http.MethodGet, "/state", ""))
	if st.ActivityState != "ONLINE_ACTIVE" {
		t.Errorf("just under threshold: %s", st.ActivityState)
	}

	f.rt.LastIdleMs.Store(60_000)
	st = decode[control.StateDTO](t, f.do(t, http.MethodGet, "/state", ""))
	if st.ActivityState != "ONLINE_IDLE" {
		t.Errorf("at threshold: %s", st.ActivityState)
	}
}

func TestPauseAndClear(t *testing.T) {
	f := newFixture(t)
	f.sample = sampler.Sample{AppName: "Editor", WindowTitle: "a.txt"}

	before := time.Now().UnixMilli()
	rec := f.do(t, http.MethodGet, "/pause?minutes=1", "")
	resp := decode[map[string]any](t, rec)
	until := int64(resp["paused_until_ms"].(float64))
	if until < before+59_000 || until > before+61_500 {
		t.Errorf("paused_until_ms = %d, want ~now+60s", until)
	}

	// While paused, ticks enqueue nothing regardless of sampler output.
	for i := 0; i < 5; i++ {
		f.loop.Tick(time.Now())
	}
	if n, _ := f.q.Len(); n != 0 {
		t.Errorf("queue while paused = %d, want 0", n)
	}

	f.do(t, http.MethodGet, "/pause/clear", "")
	if f.rt.PausedUntilMs.Load() != 0 {
		t.Error("pause not cleared")
	}
	f.loop.Tick(time.Now())
	if n, _ := f.q.Len(); n != 1 {
		t.Errorf("queue after clear = %d, want 1", n)
	}
}

func TestPauseDefaultFifteenMinutes(t *testing.T) {
	f := newFixture(t)
	before := time.Now().UnixMilli()
	resp := decode[map[string]any](t, f.do(t, http.MethodGet, "/pause", ""))
	until := int64(resp["paused_until_ms"].(float64))
	if until < before+14*60_000 || until > before+16*60_000 {
		t.Errorf("default pause = %d ms from now", until-before)
	}
}

func TestQueuePreview(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		evt := agent.Event{TsMs: int64(i), AppName: "App", WindowTitle: "T"}
		data, _ := json.Marshal(evt)
		if _, err := f.q.Enqueue(data); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	rec := f.do(t, http.MethodGet, "/queue?limit=2", "")
	var resp struct {
		QueueLen int64             `json:"queue_len"`
		Top      []json.RawMessage `json:"top"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.QueueLen != 3 {
		t.Errorf("queue_len = %d, want 3", resp.QueueLen)
	}
	if len(resp.Top) != 2 {
		t.Fatalf("top = %d entries, want 2", len(resp.Top))
	}
	var newest agent.Event
	json.Unmarshal(resp.Top[0], &newest)
	if newest.TsMs != 2 {
		t.Errorf("newest ts_ms = %d, want 2", newest.TsMs)
	}
}

func TestQueueLimitClamped(t *testing.T) {
	f := newFixture(t)
	for _, target := range []string{"/queue?limit=0", "/queue?limit=9999", "/queue?limit=bogus"} {
		rec := f.do(t, http.MethodGet, target, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status %d", target, rec.Code)
		}
	}
}

func TestPolicyApplyHotApplies(t *testing.T) {
	f := newFixture(t)
	f.sample = sampler.Sample{AppName: "Editor", WindowTitle: "a.txt"}

	rec := f.do(t, http.MethodPost, "/policy/apply", `{"killSwitch":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	// The very next tick drops and the counter increments.
	f.loop.Tick(time.Now())
	if n, _ := f.q.Len(); n != 0 {
		t.Errorf("queue = %d, want 0", n)
	}
	if got := f.counters.ByReason()["killSwitch"]; got != 1 {
		t.Errorf("killSwitch drops = %d, want 1", got)
	}

	// Persisted with a null etag.
	st := policy.Load(f.paths)
	if !st.Policy.KillSwitch {
		t.Error("applied policy not persisted")
	}
	if st.ETag != nil {
		t.Errorf("etag = %v, want nil after local apply", *st.ETag)
	}

	// Visible in /state.
	dto := decode[control.StateDTO](t, f.do(t, http.MethodGet, "/state", ""))
	if !dto.Policy.KillSwitch {
		t.Error("state does not reflect applied policy")
	}
}

func TestPolicyApplyRejectsBadBody(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/policy/apply", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestPolicyRefreshSignals(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/policy/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.refreshed != 1 {
		t.Errorf("refresh signals = %d, want 1", f.refreshed)
	}
}

func TestDebugDrops(t *testing.T) {
	f := newFixture(t)
	f.drops.Push(policy.DropExcludedApp, "Secret", "t1")
	f.drops.Push(policy.DropThrottled, "Browser", "t2")

	rec := f.do(t, http.MethodGet, "/debug/drops?limit=1", "")
	var resp struct {
		Drops []policy.DropEvent `json:"drops"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Drops) != 1 {
		t.Fatalf("drops = %d, want 1", len(resp.Drops))
	}
	if resp.Drops[0].Reason != "throttled" {
		t.Errorf("newest drop reason = %s", resp.Drops[0].Reason)
	}
}

func TestStateDroppedByReason(t *testing.T) {
	f := newFixture(t)
	f.counters.Inc(policy.DropExcludedApp)
	f.counters.Inc(policy.DropExcludedApp)

	st := decode[control.StateDTO](t, f.do(t, http.MethodGet, "/state", ""))
	if st.DroppedEvents != 2 {
		t.Errorf("dropped_events = %d, want 2", st.DroppedEvents)
	}
	if st.DroppedByReason["excludedApp"] != 2 {
		t.Errorf("dropped_by_reason = %v", st.DroppedByReason)
	}
}

func TestMethodRouting(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodPost, "/state", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /state = %d, want 405", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/policy/apply", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /policy/apply = %d, want 405", rec.Code)
	}
}

func TestIndexServesHTML(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %s", ct)
	}
}
