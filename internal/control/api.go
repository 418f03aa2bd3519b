// Package control is the loopback HTTP coordinator: state snapshots, queue
// preview, pause control, permission helpers and policy hot apply. It binds
// to loopback and carries no authentication.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gerswin/ripor/internal/agent"
	"github.com/gerswin/ripor/internal/metrics"
	"github.com/gerswin/ripor/internal/paths"
	"github.com/gerswin/ripor/internal/policy"
	"github.com/gerswin/ripor/internal/queue"
	"github.com/gerswin/ripor/internal/sampler"
	"github.com/gerswin/ripor/internal/state"
)

const (
	defaultPauseMinutes = 15
	queuePreviewLimit   = 5
	maxQueueLimit       = 100
	maxDropsLimit       = 500
)

// Handler serves the control-plane endpoints.
type Handler struct {
	rt       *agent.Runtime
	policies *policy.Runtime
	counters *policy.DropCounters
	drops    *policy.DropLog
	q        *queue.Queue
	metrics  *metrics.Handle
	st       *state.AgentState
	paths    *paths.Paths

	idleThresholdMs int64
	refreshPolicy   func() // nil when no policy loop is configured
	mux             *http.ServeMux
}

// New wires the endpoint table.
func New(rt *agent.Runtime, policies *policy.Runtime, counters *policy.DropCounters, drops *policy.DropLog, q *queue.Queue, m *metrics.Handle, st *state.AgentState, p *paths.Paths, idleThresholdMs int64, refreshPolicy func(), panelDir string) *Handler {
	h := &Handler{
		rt:              rt,
		policies:        policies,
		counters:        counters,
		drops:           drops,
		q:               q,
		metrics:         m,
		st:              st,
		paths:           p,
		idleThresholdMs: idleThresholdMs,
		refreshPolicy:   refreshPolicy,
		mux:             http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.HandleFunc("GET /state", h.handleState)
	h.mux.HandleFunc("GET /state/stream", h.handleStateStream)
	h.mux.HandleFunc("GET /queue", h.handleQueue)
	h.mux.HandleFunc("GET /pause", h.handlePause)
	h.mux.HandleFunc("GET /pause/clear", h.handlePauseClear)
	h.mux.HandleFunc("GET /permissions", h.handlePerms)
	h.mux.HandleFunc("GET /permissions/prompt", h.handlePermsPrompt)
	h.mux.HandleFunc("GET /permissions/open/accessibility", h.handleOpenAccessibility)
	h.mux.HandleFunc("GET /permissions/open/screen", h.handleOpenScreen)
	h.mux.HandleFunc("GET /debug/sample", h.handleDebugSample)
	h.mux.HandleFunc("GET /debug/drops", h.handleDebugDrops)
	h.mux.HandleFunc("GET /debug/windows", h.handleDebugWindows)
	h.mux.HandleFunc("GET /debug/frontmost", h.handleDebugFrontmost)
	h.mux.HandleFunc("POST /policy/apply", h.handlePolicyApply)
	h.mux.HandleFunc("POST /policy/refresh", h.handlePolicyRefresh)
	h.mux.HandleFunc("GET /{$}", h.handleIndex)
	h.mux.HandleFunc("GET /ui", h.handleIndex)

	if panelDir != "" {
		if _, err := os.Stat(panelDir); err == nil {
			h.mux.Handle("/panel/", http.StripPrefix("/panel/", http.FileServer(http.Dir(panelDir))))
			slog.Info("static panel mounted", "dir", panelDir)
		} else {
			slog.Warn("panel directory not found", "dir", panelDir)
		}
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type healthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{OK: true, Version: agent.Version})
}

// StateDTO is the aggregated snapshot for the tray UI and CLI.
type StateDTO struct {
	DeviceID        string             `json:"device_id"`
	AgentVersion    string             `json:"agent_version"`
	QueueLen        int64              `json:"queue_len"`
	CPUPct          float64            `json:"cpu_pct"`
	MemMB           uint64             `json:"mem_mb"`
	LastEventTs     int64              `json:"last_event_ts"`
	LastHeartbeatTs int64              `json:"last_heartbeat_ts"`
	InputIdleMs     uint64             `json:"input_idle_ms"`
	ActivityState   string             `json:"activity_state"`
	PausedUntilMs   int64              `json:"paused_until_ms"`
	QueuePreview    []json.RawMessage  `json:"queue_preview"`
	Perms           sampler.PermStatus `json:"perms"`
	AgentPath       string             `json:"agent_path"`
	Policy          policy.Policy      `json:"policy"`
	PolicyETag      *string            `json:"policy_etag"`
	DroppedEvents   uint64             `json:"dropped_events"`
	DroppedByReason map[string]uint64  `json:"dropped_by_reason"`
}

func (h *Handler) stateSnapshot() StateDTO {
	queueLen, err := h.q.Len()
	if err != nil {
		slog.Warn("queue length unavailable", "error", err)
	}
	var preview []json.RawMessage
	if plains, err := h.q.PeekRecent(queuePreviewLimit); err == nil {
		preview = rawPreview(plains)
	}

	m := h.metrics.Get()
	pst := h.policies.Get()
	idle := h.rt.LastIdleMs.Load()
	exePath, _ := os.Executable()

	return StateDTO{
		DeviceID:        h.st.DeviceID,
		AgentVersion:    h.st.AgentVersion,
		QueueLen:        queueLen,
		CPUPct:          m.CPUPct,
		MemMB:           m.MemMB,
		LastEventTs:     h.rt.LastEventTs.Load(),
		LastHeartbeatTs: h.rt.LastHeartbeatTs.Load(),
		InputIdleMs:     idle,
		ActivityState:   agent.ActivityState(idle, h.idleThresholdMs),
		PausedUntilMs:   h.rt.PausedUntilMs.Load(),
		QueuePreview:    preview,
		Perms:           sampler.CheckPermissions(),
		AgentPath:       exePath,
		Policy:          pst.Policy,
		PolicyETag:      pst.ETag,
		DroppedEvents:   h.counters.Total(),
		DroppedByReason: h.counters.ByReason(),
	}
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stateSnapshot())
}

type queueResponse struct {
	QueueLen int64             `json:"queue_len"`
	Top      []json.RawMessage `json:"top"`
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10, 1, maxQueueLimit)
	queueLen, _ := h.q.Len()
	plains, err := h.q.PeekRecent(limit)
	if err != nil {
		slog.Warn("queue preview failed", "error", err)
	}
	writeJSON(w, http.StatusOK, queueResponse{QueueLen: queueLen, Top: rawPreview(plains)})
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	dur := time.Duration(defaultPauseMinutes) * time.Minute
	if v := r.URL.Query().Get("ms"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 0 {
			dur = time.Duration(ms) * time.Millisecond
		}
	} else if v := r.URL.Query().Get("minutes"); v != "" {
		if m, err := strconv.ParseInt(v, 10, 64); err == nil && m >= 0 {
			dur = time.Duration(m) * time.Minute
		}
	}
	until := time.Now().Add(dur).UnixMilli()
	h.rt.PausedUntilMs.Store(until)
	slog.Info("capture paused", "until_ms", until)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "paused_until_ms": until})
}

func (h *Handler) handlePauseClear(w http.ResponseWriter, r *http.Request) {
	h.rt.PausedUntilMs.Store(0)
	slog.Info("capture pause cleared")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handlePerms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sampler.CheckPermissions())
}

func (h *Handler) handlePermsPrompt(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sampler.PromptPermissions())
}

func (h *Handler) handleOpenAccessibility(w http.ResponseWriter, r *http.Request) {
	sampler.OpenAccessibilityPane()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleOpenScreen(w http.ResponseWriter, r *http.Request) {
	sampler.OpenScreenPane()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleDebugSample(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sampler.DebugOnce())
}

func (h *Handler) handleDebugDrops(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 1, maxDropsLimit)
	writeJSON(w, http.StatusOK, map[string]any{"drops": h.drops.Recent(limit)})
}

func (h *Handler) handleDebugWindows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sampler.ListWindows(10))
}

func (h *Handler) handleDebugFrontmost(w http.ResponseWriter, r *http.Request) {
	d := sampler.DebugOnce()
	writeJSON(w, http.StatusOK, map[string]any{
		"ax_pid": d.AxPID, "ax_name": d.AxName,
		"ns_pid": d.NsPID, "ns_name": d.NsName,
		"cg_pid": d.CgPID, "cg_owner": d.CgOwner, "cg_title": d.CgTitle,
	})
}

// handlePolicyApply persists the posted policy, clears the etag (the server
// no longer vouches for this document) and hot-applies it.
func (h *Handler) handlePolicyApply(w http.ResponseWriter, r *http.Request) {
	var pol policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&pol); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	st := policy.State{Policy: pol, ETag: nil}
	if err := policy.Save(h.paths, st); err != nil {
		slog.Error("persisting applied policy", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	h.policies.Set(st)
	slog.Info("policy applied", "killSwitch", pol.KillSwitch, "pauseCapture", pol.PauseCapture)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handlePolicyRefresh(w http.ResponseWriter, r *http.Request) {
	if h.refreshPolicy == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "reason": "policy fetch not configured"})
		return
	}
	h.refreshPolicy()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func rawPreview(plains [][]byte) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(plains))
	for _, p := range plains {
		if json.Valid(p) {
			out = append(out, json.RawMessage(p))
		}
	}
	return out
}

func queryInt(r *http.Request, key string, def, min, max int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}
