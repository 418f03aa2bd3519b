package shipper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gerswin/ripor/internal/agent"
)

const heartbeatInterval = 60 * time.Second

type heartbeatPayload struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	LastActivityMs int64  `json:"last_activity_ms"`
	AgentVersion   string `json:"agent_version"`
}

// Heartbeat posts a liveness signal when no event has been enqueued recently.
type Heartbeat struct {
	client          *Client
	rt              *agent.Runtime
	idleThresholdMs int64
}

// NewHeartbeat builds the heartbeat loop.
func NewHeartbeat(client *Client, rt *agent.Runtime, idleThresholdMs int64) *Heartbeat {
	return &Heartbeat{client: client, rt: rt, idleThresholdMs: idleThresholdMs}
}

// Run beats every 60 s, skipping cycles where events already proved
// liveness.
func (h *Heartbeat) Run(ctx context.Context) {
	slog.Info("heartbeat loop started")
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		lastEvt := h.rt.LastEventTs.Load()
		if lastEvt != 0 && time.Now().UnixMilli()-lastEvt < heartbeatInterval.Milliseconds() {
			continue
		}
		if err := h.BeatOnce(ctx); err != nil {
			slog.Warn("heartbeat failed", "error", err)
		}
	}
}

// BeatOnce posts one heartbeat with the usual token/HMAC discipline.
func (h *Heartbeat) BeatOnce(ctx context.Context) error {
	payload := heartbeatPayload{
		Status:         agent.ActivityState(h.rt.LastIdleMs.Load(), h.idleThresholdMs),
		UptimeSeconds:  h.rt.UptimeSeconds(),
		LastActivityMs: h.rt.LastEventTs.Load(),
		AgentVersion:   agent.Version,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding heartbeat: %w", err)
	}

	status, _, err := h.client.PostSigned(ctx, "/v1/agents/heartbeat", body)
	if err != nil {
		return err
	}
	if !is2xx(status) {
		return fmt.Errorf("heartbeat status %d", status)
	}
	h.rt.LastHeartbeatTs.Store(time.Now().UnixMilli())
	return nil
}
