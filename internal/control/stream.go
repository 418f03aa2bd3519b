package control

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const streamInterval = 2 * time.Second

// handleStateStream pushes the state snapshot to the tray UI every 2 s
// over a websocket, saving it the poll loop.
func (h *Handler) handleStateStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("state stream accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	// First frame immediately so the UI renders without waiting a tick.
	if err := wsjson.Write(ctx, conn, h.stateSnapshot()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "shutting down")
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, h.stateSnapshot()); err != nil {
				return
			}
		}
	}
}
