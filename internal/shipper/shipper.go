package shipper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gerswin/ripor/internal/agent"
	"github.com/gerswin/ripor/internal/queue"
)

const (
	shipInterval = 5 * time.Second
	batchLimit   = 100
	maxBackoff   = 60 * time.Second
)

// IngestEvent is the wire DTO for one shipped event. Zero-valued fields are
// part of the contract and always serialized.
type IngestEvent struct {
	OrgID        string `json:"org_id"`
	UserEmail    string `json:"user_email"`
	DeviceID     string `json:"device_id"`
	MacAddress   string `json:"mac_address"`
	OS           string `json:"os"`
	AppName      string `json:"app_name"`
	WindowTitle  string `json:"window_title"`
	State        string `json:"state"` // "active" | "idle"
	TimestampMs  int64  `json:"timestamp_ms"`
	DurMs        int64  `json:"dur_ms"`
	Category     string `json:"category"`
	Focus        bool   `json:"focus"`
	FocusStartMs int64  `json:"focus_start_ms"`
	FocusEndMs   int64  `json:"focus_end_ms"`
	InputIdleMs  uint64 `json:"input_idle_ms"`
	MediaHint    string `json:"media_hint"`
	AgentVersion string `json:"agent_version"`
}

type ingestBatch struct {
	Events []IngestEvent `json:"events"`
}

// Shipper drains the queue to /v1/events:ingest in FIFO batches.
type Shipper struct {
	client          *Client
	q               *queue.Queue
	orgID           string
	userEmail       string
	idleThresholdMs int64
	mac             string
	backoff         *backoff.ExponentialBackOff
}

// NewShipper builds the uploader.
func NewShipper(client *Client, q *queue.Queue, orgID, userEmail string, idleThresholdMs int64) *Shipper {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = maxBackoff
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &Shipper{
		client:          client,
		q:               q,
		orgID:           orgID,
		userEmail:       userEmail,
		idleThresholdMs: idleThresholdMs,
		mac:             MacAddress(),
		backoff:         b,
	}
}

// Run ships every 5 s, stretching the pause by the current backoff after a
// failed upload.
func (s *Shipper) Run(ctx context.Context) {
	slog.Info("shipper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(shipInterval):
		}

		if err := s.ShipOnce(ctx); err != nil {
			wait := s.backoff.NextBackOff()
			slog.Warn("ship failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

// ShipOnce uploads one batch. An empty queue is a success. The batch body
// is serialized exactly once; the signature covers those bytes.
func (s *Shipper) ShipOnce(ctx context.Context) error {
	records, err := s.q.FetchBatch(batchLimit)
	if err != nil {
		return fmt.Errorf("fetching batch: %w", err)
	}
	if len(records) == 0 {
		s.backoff.Reset()
		return nil
	}

	batch := ingestBatch{Events: make([]IngestEvent, 0, len(records))}
	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		var evt agent.Event
		if err := json.Unmarshal(rec.Plaintext, &evt); err != nil {
			return fmt.Errorf("event %d: %w", rec.ID, err)
		}
		batch.Events = append(batch.Events, s.toDTO(evt))
		ids = append(ids, rec.ID)
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}

	status, _, err := s.client.PostSigned(ctx, "/v1/events:ingest", body)
	if err != nil {
		return err
	}
	if !is2xx(status) {
		return fmt.Errorf("ingest status %d", status)
	}

	deleted, err := s.q.DeleteIDs(ids)
	if err != nil {
		return fmt.Errorf("deleting shipped events: %w", err)
	}
	s.backoff.Reset()
	slog.Info("events shipped", "count", deleted)
	return nil
}

func (s *Shipper) toDTO(evt agent.Event) IngestEvent {
	st := "idle"
	if int64(evt.InputIdleMs) < s.idleThresholdMs {
		st = "active"
	}
	return IngestEvent{
		OrgID:        s.orgID,
		UserEmail:    s.userEmail,
		DeviceID:     s.client.DeviceID(),
		MacAddress:   s.mac,
		OS:           runtime.GOOS,
		AppName:      evt.AppName,
		WindowTitle:  evt.WindowTitle,
		State:        st,
		TimestampMs:  evt.TsMs,
		Focus:        true,
		FocusStartMs: evt.TsMs,
		FocusEndMs:   evt.TsMs,
		InputIdleMs:  evt.InputIdleMs,
		AgentVersion: agent.Version,
	}
}
