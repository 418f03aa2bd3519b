// Package shipper talks to the remote API: the enrollment handshake, the
// batched event uploads, the conditional policy fetch and the heartbeat.
package shipper

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/gerswin/ripor/internal/auth"
	"github.com/gerswin/ripor/internal/paths"
	"github.com/gerswin/ripor/internal/state"
)

// ErrNotEnrolled is returned when a request needs credentials and the
// bootstrap handshake has not produced any yet.
var ErrNotEnrolled = errors.New("agent not enrolled")

// Client is the authenticated remote-API client. Secrets are cached in
// memory and refreshed on re-bootstrap.
type Client struct {
	baseURL   string
	orgID     string
	userEmail string
	paths     *paths.Paths
	st        *state.AgentState
	http      *http.Client
	tracer    trace.Tracer

	debugIngest bool

	mu      sync.Mutex
	secrets *auth.Secrets
}

// NewClient loads any persisted secrets and prepares the client. A nil
// tracer disables spans.
func NewClient(baseURL, orgID, userEmail string, p *paths.Paths, st *state.AgentState, tracer trace.Tracer, debugIngest bool) (*Client, error) {
	secrets, err := auth.Load(p)
	if err != nil {
		return nil, err
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("ripor-agent")
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		orgID:       orgID,
		userEmail:   userEmail,
		paths:       p,
		st:          st,
		http:        &http.Client{},
		tracer:      tracer,
		debugIngest: debugIngest,
		secrets:     secrets,
	}, nil
}

// Secrets returns the cached credentials, nil before enrollment.
func (c *Client) Secrets() *auth.Secrets {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secrets
}

// DeviceID prefers the server-assigned id over the locally minted one.
func (c *Client) DeviceID() string {
	if s := c.Secrets(); s != nil && s.DeviceID != "" {
		return s.DeviceID
	}
	return c.st.DeviceID
}

type bootstrapRequest struct {
	OrgID        string `json:"org_id"`
	UserEmail    string `json:"user_email"`
	MacAddress   string `json:"mac_address"`
	AgentVersion string `json:"agent_version"`
}

type bootstrapResponse struct {
	AgentToken string `json:"agentToken"`
	ServerSalt string `json:"serverSalt"`
	DeviceID   string `json:"deviceId"`
}

// Bootstrap runs the enrollment handshake and persists the minted secrets.
// A 2xx with empty token or salt leaves secrets absent; the caller retries
// on its next cycle.
func (c *Client) Bootstrap(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "bootstrap")
	defer span.End()

	body, err := json.Marshal(bootstrapRequest{
		OrgID:        c.orgID,
		UserEmail:    c.userEmail,
		MacAddress:   MacAddress(),
		AgentVersion: c.st.AgentVersion,
	})
	if err != nil {
		return fmt.Errorf("encoding bootstrap request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/agents/bootstrap", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bootstrap request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("bootstrap status %d", resp.StatusCode)
	}

	var br bootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return fmt.Errorf("decoding bootstrap response: %w", err)
	}
	if br.AgentToken == "" || br.ServerSalt == "" {
		return errors.New("bootstrap response missing token or salt")
	}

	secrets := &auth.Secrets{AgentToken: br.AgentToken, ServerSalt: br.ServerSalt, DeviceID: br.DeviceID}
	if err := secrets.Save(c.paths); err != nil {
		return err
	}
	c.mu.Lock()
	c.secrets = secrets
	c.mu.Unlock()
	slog.Info("agent enrolled", "device_id", c.DeviceID())
	return nil
}

// EnsureEnrolled bootstraps once if no secrets exist yet.
func (c *Client) EnsureEnrolled(ctx context.Context) error {
	if c.Secrets() != nil {
		return nil
	}
	return c.Bootstrap(ctx)
}

// Sign computes the request body signature: lowercase hex of
// HMAC-SHA256(server_salt, body). The body bytes signed here must be the
// exact bytes sent.
func Sign(salt string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// PostSigned sends body to path with the Agent-Token/X-Body-HMAC headers.
// On 401 it re-bootstraps once, recomputes the signature with the new salt
// and retries once. It returns the final status and response body for any
// status; a non-2xx status is not turned into an error here, so callers
// check it.
func (c *Client) PostSigned(ctx context.Context, path string, body []byte) (int, []byte, error) {
	ctx, span := c.tracer.Start(ctx, "post "+path,
		trace.WithAttributes(attribute.Int("body_bytes", len(body))))
	defer span.End()

	if err := c.EnsureEnrolled(ctx); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrNotEnrolled, err)
	}
	if c.debugIngest {
		slog.Debug("outgoing payload", "path", path, "body", string(body))
	}

	status, respBody, err := c.postOnce(ctx, path, body)
	if err != nil {
		return 0, nil, err
	}
	if status == http.StatusUnauthorized {
		slog.Warn("request rejected, re-enrolling", "path", path)
		if err := c.Bootstrap(ctx); err != nil {
			return status, respBody, fmt.Errorf("re-bootstrap: %w", err)
		}
		return c.postOnce(ctx, path, body)
	}
	return status, respBody, nil
}

func (c *Client) postOnce(ctx context.Context, path string, body []byte) (int, []byte, error) {
	secrets := c.Secrets()
	if secrets == nil {
		return 0, nil, ErrNotEnrolled
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Agent-Token", secrets.AgentToken)
	req.Header.Set("X-Body-HMAC", Sign(secrets.ServerSalt, body))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, nil
}

// MacAddress returns the hardware address of the first non-loopback
// interface that has one, or an empty string.
func MacAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) == 0 {
			continue
		}
		return ifc.HardwareAddr.String()
	}
	return ""
}

func is2xx(status int) bool { return status >= 200 && status <= 299 }
