package shipper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gerswin/ripor/internal/paths"
	"github.com/gerswin/ripor/internal/policy"
)

const policyFetchInterval = 300 * time.Second

// PolicyFetcher pulls the server policy with ETag validation and hot-applies
// updates. An explicit refresh (POST /policy/refresh) skips the wait.
type PolicyFetcher struct {
	client  *Client
	paths   *paths.Paths
	rt      *policy.Runtime
	refresh chan struct{}
}

// NewPolicyFetcher builds the fetch loop.
func NewPolicyFetcher(client *Client, p *paths.Paths, rt *policy.Runtime) *PolicyFetcher {
	return &PolicyFetcher{client: client, paths: p, rt: rt, refresh: make(chan struct{}, 1)}
}

// Refresh requests an immediate fetch; coalesces when one is already queued.
func (f *PolicyFetcher) Refresh() {
	select {
	case f.refresh <- struct{}{}:
	default:
	}
}

// Run fetches every 300 s and on demand.
func (f *PolicyFetcher) Run(ctx context.Context) {
	slog.Info("policy fetch loop started")
	ticker := time.NewTicker(policyFetchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-f.refresh:
		}
		if err := f.FetchOnce(ctx); err != nil {
			slog.Warn("policy fetch failed", "error", err)
		}
	}
}

// FetchOnce performs one conditional GET. A 304 leaves both disk and the
// runtime snapshot untouched. A 401 triggers one re-bootstrap and a single
// retry.
func (f *PolicyFetcher) FetchOnce(ctx context.Context) error {
	if err := f.client.EnsureEnrolled(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotEnrolled, err)
	}

	status, body, etag, err := f.getOnce(ctx)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		slog.Warn("policy fetch rejected, re-enrolling")
		if err := f.client.Bootstrap(ctx); err != nil {
			return fmt.Errorf("re-bootstrap: %w", err)
		}
		status, body, etag, err = f.getOnce(ctx)
		if err != nil {
			return err
		}
	}

	switch {
	case status == http.StatusNotModified:
		return nil
	case is2xx(status):
		pol, err := parsePolicyBody(body)
		if err != nil {
			// Last known-good policy stays in effect.
			return fmt.Errorf("parsing policy: %w", err)
		}
		st := policy.State{Policy: pol}
		if etag != "" {
			st.ETag = &etag
		}
		if err := policy.Save(f.paths, st); err != nil {
			return err
		}
		f.rt.Set(st)
		slog.Info("policy updated", "etag", etag)
		return nil
	default:
		return fmt.Errorf("policy fetch status %d", status)
	}
}

func (f *PolicyFetcher) getOnce(ctx context.Context) (int, []byte, string, error) {
	secrets := f.client.Secrets()
	if secrets == nil {
		return 0, nil, "", ErrNotEnrolled
	}
	u := f.client.baseURL + "/v1/policy/" + url.PathEscape(f.client.userEmail)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, "", err
	}
	req.Header.Set("Agent-Token", secrets.AgentToken)
	if st := f.rt.Get(); st.ETag != nil {
		req.Header.Set("If-None-Match", *st.ETag)
	}

	resp, err := f.client.http.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()

	var body []byte
	if resp.StatusCode != http.StatusNotModified {
		body, _ = io.ReadAll(resp.Body)
	}
	return resp.StatusCode, body, resp.Header.Get("ETag"), nil
}

// parsePolicyBody accepts the bare policy object or a {"policy":{...}} wrap.
func parsePolicyBody(body []byte) (policy.Policy, error) {
	var wrapped struct {
		Policy *policy.Policy `json:"policy"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Policy != nil {
		return *wrapped.Policy, nil
	}
	var pol policy.Policy
	if err := json.Unmarshal(body, &pol); err != nil {
		return policy.Policy{}, err
	}
	return pol, nil
}
