// Package auth holds the credentials minted by the bootstrap handshake.
package auth

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gerswin/ripor/internal/paths"
)

// Secrets are absent until bootstrap succeeds. ServerSalt is the HMAC key
// for request body signing; DeviceID is the optional server-assigned id.
type Secrets struct {
	AgentToken string `json:"agent_token"`
	ServerSalt string `json:"server_salt"`
	DeviceID   string `json:"device_id,omitempty"`
}

// Load returns (nil, nil) when no secrets file exists yet.
func Load(p *paths.Paths) (*Secrets, error) {
	data, err := os.ReadFile(p.SecretsFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading secrets: %w", err)
	}
	var s Secrets
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing secrets: %w", err)
	}
	return &s, nil
}

// Save replaces the secrets file atomically with owner-only permissions.
func (s *Secrets) Save(p *paths.Paths) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding secrets: %w", err)
	}
	if err := paths.WriteFileAtomic(p.SecretsFile(), data, 0o600); err != nil {
		return fmt.Errorf("writing secrets: %w", err)
	}
	return nil
}
