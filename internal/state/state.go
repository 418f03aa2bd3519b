// Package state persists the device identity across restarts.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/gerswin/ripor/internal/paths"
)

// AgentState is the on-disk device record. DeviceID is minted once and
// never rewritten; the version and updated_at fields refresh on every start.
type AgentState struct {
	DeviceID     string `json:"device_id"`
	AgentVersion string `json:"agent_version"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// LoadOrInit reads agent_state.json, minting a new device id if absent.
func LoadOrInit(p *paths.Paths, agentVersion string) (*AgentState, error) {
	f := p.StateFile()
	data, err := os.ReadFile(f)
	if err == nil {
		var st AgentState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("parsing agent state: %w", err)
		}
		st.AgentVersion = agentVersion
		st.UpdatedAt = time.Now().UnixMilli()
		if err := save(f, &st); err != nil {
			return nil, err
		}
		return &st, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading agent state: %w", err)
	}

	now := time.Now().UnixMilli()
	st := &AgentState{
		DeviceID:     uuid.NewString(),
		AgentVersion: agentVersion,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := save(f, st); err != nil {
		return nil, err
	}
	return st, nil
}

func save(path string, st *AgentState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding agent state: %w", err)
	}
	if err := paths.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("writing agent state: %w", err)
	}
	return nil
}
