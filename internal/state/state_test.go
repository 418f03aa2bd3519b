package state_test

import (
	"testing"
	"time"

	"github.com/gerswin/ripor/internal/paths"
	"github.com/gerswin/ripor/internal/state"
)

func TestDeviceIDStableAcrossRestarts(t *testing.T) {
	p, err := paths.NewAt(t.TempDir())
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}

	first, err := state.LoadOrInit(p, "1.0.0")
	if err != nil {
		t.Fatalf("first LoadOrInit: %v", err)
	}
	if first.DeviceID == "" {
		t.Fatal("device id not minted")
	}
	if first.CreatedAt == 0 || first.UpdatedAt == 0 {
		t.Errorf("timestamps = %d/%d", first.CreatedAt, first.UpdatedAt)
	}

	time.Sleep(5 * time.Millisecond)
	second, err := state.LoadOrInit(p, "1.1.0")
	if err != nil {
		t.Fatalf("second LoadOrInit: %v", err)
	}
	if second.DeviceID != first.DeviceID {
		t.Errorf("device id rewritten: %s -> %s", first.DeviceID, second.DeviceID)
	}
	if second.AgentVersion != "1.1.0" {
		t.Errorf("agent_version = %s, want refreshed", second.AgentVersion)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Errorf("created_at changed: %d -> %d", first.CreatedAt, second.CreatedAt)
	}
	if second.UpdatedAt <= first.UpdatedAt {
		t.Errorf("updated_at not refreshed: %d -> %d", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestDeviceIDIsUUID(t *testing.T) {
	p, err := paths.NewAt(t.TempDir())
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	st, err := state.LoadOrInit(p, "1.0.0")
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}
	if len(st.DeviceID) != 36 {
		t.Errorf("device id %q is not a canonical UUID", st.DeviceID)
	}
}
