package paths_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gerswin/ripor/internal/paths"
)

func TestWellKnownFiles(t *testing.T) {
	dir := t.TempDir()
	p, err := paths.NewAt(dir)
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	want := map[string]string{
		p.QueueDB():        "queue.sqlite",
		p.StateFile():      "agent_state.json",
		p.KeyFile():        "key.bin",
		p.SecretsFile():    "agent_secrets.json",
		p.PolicyFile():     "policy.json",
		p.PolicyMetaFile(): "policy_meta.json",
		p.LogsDir():        "logs",
	}
	for got, base := range want {
		if got != filepath.Join(dir, base) {
			t.Errorf("path = %s, want %s under %s", got, base, dir)
		}
	}
}

func TestKeyMintedOnceAndStable(t *testing.T) {
	p, err := paths.NewAt(t.TempDir())
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}

	key1, err := p.LoadOrCreateKey()
	if err != nil {
		t.Fatalf("first LoadOrCreateKey: %v", err)
	}
	if len(key1) != paths.KeyLen {
		t.Fatalf("key length = %d, want %d", len(key1), paths.KeyLen)
	}

	key2, err := p.LoadOrCreateKey()
	if err != nil {
		t.Fatalf("second LoadOrCreateKey: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("key changed between loads")
	}
}

func TestKeySizeMismatchIsFatal(t *testing.T) {
	p, err := paths.NewAt(t.TempDir())
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	if err := os.WriteFile(p.KeyFile(), []byte("too short"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := p.LoadOrCreateKey(); err == nil {
		t.Error("expected error for truncated key file")
	}
}

func TestWriteFileAtomicCreatesParent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "deep", "file.json")
	if err := paths.WriteFileAtomic(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil || string(data) != "x" {
		t.Errorf("read back = %q, %v", data, err)
	}
}
