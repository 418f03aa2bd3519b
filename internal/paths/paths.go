// Package paths resolves the agent's per-user data directory and the
// well-known files inside it, and owns the symmetric key blob.
package paths

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

const (
	organization = "Ripor"
	application  = "RiporAgent"

	// KeyLen is the AES-256-GCM key size.
	KeyLen = 32
)

// Paths exposes the agent's data directory and file locations.
type Paths struct {
	DataDir string
}

// New resolves the per-user data directory, creating it if needed.
func New() (*Paths, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		// Headless environments without a config root fall back to a dot dir.
		home, herr := os.UserHomeDir()
		if herr != nil {
			return nil, fmt.Errorf("resolving data directory: %w", err)
		}
		base = filepath.Join(home, ".ripor")
	}
	dataDir := filepath.Join(base, organization, application)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &Paths{DataDir: dataDir}, nil
}

// NewAt returns Paths rooted at an explicit directory. Used by tests.
func NewAt(dir string) (*Paths, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &Paths{DataDir: dir}, nil
}

func (p *Paths) QueueDB() string        { return filepath.Join(p.DataDir, "queue.sqlite") }
func (p *Paths) StateFile() string      { return filepath.Join(p.DataDir, "agent_state.json") }
func (p *Paths) KeyFile() string        { return filepath.Join(p.DataDir, "key.bin") }
func (p *Paths) SecretsFile() string    { return filepath.Join(p.DataDir, "agent_secrets.json") }
func (p *Paths) PolicyFile() string     { return filepath.Join(p.DataDir, "policy.json") }
func (p *Paths) PolicyMetaFile() string { return filepath.Join(p.DataDir, "policy_meta.json") }
func (p *Paths) LogsDir() string        { return filepath.Join(p.DataDir, "logs") }

// LoadOrCreateKey returns the 32-byte queue key, minting it on first use.
// A key file with the wrong length is a fatal load error, never truncated
// or regenerated.
func (p *Paths) LoadOrCreateKey() ([]byte, error) {
	keyPath := p.KeyFile()
	if data, err := os.ReadFile(keyPath); err == nil {
		if len(data) != KeyLen {
			return nil, fmt.Errorf("key file %s has %d bytes, want %d", keyPath, len(data), KeyLen)
		}
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	key := make([]byte, KeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	if err := WriteFileAtomic(keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	return key, nil
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it into place so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
