// Package policy holds the hot-reloadable capture policy: the policy object
// itself, its two-file persistence, the runtime snapshot, the drop
// accounting, and the emit throttle.
package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/gerswin/ripor/internal/paths"
)

// Policy mirrors the server's policy document. Field names are part of the
// wire and disk format.
type Policy struct {
	KillSwitch          bool     `json:"killSwitch"`
	PauseCapture        bool     `json:"pauseCapture"`
	TitleCapture        bool     `json:"titleCapture"`
	ExcludeApps         []string `json:"excludeApps,omitempty"`
	ExcludePatterns     []string `json:"excludePatterns,omitempty"`
	ExcludeExePaths     []string `json:"excludeExePaths,omitempty"`
	UpdateChannel       string   `json:"updateChannel,omitempty"`
	TitleSampleHz       uint32   `json:"titleSampleHz,omitempty"`
	TitleBurstPerMinute uint32   `json:"titleBurstPerMinute,omitempty"`
	FocusMinMinutes     uint32   `json:"focusMinMinutes,omitempty"`
}

// UnmarshalJSON applies the titleCapture=true default for documents that
// omit the field.
func (p *Policy) UnmarshalJSON(data []byte) error {
	type alias Policy
	a := alias{TitleCapture: true}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Policy(a)
	return nil
}

// Default returns the policy in effect before any server document arrives.
func Default() Policy {
	return Policy{TitleCapture: true}
}

// Meta is the sidecar file carrying the validator for conditional fetches.
// The etag is opaque to the agent.
type Meta struct {
	ETag *string `json:"etag"`
}

// State is a policy snapshot plus its etag.
type State struct {
	Policy Policy
	ETag   *string
}

// Runtime is the shared policy holder: single writer, many readers, no torn
// updates. Setting a new state also recompiles the evaluator and retunes
// the throttle, so any event emitted after Set returns sees the new policy.
type Runtime struct {
	mu       sync.RWMutex
	state    State
	eval     *evaluator
	throttle *Throttle
}

// NewRuntime starts from the given state.
func NewRuntime(st State) *Runtime {
	r := &Runtime{throttle: NewThrottle(st.Policy)}
	r.apply(st)
	return r
}

// Get returns the current snapshot.
func (r *Runtime) Get() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Set replaces the snapshot atomically.
func (r *Runtime) Set(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apply(st)
}

func (r *Runtime) apply(st State) {
	r.state = st
	r.eval = compile(st.Policy)
	r.throttle.Update(st.Policy)
}

// Throttle returns the shared emit throttle.
func (r *Runtime) Throttle() *Throttle {
	return r.throttle
}

// Evaluate runs the current exclusion chain against a sample. The throttle
// is not consulted here; the capture loop requests a permit only when it is
// actually about to emit.
func (r *Runtime) Evaluate(app, title, exePath string) (DropReason, bool) {
	r.mu.RLock()
	eval := r.eval
	r.mu.RUnlock()
	return eval.check(app, title, exePath)
}

// Load reads policy.json and policy_meta.json, tolerating absence and parse
// failures: the last known-good (or default) policy stays in effect.
func Load(p *paths.Paths) State {
	st := State{Policy: Default()}
	if data, err := os.ReadFile(p.PolicyFile()); err == nil {
		var pol Policy
		if err := json.Unmarshal(data, &pol); err != nil {
			slog.Warn("ignoring unparseable policy file", "path", p.PolicyFile(), "error", err)
		} else {
			st.Policy = pol
		}
	}
	if data, err := os.ReadFile(p.PolicyMetaFile()); err == nil {
		var meta Meta
		if err := json.Unmarshal(data, &meta); err == nil {
			st.ETag = meta.ETag
		}
	}
	return st
}

// Save persists both policy files.
func Save(p *paths.Paths, st State) error {
	data, err := json.MarshalIndent(st.Policy, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding policy: %w", err)
	}
	if err := paths.WriteFileAtomic(p.PolicyFile(), data, 0o644); err != nil {
		return fmt.Errorf("writing policy: %w", err)
	}
	meta, err := json.MarshalIndent(Meta{ETag: st.ETag}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding policy meta: %w", err)
	}
	if err := paths.WriteFileAtomic(p.PolicyMetaFile(), meta, 0o644); err != nil {
		return fmt.Errorf("writing policy meta: %w", err)
	}
	return nil
}
