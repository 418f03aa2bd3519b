// Package sampler answers "which application and window has focus, and how
// long has input been idle" through whatever APIs the platform exposes.
// Platforms with several independent focus surfaces are triangulated in a
// fixed strategy order; the diagnostics view records what each source said.
//
// Every call here is synchronous and must not stall: anything that could
// block is skipped and treated as "no sample this tick".
package sampler

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
)

// Sample is one focus observation. ExePath is resolved only on platforms
// whose process APIs expose it (empty elsewhere). An empty title with a
// known app is a valid observation, not an error.
type Sample struct {
	AppName     string
	WindowTitle string
	IdleMs      uint64
	ExePath     string
}

// Debug is the full triangulation view for the control plane. Source
// fields are nil when the platform has no such source.
type Debug struct {
	AppName     string `json:"app_name"`
	WindowTitle string `json:"window_title"`
	InputIdleMs uint64 `json:"input_idle_ms"`
	TitleSource string `json:"title_source"`

	AxPID   *int32  `json:"ax_pid,omitempty"`
	AxName  *string `json:"ax_name,omitempty"`
	AxTitle *string `json:"ax_title,omitempty"`
	NsPID   *int32  `json:"ns_pid,omitempty"`
	NsName  *string `json:"ns_name,omitempty"`
	CgPID   *int64  `json:"cg_pid,omitempty"`
	CgOwner *string `json:"cg_owner,omitempty"`
	CgTitle *string `json:"cg_title,omitempty"`

	Hwnd      *uintptr `json:"hwnd,omitempty"`
	ClassName *string  `json:"class_name,omitempty"`
	ExePath   *string  `json:"exe_path,omitempty"`

	Perms PermStatus `json:"perms"`
}

// WindowInfo is one visible top-level window for /debug/windows.
type WindowInfo struct {
	OwnerName   string `json:"owner_name"`
	OwnerPID    int64  `json:"owner_pid"`
	Layer       int64  `json:"layer"`
	WindowTitle string `json:"window_title"`
}

// PermStatus reports the platform permission probes. On platforms with no
// permission model it serializes as {"unsupported":true}.
type PermStatus struct {
	Unsupported       bool
	AccessibilityOK   bool
	ScreenRecordingOK bool
}

func (s PermStatus) MarshalJSON() ([]byte, error) {
	if s.Unsupported {
		return json.Marshal(map[string]bool{"unsupported": true})
	}
	return json.Marshal(map[string]bool{
		"accessibility_ok":    s.AccessibilityOK,
		"screen_recording_ok": s.ScreenRecordingOK,
	})
}

var permWarned atomic.Bool

// warnEmptyTitleOnce emits a single permission-diagnostic warning the first
// time a known app yields no title from any strategy.
func warnEmptyTitleOnce() {
	if !permWarned.Swap(true) {
		slog.Warn("window title unavailable, likely missing OS permissions",
			"perms", CheckPermissions(),
			"hint", "GET /permissions for status, /permissions/prompt to request")
	}
}
