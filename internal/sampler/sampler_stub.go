//go:build !darwin && !windows

package sampler

// Focus sampling is not implemented on this platform; the agent still runs
// its queue, shipper and control plane.

// Init is a no-op.
func Init() {}

// Once returns an empty observation.
func Once() (Sample, error) {
	return Sample{}, nil
}

// DebugOnce marks the platform unsupported.
func DebugOnce() Debug {
	return Debug{TitleSource: "unsupported", Perms: CheckPermissions()}
}

// ListWindows returns nothing.
func ListWindows(limit int) []WindowInfo { return nil }

// CheckPermissions reports the platform as unsupported.
func CheckPermissions() PermStatus { return PermStatus{Unsupported: true} }

// PromptPermissions is a no-op.
func PromptPermissions() PermStatus { return CheckPermissions() }

// OpenAccessibilityPane is a no-op.
func OpenAccessibilityPane() {}

// OpenScreenPane is a no-op.
func OpenScreenPane() {}
