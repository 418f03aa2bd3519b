//go:build windows

package sampler

import (
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32                   = windows.NewLazySystemDLL("user32.dll")
	kernel32                 = windows.NewLazySystemDLL("kernel32.dll")
	procGetForegroundWindow  = user32.NewProc("GetForegroundWindow")
	procGetGUIThreadInfo     = user32.NewProc("GetGUIThreadInfo")
	procGetAncestor          = user32.NewProc("GetAncestor")
	procIsWindowVisible      = user32.NewProc("IsWindowVisible")
	procGetWindowTextW       = user32.NewProc("GetWindowTextW")
	procGetClassNameW        = user32.NewProc("GetClassNameW")
	procGetWindowThreadPID   = user32.NewProc("GetWindowThreadProcessId")
	procGetLastInputInfo     = user32.NewProc("GetLastInputInfo")
	procEnumWindows          = user32.NewProc("EnumWindows")
	procGetTickCount         = kernel32.NewProc("GetTickCount")
)

const gaRoot = 2

type rect struct {
	left, top, right, bottom int32
}

type guiThreadInfo struct {
	cbSize        uint32
	flags         uint32
	hwndActive    uintptr
	hwndFocus     uintptr
	hwndCapture   uintptr
	hwndMenuOwner uintptr
	hwndMoveSize  uintptr
	hwndCaret     uintptr
	rcCaret       rect
}

type lastInputInfo struct {
	cbSize uint32
	dwTime uint32
}

// Init is a no-op on Windows; no framework preload is needed.
func Init() {}

// Once resolves the foreground window, falling back to the GUI-thread info
// when the direct query comes back empty, then walks up to the root
// ancestor when that ancestor is visible.
func Once() (Sample, error) {
	hwnd := focusedWindow()
	idle := idleTicksMs()
	if hwnd == 0 {
		return Sample{IdleMs: idle}, nil
	}

	title := windowText(hwnd)
	pid := windowPID(hwnd)
	name, exePath := processNameAndPath(pid)
	if name == "" {
		name = "Unknown"
	}
	return Sample{AppName: name, WindowTitle: title, IdleMs: idle, ExePath: exePath}, nil
}

func focusedWindow() uintptr {
	hwnd, _, _ := procGetForegroundWindow.Call()
	if hwnd == 0 {
		// Foreground can be null during focus transitions; the GUI-thread
		// info still knows who owns input.
		var gti guiThreadInfo
		gti.cbSize = uint32(unsafe.Sizeof(gti))
		if ok, _, _ := procGetGUIThreadInfo.Call(0, uintptr(unsafe.Pointer(&gti))); ok != 0 {
			for _, h := range []uintptr{gti.hwndFocus, gti.hwndActive, gti.hwndCapture, gti.hwndCaret} {
				if h != 0 {
					hwnd = h
					break
				}
			}
		}
	}
	if hwnd == 0 {
		return 0
	}
	if root, _, _ := procGetAncestor.Call(hwnd, gaRoot); root != 0 {
		if visible, _, _ := procIsWindowVisible.Call(root); visible != 0 {
			return root
		}
	}
	return hwnd
}

// windowText reads the title with a generous buffer; titles can mutate
// between the length query and the read, so no exact-size two-pass here.
func windowText(hwnd uintptr) string {
	buf := make([]uint16, 1024)
	n, _, _ := procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if n == 0 {
		return ""
	}
	return windows.UTF16ToString(buf[:n])
}

func windowClass(hwnd uintptr) string {
	buf := make([]uint16, 256)
	n, _, _ := procGetClassNameW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if n == 0 {
		return ""
	}
	return windows.UTF16ToString(buf[:n])
}

func windowPID(hwnd uintptr) uint32 {
	var pid uint32
	procGetWindowThreadPID.Call(hwnd, uintptr(unsafe.Pointer(&pid)))
	return pid
}

func processNameAndPath(pid uint32) (string, string) {
	if pid == 0 {
		return "", ""
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "", ""
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_LONG_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return "", ""
	}
	exePath := windows.UTF16ToString(buf[:size])
	name := strings.TrimSuffix(filepath.Base(exePath), filepath.Ext(exePath))
	return name, exePath
}

func idleTicksMs() uint64 {
	var lii lastInputInfo
	lii.cbSize = uint32(unsafe.Sizeof(lii))
	if ok, _, _ := procGetLastInputInfo.Call(uintptr(unsafe.Pointer(&lii))); ok == 0 {
		return 0
	}
	now, _, _ := procGetTickCount.Call()
	return uint64(uint32(now) - lii.dwTime)
}

// DebugOnce reports the resolved window handle, class, process and title.
func DebugOnce() Debug {
	d := Debug{TitleSource: "none", Perms: CheckPermissions()}
	d.InputIdleMs = idleTicksMs()

	hwnd := focusedWindow()
	if hwnd == 0 {
		return d
	}
	d.Hwnd = &hwnd
	if class := windowClass(hwnd); class != "" {
		d.ClassName = &class
	}
	pid := windowPID(hwnd)
	name, exePath := processNameAndPath(pid)
	d.AppName = name
	if exePath != "" {
		d.ExePath = &exePath
	}
	if title := windowText(hwnd); title != "" {
		d.WindowTitle = title
		d.TitleSource = "win"
	}
	return d
}

// EnumWindows callbacks are registered once for the process lifetime;
// windows.NewCallback slots are never released.
var (
	enumMu       sync.Mutex
	enumOut      []WindowInfo
	enumLimit    int
	enumCallback = windows.NewCallback(func(hwnd uintptr, _ uintptr) uintptr {
		if visible, _, _ := procIsWindowVisible.Call(hwnd); visible == 0 {
			return 1 // continue
		}
		title := windowText(hwnd)
		if title == "" {
			return 1
		}
		pid := windowPID(hwnd)
		name, _ := processNameAndPath(pid)
		enumOut = append(enumOut, WindowInfo{
			OwnerName:   name,
			OwnerPID:    int64(pid),
			WindowTitle: title,
		})
		if len(enumOut) >= enumLimit {
			return 0 // stop
		}
		return 1
	})
)

// ListWindows enumerates visible top-level windows in z-order.
func ListWindows(limit int) []WindowInfo {
	if limit <= 0 {
		return nil
	}
	enumMu.Lock()
	defer enumMu.Unlock()
	enumOut, enumLimit = nil, limit
	procEnumWindows.Call(enumCallback, 0)
	out := enumOut
	enumOut = nil
	return out
}

// CheckPermissions: Windows has no accessibility permission model for
// window titles.
func CheckPermissions() PermStatus {
	return PermStatus{Unsupported: true}
}

// PromptPermissions is a no-op on Windows.
func PromptPermissions() PermStatus { return CheckPermissions() }

// OpenAccessibilityPane is a no-op on Windows.
func OpenAccessibilityPane() {}

// OpenScreenPane is a no-op on Windows.
func OpenScreenPane() {}
