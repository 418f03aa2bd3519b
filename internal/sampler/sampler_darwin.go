//go:build darwin

package sampler

/*
#cgo LDFLAGS: -framework ApplicationServices -framework CoreGraphics -framework CoreFoundation -framework AppKit
#include <stdbool.h>
#include <stdlib.h>
#include <string.h>
#include <libproc.h>
#include <CoreFoundation/CoreFoundation.h>
#include <CoreGraphics/CoreGraphics.h>
#include <ApplicationServices/ApplicationServices.h>
#include <objc/objc.h>
#include <objc/runtime.h>
#include <objc/message.h>

// AppKit must be loaded before NSWorkspace/NSRunningApplication are used.
extern bool NSApplicationLoad(void);

static bool ripor_load_appkit(void) { return NSApplicationLoad(); }

static char *cf_string_dup(CFStringRef s) {
	if (s == NULL) {
		return NULL;
	}
	CFIndex len = CFStringGetLength(s);
	CFIndex max = CFStringGetMaximumSizeForEncoding(len, kCFStringEncodingUTF8) + 1;
	char *buf = malloc(max);
	if (buf == NULL) {
		return NULL;
	}
	if (!CFStringGetCString(s, buf, max, kCFStringEncodingUTF8)) {
		free(buf);
		return NULL;
	}
	return buf;
}

static double ripor_idle_seconds(void) {
	return CGEventSourceSecondsSinceLastEventType(kCGEventSourceStateCombinedSessionState, kCGAnyInputEventType);
}

// Focused application via the system-wide accessibility element. Prefers
// AXFocusedUIElement (more reliable across Spaces), falls back to
// AXFocusedApplication.
static pid_t ripor_ax_focused_pid(void) {
	AXUIElementRef sys = AXUIElementCreateSystemWide();
	if (sys == NULL) {
		return 0;
	}
	pid_t pid = 0;
	CFTypeRef elem = NULL;
	if (AXUIElementCopyAttributeValue(sys, CFSTR("AXFocusedUIElement"), &elem) == kAXErrorSuccess && elem != NULL) {
		AXUIElementGetPid((AXUIElementRef)elem, &pid);
		CFRelease(elem);
	}
	if (pid == 0) {
		CFTypeRef app = NULL;
		if (AXUIElementCopyAttributeValue(sys, CFSTR("AXFocusedApplication"), &app) == kAXErrorSuccess && app != NULL) {
			AXUIElementGetPid((AXUIElementRef)app, &pid);
			CFRelease(app);
		}
	}
	CFRelease(sys);
	return pid;
}

// Human-readable application name: NSRunningApplication localizedName,
// falling back to the kernel's process name.
static char *ripor_app_name(pid_t pid) {
	Class cls = objc_getClass("NSRunningApplication");
	if (cls != NULL) {
		id app = ((id (*)(id, SEL, int))objc_msgSend)((id)cls,
			sel_registerName("runningApplicationWithProcessIdentifier:"), (int)pid);
		if (app != NULL) {
			id name = ((id (*)(id, SEL))objc_msgSend)(app, sel_registerName("localizedName"));
			if (name != NULL) {
				char *s = cf_string_dup((CFStringRef)name);
				if (s != NULL) {
					return s;
				}
			}
		}
	}
	char buf[256];
	if (proc_name(pid, buf, sizeof(buf)) > 0) {
		return strdup(buf);
	}
	return NULL;
}

static char *ripor_ns_frontmost(pid_t *pid_out) {
	Class wsc = objc_getClass("NSWorkspace");
	if (wsc == NULL) {
		return NULL;
	}
	id ws = ((id (*)(id, SEL))objc_msgSend)((id)wsc, sel_registerName("sharedWorkspace"));
	if (ws == NULL) {
		return NULL;
	}
	id app = ((id (*)(id, SEL))objc_msgSend)(ws, sel_registerName("frontmostApplication"));
	if (app == NULL) {
		return NULL;
	}
	*pid_out = (pid_t)((int (*)(id, SEL))objc_msgSend)(app, sel_registerName("processIdentifier"));
	id name = ((id (*)(id, SEL))objc_msgSend)(app, sel_registerName("localizedName"));
	return cf_string_dup((CFStringRef)name);
}

// First on-screen layer-0 window (desktop elements excluded). Returns the
// owner pid, or 0 when no such window exists.
static long ripor_cg_front_window(char **owner_out, char **title_out) {
	CFArrayRef arr = CGWindowListCopyWindowInfo(
		kCGWindowListOptionOnScreenOnly | kCGWindowListExcludeDesktopElements, kCGNullWindowID);
	if (arr == NULL) {
		return 0;
	}
	long pid = 0;
	CFIndex n = CFArrayGetCount(arr);
	for (CFIndex i = 0; i < n; i++) {
		CFDictionaryRef d = CFArrayGetValueAtIndex(arr, i);
		if (d == NULL) {
			continue;
		}
		long layer = -1;
		CFNumberRef layerRef = CFDictionaryGetValue(d, kCGWindowLayer);
		if (layerRef != NULL) {
			CFNumberGetValue(layerRef, kCFNumberLongType, &layer);
		}
		if (layer != 0) {
			continue;
		}
		CFNumberRef pidRef = CFDictionaryGetValue(d, kCGWindowOwnerPID);
		if (pidRef == NULL) {
			continue;
		}
		CFNumberGetValue(pidRef, kCFNumberLongType, &pid);
		*owner_out = cf_string_dup(CFDictionaryGetValue(d, kCGWindowOwnerName));
		*title_out = cf_string_dup(CFDictionaryGetValue(d, kCGWindowName));
		break;
	}
	CFRelease(arr);
	return pid;
}

// Title of the frontmost layer-0 window owned by pid (empty titles skipped).
static char *ripor_cg_title_for_pid(long pid) {
	CFArrayRef arr = CGWindowListCopyWindowInfo(
		kCGWindowListOptionOnScreenOnly | kCGWindowListExcludeDesktopElements, kCGNullWindowID);
	if (arr == NULL) {
		return NULL;
	}
	char *out = NULL;
	CFIndex n = CFArrayGetCount(arr);
	for (CFIndex i = 0; i < n; i++) {
		CFDictionaryRef d = CFArrayGetValueAtIndex(arr, i);
		if (d == NULL) {
			continue;
		}
		long wpid = 0;
		CFNumberRef pidRef = CFDictionaryGetValue(d, kCGWindowOwnerPID);
		if (pidRef == NULL) {
			continue;
		}
		CFNumberGetValue(pidRef, kCFNumberLongType, &wpid);
		if (wpid != pid) {
			continue;
		}
		long layer = -1;
		CFNumberRef layerRef = CFDictionaryGetValue(d, kCGWindowLayer);
		if (layerRef != NULL) {
			CFNumberGetValue(layerRef, kCFNumberLongType, &layer);
		}
		if (layer != 0) {
			continue;
		}
		out = cf_string_dup(CFDictionaryGetValue(d, kCGWindowName));
		if (out != NULL && out[0] != '\0') {
			break;
		}
		if (out != NULL) {
			free(out);
			out = NULL;
		}
	}
	CFRelease(arr);
	return out;
}

// Title of the focused window of the application with the given pid, via
// per-process accessibility.
static char *ripor_ax_window_title(pid_t pid) {
	AXUIElementRef app = AXUIElementCreateApplication(pid);
	if (app == NULL) {
		return NULL;
	}
	char *out = NULL;
	CFTypeRef win = NULL;
	if (AXUIElementCopyAttributeValue(app, CFSTR("AXFocusedWindow"), &win) == kAXErrorSuccess && win != NULL) {
		CFTypeRef title = NULL;
		if (AXUIElementCopyAttributeValue((AXUIElementRef)win, CFSTR("AXTitle"), &title) == kAXErrorSuccess && title != NULL) {
			out = cf_string_dup((CFStringRef)title);
			CFRelease(title);
		}
		CFRelease(win);
	}
	CFRelease(app);
	return out;
}

typedef struct {
	long pid;
	long layer;
	char *owner;
	char *title;
} ripor_window;

static int ripor_list_windows(ripor_window *out, int max) {
	CFArrayRef arr = CGWindowListCopyWindowInfo(
		kCGWindowListOptionOnScreenOnly | kCGWindowListExcludeDesktopElements, kCGNullWindowID);
	if (arr == NULL) {
		return 0;
	}
	int count = 0;
	CFIndex n = CFArrayGetCount(arr);
	for (CFIndex i = 0; i < n && count < max; i++) {
		CFDictionaryRef d = CFArrayGetValueAtIndex(arr, i);
		if (d == NULL) {
			continue;
		}
		long layer = -1;
		CFNumberRef layerRef = CFDictionaryGetValue(d, kCGWindowLayer);
		if (layerRef != NULL) {
			CFNumberGetValue(layerRef, kCFNumberLongType, &layer);
		}
		if (layer != 0) {
			continue;
		}
		long pid = 0;
		CFNumberRef pidRef = CFDictionaryGetValue(d, kCGWindowOwnerPID);
		if (pidRef != NULL) {
			CFNumberGetValue(pidRef, kCFNumberLongType, &pid);
		}
		out[count].pid = pid;
		out[count].layer = layer;
		out[count].owner = cf_string_dup(CFDictionaryGetValue(d, kCGWindowOwnerName));
		out[count].title = cf_string_dup(CFDictionaryGetValue(d, kCGWindowName));
		count++;
	}
	CFRelease(arr);
	return count;
}

static bool ripor_ax_trusted(void) { return AXIsProcessTrusted(); }

static bool ripor_screen_ok(void) { return CGPreflightScreenCaptureAccess(); }

static void ripor_prompt_ax(void) {
	const void *keys[] = { kAXTrustedCheckOptionPrompt };
	const void *vals[] = { kCFBooleanTrue };
	CFDictionaryRef opts = CFDictionaryCreate(NULL, keys, vals, 1,
		&kCFTypeDictionaryKeyCallBacks, &kCFTypeDictionaryValueCallBacks);
	AXIsProcessTrustedWithOptions(opts);
	if (opts != NULL) {
		CFRelease(opts);
	}
}

static bool ripor_request_screen(void) { return CGRequestScreenCaptureAccess(); }
*/
import "C"

import (
	"math"
	"os/exec"
	"unsafe"
)

// Init loads AppKit so NSWorkspace classes resolve. Must run before the
// first sample; the capture loop pins itself to one OS thread so every
// sample it takes shares that thread. Control-plane calls (DebugOnce,
// ListWindows, the permission helpers) run on the caller's goroutine.
func Init() {
	C.ripor_load_appkit()
}

// goStr converts and frees a C string from the helpers above.
func goStr(p *C.char) string {
	if p == nil {
		return ""
	}
	defer C.free(unsafe.Pointer(p))
	return C.GoString(p)
}

func idleMs() uint64 {
	return uint64(math.Round(float64(C.ripor_idle_seconds()) * 1000))
}

// Once triangulates the focused application: accessibility first, then the
// top layer-0 window, then the workspace frontmost application.
func Once() (Sample, error) {
	idle := idleMs()

	if pid := C.ripor_ax_focused_pid(); pid != 0 {
		name := goStr(C.ripor_app_name(pid))
		title := goStr(C.ripor_cg_title_for_pid(C.long(pid)))
		if title == "" {
			title = goStr(C.ripor_ax_window_title(pid))
		}
		if title == "" {
			warnEmptyTitleOnce()
		}
		return Sample{AppName: name, WindowTitle: title, IdleMs: idle}, nil
	}

	var owner, title *C.char
	if pid := C.ripor_cg_front_window(&owner, &title); pid != 0 {
		t := goStr(title)
		if t == "" {
			t = goStr(C.ripor_ax_window_title(C.pid_t(pid)))
		}
		if t == "" {
			warnEmptyTitleOnce()
		}
		return Sample{AppName: goStr(owner), WindowTitle: t, IdleMs: idle}, nil
	}
	goStr(owner)
	goStr(title)

	var nsPid C.pid_t
	if name := goStr(C.ripor_ns_frontmost(&nsPid)); name != "" {
		t := goStr(C.ripor_ax_window_title(nsPid))
		if t == "" {
			warnEmptyTitleOnce()
		}
		return Sample{AppName: name, WindowTitle: t, IdleMs: idle}, nil
	}

	return Sample{IdleMs: idle}, nil
}

// DebugOnce reports what every source said, plus the selected title source.
func DebugOnce() Debug {
	d := Debug{TitleSource: "none", Perms: CheckPermissions()}

	if pid := C.ripor_ax_focused_pid(); pid != 0 {
		p := int32(pid)
		n := goStr(C.ripor_app_name(pid))
		d.AxPID, d.AxName = &p, &n
	}
	var nsPid C.pid_t
	if name := goStr(C.ripor_ns_frontmost(&nsPid)); name != "" {
		p := int32(nsPid)
		d.NsPID, d.NsName = &p, &name
	}
	var cgOwner, cgTitle *C.char
	if pid := C.ripor_cg_front_window(&cgOwner, &cgTitle); pid != 0 {
		p := int64(pid)
		o := goStr(cgOwner)
		d.CgPID, d.CgOwner = &p, &o
		if t := goStr(cgTitle); t != "" {
			d.CgTitle = &t
		}
	} else {
		goStr(cgOwner)
		goStr(cgTitle)
	}

	// Effective pid/name: AX, then NS, then CG.
	var effPid int32
	switch {
	case d.AxPID != nil:
		effPid, d.AppName = *d.AxPID, *d.AxName
	case d.NsPID != nil:
		effPid, d.AppName = *d.NsPID, *d.NsName
	case d.CgPID != nil:
		effPid, d.AppName = int32(*d.CgPID), *d.CgOwner
	}

	if effPid != 0 {
		if t := goStr(C.ripor_cg_title_for_pid(C.long(effPid))); t != "" {
			d.WindowTitle, d.TitleSource = t, "cg"
			d.CgTitle = &t
		} else if t := goStr(C.ripor_ax_window_title(C.pid_t(effPid))); t != "" {
			d.WindowTitle, d.TitleSource = t, "ax"
			d.AxTitle = &t
		}
	}
	d.InputIdleMs = idleMs()
	return d
}

// ListWindows enumerates visible layer-0 windows, front to back.
func ListWindows(limit int) []WindowInfo {
	if limit <= 0 {
		return nil
	}
	buf := make([]C.ripor_window, limit)
	n := int(C.ripor_list_windows(&buf[0], C.int(limit)))
	out := make([]WindowInfo, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, WindowInfo{
			OwnerName:   goStr(buf[i].owner),
			OwnerPID:    int64(buf[i].pid),
			Layer:       int64(buf[i].layer),
			WindowTitle: goStr(buf[i].title),
		})
	}
	return out
}

// CheckPermissions probes accessibility and screen-recording access.
func CheckPermissions() PermStatus {
	return PermStatus{
		AccessibilityOK:   bool(C.ripor_ax_trusted()),
		ScreenRecordingOK: bool(C.ripor_screen_ok()),
	}
}

// PromptPermissions triggers the system permission dialogs and opens the
// screen-recording pane for manual confirmation.
func PromptPermissions() PermStatus {
	C.ripor_prompt_ax()
	C.ripor_request_screen()
	openSettingsPane("x-apple.systempreferences:com.apple.preference.security?Privacy_ScreenCapture")
	return CheckPermissions()
}

// OpenAccessibilityPane opens the accessibility privacy settings.
func OpenAccessibilityPane() {
	openSettingsPane("x-apple.systempreferences:com.apple.preference.security?Privacy_Accessibility")
}

// OpenScreenPane opens the screen-recording privacy settings.
func OpenScreenPane() {
	openSettingsPane("x-apple.systempreferences:com.apple.preference.security?Privacy_ScreenCapture")
}

func openSettingsPane(url string) {
	_ = exec.Command("/usr/bin/open", url).Start()
}
