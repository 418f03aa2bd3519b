//go:build windows

package metrics

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func processCPUSeconds() float64 {
	var creation, exit, kernel, user windows.Filetime
	h := windows.CurrentProcess()
	if err := windows.GetProcessTimes(h, &creation, &exit, &kernel, &user); err != nil {
		return 0
	}
	return float64(kernel.Nanoseconds()+user.Nanoseconds()) / 1e9
}

func processRSSBytes() uint64 {
	var pmc windows.PROCESS_MEMORY_COUNTERS
	h := windows.CurrentProcess()
	if err := windows.GetProcessMemoryInfo(h, &pmc, uint32(unsafe.Sizeof(pmc))); err != nil {
		return 0
	}
	return uint64(pmc.WorkingSetSize)
}
