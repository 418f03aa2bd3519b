//go:build !linux && !darwin && !windows

package metrics

func processCPUSeconds() float64 { return 0 }

func processRSSBytes() uint64 { return 0 }
