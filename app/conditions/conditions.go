// Package conditions provides admission checking for job submissions based on system metrics
package conditions

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Config defines thresholds gating new submissions, nil disables a check
type Config struct {
	MemoryBelow   *int     // system memory usage percent
	LoadAvgBelow  *float64 // 1-minute load average
	DiskFreeAbove *int     // free disk percent on DiskFreePath
	DiskFreePath  string   // path for disk check, default "/"
	RSSBelowMB    *int     // resident size of this process in MB
}

// Checker evaluates admission conditions against the current system state
type Checker struct {
	Config
}

// Check verifies all configured conditions are met.
// Returns true if submissions can be accepted, false with reason otherwise.
func (c *Checker) Check() (bool, string) {
	if c.MemoryBelow != nil {
		if ok, reason := checkMemory(*c.MemoryBelow); !ok {
			return false, reason
		}
	}

	if c.LoadAvgBelow != nil {
		if ok, reason := checkLoadAvg(*c.LoadAvgBelow); !ok {
			return false, reason
		}
	}

	if c.DiskFreeAbove != nil {
		path := c.DiskFreePath
		if path == "" {
			path = "/"
		}
		if ok, reason := checkDiskFree(*c.DiskFreeAbove, path); !ok {
			return false, reason
		}
	}

	if c.RSSBelowMB != nil {
		if ok, reason := checkRSS(*c.RSSBelowMB); !ok {
			return false, reason
		}
	}

	return true, ""
}

// checkMemory checks if system memory usage is below threshold
func checkMemory(threshold int) (bool, string) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	current := int(v.UsedPercent)
	if current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

// checkLoadAvg checks if load average is below threshold
func checkLoadAvg(threshold float64) (bool, string) {
	loads, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}

// checkDiskFree checks if disk free space is above threshold
func checkDiskFree(minFreePercent int, path string) (bool, string) {
	usage, err := disk.Usage(path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	freePercent := 100 - int(usage.UsedPercent)
	if freePercent < minFreePercent {
		return false, fmt.Sprintf("disk free at %d%%, threshold %d%%", freePercent, minFreePercent)
	}
	return true, ""
}

// checkRSS checks if the resident size of this process is below threshold.
// This is the backstop for the unbounded intake queue, retained in-memory
// jobs count against it.
func checkRSS(thresholdMB int) (bool, string) {
	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pid fits
	if err != nil {
		return false, fmt.Sprintf("failed to get process: %v", err)
	}
	mi, err := proc.MemoryInfo()
	if err != nil {
		return false, fmt.Sprintf("failed to get process memory: %v", err)
	}
	currentMB := int(mi.RSS / 1024 / 1024)
	if currentMB >= thresholdMB {
		return false, fmt.Sprintf("rss at %dMB, threshold %dMB", currentMB, thresholdMB)
	}
	return true, ""
}
