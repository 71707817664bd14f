// Package sysinfo reports the host facts shown next to the terminal: OS,
// CPU, memory, disk usage and the terminal's working directory.
package sysinfo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Info is a point-in-time snapshot of the host.
type Info struct {
	Hostname         string  `json:"hostname"`
	Platform         string  `json:"platform"`
	Arch             string  `json:"arch"`
	OSVersion        string  `json:"os_version,omitempty"`
	CPUModel         string  `json:"cpu_model,omitempty"`
	CPUCount         int     `json:"cpu_count"`
	LoadAverage      float64 `json:"load_average,omitempty"` // 1 minute, 0 when unknown
	Memory           Usage   `json:"memory"`
	Disk             Usage   `json:"disk"`
	CurrentDirectory string  `json:"current_directory"`
	GoVersion        string  `json:"go_version"`
	UptimeSeconds    int64   `json:"uptime_seconds"` // service uptime
}

// Usage is a capacity in bytes. Fields are zero when unknown.
type Usage struct {
	Total     uint64  `json:"total"`
	Available uint64  `json:"available"`
	Percent   float64 `json:"percent"`
}

func newUsage(total, available uint64) Usage {
	u := Usage{Total: total, Available: available}
	if total > 0 && available <= total {
		u.Percent = float64(total-available) / float64(total) * 100
	}
	return u
}

var startTime = time.Now()

// Collect gathers Info. dir is the terminal directory; disk usage is
// measured on the filesystem that holds it. Facts that cannot be read are
// left zero.
func Collect(ctx context.Context, dir string) Info {
	hostname, _ := os.Hostname()
	info := Info{
		Hostname:         hostname,
		Platform:         runtime.GOOS,
		Arch:             runtime.GOARCH,
		OSVersion:        osVersion(ctx),
		CPUModel:         cpuModel(ctx),
		CPUCount:         runtime.NumCPU(),
		LoadAverage:      loadAverage(ctx),
		Memory:           memory(ctx),
		CurrentDirectory: dir,
		GoVersion:        runtime.Version(),
		UptimeSeconds:    int64(time.Since(startTime).Seconds()),
	}
	if dir == "" {
		dir = rootPath()
	}
	if total, avail, err := diskUsage(dir); err == nil {
		info.Disk = newUsage(total, avail)
	}
	return info
}

func runCmd(ctx context.Context, name string, args ...string) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return ""
	}
	return strings.TrimSpace(out.String())
}

func osVersion(ctx context.Context) string {
	switch runtime.GOOS {
	case "darwin":
		ver := runCmd(ctx, "sw_vers", "-productVersion")
		name := runCmd(ctx, "sw_vers", "-productName")
		if name != "" && ver != "" {
			return name + " " + ver
		}
		return ver
	case "linux":
		if data, err := os.ReadFile("/etc/os-release"); err == nil {
			if v := parseOSRelease(string(data)); v != "" {
				return v
			}
		}
		return runCmd(ctx, "uname", "-r")
	}
	return ""
}

func parseOSRelease(data string) string {
	for _, line := range strings.Split(data, "\n") {
		if v, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

func cpuModel(ctx context.Context) string {
	switch runtime.GOOS {
	case "darwin":
		return runCmd(ctx, "sysctl", "-n", "machdep.cpu.brand_string")
	case "linux":
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			return parseCPUInfo(string(data))
		}
	}
	return ""
}

func parseCPUInfo(data string) string {
	for _, line := range strings.Split(data, "\n") {
		if strings.HasPrefix(line, "model name") {
			if _, v, ok := strings.Cut(line, ":"); ok {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

func loadAverage(ctx context.Context) float64 {
	var field string
	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile("/proc/loadavg")
		if err != nil {
			return 0
		}
		field, _, _ = strings.Cut(string(data), " ")
	case "darwin":
		// "{ 1.23 1.10 0.98 }"
		fields := strings.Fields(strings.Trim(runCmd(ctx, "sysctl", "-n", "vm.loadavg"), "{} "))
		if len(fields) == 0 {
			return 0
		}
		field = fields[0]
	default:
		return 0
	}
	v, _ := strconv.ParseFloat(field, 64)
	return v
}

func memory(ctx context.Context) Usage {
	switch runtime.GOOS {
	case "linux":
		if data, err := os.ReadFile("/proc/meminfo"); err == nil {
			return parseMemInfo(string(data))
		}
	case "darwin":
		var total uint64
		fmt.Sscanf(runCmd(ctx, "sysctl", "-n", "hw.memsize"), "%d", &total)
		return Usage{Total: total} // availability needs vm_stat page accounting
	}
	return Usage{}
}

// parseMemInfo reads /proc/meminfo. MemAvailable is preferred over MemFree.
func parseMemInfo(data string) Usage {
	var total, available, free uint64
	for _, line := range strings.Split(data, "\n") {
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			fmt.Sscanf(line, "MemTotal: %d kB", &total)
		case strings.HasPrefix(line, "MemAvailable:"):
			fmt.Sscanf(line, "MemAvailable: %d kB", &available)
		case strings.HasPrefix(line, "MemFree:"):
			fmt.Sscanf(line, "MemFree: %d kB", &free)
		}
	}
	if available == 0 {
		available = free
	}
	return newUsage(total*1024, available*1024)
}
