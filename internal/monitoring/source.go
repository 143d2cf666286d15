package monitoring

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
)

// SystemSample is one reading of host and process state.
type SystemSample struct {
	CPUPercent    float64    `json:"cpuPercent"`
	Cores         int        `json:"cores"`
	LoadAvg       [3]float64 `json:"loadAvg"`
	MemoryTotal   uint64     `json:"memoryTotal"`
	MemoryUsed    uint64     `json:"memoryUsed"`
	MemoryPercent float64    `json:"memoryPercent"`
	DiskPercent   float64    `json:"diskPercent"`
	Uptime        uint64     `json:"uptimeSeconds"`
	Platform      string     `json:"platform"`
	Arch          string     `json:"arch"`

	HeapAlloc  uint64 `json:"heapAlloc"`
	HeapSys    uint64 `json:"heapSys"`
	Goroutines int    `json:"goroutines"`
	PID        int    `json:"pid"`

	CollectedAt time.Time `json:"collectedAt"`
}

// HeapPercent is the share of the heap reserved from the OS that is in use.
func (s SystemSample) HeapPercent() float64 {
	if s.HeapSys == 0 {
		return 0
	}
	return float64(s.HeapAlloc) / float64(s.HeapSys) * 100
}

// Source provides system samples.
type Source interface {
	Collect(ctx context.Context) (SystemSample, error)
}

// HostSource samples the local host with gopsutil and the Go runtime.
type HostSource struct {
	// DiskPath is the mount point whose usage is reported.
	DiskPath string
	// CPUWindow is how long CPU usage is measured for each sample.
	CPUWindow time.Duration
}

// Collect reads CPU, memory, disk and load from the host.
func (h HostSource) Collect(ctx context.Context) (SystemSample, error) {
	window := h.CPUWindow
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	path := h.DiskPath
	if path == "" {
		path = "/"
	}

	percents, err := cpu.PercentWithContext(ctx, window, false)
	if err != nil {
		return SystemSample{}, fmt.Errorf("cpu usage: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return SystemSample{}, fmt.Errorf("memory usage: %w", err)
	}
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return SystemSample{}, fmt.Errorf("disk usage: %w", err)
	}

	sample := SystemSample{
		Cores:         runtime.NumCPU(),
		MemoryTotal:   vm.Total,
		MemoryUsed:    vm.Used,
		MemoryPercent: vm.UsedPercent,
		DiskPercent:   usage.UsedPercent,
		Platform:      runtime.GOOS,
		Arch:          runtime.GOARCH,
		Goroutines:    runtime.NumGoroutine(),
		PID:           os.Getpid(),
		CollectedAt:   time.Now().UTC(),
	}
	if len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}
	// Load average and uptime are not available everywhere.
	if avg, err := load.AvgWithContext(ctx); err == nil {
		sample.LoadAvg = [3]float64{avg.Load1, avg.Load5, avg.Load15}
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		sample.Uptime = up
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sample.HeapAlloc = ms.HeapAlloc
	sample.HeapSys = ms.HeapSys

	return sample, nil
}

var _ Source = HostSource{}
