package probe

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostInfo identifies the machine a recording was made on.
type HostInfo struct {
	Hostname        string `yaml:"hostname" json:"hostname"`
	OS              string `yaml:"os" json:"os"`
	Platform        string `yaml:"platform" json:"platform"`
	PlatformVersion string `yaml:"platform_version" json:"platformVersion"`
	KernelArch      string `yaml:"kernel_arch" json:"kernelArch"`
	CPUs            int    `yaml:"cpus" json:"cpus"`
	MemoryTotalMB   uint64 `yaml:"memory_total_mb" json:"memoryTotalMb"`
}

// Host collects HostInfo. Fields gopsutil cannot read are left empty; an
// error is only returned when nothing at all could be read.
func Host(ctx context.Context) (HostInfo, error) {
	var info HostInfo
	hi, hostErr := host.InfoWithContext(ctx)
	if hostErr == nil {
		info.Hostname = hi.Hostname
		info.OS = hi.OS
		info.Platform = hi.Platform
		info.PlatformVersion = hi.PlatformVersion
		info.KernelArch = hi.KernelArch
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUs = n
	}
	vmem, memErr := mem.VirtualMemoryWithContext(ctx)
	if memErr == nil {
		info.MemoryTotalMB = vmem.Total / 1024 / 1024
	}
	if hostErr != nil && memErr != nil {
		return info, fmt.Errorf("probe: host info: %w", hostErr)
	}
	return info, nil
}

// Load is a point-in-time resource snapshot.
type Load struct {
	CPUPercent float64 `yaml:"cpu_percent" json:"cpuPercent"`
	RAMPercent float64 `yaml:"ram_percent" json:"ramPercent"`
	RAMUsedMB  uint64  `yaml:"ram_used_mb" json:"ramUsedMb"`
	// DiskFreeMB is for the filesystem holding the path passed to SampleLoad.
	DiskFreeMB  uint64  `yaml:"disk_free_mb,omitempty" json:"diskFreeMb,omitempty"`
	DiskPercent float64 `yaml:"disk_percent,omitempty" json:"diskPercent,omitempty"`
}

// SampleLoad reads CPU, memory and, when path is set, disk usage. Missing
// readings are left at zero.
func SampleLoad(ctx context.Context, path string) Load {
	var l Load
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		l.CPUPercent = pct[0]
	}
	if vmem, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		l.RAMPercent = vmem.UsedPercent
		l.RAMUsedMB = vmem.Used / 1024 / 1024
	}
	if path != "" {
		if free, pct, err := DiskFree(ctx, path); err == nil {
			l.DiskFreeMB = free
			l.DiskPercent = pct
		}
	}
	return l
}

// DiskFree reports free megabytes and used percent for the filesystem
// holding path.
func DiskFree(ctx context.Context, path string) (freeMB uint64, usedPercent float64, err error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, 0, err
	}
	return usage.Free / 1024 / 1024, usage.UsedPercent, nil
}
