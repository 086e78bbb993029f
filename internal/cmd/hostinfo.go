package cmd

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// hostReport is a snapshot of the machine a node runs on. Reconstruction is
// memory bound, so operators check it before adding a machine to the farm.
type hostReport struct {
	Hostname       string
	Platform       string
	LogicalCPUs    int
	CPUPercent     float64
	MemTotal       uint64
	MemAvailable   uint64
	MemUsedPercent float64
}

// collectHostReport gathers what it can; fields it cannot read stay zero.
func collectHostReport() (hostReport, error) {
	r := hostReport{Platform: runtime.GOOS + "/" + runtime.GOARCH}
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if info, err := host.Info(); err == nil {
		r.Hostname = info.Hostname
		r.Platform = info.Platform + " " + info.PlatformVersion + " (" + runtime.GOARCH + ")"
	} else {
		keep(err)
	}

	if n, err := cpu.Counts(true); err == nil {
		r.LogicalCPUs = n
	} else {
		keep(err)
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		r.CPUPercent = pct[0]
	} else if err != nil {
		keep(err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		r.MemTotal = vm.Total
		r.MemAvailable = vm.Available
		r.MemUsedPercent = vm.UsedPercent
	} else {
		keep(err)
	}

	return r, firstErr
}

func (r hostReport) fields() []zap.Field {
	return []zap.Field{
		zap.String("hostname", r.Hostname),
		zap.String("platform", r.Platform),
		zap.Int("logical_cpus", r.LogicalCPUs),
		zap.Float64("cpu_percent", r.CPUPercent),
		zap.Uint64("mem_total_bytes", r.MemTotal),
		zap.Uint64("mem_available_bytes", r.MemAvailable),
		zap.Float64("mem_used_percent", r.MemUsedPercent),
	}
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
