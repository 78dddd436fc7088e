package pipeline

import (
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceSnapshot describes the runner's load and the host's memory
// state at a point in time. Served by the status endpoint and logged by
// the per-run heartbeat.
type ResourceSnapshot struct {
	ActiveRuns    int     `json:"active_runs"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
	ProcessRSSMB  float64 `json:"process_rss_mb"`
}

// Snapshot samples current resource usage. Fields stay zero for any
// probe the platform refuses.
func (r *Runner) Snapshot() ResourceSnapshot {
	r.mu.Lock()
	snap := ResourceSnapshot{ActiveRuns: len(r.active)}
	r.mu.Unlock()

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryUsedGB = float64(vm.Used) / (1 << 30)
		snap.MemoryTotalGB = float64(vm.Total) / (1 << 30)
		snap.MemoryPercent = vm.UsedPercent
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil {
			snap.ProcessRSSMB = float64(info.RSS) / (1 << 20)
		}
	}
	return snap
}
