// Package monitoring periodically logs process resource usage.
package monitoring

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"svr-ingest/logging"
)

type ResourceUsage struct {
	CPUPercent     float64
	MemoryUsedMB   float64
	MemoryTotalMB  float64
	MemoryPercent  float64
	NumGoroutines  int
	ActiveWorkers  int
	ChunksDiskUsed float64 // percent
}

// WorkerCounter reports the number of running units of work.
type WorkerCounter func() int

// StartMonitoring logs resource usage every interval until ctx is cancelled.
func StartMonitoring(ctx context.Context, interval time.Duration, chunksDir string, workers WorkerCounter) {
	logger := logging.WithComponent("monitor")
	if interval <= 0 {
		logger.Info().Msg("resource monitoring disabled")
		return
	}

	go func() {
		proc, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			logger.Error().Err(err).Msg("error getting process")
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			usage, err := GetResourceUsage(proc, chunksDir)
			if workers != nil {
				usage.ActiveWorkers = workers()
			}
			if err != nil {
				logger.Warn().Err(err).Msg("error getting resource usage")
				continue
			}

			logger.Info().
				Float64("cpu_percent", usage.CPUPercent).
				Float64("mem_used_mb", usage.MemoryUsedMB).
				Float64("mem_total_mb", usage.MemoryTotalMB).
				Float64("mem_percent", usage.MemoryPercent).
				Int("goroutines", usage.NumGoroutines).
				Int("active_workers", usage.ActiveWorkers).
				Float64("chunks_disk_used_percent", usage.ChunksDiskUsed).
				Msg("resource usage")
		}
	}()
}

// GetResourceUsage samples the process and the chunks volume.
func GetResourceUsage(proc *process.Process, chunksDir string) (ResourceUsage, error) {
	var usage ResourceUsage

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		return usage, fmt.Errorf("error getting CPU usage: %w", err)
	}
	usage.CPUPercent = cpuPercent

	virtualMem, err := mem.VirtualMemory()
	if err != nil {
		return usage, fmt.Errorf("error getting memory info: %w", err)
	}

	procMem, err := proc.MemoryInfo()
	if err != nil {
		return usage, fmt.Errorf("error getting process memory: %w", err)
	}

	usage.MemoryUsedMB = float64(procMem.RSS) / 1024 / 1024
	usage.MemoryTotalMB = float64(virtualMem.Total) / 1024 / 1024
	if virtualMem.Total > 0 {
		usage.MemoryPercent = float64(procMem.RSS) / float64(virtualMem.Total) * 100
	}

	usage.NumGoroutines = runtime.NumGoroutine()

	if chunksDir != "" {
		if du, err := disk.Usage(chunksDir); err == nil {
			usage.ChunksDiskUsed = du.UsedPercent
		}
	}

	return usage, nil
}
