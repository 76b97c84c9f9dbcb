package metrics_collectors

import (
	"context"
	"os"

	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/process"
)

// ProcessMetrics is the resource usage of the agent process.
type ProcessMetrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSS        uint64  `json:"rss_bytes"`
	Threads    int32   `json:"threads"`
	OpenFiles  int32   `json:"open_fds,omitempty"`
}

// ProcessMetricCollector collects CPU, memory and descriptor usage of the agent itself.
// Every tunnel stream costs one descriptor locally, so the count tracks load directly.
type ProcessMetricCollector struct {
	Logger zerolog.Logger
	Pid    int32 // defaults to the current process
}

func (p *ProcessMetricCollector) Name() string {
	return "process"
}

func (p *ProcessMetricCollector) Collect(ctx context.Context) interface{} {
	pid := p.Pid
	if pid == 0 {
		pid = int32(os.Getpid())
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		p.Logger.Error().Err(err).Int32("pid", pid).Msg("Failed to open process")
		return nil
	}

	metrics := &ProcessMetrics{}
	if cpuPercent, err := proc.CPUPercentWithContext(ctx); err == nil {
		metrics.CPUPercent = cpuPercent
	} else {
		p.Logger.Warn().Err(err).Int32("pid", pid).Msg("Failed to get CPU usage")
	}
	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
		metrics.RSS = memInfo.RSS
	} else {
		p.Logger.Warn().Err(err).Int32("pid", pid).Msg("Failed to get memory information")
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		metrics.Threads = threads
	}
	// Not supported on every platform.
	if fds, err := proc.NumFDsWithContext(ctx); err == nil {
		metrics.OpenFiles = fds
	}

	p.Logger.Debug().Float64("cpu", metrics.CPUPercent).Uint64("rss", metrics.RSS).Msg("Process metrics collected")
	return metrics
}

func (p *ProcessMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	return config.MonitorProcess
}

func (p *ProcessMetricCollector) Unit() string {
	return "varied (CPU: %, Memory: bytes, Threads/FDs: count)"
}

func (p *ProcessMetricCollector) Description() string {
	return "CPU usage (%), resident memory (bytes), threads and open descriptors of the agent process."
}
