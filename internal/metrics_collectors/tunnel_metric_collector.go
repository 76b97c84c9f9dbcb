package metrics_collectors

import (
	"context"

	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/stats"
	"github.com/rs/zerolog"
)

// TunnelMetricCollector reports the per-pairing traffic counters.
type TunnelMetricCollector struct {
	Logger  zerolog.Logger
	Traffic *stats.Traffic
}

func (t *TunnelMetricCollector) Name() string {
	return "tunnels"
}

func (t *TunnelMetricCollector) Collect(ctx context.Context) interface{} {
	if t.Traffic == nil {
		return nil
	}
	snapshot := t.Traffic.Snapshot()
	t.Logger.Debug().Int("pairings", len(snapshot)).Msg("Tunnel counters collected")
	return snapshot
}

func (t *TunnelMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	return config.MonitorTunnels
}

func (t *TunnelMetricCollector) Unit() string {
	return "bytes / count"
}

func (t *TunnelMetricCollector) Description() string {
	return "Bytes in/out and open streams for every active pairing."
}
