package metrics_collectors

import (
	"context"

	"github.com/benmeehan/iot-tunnel/internal/models"
)

// The registry will manage all metric collectors and provide a way to add/remove them dynamically.
type MetricsRegistry struct {
	collectors map[string]MetricCollector
}

// NewMetricsRegistry creates a new MetricsRegistry instance.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		collectors: make(map[string]MetricCollector),
	}
}

// Register adds a new metric collector to the registry.
func (r *MetricsRegistry) Register(collector MetricCollector) {
	r.collectors[collector.Name()] = collector
}

// GetCollectors returns all the metric collectors registered in the registry.
func (r *MetricsRegistry) GetCollectors() map[string]MetricCollector {
	return r.collectors
}

// Collect runs every collector enabled by config and returns the non-nil results by name.
func (r *MetricsRegistry) Collect(ctx context.Context, config *models.MetricsConfig) map[string]interface{} {
	metrics := make(map[string]interface{}, len(r.collectors))
	for name, collector := range r.collectors {
		if !collector.IsEnabled(config) {
			continue
		}
		if value := collector.Collect(ctx); value != nil {
			metrics[name] = value
		}
	}
	return metrics
}
