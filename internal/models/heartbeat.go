package models

import "time"

// Heartbeat is the periodic status report published over MQTT.
type Heartbeat struct {
	Device    string                 `json:"device"`
	Timestamp time.Time              `json:"timestamp"`
	State     string                 `json:"state"`
	Pairings  []PairingRecord        `json:"pairings"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
}

// StatusEvent is published for every notification raised by the instance.
type StatusEvent struct {
	Device    string      `json:"device"`
	Timestamp time.Time   `json:"timestamp"`
	Kind      string      `json:"kind"`
	State     string      `json:"state,omitempty"`
	Error     string      `json:"error,omitempty"`
	Pair      *DevicePair `json:"pair,omitempty"`
}

// MetricsConfig selects the collectors reported in the heartbeat.
type MetricsConfig struct {
	MonitorRuntime bool `yaml:"runtime"`
	MonitorProcess bool `yaml:"process"`
	MonitorTunnels bool `yaml:"tunnels"`
}
