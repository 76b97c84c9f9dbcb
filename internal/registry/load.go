package registry

import (
	"fmt"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/models"
)

// FromConfig builds both registries from a parsed tunnel file, failing on the first
// entry that violates a capacity or validation rule.
func FromConfig(cfg *models.TunnelFile) (*TunnelRegistry, *PortRegistry, error) {
	tunnels := NewTunnelRegistry(constants.MaxTunnels)
	for i, t := range cfg.Tunnels {
		if _, err := tunnels.Add(t); err != nil {
			return nil, nil, fmt.Errorf("tunnel #%d: %w", i, err)
		}
	}

	allowed := NewPortRegistry(constants.MaxAllowedPorts)
	for _, port := range cfg.Allow {
		if err := allowed.Add(port); err != nil {
			return nil, nil, fmt.Errorf("allow list: %w", err)
		}
	}
	return tunnels, allowed, nil
}
