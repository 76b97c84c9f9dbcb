package service_registry

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-tunnel/internal/metrics_collectors"
	"github.com/benmeehan/iot-tunnel/internal/registry"
	"github.com/benmeehan/iot-tunnel/internal/services"
	"github.com/benmeehan/iot-tunnel/internal/stats"
	"github.com/benmeehan/iot-tunnel/internal/tunnel"
	"github.com/benmeehan/iot-tunnel/internal/utils"
	"github.com/benmeehan/iot-tunnel/pkg/file"
	"github.com/benmeehan/iot-tunnel/pkg/mqtt"
	"github.com/benmeehan/iot-tunnel/pkg/secure"
)

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]registry.Service // Stores registered services
	serviceKeys []string                    // Maintains order of service registration
	mqttClient  mqtt.MQTTClient             // nil when the status service is disabled
	fileClient  file.FileOperations
	Logger      zerolog.Logger
}

// NewServiceRegistry initializes a new service registry with dependencies.
func NewServiceRegistry(mqttClient mqtt.MQTTClient, fileClient file.FileOperations, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:   make(map[string]registry.Service),
		mqttClient: mqttClient,
		fileClient: fileClient,
		Logger:     logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// Services returns the registered service names in start order.
func (sr *ServiceRegistry) Services() []string {
	return append([]string(nil), sr.serviceKeys...)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			// Stop already started services before returning
			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return err
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices builds the tunnel instance and the services around it in start order:
// status first so no notification is missed, then the tunnel, then the config watcher.
// The instance is returned for signal-driven reloads.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, token tunnel.Token, dialer secure.Dialer) (*tunnel.Instance, error) {
	traffic := stats.NewTraffic()

	var status *services.StatusService
	if config.Status.Enabled {
		if sr.mqttClient == nil {
			return nil, errors.New("status service enabled without an MQTT client")
		}
		metrics := metrics_collectors.NewMetricsRegistry()
		metrics.Register(&metrics_collectors.RuntimeMetricCollector{Logger: sr.Logger})
		metrics.Register(&metrics_collectors.ProcessMetricCollector{Logger: sr.Logger})
		metrics.Register(&metrics_collectors.TunnelMetricCollector{Logger: sr.Logger, Traffic: traffic})

		status = services.NewStatusService(
			config.Status.Topic,
			config.Status.Interval,
			config.Status.QOS,
			sr.mqttClient,
			metrics,
			&config.Status.Metrics,
			sr.Logger,
		)
	}

	var notify tunnel.Notifiers
	if status != nil {
		notify = append(notify, status)
	}

	inst, err := tunnel.Init(tunnel.InitOptions{
		Hostname:      config.Upstream.Hostname,
		Port:          config.Upstream.Port,
		Shutdown:      token,
		ConfigFile:    config.TunnelConfig,
		FileClient:    sr.fileClient,
		Logger:        sr.Logger,
		Notifications: notify,
		Dialer:        dialer,
		Traffic:       traffic,
		Settings:      tunnel.SettingsFromConfig(config),
	})
	if err != nil {
		sr.Logger.Error().Err(err).Msg("Failed to create tunnel instance")
		return nil, err
	}

	registeredServices := []string{}
	if status != nil {
		status.Source = inst
		sr.RegisterService("status", status)
		registeredServices = append(registeredServices, "status")
	}
	sr.RegisterService("tunnel", inst)
	registeredServices = append(registeredServices, "tunnel")
	if config.WatchConfig {
		sr.RegisterService("config_watcher", services.NewConfigWatcher(config.TunnelConfig, inst, sr.Logger))
		registeredServices = append(registeredServices, "config_watcher")
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return inst, nil
}
