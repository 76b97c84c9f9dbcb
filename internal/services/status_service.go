package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/metrics_collectors"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/tunnel"
	"github.com/benmeehan/iot-tunnel/pkg/mqtt"
)

// StatusSource is the part of a tunnel instance the status service reports on.
type StatusSource interface {
	Device() string
	State() tunnel.State
	Pairings() []models.PairingRecord
}

// StatusService publishes a periodic heartbeat and one event per tunnel notification.
type StatusService struct {
	Topic         string
	Interval      time.Duration
	QOS           int
	MqttClient    mqtt.MQTTClient
	Source        StatusSource
	Metrics       *metrics_collectors.MetricsRegistry
	MetricsConfig *models.MetricsConfig
	Logger        zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatusService initializes a new StatusService.
func NewStatusService(topic string, interval time.Duration, qos int, mqttClient mqtt.MQTTClient,
	metrics *metrics_collectors.MetricsRegistry, metricsConfig *models.MetricsConfig, logger zerolog.Logger) *StatusService {

	return &StatusService{
		Topic:         topic,
		Interval:      interval,
		QOS:           qos,
		MqttClient:    mqttClient,
		Metrics:       metrics,
		MetricsConfig: metricsConfig,
		Logger:        logger,
	}
}

// EventsTopic is where notification events are published.
func (s *StatusService) EventsTopic() string {
	return s.Topic + "/events"
}

// Start launches the heartbeat loop in a separate goroutine.
func (s *StatusService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		s.Logger.Warn().Msg("StatusService is already running")
		return errors.New("status service is already running")
	}
	if s.Source == nil {
		return errors.New("status service has no source")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runHeartbeatLoop(s.ctx)
	}()

	s.Logger.Info().Str("topic", s.Topic).Dur("interval", s.Interval).Msg("StatusService started successfully")
	return nil
}

// Stop gracefully stops the status service.
func (s *StatusService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		s.Logger.Warn().Msg("StatusService is not running")
		return errors.New("status service is not running")
	}

	s.cancel()
	s.wg.Wait()

	s.ctx = nil
	s.cancel = nil

	s.Logger.Info().Msg("StatusService stopped successfully")
	return nil
}

func (s *StatusService) runHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.PublishHeartbeat(ctx)
		case <-ctx.Done():
			s.Logger.Info().Msg("StatusService stopping gracefully")
			return
		}
	}
}

// PublishHeartbeat publishes one heartbeat and waits for the broker to acknowledge it.
func (s *StatusService) PublishHeartbeat(ctx context.Context) {
	heartbeat := models.Heartbeat{
		Device:    s.Source.Device(),
		Timestamp: time.Now(),
		State:     s.Source.State().String(),
		Pairings:  s.Source.Pairings(),
	}
	if s.Metrics != nil && s.MetricsConfig != nil {
		heartbeat.Metrics = s.Metrics.Collect(ctx, s.MetricsConfig)
	}

	payload, err := json.Marshal(heartbeat)
	if err != nil {
		s.Logger.Error().Err(err).Msg("Failed to serialize heartbeat message")
		return
	}

	token := s.MqttClient.Publish(s.Topic, byte(s.QOS), false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		s.Logger.Error().Err(err).Msg("Failed to publish heartbeat message")
		return
	}
	s.Logger.Debug().Int("pairings", len(heartbeat.Pairings)).Msg("Heartbeat published successfully")
}

// publishEvent is called from the tunnel loop, so it never waits for the broker.
func (s *StatusService) publishEvent(event models.StatusEvent) {
	event.Timestamp = time.Now()
	payload, err := json.Marshal(event)
	if err != nil {
		s.Logger.Error().Err(err).Str("kind", event.Kind).Msg("Failed to serialize status event")
		return
	}

	token := s.MqttClient.Publish(s.EventsTopic(), byte(s.QOS), false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			s.Logger.Error().Err(err).Str("kind", event.Kind).Msg("Failed to publish status event")
		}
	}()
}

// OnStateChanged implements tunnel.Notifications.
func (s *StatusService) OnStateChanged(inst *tunnel.Instance, state tunnel.State) {
	s.publishEvent(models.StatusEvent{Device: inst.Device(), Kind: constants.EventStateChanged, State: state.String()})
}

// OnLogin implements tunnel.Notifications.
func (s *StatusService) OnLogin(inst *tunnel.Instance, errText string) {
	s.publishEvent(models.StatusEvent{Device: inst.Device(), Kind: constants.EventLogin, Error: errText})
}

// OnDevicePair implements tunnel.Notifications.
func (s *StatusService) OnDevicePair(inst *tunnel.Instance, pair models.DevicePair) {
	s.publishEvent(models.StatusEvent{Device: inst.Device(), Kind: constants.EventDevicePair, Pair: &pair})
}
