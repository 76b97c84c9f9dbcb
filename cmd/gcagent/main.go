package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/lifecycle"
	"github.com/benmeehan/iot-tunnel/internal/service_registry"
	"github.com/benmeehan/iot-tunnel/internal/utils"
	"github.com/benmeehan/iot-tunnel/pkg/file"
	"github.com/benmeehan/iot-tunnel/pkg/mqtt"
	"github.com/benmeehan/iot-tunnel/pkg/secure"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the agent configuration")
	flag.Parse()

	// Initialize file operations handler
	fileClient := file.NewFileService()

	// Load configuration from file
	config, err := utils.LoadConfig(*configPath, fileClient)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, closer, err := utils.NewLogger(config.Log.File, config.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(config, fileClient, log); err != nil {
		log.Error().Err(err).Msg("Agent stopped with error")
		closer.Close()
		os.Exit(1)
	}
}

func run(config *utils.Config, fileClient file.FileOperations, log zerolog.Logger) error {
	controller := lifecycle.NewController(log)

	dialer, err := newDialer(config, fileClient)
	if err != nil {
		return fmt.Errorf("failed to create %s dialer: %w", config.Upstream.Transport, err)
	}

	var mqttClient *mqtt.MqttService
	if config.Status.Enabled {
		// Generate a unique MQTT Client ID by appending a UUID
		clientID := config.Status.ClientID + "-" + uuid.New().String()
		log.Info().Msgf("Using MQTT Client ID: %s", clientID)

		mqttClient = mqtt.NewMqttService(fileClient)
		err = mqttClient.Initialize(mqtt.Options{
			Broker:        config.Status.Broker,
			ClientID:      clientID,
			CACertificate: config.Status.CACertificate,
			Username:      config.Status.Username,
			Password:      config.Status.Password,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT connection: %w", err)
		}
		defer mqttClient.Disconnect(250)
	}

	// Create a new service registry to manage services
	var serviceRegistry *service_registry.ServiceRegistry
	if mqttClient != nil {
		serviceRegistry = service_registry.NewServiceRegistry(mqttClient, fileClient, log)
	} else {
		serviceRegistry = service_registry.NewServiceRegistry(nil, fileClient, log)
	}

	inst, err := serviceRegistry.RegisterServices(config, controller, dialer)
	if err != nil {
		return err
	}

	if err := serviceRegistry.StartServices(); err != nil {
		return err
	}
	log.Info().Msg("All services started successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	controller.HandleSignals(ctx, func() {
		if err := inst.Reload(true); err != nil {
			log.Error().Err(err).Msg("Reload rejected")
		}
	})

	<-controller.Done()
	log.Info().Msg("Shutting down gracefully...")
	return serviceRegistry.StopServices()
}

func newDialer(config *utils.Config, fileClient file.FileOperations) (secure.Dialer, error) {
	up := config.Upstream
	switch up.Transport {
	case "ssh":
		return secure.NewSSHDialer(up.SSH.User, up.SSH.PrivateKeyPath, up.SSH.HostKeyPath,
			constants.SSHChannelType, up.DialTimeout, fileClient)
	default:
		return secure.NewTLSDialer(up.TLS.CACertificate, up.TLS.ServerName,
			up.TLS.InsecureSkipVerify, up.DialTimeout, fileClient)
	}
}
