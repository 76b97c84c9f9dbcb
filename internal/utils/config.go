package utils

import (
	"fmt"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/pkg/file"
)

// Config represents the structure of the agent configuration file.
type Config struct {
	Upstream struct {
		Hostname    string        `yaml:"hostname"`     // Broker hostname
		Port        int           `yaml:"port"`         // Broker port, 17040 when unset
		Transport   string        `yaml:"transport"`    // "tls" or "ssh"
		DialTimeout time.Duration `yaml:"dial_timeout"` // Timeout for the TCP connect and handshake

		TLS struct {
			CACertificate      string `yaml:"ca_certificate"`       // Path to the CA certificate
			ServerName         string `yaml:"server_name"`          // Overrides the SNI / verification name
			InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // Disable certificate validation (testing only)
		} `yaml:"tls"`

		SSH struct {
			User           string `yaml:"user"`             // SSH username
			PrivateKeyPath string `yaml:"private_key_path"` // Path to the device's private key
			HostKeyPath    string `yaml:"host_key_path"`    // Path to the pinned server public key
		} `yaml:"ssh"`
	} `yaml:"upstream"`

	TunnelConfig string `yaml:"tunnel_config"` // Path to the JSON tunnel configuration
	WatchConfig  bool   `yaml:"watch_config"`  // Reload credentials when the tunnel configuration changes

	Log struct {
		File  string `yaml:"file"`  // Log file, stdout when empty
		Level string `yaml:"level"` // debug, info, warn or error
	} `yaml:"log"`

	Reconnect struct {
		MinBackoff time.Duration `yaml:"min_backoff"` // First delay after a reset
		MaxBackoff time.Duration `yaml:"max_backoff"` // Upper bound of the reconnect delay
		Factor     float64       `yaml:"factor"`      // Multiplier between attempts
		Jitter     bool          `yaml:"jitter"`      // Randomize delays
	} `yaml:"reconnect"`

	Pairing struct {
		RetryDelay time.Duration `yaml:"retry_delay"` // Delay before retrying rejected tunnels
	} `yaml:"pairing"`

	Forwarding struct {
		ListenAddress string `yaml:"listen_address"` // Address local tunnel listeners bind to
		DialAddress   string `yaml:"dial_address"`   // Address peer-opened streams connect to
	} `yaml:"forwarding"`

	Keepalive struct {
		Interval time.Duration `yaml:"interval"` // Silence before a ping is sent
		Timeout  time.Duration `yaml:"timeout"`  // Silence before the channel is considered dead
	} `yaml:"keepalive"`

	Shutdown struct {
		GracePeriod time.Duration `yaml:"grace_period"` // Time given to in-flight streams on stop
	} `yaml:"shutdown"`

	Status struct {
		Enabled       bool                 `yaml:"enabled"`        // Enable/disable the MQTT status service
		Broker        string               `yaml:"broker"`         // MQTT broker address
		ClientID      string               `yaml:"client_id"`      // MQTT client ID prefix
		CACertificate string               `yaml:"ca_certificate"` // Path to the CA certificate
		Username      string               `yaml:"username"`       // MQTT username
		Password      string               `yaml:"password"`       // MQTT password
		Topic         string               `yaml:"topic"`          // Heartbeat topic, events go to <topic>/events
		QOS           int                  `yaml:"qos"`            // MQTT QoS level
		Interval      time.Duration        `yaml:"interval"`       // Interval between heartbeats
		Metrics       models.MetricsConfig `yaml:"metrics"`        // Collectors included in the heartbeat
	} `yaml:"status"`
}

// LoadConfig loads the YAML configuration from the specified file and applies defaults.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Upstream.Port == 0 {
		c.Upstream.Port = constants.DefaultUpstreamPort
	}
	if c.Upstream.Transport == "" {
		c.Upstream.Transport = "tls"
	}
	if c.Upstream.DialTimeout == 0 {
		c.Upstream.DialTimeout = constants.DefaultDialTimeout
	}
	if c.Reconnect.MinBackoff == 0 {
		c.Reconnect.MinBackoff = constants.DefaultMinBackoff
	}
	if c.Reconnect.MaxBackoff == 0 {
		c.Reconnect.MaxBackoff = constants.DefaultMaxBackoff
	}
	if c.Reconnect.Factor == 0 {
		c.Reconnect.Factor = constants.DefaultBackoffFactor
	}
	if c.Pairing.RetryDelay == 0 {
		c.Pairing.RetryDelay = constants.DefaultPairRetryDelay
	}
	if c.Forwarding.ListenAddress == "" {
		c.Forwarding.ListenAddress = constants.DefaultListenAddress
	}
	if c.Forwarding.DialAddress == "" {
		c.Forwarding.DialAddress = constants.DefaultDialAddress
	}
	if c.Keepalive.Interval == 0 {
		c.Keepalive.Interval = constants.DefaultKeepalive
	}
	if c.Keepalive.Timeout == 0 {
		c.Keepalive.Timeout = constants.DefaultKeepaliveLimit
	}
	if c.Shutdown.GracePeriod == 0 {
		c.Shutdown.GracePeriod = constants.DefaultShutdownGrace
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Status.Interval == 0 {
		c.Status.Interval = time.Minute
	}
}

// Validate checks the fields that have no sensible default.
func (c *Config) Validate() error {
	if c.Upstream.Hostname == "" {
		return fmt.Errorf("upstream.hostname is required")
	}
	if c.Upstream.Port < 1 || c.Upstream.Port > 65535 {
		return fmt.Errorf("upstream.port %d out of range", c.Upstream.Port)
	}
	switch c.Upstream.Transport {
	case "tls":
	case "ssh":
		if c.Upstream.SSH.PrivateKeyPath == "" {
			return fmt.Errorf("upstream.ssh.private_key_path is required for ssh transport")
		}
	default:
		return fmt.Errorf("unknown upstream.transport %q", c.Upstream.Transport)
	}
	if c.TunnelConfig == "" {
		return fmt.Errorf("tunnel_config is required")
	}
	if c.Reconnect.MinBackoff > c.Reconnect.MaxBackoff {
		return fmt.Errorf("reconnect.min_backoff %s exceeds max_backoff %s", c.Reconnect.MinBackoff, c.Reconnect.MaxBackoff)
	}
	if c.Keepalive.Timeout <= c.Keepalive.Interval {
		return fmt.Errorf("keepalive.timeout must exceed keepalive.interval")
	}
	if c.Status.Enabled && (c.Status.Broker == "" || c.Status.Topic == "") {
		return fmt.Errorf("status.broker and status.topic are required when status is enabled")
	}
	return nil
}

// LoadTunnelFile reads the JSON tunnel configuration.
func LoadTunnelFile(filename string, fileClient file.FileOperations) (*models.TunnelFile, error) {
	var tf models.TunnelFile
	if err := fileClient.ReadJsonFile(filename, &tf); err != nil {
		return nil, fmt.Errorf("failed to read tunnel config %s: %w", filename, err)
	}
	if tf.Username == "" || tf.Device == "" {
		return nil, fmt.Errorf("tunnel config %s: username and device are required", filename)
	}
	if dups := Duplicates(tf.Allow); len(dups) > 0 {
		return nil, fmt.Errorf("tunnel config %s: allow list repeats ports %v", filename, dups)
	}
	return &tf, nil
}
