package tunnel

import (
	"time"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/utils"
)

// Settings tune the timing and local addressing of an Instance.
type Settings struct {
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	BackoffFactor float64
	Jitter        bool

	PairRetryDelay    time.Duration
	ShutdownGrace     time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	DialTimeout       time.Duration

	ListenAddress string
	DialAddress   string

	MaxStreams      int
	MaxStreamBuffer int
	DialWorkers     int
}

// DefaultSettings returns the settings used for every zero field.
func DefaultSettings() Settings {
	return Settings{
		MinBackoff:        constants.DefaultMinBackoff,
		MaxBackoff:        constants.DefaultMaxBackoff,
		BackoffFactor:     constants.DefaultBackoffFactor,
		PairRetryDelay:    constants.DefaultPairRetryDelay,
		ShutdownGrace:     constants.DefaultShutdownGrace,
		KeepaliveInterval: constants.DefaultKeepalive,
		KeepaliveTimeout:  constants.DefaultKeepaliveLimit,
		DialTimeout:       constants.DefaultDialTimeout,
		ListenAddress:     constants.DefaultListenAddress,
		DialAddress:       constants.DefaultDialAddress,
		MaxStreams:        constants.MaxStreams,
		MaxStreamBuffer:   constants.MaxStreamBuffer,
		DialWorkers:       constants.MaxDialWorkers,
	}
}

// SettingsFromConfig maps the agent configuration onto Settings.
func SettingsFromConfig(cfg *utils.Config) Settings {
	return Settings{
		MinBackoff:        cfg.Reconnect.MinBackoff,
		MaxBackoff:        cfg.Reconnect.MaxBackoff,
		BackoffFactor:     cfg.Reconnect.Factor,
		Jitter:            cfg.Reconnect.Jitter,
		PairRetryDelay:    cfg.Pairing.RetryDelay,
		ShutdownGrace:     cfg.Shutdown.GracePeriod,
		KeepaliveInterval: cfg.Keepalive.Interval,
		KeepaliveTimeout:  cfg.Keepalive.Timeout,
		DialTimeout:       cfg.Upstream.DialTimeout,
		ListenAddress:     cfg.Forwarding.ListenAddress,
		DialAddress:       cfg.Forwarding.DialAddress,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MinBackoff <= 0 {
		s.MinBackoff = d.MinBackoff
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = d.MaxBackoff
	}
	if s.MaxBackoff < s.MinBackoff {
		s.MaxBackoff = s.MinBackoff
	}
	if s.BackoffFactor < 1 {
		s.BackoffFactor = d.BackoffFactor
	}
	if s.PairRetryDelay <= 0 {
		s.PairRetryDelay = d.PairRetryDelay
	}
	if s.ShutdownGrace <= 0 {
		s.ShutdownGrace = d.ShutdownGrace
	}
	if s.KeepaliveInterval <= 0 {
		s.KeepaliveInterval = d.KeepaliveInterval
	}
	if s.KeepaliveTimeout <= 0 {
		s.KeepaliveTimeout = d.KeepaliveTimeout
	}
	if s.DialTimeout <= 0 {
		s.DialTimeout = d.DialTimeout
	}
	if s.ListenAddress == "" {
		s.ListenAddress = d.ListenAddress
	}
	if s.DialAddress == "" {
		s.DialAddress = d.DialAddress
	}
	if s.MaxStreams <= 0 {
		s.MaxStreams = d.MaxStreams
	}
	if s.MaxStreamBuffer <= 0 {
		s.MaxStreamBuffer = d.MaxStreamBuffer
	}
	if s.DialWorkers <= 0 {
		s.DialWorkers = d.DialWorkers
	}
	return s
}
