package constants

import "time"

const (
	// DefaultUpstreamPort is the broker port used when the configuration leaves it unset.
	DefaultUpstreamPort = 17040

	// MaxTunnels is the hard ceiling of configured tunnels per instance.
	MaxTunnels = 32

	// MaxAllowedPorts is the hard ceiling of allow-listed local ports per instance.
	MaxAllowedPorts = 32

	// MaxStreams limits the concurrently open streams carried by one session.
	MaxStreams = 1024

	// MaxDialWorkers bounds the concurrent local dials for peer-opened streams.
	MaxDialWorkers = 16

	// ProtocolVersion is announced in the login request.
	ProtocolVersion = "1.0.0"

	// ProtocolConstraint must be satisfied by the version the upstream announces.
	ProtocolConstraint = "^1"

	// SSHChannelType is the channel type opened by the SSH secure-channel provider.
	SSHChannelType = "gc-tunnel"
)

// Timing defaults applied when the agent configuration leaves a field at zero.
const (
	DefaultMinBackoff     = 1 * time.Second
	DefaultMaxBackoff     = 2 * time.Minute
	DefaultBackoffFactor  = 2
	DefaultPairRetryDelay = 10 * time.Second
	DefaultShutdownGrace  = 5 * time.Second
	DefaultKeepalive      = 30 * time.Second
	DefaultKeepaliveLimit = 90 * time.Second
	DefaultDialTimeout    = 5 * time.Second
	DefaultListenAddress  = "127.0.0.1"
	DefaultDialAddress    = "127.0.0.1"
)

// Buffer sizes.
const (
	// LocalReadSize is the read chunk taken from a local endpoint per data frame.
	LocalReadSize = 32 * 1024

	// OutboundHighWater pauses local readers while this many bytes wait for the upstream.
	OutboundHighWater = 4 * 1024 * 1024

	// MaxStreamBuffer resets a stream whose local endpoint falls this far behind.
	MaxStreamBuffer = 8 * 1024 * 1024
)
