package registry

import "errors"

var (
	// ErrCapacityExceeded is returned once a registry holds its maximum number of entries.
	ErrCapacityExceeded = errors.New("registry capacity exceeded")
	// ErrInvalidPort is returned for ports outside 1-65535.
	ErrInvalidPort = errors.New("port out of range 1-65535")
	// ErrInvalidTunnel is returned for tunnels without a cloud or device.
	ErrInvalidTunnel = errors.New("tunnel requires cloud and device")
	// ErrDuplicateTunnel is returned when (cloud, device, remote port) is already registered.
	ErrDuplicateTunnel = errors.New("duplicate tunnel")
	// ErrDuplicateLocalPort is returned when two tunnels would listen on the same local port.
	ErrDuplicateLocalPort = errors.New("duplicate local port")
	// ErrDuplicatePort is returned when a port is already allow-listed.
	ErrDuplicatePort = errors.New("duplicate allowed port")
	// ErrStaleHandle is returned for handles issued before the registry was released.
	ErrStaleHandle = errors.New("stale tunnel handle")
)

// ValidPort reports whether port is a usable TCP port.
func ValidPort(port int) bool {
	return port >= 1 && port <= 65535
}
