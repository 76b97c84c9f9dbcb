package registry

import (
	"fmt"
	"slices"
)

// PortRegistry is the fixed-capacity allow-list of local ports that may be exposed or
// forwarded. It is static after loading.
type PortRegistry struct {
	capacity int
	ports    []int
}

// NewPortRegistry creates an empty allow-list holding at most capacity ports.
func NewPortRegistry(capacity int) *PortRegistry {
	return &PortRegistry{capacity: capacity, ports: make([]int, 0, capacity)}
}

// Add appends port to the allow-list.
func (r *PortRegistry) Add(port int) error {
	if len(r.ports) >= r.capacity {
		return fmt.Errorf("%w: %d allowed ports", ErrCapacityExceeded, r.capacity)
	}
	if !ValidPort(port) {
		return fmt.Errorf("%w: allowed port %d", ErrInvalidPort, port)
	}
	if slices.Contains(r.ports, port) {
		return fmt.Errorf("%w: %d", ErrDuplicatePort, port)
	}
	r.ports = append(r.ports, port)
	return nil
}

// IsPortAllowed reports whether port is allow-listed.
func (r *PortRegistry) IsPortAllowed(port int) bool {
	return slices.Contains(r.ports, port)
}

// Ports returns a copy of the allow-list.
func (r *PortRegistry) Ports() []int {
	return slices.Clone(r.ports)
}

// Len returns the number of allowed ports.
func (r *PortRegistry) Len() int { return len(r.ports) }

// Release empties the allow-list.
func (r *PortRegistry) Release() {
	r.ports = r.ports[:0]
}
