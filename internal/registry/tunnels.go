package registry

import (
	"fmt"

	"github.com/benmeehan/iot-tunnel/internal/models"
)

// Handle refers to a tunnel slot. It stays valid across sessions and becomes stale once the
// registry is released.
type Handle struct {
	index int
	gen   uint32
}

// Index is the slot position in registration order.
func (h Handle) Index() int { return h.index }

func (h Handle) String() string { return fmt.Sprintf("slot %d/gen %d", h.index, h.gen) }

// tunnelKey identifies a tunnel by its remote triple.
type tunnelKey struct {
	cloud  string
	device string
	port   int
}

// TunnelRegistry is a fixed-capacity list of configured tunnels. Entries are never removed;
// only the paired process id may change after loading.
type TunnelRegistry struct {
	capacity int
	entries  []models.TunnelConfig
	keys     map[tunnelKey]int
	locals   map[int]int
	gen      uint32
}

// NewTunnelRegistry creates an empty registry holding at most capacity tunnels.
func NewTunnelRegistry(capacity int) *TunnelRegistry {
	return &TunnelRegistry{
		capacity: capacity,
		entries:  make([]models.TunnelConfig, 0, capacity),
		keys:     make(map[tunnelKey]int, capacity),
		locals:   make(map[int]int, capacity),
		gen:      1,
	}
}

// Add validates and appends cfg.
func (r *TunnelRegistry) Add(cfg models.TunnelConfig) (Handle, error) {
	if len(r.entries) >= r.capacity {
		return Handle{}, fmt.Errorf("%w: %d tunnels", ErrCapacityExceeded, r.capacity)
	}
	if !ValidPort(cfg.Port) {
		return Handle{}, fmt.Errorf("%w: remote port %d", ErrInvalidPort, cfg.Port)
	}
	if !ValidPort(cfg.PortLocal) {
		return Handle{}, fmt.Errorf("%w: local port %d", ErrInvalidPort, cfg.PortLocal)
	}
	if cfg.Cloud == "" || cfg.Device == "" {
		return Handle{}, ErrInvalidTunnel
	}
	key := tunnelKey{cloud: cfg.Cloud, device: cfg.Device, port: cfg.Port}
	if _, exists := r.keys[key]; exists {
		return Handle{}, fmt.Errorf("%w: %s", ErrDuplicateTunnel, cfg.Key())
	}
	if prev, exists := r.locals[cfg.PortLocal]; exists {
		return Handle{}, fmt.Errorf("%w: %d already used by %s", ErrDuplicateLocalPort, cfg.PortLocal, r.entries[prev].Key())
	}

	r.keys[key] = len(r.entries)
	r.locals[cfg.PortLocal] = len(r.entries)
	r.entries = append(r.entries, cfg)
	return Handle{index: len(r.entries) - 1, gen: r.gen}, nil
}

func (r *TunnelRegistry) check(h Handle) error {
	if h.gen != r.gen || h.index < 0 || h.index >= len(r.entries) {
		return fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	return nil
}

// Get returns a copy of the tunnel behind h.
func (r *TunnelRegistry) Get(h Handle) (models.TunnelConfig, error) {
	if err := r.check(h); err != nil {
		return models.TunnelConfig{}, err
	}
	return r.entries[h.index], nil
}

// SetPID records the process id assigned when the slot paired.
func (r *TunnelRegistry) SetPID(h Handle, pid string) error {
	if err := r.check(h); err != nil {
		return err
	}
	r.entries[h.index].PID = pid
	return nil
}

// Handles lists every slot in registration order.
func (r *TunnelRegistry) Handles() []Handle {
	handles := make([]Handle, len(r.entries))
	for i := range r.entries {
		handles[i] = Handle{index: i, gen: r.gen}
	}
	return handles
}

// Len returns the number of registered tunnels.
func (r *TunnelRegistry) Len() int { return len(r.entries) }

// Release drops every entry and invalidates all outstanding handles.
func (r *TunnelRegistry) Release() {
	r.entries = r.entries[:0]
	clear(r.keys)
	clear(r.locals)
	r.gen++
}
