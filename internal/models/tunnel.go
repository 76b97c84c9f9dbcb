package models

import "fmt"

// Mode selects which side of pairing an instance takes part in.
type Mode int

const (
	ModeHybrid Mode = iota // requests its own tunnels and accepts forced offers
	ModeServer             // only accepts forced offers
	ModeClient             // only requests its own tunnels
)

// ParseMode maps the configuration "type" value to a Mode. Empty means hybrid.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "hybrid":
		return ModeHybrid, nil
	case "server":
		return ModeServer, nil
	case "client":
		return ModeClient, nil
	default:
		return ModeHybrid, fmt.Errorf("unknown instance type %q", s)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeServer:
		return "server"
	case ModeClient:
		return "client"
	default:
		return "hybrid"
	}
}

// RequestsTunnels reports whether configured tunnels are paired by this instance.
func (m Mode) RequestsTunnels() bool { return m != ModeServer }

// AcceptsOffers reports whether peer-initiated pairings are considered at all.
func (m Mode) AcceptsOffers() bool { return m != ModeClient }

// TunnelConfig is one configured intent to bridge cloud/device:port to a local port.
type TunnelConfig struct {
	Cloud     string `json:"cloud"`
	Device    string `json:"device"`
	Port      int    `json:"port"`
	PortLocal int    `json:"port_local"`
	PID       string `json:"pid,omitempty"`
}

// Key labels a tunnel in logs. Names may contain the separators, so it is not an identity.
func (t TunnelConfig) Key() string {
	return fmt.Sprintf("%s/%s:%d", t.Cloud, t.Device, t.Port)
}

// Credentials are presented to the upstream during login.
type Credentials struct {
	Username string
	Password string
	Device   string
}

// TunnelFile is the JSON tunnel configuration.
type TunnelFile struct {
	Username string         `json:"username"`
	Password string         `json:"password"`
	Device   string         `json:"device"`
	Type     string         `json:"type"`
	Tunnels  []TunnelConfig `json:"tunnels"`
	Allow    []int          `json:"allow"`
}

// Credentials extracts the login identity from the file.
func (f *TunnelFile) Credentials() Credentials {
	return Credentials{Username: f.Username, Password: f.Password, Device: f.Device}
}
