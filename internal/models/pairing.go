package models

import (
	"strconv"

	"github.com/benmeehan/iot-tunnel/internal/constants"
)

// PairingRecord is an active pairing carried by the current session.
type PairingRecord struct {
	ID         uint32 `json:"id"`
	Cloud      string `json:"cloud"`
	PID        string `json:"pid"`
	Device     string `json:"device"`
	PortLocal  int    `json:"port_local"`
	PortRemote int    `json:"port_remote"`
	Forced     bool   `json:"forced"`
}

// DevicePair is delivered to the device-pair callback for every new PairingRecord.
type DevicePair struct {
	Cloud      string `json:"cloud"`
	PID        string `json:"pid"`
	Device     string `json:"device"`
	PortLocal  string `json:"port_local"`
	PortRemote string `json:"port_remote"`
	Type       string `json:"type"`
}

// Forced reports whether the pairing was initiated by the peer. Any type other than
// "forced" is the unforced default.
func (d DevicePair) Forced() bool {
	return d.Type == constants.PairTypeForced
}

// DevicePair converts the record to its callback shape.
func (r PairingRecord) DevicePair() DevicePair {
	dp := DevicePair{
		Cloud:      r.Cloud,
		PID:        r.PID,
		Device:     r.Device,
		PortLocal:  strconv.Itoa(r.PortLocal),
		PortRemote: strconv.Itoa(r.PortRemote),
	}
	if r.Forced {
		dp.Type = constants.PairTypeForced
	}
	return dp
}
