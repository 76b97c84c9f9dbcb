package models

// LoginRequest is the first record sent after the secure handshake.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Device   string `json:"device"`
	Version  string `json:"version"`
}

// LoginReply answers a LoginRequest.
type LoginReply struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Version string `json:"version,omitempty"`
}

// PairRequest asks the upstream to pair one configured tunnel.
type PairRequest struct {
	Cloud     string `json:"cloud"`
	Device    string `json:"device"`
	Port      int    `json:"port"`
	PortLocal int    `json:"port_local"`
}

// PairReply answers a PairRequest. PortRemote is the peer-assigned remote port, zero when
// the requested one was kept.
type PairReply struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	PID        string `json:"pid,omitempty"`
	PortRemote int    `json:"port_remote,omitempty"`
}

// PairOffer is an unsolicited pairing pushed by the peer. Every accepted offer is a forced
// pairing, so no type is carried.
type PairOffer struct {
	Cloud      string `json:"cloud"`
	Device     string `json:"device"`
	PID        string `json:"pid"`
	PortLocal  int    `json:"port_local"`
	PortRemote int    `json:"port_remote"`
}

// PairOfferReply accepts or rejects a PairOffer.
type PairOfferReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Unpair drops a pairing.
type Unpair struct {
	Reason string `json:"reason,omitempty"`
}
