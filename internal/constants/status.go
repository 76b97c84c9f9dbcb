package constants

// Status event kinds published by the status service.
const (
	EventStateChanged = "state_changed"
	EventLogin        = "login"
	EventDevicePair   = "device_pair"
)

// PairTypeForced marks a pairing initiated by the remote peer.
const PairTypeForced = "forced"
