package tunnel

// State is the session lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	HandshakeInProgress
	Authenticated
	Active
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case HandshakeInProgress:
		return "handshake_in_progress"
	case Authenticated:
		return "authenticated"
	case Active:
		return "active"
	default:
		return "disconnected"
	}
}
