package tunnel

import (
	"errors"
	"fmt"
)

// Kind classifies failures by how the instance reacts to them.
type Kind int

const (
	// KindUnknown is reported for errors that did not come from this package.
	KindUnknown Kind = iota
	// ConfigError is a malformed or over-capacity configuration. Fatal at startup.
	ConfigError
	// ChannelError is an I/O or secure-channel failure. Tears the session down and reconnects.
	ChannelError
	// ProtocolError is a malformed frame or invalid payload from the peer. Tears the session
	// down and reconnects; logged as a security event.
	ProtocolError
	// AuthError is a rejected login. Surfaced through OnLogin; identical credentials are not retried.
	AuthError
	// PairingError is one tunnel failing to pair. Retried on a delay, the session is unaffected.
	PairingError
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "config"
	case ChannelError:
		return "channel"
	case ProtocolError:
		return "protocol"
	case AuthError:
		return "auth"
	case PairingError:
		return "pairing"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// ErrChannelClosed is returned when sending on a channel that is not writable.
var ErrChannelClosed = errors.New("channel closed")

func newError(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func wrapError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}
