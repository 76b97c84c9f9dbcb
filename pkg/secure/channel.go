// Package secure provides the secure byte-stream providers used for the upstream channel.
package secure

import (
	"context"
	"errors"
	"io"
)

// ErrNotReady is returned by Read and Write before a successful Handshake.
var ErrNotReady = errors.New("secure channel handshake not complete")

// Channel is an ordered, authenticated byte stream. Dial returns it with a live socket;
// Handshake must succeed before application data is exchanged. Close is idempotent.
type Channel interface {
	io.ReadWriteCloser
	Handshake(ctx context.Context) error
}

// Dialer opens the raw connection for a Channel.
type Dialer interface {
	Dial(ctx context.Context, hostname string, port int) (Channel, error)
}
