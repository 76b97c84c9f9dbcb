package tunnel

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("boom")

	err := fmt.Errorf("session: %w", wrapError(ChannelError, cause))
	assert.Equal(t, ChannelError, KindOf(err))
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, KindUnknown, KindOf(cause))
	assert.Equal(t, ProtocolError, KindOf(newError(ProtocolError, "bad frame %d", 3)))
	assert.Nil(t, wrapError(ConfigError, nil))
}

func TestWrapErrorKeepsFirstKind(t *testing.T) {
	inner := wrapError(AuthError, errors.New("denied"))
	assert.Equal(t, AuthError, KindOf(wrapError(ChannelError, inner)))
}

func TestErrorString(t *testing.T) {
	err := newError(PairingError, "device offline")
	assert.Equal(t, "pairing error: device offline", err.Error())
}
