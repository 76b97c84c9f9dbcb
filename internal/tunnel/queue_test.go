package tunnel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func byteLen(b []byte) int { return len(b) }

func TestQueue_FIFOWithAccounting(t *testing.T) {
	q := newQueue(byteLen)
	require.NoError(t, q.Push([]byte("ab")))
	require.NoError(t, q.Push([]byte("cde")))
	assert.Equal(t, 5, q.Len())

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "ab", string(v))
	assert.Equal(t, 3, q.Len())
}

func TestQueue_CloseDeliversRemaining(t *testing.T) {
	q := newQueue(byteLen)
	require.NoError(t, q.Push([]byte("x")))
	q.Close()

	assert.ErrorIs(t, q.Push([]byte("y")), ErrChannelClosed)

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "x", string(v))

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestQueue_AbortDropsAndWakes(t *testing.T) {
	q := newQueue(byteLen)
	popped := make(chan bool)
	go func() {
		_, ok := q.Pop()
		popped <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Abort()

	select {
	case ok := <-popped:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pop did not return after abort")
	}
	assert.True(t, q.Empty())
	assert.ErrorIs(t, q.Push([]byte("z")), ErrChannelClosed)
}

func TestQueue_WaitBelowReleasesAsItemsDrain(t *testing.T) {
	q := newQueue(byteLen)
	require.NoError(t, q.Push(make([]byte, 10)))
	require.NoError(t, q.Push(make([]byte, 10)))

	released := make(chan bool)
	go func() { released <- q.WaitBelow(10) }()

	select {
	case <-released:
		t.Fatal("WaitBelow returned above the limit")
	case <-time.After(20 * time.Millisecond):
	}

	_, ok := q.Pop()
	require.True(t, ok)

	select {
	case ok := <-released:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("WaitBelow did not return after drain")
	}
}

func TestQueue_WaitBelowFailsWhenClosed(t *testing.T) {
	q := newQueue(byteLen)
	require.NoError(t, q.Push(make([]byte, 10)))
	q.Close()
	assert.False(t, q.WaitBelow(0))
}
