package tunnel

import (
	"bufio"
	"errors"
	"io"
	"sync"

	"github.com/benmeehan/iot-tunnel/pkg/protocol"
	"github.com/benmeehan/iot-tunnel/pkg/secure"
)

func frameSize(f protocol.Frame) int { return protocol.HeaderSize + len(f.Payload) }

// conn adapts a handshaken secure.Channel to the instance loop. A reader goroutine decodes
// inbound frames and a writer goroutine drains the outbound queue; both report to the loop
// through post and never touch session state.
type conn struct {
	ch  secure.Channel
	gen uint64
	out *queue[protocol.Frame]

	closeOnce sync.Once
}

func newConn(ch secure.Channel, gen uint64) *conn {
	return &conn{
		ch:  ch,
		gen: gen,
		out: newQueue(frameSize),
	}
}

// start launches the I/O goroutines. It must be called once, after the handshake completed.
func (c *conn) start(post func(any)) {
	go c.readLoop(post)
	go c.writeLoop(post)
}

func (c *conn) readLoop(post func(any)) {
	dec := protocol.NewDecoder(bufio.NewReader(c.ch))
	for {
		f, err := dec.ReadFrame()
		if err != nil {
			post(evChannelDown{gen: c.gen, err: classifyRead(err)})
			return
		}
		post(evFrame{gen: c.gen, frame: f})
	}
}

func (c *conn) writeLoop(post func(any)) {
	enc := protocol.NewEncoder(c.ch)
	for {
		f, ok := c.out.Pop()
		if !ok {
			post(evWriterDone{gen: c.gen})
			return
		}
		if err := enc.WriteFrame(f); err != nil {
			c.out.Abort()
			post(evChannelDown{gen: c.gen, err: wrapError(ChannelError, err)})
			return
		}
	}
}

func classifyRead(err error) error {
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		return wrapError(ProtocolError, err)
	case errors.Is(err, io.EOF):
		return newError(ChannelError, "upstream closed the channel")
	default:
		return wrapError(ChannelError, err)
	}
}

// send queues f for the writer.
func (c *conn) send(f protocol.Frame) error {
	return c.out.Push(f)
}

// flush stops accepting frames; the writer reports evWriterDone once the queue is drained.
func (c *conn) flush() {
	c.out.Close()
}

// close drops queued frames and closes the channel. Safe to call more than once.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.out.Abort()
		_ = c.ch.Close()
	})
}
