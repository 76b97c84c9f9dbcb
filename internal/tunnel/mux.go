package tunnel

import (
	"bytes"
	"net"
	"strconv"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/pkg/protocol"
)

// streamKey identifies a stream within a session. local is true for streams this side opened.
type streamKey struct {
	id    uint32
	local bool
}

// flags marks frames about k with FlagReply when the peer allocated the id.
func (k streamKey) flags() uint8 {
	if k.local {
		return 0
	}
	return protocol.FlagReply
}

// stream binds one local TCP connection to a stream id. Bytes from the upstream are queued
// in order and written by a single goroutine, so per-stream order holds end to end.
type stream struct {
	key  streamKey
	pair pairKey
	conn net.Conn // nil while the local dial is in flight
	in   *queue[[]byte]
}

func newStream(key streamKey, pair pairKey, c net.Conn) *stream {
	return &stream{
		key:  key,
		pair: pair,
		conn: c,
		in:   newQueue(func(b []byte) int { return len(b) }),
	}
}

// abort drops queued bytes and closes the local connection.
func (st *stream) abort() {
	st.in.Abort()
	if st.conn != nil {
		_ = st.conn.Close()
	}
}

func (st *stream) writeLoop(gen uint64, post func(any)) {
	for {
		b, ok := st.in.Pop()
		if !ok {
			break
		}
		if _, err := st.conn.Write(b); err != nil {
			st.in.Abort()
			post(evLocalClosed{gen: gen, key: st.key, err: err})
			break
		}
	}
	_ = st.conn.Close()
}

func (i *Instance) readLocal(gen uint64, out *queue[protocol.Frame], st *stream) {
	buf := make([]byte, constants.LocalReadSize)
	for {
		if !out.WaitBelow(constants.OutboundHighWater) {
			return
		}
		n, err := st.conn.Read(buf)
		if n > 0 {
			i.post(evLocalData{gen: gen, key: st.key, data: bytes.Clone(buf[:n])})
		}
		if err != nil {
			i.post(evLocalClosed{gen: gen, key: st.key, err: err})
			return
		}
	}
}

func (i *Instance) startStream(s *session, st *stream) {
	go st.writeLoop(s.gen, i.post)
	go i.readLocal(s.gen, s.conn.out, st)
}

func (i *Instance) acceptLoop(gen uint64, pair pairKey, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		i.post(evAccepted{gen: gen, pair: pair, conn: c})
	}
}

// onAccepted opens a stream for a local connection on a requested pairing's listener.
func (i *Instance) onAccepted(e evAccepted) {
	s := i.sess
	if s == nil || e.gen != s.gen || i.draining {
		_ = e.conn.Close()
		return
	}
	p, ok := s.pairings[e.pair]
	if !ok {
		_ = e.conn.Close()
		return
	}
	if len(s.streams) >= i.settings.MaxStreams {
		s.log.Warn().Stringer("pair", p.key).Int("max_streams", i.settings.MaxStreams).Msg("Stream limit reached, dropping local connection")
		_ = e.conn.Close()
		return
	}

	key := streamKey{id: s.allocStreamID(), local: true}
	if err := s.conn.send(protocol.NewOpen(key.id, p.key.id)); err != nil {
		_ = e.conn.Close()
		return
	}
	st := newStream(key, p.key, e.conn)
	s.streams[key] = st
	i.traffic.StreamOpened(p.key.String())
	s.log.Debug().Stringer("pair", p.key).Uint32("stream", key.id).Str("remote", e.conn.RemoteAddr().String()).Msg("Stream opened")
	i.startStream(s, st)
}

// onOpen handles a peer-opened stream on a forced pairing by dialing the local service
// through the worker pool.
func (i *Instance) onOpen(f protocol.Frame) error {
	s := i.sess
	if f.Reply() {
		return newError(ProtocolError, "open %d with reply flag", f.ID)
	}
	pairID, err := f.PairID()
	if err != nil {
		return wrapError(ProtocolError, err)
	}
	key := streamKey{id: f.ID, local: false}
	if _, dup := s.streams[key]; dup {
		return newError(ProtocolError, "open reuses stream id %d", f.ID)
	}

	refuse := func(reason string) error {
		s.log.Debug().Uint32("stream", f.ID).Uint32("pair_id", pairID).Str("reason", reason).Msg("Stream refused")
		if err := s.conn.send(protocol.NewClose(key.flags(), key.id, reason)); err != nil {
			return wrapError(ChannelError, err)
		}
		return nil
	}

	p, ok := s.pairings[pairKey{id: pairID, local: false}]
	switch {
	case !ok:
		return refuse("unknown pairing")
	case i.draining:
		return refuse("shutting down")
	case len(s.streams) >= i.settings.MaxStreams:
		return refuse("too many streams")
	}

	addr := net.JoinHostPort(i.settings.DialAddress, strconv.Itoa(p.record.PortLocal))
	gen := s.gen
	submitted := i.pool.TrySubmit(func() {
		c, err := i.local.Dial("tcp", addr)
		i.post(evLocalDialed{gen: gen, key: key, conn: c, err: err})
	})
	if !submitted {
		return refuse("local dial queue full")
	}

	s.streams[key] = newStream(key, p.key, nil)
	i.traffic.StreamOpened(p.key.String())
	return nil
}

func (i *Instance) onLocalDialed(e evLocalDialed) {
	s := i.sess
	if s == nil || e.gen != s.gen {
		if e.conn != nil {
			_ = e.conn.Close()
		}
		return
	}
	st, ok := s.streams[e.key]
	if !ok || st.conn != nil {
		if e.conn != nil {
			_ = e.conn.Close()
		}
		return
	}
	if e.err != nil {
		s.log.Warn().Err(e.err).Stringer("pair", st.pair).Uint32("stream", st.key.id).Msg("Local dial failed")
		i.closeStream(st, "local dial failed")
		return
	}
	st.conn = e.conn
	s.log.Debug().Stringer("pair", st.pair).Uint32("stream", st.key.id).Str("local", e.conn.RemoteAddr().String()).Msg("Stream connected")
	i.startStream(s, st)
}

func (i *Instance) onData(f protocol.Frame) error {
	s := i.sess
	st, ok := s.streams[streamKey{id: f.ID, local: f.Reply()}]
	if !ok {
		s.log.Debug().Uint32("stream", f.ID).Msg("Data for closed stream dropped")
		return nil
	}
	if st.in.Len()+len(f.Payload) > i.settings.MaxStreamBuffer {
		s.log.Warn().Stringer("pair", st.pair).Uint32("stream", st.key.id).Msg("Local endpoint too slow, resetting stream")
		i.closeStream(st, "buffer overflow")
		return nil
	}
	if len(f.Payload) == 0 {
		return nil
	}
	_ = st.in.Push(f.Payload)
	i.traffic.AddIn(st.pair.String(), len(f.Payload))
	return nil
}

// onClose ends a stream closed by the peer. Bytes already queued for the local endpoint are
// still written before its connection is closed.
func (i *Instance) onClose(f protocol.Frame) error {
	s := i.sess
	st, ok := s.streams[streamKey{id: f.ID, local: f.Reply()}]
	if !ok {
		return nil
	}
	i.removeStream(st)
	if st.conn == nil {
		st.in.Abort()
	} else {
		st.in.Close()
	}
	i.checkDrained()
	return nil
}

func (i *Instance) onLocalData(e evLocalData) {
	s := i.sess
	if s == nil || e.gen != s.gen {
		return
	}
	st, ok := s.streams[e.key]
	if !ok {
		return
	}
	if err := s.conn.send(protocol.NewData(e.key.flags(), e.key.id, e.data)); err != nil {
		return
	}
	i.traffic.AddOut(st.pair.String(), len(e.data))
}

func (i *Instance) onLocalClosed(e evLocalClosed) {
	s := i.sess
	if s == nil || e.gen != s.gen {
		return
	}
	st, ok := s.streams[e.key]
	if !ok {
		return
	}
	s.log.Debug().Stringer("pair", st.pair).Uint32("stream", st.key.id).Msg("Local endpoint closed")
	i.closeStream(st, "")
}

// closeStream ends st locally and tells the peer. The pairing stays valid.
func (i *Instance) closeStream(st *stream, reason string) {
	s := i.sess
	i.removeStream(st)
	st.abort()
	_ = s.conn.send(protocol.NewClose(st.key.flags(), st.key.id, reason))
	i.checkDrained()
}

func (i *Instance) removeStream(st *stream) {
	delete(i.sess.streams, st.key)
	i.traffic.StreamClosed(st.pair.String())
}
