package tunnel

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/registry"
	"github.com/benmeehan/iot-tunnel/pkg/protocol"
)

var protocolConstraint = mustConstraint(constants.ProtocolConstraint)

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

// session is the live upstream connection and everything it carries. It is discarded as a
// whole when the connection ends.
type session struct {
	id       string
	gen      uint64
	log      zerolog.Logger
	conn     *conn
	loggedIn bool
	flushing bool
	lastRecv time.Time
	pingSeq  uint32

	nextPairID   uint32
	nextStreamID uint32

	requests map[uint32]registry.Handle // outstanding pair requests
	slots    map[int]uint32             // slot index -> pair id, requested or paired
	pairings map[pairKey]*pairing
	streams  map[streamKey]*stream
}

func newSession(gen uint64, c *conn, log zerolog.Logger) *session {
	id := uuid.NewString()
	return &session{
		id:       id,
		gen:      gen,
		log:      log.With().Str("session", id).Logger(),
		conn:     c,
		lastRecv: time.Now(),
		requests: make(map[uint32]registry.Handle),
		slots:    make(map[int]uint32),
		pairings: make(map[pairKey]*pairing),
		streams:  make(map[streamKey]*stream),
	}
}

func (s *session) allocPairID() uint32 {
	for {
		s.nextPairID++
		if s.nextPairID == 0 {
			continue
		}
		_, pending := s.requests[s.nextPairID]
		_, paired := s.pairings[pairKey{id: s.nextPairID, local: true}]
		if !pending && !paired {
			return s.nextPairID
		}
	}
}

func (s *session) allocStreamID() uint32 {
	for {
		s.nextStreamID++
		if s.nextStreamID == 0 {
			continue
		}
		if _, used := s.streams[streamKey{id: s.nextStreamID, local: true}]; !used {
			return s.nextStreamID
		}
	}
}

func (i *Instance) onReconnectTimer() {
	if i.draining || i.cur != Disconnected {
		return
	}
	if i.authHold {
		i.log.Info().Dur("retry_in", i.backoff.Max).Msg("Login held after rejection, waiting for new credentials")
		i.arm(timerReconnect, i.backoff.Max)
		return
	}
	i.connect()
}

// connect starts one connection attempt: dial, then handshake, each reported back as an event.
func (i *Instance) connect() {
	i.gen++
	gen := i.gen
	ctx, cancel := context.WithCancel(context.Background())
	i.attempt, i.cancel = ctx, cancel
	i.setState(Connecting)

	go func() {
		dctx, dcancel := context.WithTimeout(ctx, i.settings.DialTimeout)
		defer dcancel()
		ch, err := i.dialer.Dial(dctx, i.hostname, i.port)
		i.post(evDialed{gen: gen, ch: ch, err: err})
	}()
}

func (i *Instance) onDialed(e evDialed) {
	if e.gen != i.gen || i.cur != Connecting || i.draining {
		if e.ch != nil {
			_ = e.ch.Close()
		}
		return
	}
	if e.err != nil {
		i.fail(wrapError(ChannelError, fmt.Errorf("dial upstream: %w", e.err)))
		return
	}

	i.pending = e.ch
	i.setState(HandshakeInProgress)

	ch, gen, parent := e.ch, e.gen, i.attempt
	go func() {
		ctx, cancel := context.WithTimeout(parent, i.settings.DialTimeout)
		defer cancel()
		i.post(evHandshake{gen: gen, err: ch.Handshake(ctx)})
	}()
}

func (i *Instance) onHandshake(e evHandshake) {
	if e.gen != i.gen || i.cur != HandshakeInProgress || i.pending == nil {
		return
	}
	if e.err != nil {
		i.fail(wrapError(ChannelError, fmt.Errorf("secure handshake: %w", e.err)))
		return
	}

	c := newConn(i.pending, e.gen)
	i.pending = nil
	i.cancel()
	i.attempt, i.cancel = nil, nil

	s := newSession(e.gen, c, i.log)
	i.sess = s
	c.start(i.post)
	s.log.Info().Msg("Secure channel established, logging in")

	login, err := protocol.NewControl(protocol.TypeLogin, 0, 0, models.LoginRequest{
		Username: i.creds.Username,
		Password: i.creds.Password,
		Device:   i.creds.Device,
		Version:  constants.ProtocolVersion,
	})
	if err != nil {
		i.fail(wrapError(ProtocolError, err))
		return
	}
	if err := c.send(login); err != nil {
		i.fail(wrapError(ChannelError, err))
		return
	}
	i.arm(timerKeepalive, i.settings.KeepaliveInterval)
}

func (i *Instance) onFrame(e evFrame) {
	s := i.sess
	if s == nil || e.gen != s.gen {
		return
	}
	s.lastRecv = time.Now()
	f := e.frame

	if !s.loggedIn {
		switch f.Type {
		case protocol.TypeLoginReply, protocol.TypePing, protocol.TypePong:
		default:
			i.fail(newError(ProtocolError, "%s frame before login completed", f.Type))
			return
		}
	}

	var err error
	switch f.Type {
	case protocol.TypePing:
		err = s.conn.send(protocol.Frame{Type: protocol.TypePong, Flags: protocol.FlagReply, ID: f.ID})
	case protocol.TypePong:
	case protocol.TypeLoginReply:
		err = i.onLoginReply(f)
	case protocol.TypePairReply:
		err = i.onPairReply(f)
	case protocol.TypePairOffer:
		err = i.onPairOffer(f)
	case protocol.TypeUnpair:
		err = i.onUnpair(f)
	case protocol.TypeOpen:
		err = i.onOpen(f)
	case protocol.TypeData:
		err = i.onData(f)
	case protocol.TypeClose:
		err = i.onClose(f)
	default:
		err = newError(ProtocolError, "unexpected %s frame from upstream", f.Type)
	}
	if err != nil && i.sess == s {
		i.fail(err)
	}
}

func (i *Instance) onLoginReply(f protocol.Frame) error {
	s := i.sess
	if s.loggedIn {
		return newError(ProtocolError, "duplicate login reply")
	}
	var reply models.LoginReply
	if err := f.Decode(&reply); err != nil {
		return wrapError(ProtocolError, err)
	}

	if !reply.OK {
		text := reply.Error
		if text == "" {
			text = "login rejected"
		}
		s.log.Error().Str("kind", AuthError.String()).Str("username", i.creds.Username).Str("reason", text).
			Msg("Login rejected, holding credentials until they change")
		i.authHold = true
		i.notify.OnLogin(i, text)
		i.teardown()
		i.afterTeardown()
		return nil
	}

	if reply.Version != "" {
		if err := checkVersion(reply.Version); err != nil {
			i.notify.OnLogin(i, err.Error())
			return wrapError(ProtocolError, err)
		}
	}

	s.loggedIn = true
	i.backoff.Reset()
	i.setState(Authenticated)
	i.notify.OnLogin(i, "")
	s.log.Info().Str("server_version", reply.Version).Msg("Logged in")

	i.requestTunnels(true)
	if i.sess == s {
		i.setState(Active)
	}
	return nil
}

func checkVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid server protocol version %q: %w", v, err)
	}
	if !protocolConstraint.Check(version) {
		return fmt.Errorf("unsupported server protocol version %s", version)
	}
	return nil
}

func (i *Instance) onKeepaliveTimer() {
	s := i.sess
	if s == nil {
		return
	}
	idle := time.Since(s.lastRecv)
	if idle >= i.settings.KeepaliveTimeout {
		i.fail(newError(ChannelError, "no frame from upstream for %s", idle.Round(time.Millisecond)))
		return
	}
	if idle >= i.settings.KeepaliveInterval {
		s.pingSeq++
		if err := s.conn.send(protocol.Frame{Type: protocol.TypePing, ID: s.pingSeq}); err != nil {
			return
		}
	}

	next := i.settings.KeepaliveInterval
	if rest := i.settings.KeepaliveTimeout - idle; rest < next {
		next = rest
	}
	i.arm(timerKeepalive, next)
}

// fail ends the current session after a channel or protocol error.
func (i *Instance) fail(err error) {
	kind := KindOf(err)
	ev := i.log.Warn()
	if kind == ProtocolError {
		ev = ev.Str("event", "security")
	}
	ev.Err(err).Str("kind", kind.String()).Str("state", i.cur.String()).Msg("Session failed")

	i.teardown()
	i.afterTeardown()
}

// teardown releases the session, its pairings, streams, listeners and timers, then moves to
// Disconnected. Nothing of the session survives it.
func (i *Instance) teardown() {
	if i.cancel != nil {
		i.cancel()
		i.attempt, i.cancel = nil, nil
	}
	if i.pending != nil {
		_ = i.pending.Close()
		i.pending = nil
	}
	i.cancelTimer(timerKeepalive)
	i.cancelTimer(timerPair)

	if s := i.sess; s != nil {
		for _, st := range s.streams {
			st.abort()
		}
		for _, p := range s.pairings {
			p.closeListener()
			i.traffic.Remove(p.key.String())
		}
		s.conn.close()
		i.sess = nil
	}
	i.gen++
	i.publishPairings()
	i.setState(Disconnected)
}

// afterTeardown either completes a pending stop or schedules the next connection attempt.
func (i *Instance) afterTeardown() {
	if i.draining {
		i.finish()
		return
	}
	delay := i.backoff.Duration()
	if i.authHold {
		delay = i.backoff.Max
	}
	i.log.Info().Dur("retry_in", delay).Msg("Reconnect scheduled")
	i.arm(timerReconnect, delay)
}
