package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/pkg/file"
	"github.com/benmeehan/iot-tunnel/pkg/protocol"
	"github.com/benmeehan/iot-tunnel/pkg/secure"
)

const waitFor = 2 * time.Second

// pipeChannel is a secure.Channel over one end of net.Pipe with a no-op handshake.
type pipeChannel struct {
	net.Conn
}

func (pipeChannel) Handshake(context.Context) error { return nil }

// pipeDialer hands the server end of every dialed pipe to the test.
type pipeDialer struct {
	servers chan net.Conn
	mu      sync.Mutex
	dials   []time.Time
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{servers: make(chan net.Conn, 4)}
}

func (d *pipeDialer) Dial(ctx context.Context, _ string, _ int) (secure.Channel, error) {
	client, server := net.Pipe()
	d.mu.Lock()
	d.dials = append(d.dials, time.Now())
	d.mu.Unlock()
	select {
	case d.servers <- server:
		return pipeChannel{Conn: client}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *pipeDialer) accept(t *testing.T) *peer {
	t.Helper()
	select {
	case c := <-d.servers:
		return &peer{t: t, conn: c, enc: protocol.NewEncoder(c), dec: protocol.NewDecoder(c)}
	case <-time.After(waitFor):
		t.Fatal("instance did not dial the upstream")
		return nil
	}
}

func (d *pipeDialer) dialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dials...)
}

// peer plays the upstream broker on the server end of a pipe.
type peer struct {
	t    *testing.T
	conn net.Conn
	enc  *protocol.Encoder
	dec  *protocol.Decoder
}

// next reads the next frame other than keepalive traffic.
func (p *peer) next() protocol.Frame {
	p.t.Helper()
	for {
		require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(waitFor)))
		f, err := p.dec.ReadFrame()
		require.NoError(p.t, err)
		if f.Type != protocol.TypePing && f.Type != protocol.TypePong {
			return f
		}
	}
}

// nextAny reads the next frame, keepalive traffic included.
func (p *peer) nextAny() protocol.Frame {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(waitFor)))
	f, err := p.dec.ReadFrame()
	require.NoError(p.t, err)
	return f
}

func (p *peer) expect(typ protocol.Type) protocol.Frame {
	p.t.Helper()
	f := p.next()
	require.Equal(p.t, typ, f.Type, "unexpected frame %s", f.Type)
	return f
}

func (p *peer) send(f protocol.Frame) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetWriteDeadline(time.Now().Add(waitFor)))
	require.NoError(p.t, p.enc.WriteFrame(f))
}

func (p *peer) control(typ protocol.Type, flags uint8, id uint32, v any) {
	p.t.Helper()
	f, err := protocol.NewControl(typ, flags, id, v)
	require.NoError(p.t, err)
	p.send(f)
}

func (p *peer) login() models.LoginRequest {
	p.t.Helper()
	f := p.expect(protocol.TypeLogin)
	var req models.LoginRequest
	require.NoError(p.t, f.Decode(&req))
	p.control(protocol.TypeLoginReply, protocol.FlagReply, f.ID, models.LoginReply{OK: true, Version: "1.2.0"})
	return req
}

// pairNext answers the next pair request and returns it with its id.
func (p *peer) pairNext(reply models.PairReply) (uint32, models.PairRequest) {
	p.t.Helper()
	f := p.expect(protocol.TypePair)
	var req models.PairRequest
	require.NoError(p.t, f.Decode(&req))
	p.control(protocol.TypePairReply, protocol.FlagReply, f.ID, reply)
	return f.ID, req
}

// discard reads and drops frames until the pipe closes.
func (p *peer) discard() {
	go func() {
		_ = p.conn.SetReadDeadline(time.Time{})
		for {
			if _, err := p.dec.ReadFrame(); err != nil {
				return
			}
		}
	}()
}

// recorder collects notifications.
type recorder struct {
	mu     sync.Mutex
	states []State
	logins []string
	pairs  []models.DevicePair
}

func (r *recorder) OnStateChanged(_ *Instance, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) OnLogin(_ *Instance, errText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logins = append(r.logins, errText)
}

func (r *recorder) OnDevicePair(_ *Instance, pair models.DevicePair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = append(r.pairs, pair)
}

func (r *recorder) snapshot() ([]State, []string, []models.DevicePair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...), append([]string(nil), r.logins...), append([]models.DevicePair(nil), r.pairs...)
}

func (r *recorder) count(s State) int {
	states, _, _ := r.snapshot()
	n := 0
	for _, x := range states {
		if x == s {
			n++
		}
	}
	return n
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// freePort reserves and releases a loopback port.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func writeTunnelFile(t *testing.T, tf models.TunnelFile) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tunnels.json")
	data, err := json.Marshal(tf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func overwriteTunnelFile(t *testing.T, path string, tf models.TunnelFile) {
	t.Helper()
	data, err := json.Marshal(tf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func testSettings() Settings {
	return Settings{
		MinBackoff:        30 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffFactor:     2,
		PairRetryDelay:    50 * time.Millisecond,
		ShutdownGrace:     300 * time.Millisecond,
		KeepaliveInterval: time.Minute,
		KeepaliveTimeout:  2 * time.Minute,
		DialTimeout:       time.Second,
	}
}

type harness struct {
	inst   *Instance
	dialer *pipeDialer
	rec    *recorder
	logs   *syncBuffer
	path   string
}

func newHarness(t *testing.T, tf models.TunnelFile, settings Settings) *harness {
	t.Helper()
	h := &harness{dialer: newPipeDialer(), rec: &recorder{}, logs: &syncBuffer{}}
	h.path = writeTunnelFile(t, tf)

	inst, err := Init(InitOptions{
		Hostname:      "broker.test",
		ConfigFile:    h.path,
		FileClient:    file.NewFileService(),
		Logger:        zerolog.New(h.logs).Level(zerolog.DebugLevel),
		Notifications: h.rec,
		Dialer:        h.dialer,
		Settings:      settings,
	})
	require.NoError(t, err)
	h.inst = inst
	t.Cleanup(func() {
		inst.ForceStop()
		select {
		case <-inst.Done():
		case <-time.After(waitFor):
			t.Error("instance did not stop")
		}
	})
	require.NoError(t, inst.Start())
	return h
}

func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.inst.State() == s }, waitFor, 2*time.Millisecond,
		"state %s not reached, at %s", s, h.inst.State())
}

func baseFile(tunnels []models.TunnelConfig, allow []int) models.TunnelFile {
	return models.TunnelFile{
		Username: "user",
		Password: "secret",
		Device:   "gateway-1",
		Tunnels:  tunnels,
		Allow:    allow,
	}
}
