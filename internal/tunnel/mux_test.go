package tunnel

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/pkg/protocol"
)

func dialLocal(t *testing.T, port int) net.Conn {
	t.Helper()
	var c net.Conn
	require.Eventually(t, func() bool {
		var err error
		c, err = net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 100*time.Millisecond)
		return err == nil
	}, waitFor, 5*time.Millisecond)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readExactly(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitFor)))
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return buf
}

func TestMux_RequestedTunnelRoundTrip(t *testing.T) {
	port := freePort(t)
	tunnels := []models.TunnelConfig{{Cloud: "acme", Device: "cam-1", Port: 22, PortLocal: port}}
	h := newHarness(t, baseFile(tunnels, []int{port}), testSettings())

	p := h.dialer.accept(t)
	p.login()
	pairID, _ := p.pairNext(models.PairReply{OK: true})
	require.Eventually(t, func() bool { return len(h.inst.Pairings()) == 1 }, waitFor, 2*time.Millisecond)

	local := dialLocal(t, port)
	open := p.expect(protocol.TypeOpen)
	assert.False(t, open.Reply())
	got, err := open.PairID()
	require.NoError(t, err)
	assert.Equal(t, pairID, got)
	stream := open.ID

	_, err = local.Write([]byte("hello"))
	require.NoError(t, err)
	var sent []byte
	for len(sent) < 5 {
		f := p.expect(protocol.TypeData)
		assert.Equal(t, stream, f.ID)
		assert.False(t, f.Reply())
		sent = append(sent, f.Payload...)
	}
	assert.Equal(t, "hello", string(sent))

	// Several frames for one stream arrive in order.
	for _, chunk := range []string{"one,", "two,", "three"} {
		p.send(protocol.NewData(protocol.FlagReply, stream, []byte(chunk)))
	}
	assert.Equal(t, "one,two,three", string(readExactly(t, local, len("one,two,three"))))

	require.NoError(t, local.Close())
	closed := p.expect(protocol.TypeClose)
	assert.Equal(t, stream, closed.ID)
	assert.False(t, closed.Reply())

	// The pairing and session outlive the stream.
	assert.Equal(t, Active, h.inst.State())
	assert.Len(t, h.inst.Pairings(), 1)

	snap := h.inst.Traffic().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(5), snap[0].BytesOut)
	assert.Equal(t, uint64(len("one,two,three")), snap[0].BytesIn)
}

func TestMux_PeerCloseFlushesLocalEndpoint(t *testing.T) {
	port := freePort(t)
	tunnels := []models.TunnelConfig{{Cloud: "acme", Device: "cam-1", Port: 22, PortLocal: port}}
	h := newHarness(t, baseFile(tunnels, []int{port}), testSettings())

	p := h.dialer.accept(t)
	p.login()
	p.pairNext(models.PairReply{OK: true})
	require.Eventually(t, func() bool { return len(h.inst.Pairings()) == 1 }, waitFor, 2*time.Millisecond)

	local := dialLocal(t, port)
	stream := p.expect(protocol.TypeOpen).ID

	p.send(protocol.NewData(protocol.FlagReply, stream, []byte("bye")))
	p.send(protocol.NewClose(protocol.FlagReply, stream, ""))

	assert.Equal(t, "bye", string(readExactly(t, local, 3)))
	require.NoError(t, local.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := local.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Len(t, h.inst.Pairings(), 1)
}

func TestMux_ForcedPairingDialsLocalService(t *testing.T) {
	service, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer service.Close()
	port := service.Addr().(*net.TCPAddr).Port

	h := newHarness(t, baseFile(nil, []int{port}), testSettings())
	p := h.dialer.accept(t)
	p.login()
	h.waitState(t, Active)

	p.control(protocol.TypePairOffer, 0, 9, models.PairOffer{Cloud: "acme", Device: "laptop", PortLocal: port, PortRemote: 22})
	p.expect(protocol.TypePairOfferReply)

	p.send(protocol.NewOpen(5, 9))
	p.send(protocol.NewData(0, 5, []byte("ping")))

	require.NoError(t, service.(*net.TCPListener).SetDeadline(time.Now().Add(waitFor)))
	conn, err := service.Accept()
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "ping", string(readExactly(t, conn, 4)))

	_, err = conn.Write([]byte("pong"))
	require.NoError(t, err)
	f := p.expect(protocol.TypeData)
	assert.Equal(t, uint32(5), f.ID)
	assert.True(t, f.Reply())
	assert.Equal(t, "pong", string(f.Payload))

	require.NoError(t, conn.Close())
	closed := p.expect(protocol.TypeClose)
	assert.Equal(t, uint32(5), closed.ID)
	assert.True(t, closed.Reply())
}

func TestMux_OpenForUnknownPairingIsRefused(t *testing.T) {
	h := newHarness(t, baseFile(nil, nil), testSettings())
	p := h.dialer.accept(t)
	p.login()
	h.waitState(t, Active)

	p.send(protocol.NewOpen(11, 404))
	f := p.expect(protocol.TypeClose)
	assert.Equal(t, uint32(11), f.ID)
	assert.True(t, f.Reply())
	assert.Equal(t, Active, h.inst.State())
}

func TestMux_LocalDialFailureClosesStream(t *testing.T) {
	port := freePort(t)
	h := newHarness(t, baseFile(nil, []int{port}), testSettings())
	p := h.dialer.accept(t)
	p.login()
	h.waitState(t, Active)

	p.control(protocol.TypePairOffer, 0, 2, models.PairOffer{Cloud: "acme", Device: "laptop", PortLocal: port, PortRemote: 22})
	p.expect(protocol.TypePairOfferReply)

	p.send(protocol.NewOpen(1, 2))
	f := p.expect(protocol.TypeClose)
	assert.Equal(t, uint32(1), f.ID)
	assert.Equal(t, "local dial failed", string(f.Payload))
	assert.Len(t, h.inst.Pairings(), 1)
}

func TestMux_DrainWaitsForOpenStreams(t *testing.T) {
	port := freePort(t)
	tunnels := []models.TunnelConfig{{Cloud: "acme", Device: "cam-1", Port: 22, PortLocal: port}}
	settings := testSettings()
	settings.ShutdownGrace = 5 * time.Second
	h := newHarness(t, baseFile(tunnels, []int{port}), settings)

	p := h.dialer.accept(t)
	p.login()
	p.pairNext(models.PairReply{OK: true})
	require.Eventually(t, func() bool { return len(h.inst.Pairings()) == 1 }, waitFor, 2*time.Millisecond)

	local := dialLocal(t, port)
	stream := p.expect(protocol.TypeOpen).ID

	h.inst.ForceStop()
	select {
	case <-h.inst.Done():
		t.Fatal("stopped while a stream was open")
	case <-time.After(50 * time.Millisecond):
	}

	// Data still flows while draining.
	p.send(protocol.NewData(protocol.FlagReply, stream, []byte("last")))
	assert.Equal(t, "last", string(readExactly(t, local, 4)))

	require.NoError(t, local.Close())
	p.expect(protocol.TypeClose)
	p.discard()

	select {
	case <-h.inst.Done():
	case <-time.After(time.Second):
		t.Fatal("drain did not finish after the last stream closed")
	}
	assert.Equal(t, 1, h.rec.count(Disconnected))
}

func TestMux_ShutdownGraceForcesClose(t *testing.T) {
	port := freePort(t)
	tunnels := []models.TunnelConfig{{Cloud: "acme", Device: "cam-1", Port: 22, PortLocal: port}}
	settings := testSettings()
	settings.ShutdownGrace = 100 * time.Millisecond
	h := newHarness(t, baseFile(tunnels, []int{port}), settings)

	p := h.dialer.accept(t)
	p.login()
	p.pairNext(models.PairReply{OK: true})
	require.Eventually(t, func() bool { return len(h.inst.Pairings()) == 1 }, waitFor, 2*time.Millisecond)

	local := dialLocal(t, port)
	p.expect(protocol.TypeOpen)
	p.discard()

	started := time.Now()
	h.inst.ForceStop()
	select {
	case <-h.inst.Done():
	case <-time.After(waitFor):
		t.Fatal("grace timer did not force the stop")
	}
	assert.GreaterOrEqual(t, time.Since(started), 90*time.Millisecond)

	require.NoError(t, local.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := local.Read(make([]byte, 1))
	assert.Error(t, err)
}
