package tunnel

import (
	"fmt"
	"net"
	"slices"
	"strconv"

	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/registry"
	"github.com/benmeehan/iot-tunnel/pkg/protocol"
)

// pairKey identifies a pairing within a session. Requested pairings use ids allocated here,
// offers use ids allocated by the peer, so the two spaces are kept apart.
type pairKey struct {
	id    uint32
	local bool
}

func (k pairKey) String() string {
	if k.local {
		return fmt.Sprintf("req-%d", k.id)
	}
	return fmt.Sprintf("offer-%d", k.id)
}

// flags marks frames about k with FlagReply when the peer allocated the id.
func (k pairKey) flags() uint8 {
	if k.local {
		return 0
	}
	return protocol.FlagReply
}

type pairing struct {
	key      pairKey
	slot     registry.Handle // requested pairings only
	record   models.PairingRecord
	listener net.Listener // requested pairings only
}

func (p *pairing) closeListener() {
	if p.listener != nil {
		_ = p.listener.Close()
		p.listener = nil
	}
}

// requestTunnels sends a pair request for every configured tunnel that is neither paired nor
// awaiting a reply, in registration order.
func (i *Instance) requestTunnels(initial bool) {
	s := i.sess
	if s == nil || !i.mode.RequestsTunnels() {
		return
	}
	for _, h := range i.tunnels.Handles() {
		if _, busy := s.slots[h.Index()]; busy {
			continue
		}
		cfg, err := i.tunnels.Get(h)
		if err != nil {
			s.log.Error().Err(err).Msg("Tunnel slot unavailable")
			continue
		}
		if !i.ports.IsPortAllowed(cfg.PortLocal) {
			if initial {
				s.log.Warn().Str("tunnel", cfg.Key()).Int("port_local", cfg.PortLocal).
					Msg("Local port not in allow list, tunnel not requested")
			}
			continue
		}

		id := s.allocPairID()
		f, err := protocol.NewControl(protocol.TypePair, 0, id, models.PairRequest{
			Cloud:     cfg.Cloud,
			Device:    cfg.Device,
			Port:      cfg.Port,
			PortLocal: cfg.PortLocal,
		})
		if err != nil {
			s.log.Error().Err(err).Str("tunnel", cfg.Key()).Msg("Failed to build pair request")
			continue
		}
		if err := s.conn.send(f); err != nil {
			return
		}
		s.requests[id] = h
		s.slots[h.Index()] = id
		s.log.Debug().Str("tunnel", cfg.Key()).Uint32("pair_id", id).Msg("Pair requested")
	}
}

// schedulePairRetry arms the shared pair timer unless a retry is already pending.
func (i *Instance) schedulePairRetry() {
	if !i.armed(timerPair) && !i.draining {
		i.arm(timerPair, i.settings.PairRetryDelay)
	}
}

func (i *Instance) onPairTimer() {
	if i.sess == nil || !i.sess.loggedIn || i.draining {
		return
	}
	i.requestTunnels(false)
}

func (i *Instance) onPairReply(f protocol.Frame) error {
	s := i.sess
	if !f.Reply() {
		return newError(ProtocolError, "pair reply %d without reply flag", f.ID)
	}
	h, ok := s.requests[f.ID]
	if !ok {
		return newError(ProtocolError, "pair reply for unknown id %d", f.ID)
	}
	delete(s.requests, f.ID)

	var reply models.PairReply
	if err := f.Decode(&reply); err != nil {
		return wrapError(ProtocolError, err)
	}
	if reply.PortRemote != 0 && !registry.ValidPort(reply.PortRemote) {
		return newError(ProtocolError, "pair reply %d: remote port %d out of range", f.ID, reply.PortRemote)
	}

	cfg, err := i.tunnels.Get(h)
	if err != nil {
		delete(s.slots, h.Index())
		return nil
	}
	log := s.log.With().Str("tunnel", cfg.Key()).Uint32("pair_id", f.ID).Logger()

	if !reply.OK {
		delete(s.slots, h.Index())
		log.Warn().Str("kind", PairingError.String()).Str("reason", reply.Error).
			Dur("retry_in", i.settings.PairRetryDelay).Msg("Pairing rejected")
		i.schedulePairRetry()
		return nil
	}
	key := pairKey{id: f.ID, local: true}
	if i.draining {
		delete(s.slots, h.Index())
		i.sendUnpair(key, "shutting down")
		return nil
	}

	addr := net.JoinHostPort(i.settings.ListenAddress, strconv.Itoa(cfg.PortLocal))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		delete(s.slots, h.Index())
		log.Warn().Err(err).Str("kind", PairingError.String()).Str("listen", addr).
			Msg("Failed to bind tunnel listener")
		i.sendUnpair(key, "local listener unavailable")
		i.schedulePairRetry()
		return nil
	}

	pid := reply.PID
	if pid != "" {
		if err := i.tunnels.SetPID(h, pid); err != nil {
			log.Error().Err(err).Msg("Failed to record paired process id")
		}
	} else {
		pid = cfg.PID
	}
	remote := cfg.Port
	if reply.PortRemote != 0 {
		remote = reply.PortRemote
	}

	p := &pairing{
		key:  key,
		slot: h,
		record: models.PairingRecord{
			ID:         f.ID,
			Cloud:      cfg.Cloud,
			PID:        pid,
			Device:     cfg.Device,
			PortLocal:  cfg.PortLocal,
			PortRemote: remote,
		},
		listener: ln,
	}
	i.addPairing(p)
	go i.acceptLoop(s.gen, key, ln)

	log.Info().Str("listen", ln.Addr().String()).Int("port_remote", remote).Msg("Tunnel paired")
	i.notify.OnDevicePair(i, p.record.DevicePair())
	return nil
}

func (i *Instance) onPairOffer(f protocol.Frame) error {
	s := i.sess
	if f.Reply() {
		return newError(ProtocolError, "pair offer %d with reply flag", f.ID)
	}
	var offer models.PairOffer
	if err := f.Decode(&offer); err != nil {
		return wrapError(ProtocolError, err)
	}
	if !registry.ValidPort(offer.PortLocal) || !registry.ValidPort(offer.PortRemote) {
		return newError(ProtocolError, "pair offer %d: ports %d/%d out of range", f.ID, offer.PortLocal, offer.PortRemote)
	}
	key := pairKey{id: f.ID, local: false}
	if _, dup := s.pairings[key]; dup {
		return newError(ProtocolError, "pair offer reuses id %d", f.ID)
	}

	log := s.log.With().Uint32("pair_id", f.ID).Str("cloud", offer.Cloud).
		Str("peer_device", offer.Device).Int("port_local", offer.PortLocal).Logger()

	var reason string
	switch {
	case !i.mode.AcceptsOffers():
		reason = "offers not accepted in " + i.mode.String() + " mode"
		log.Info().Msg("Pair offer declined")
	case i.draining:
		reason = "shutting down"
	case !i.ports.IsPortAllowed(offer.PortLocal):
		reason = "local port not allowed"
		log.Warn().Str("event", "security").Str("kind", ProtocolError.String()).
			Msg("Pair offer rejected, local port not in allow list")
	}
	if reason != "" {
		return i.replyOffer(f.ID, models.PairOfferReply{OK: false, Error: reason})
	}

	p := &pairing{
		key: key,
		record: models.PairingRecord{
			ID:         f.ID,
			Cloud:      offer.Cloud,
			PID:        offer.PID,
			Device:     offer.Device,
			PortLocal:  offer.PortLocal,
			PortRemote: offer.PortRemote,
			Forced:     true,
		},
	}
	if err := i.replyOffer(f.ID, models.PairOfferReply{OK: true}); err != nil {
		return err
	}
	i.addPairing(p)

	log.Info().Int("port_remote", offer.PortRemote).Msg("Forced pairing accepted")
	i.notify.OnDevicePair(i, p.record.DevicePair())
	return nil
}

func (i *Instance) replyOffer(id uint32, reply models.PairOfferReply) error {
	f, err := protocol.NewControl(protocol.TypePairOfferReply, protocol.FlagReply, id, reply)
	if err != nil {
		return wrapError(ProtocolError, err)
	}
	if err := i.sess.conn.send(f); err != nil {
		return wrapError(ChannelError, err)
	}
	return nil
}

func (i *Instance) onUnpair(f protocol.Frame) error {
	s := i.sess
	var msg models.Unpair
	if len(f.Payload) > 0 {
		if err := f.Decode(&msg); err != nil {
			return wrapError(ProtocolError, err)
		}
	}
	key := pairKey{id: f.ID, local: f.Reply()}

	p, ok := s.pairings[key]
	if !ok {
		if h, pending := s.requests[f.ID]; key.local && pending {
			delete(s.requests, f.ID)
			delete(s.slots, h.Index())
			i.schedulePairRetry()
		}
		return nil
	}

	s.log.Info().Stringer("pair", key).Str("reason", msg.Reason).Msg("Peer unpaired tunnel")
	i.removePairing(p)
	if key.local {
		delete(s.slots, p.slot.Index())
		i.schedulePairRetry()
	}
	return nil
}

func (i *Instance) sendUnpair(key pairKey, reason string) {
	f, err := protocol.NewControl(protocol.TypeUnpair, key.flags(), key.id, models.Unpair{Reason: reason})
	if err != nil {
		return
	}
	_ = i.sess.conn.send(f)
}

func (i *Instance) addPairing(p *pairing) {
	i.sess.pairings[p.key] = p
	i.traffic.Track(p.key.String())
	i.publishPairings()
}

// removePairing drops p with its listener and streams. The peer is not told.
func (i *Instance) removePairing(p *pairing) {
	s := i.sess
	p.closeListener()
	for _, st := range s.streams {
		if st.pair == p.key {
			i.removeStream(st)
			st.abort()
		}
	}
	delete(s.pairings, p.key)
	i.traffic.Remove(p.key.String())
	i.publishPairings()
	i.checkDrained()
}

// publishPairings refreshes the snapshot returned by Pairings: requested pairings first, each
// group ordered by id.
func (i *Instance) publishPairings() {
	var records []models.PairingRecord
	if i.sess != nil {
		records = make([]models.PairingRecord, 0, len(i.sess.pairings))
		for _, p := range i.sess.pairings {
			records = append(records, p.record)
		}
		slices.SortFunc(records, func(a, b models.PairingRecord) int {
			if a.Forced != b.Forced {
				if a.Forced {
					return 1
				}
				return -1
			}
			return int(int64(a.ID) - int64(b.ID))
		})
	}
	i.pairings.Store(&records)
}
