package tunnel

// beginDrain starts a graceful stop: no new local connections, offers or retries. Open
// streams get the shutdown grace period to finish before the channel is closed regardless.
func (i *Instance) beginDrain() {
	if i.draining || i.finished {
		return
	}
	i.draining = true
	i.cancelTimer(timerReconnect)
	i.cancelTimer(timerPair)

	s := i.sess
	if s == nil || !s.loggedIn {
		i.log.Info().Str("state", i.cur.String()).Msg("Stopping, no session to drain")
		i.finish()
		return
	}

	for _, p := range s.pairings {
		p.closeListener()
	}
	s.log.Info().Int("streams", len(s.streams)).Dur("grace", i.settings.ShutdownGrace).Msg("Draining session")
	i.arm(timerShutdown, i.settings.ShutdownGrace)
	i.checkDrained()
}

// checkDrained flushes the outbound queue once the last stream of a draining session is
// gone; the writer's completion then finishes the stop.
func (i *Instance) checkDrained() {
	s := i.sess
	if !i.draining || s == nil || s.flushing || len(s.streams) > 0 {
		return
	}
	s.flushing = true
	s.conn.flush()
}

// finish tears everything down and releases the registries. It runs once.
func (i *Instance) finish() {
	if i.finished {
		return
	}
	i.finished = true
	i.cancelAllTimers()
	i.teardown()
	i.tunnels.Release()
	i.ports.Release()
	i.traffic.Reset()
	i.log.Info().Msg("Tunnel instance drained")
}
