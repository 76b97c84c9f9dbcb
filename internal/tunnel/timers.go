package tunnel

import "time"

type timerKind int

const (
	timerReconnect timerKind = iota
	timerPair
	timerKeepalive
	timerShutdown
	numTimers
)

func (k timerKind) String() string {
	switch k {
	case timerReconnect:
		return "reconnect"
	case timerPair:
		return "pair"
	case timerKeepalive:
		return "keepalive"
	default:
		return "shutdown"
	}
}

type timerSlot struct {
	t   *time.Timer
	seq uint64
}

// arm (re)starts the timer of kind. A previous fire that is still queued becomes stale.
func (i *Instance) arm(kind timerKind, d time.Duration) {
	i.cancelTimer(kind)
	slot := &i.timers[kind]
	seq := slot.seq
	slot.t = time.AfterFunc(d, func() { i.post(evTimer{kind: kind, seq: seq}) })
}

func (i *Instance) cancelTimer(kind timerKind) {
	slot := &i.timers[kind]
	if slot.t != nil {
		slot.t.Stop()
		slot.t = nil
	}
	slot.seq++
}

func (i *Instance) armed(kind timerKind) bool {
	return i.timers[kind].t != nil
}

func (i *Instance) cancelAllTimers() {
	for k := timerKind(0); k < numTimers; k++ {
		i.cancelTimer(k)
	}
}

func (i *Instance) onTimer(e evTimer) {
	slot := &i.timers[e.kind]
	if slot.t == nil || e.seq != slot.seq {
		return
	}
	slot.t = nil

	switch e.kind {
	case timerReconnect:
		i.onReconnectTimer()
	case timerPair:
		i.onPairTimer()
	case timerKeepalive:
		i.onKeepaliveTimer()
	case timerShutdown:
		i.log.Warn().Dur("grace", i.settings.ShutdownGrace).Msg("Shutdown grace period expired, closing remaining streams")
		i.finish()
	}
}
