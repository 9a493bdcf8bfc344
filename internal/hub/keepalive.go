package hub

import (
	"context"
	"time"
)

// keepAliveTimeoutFactor scales the ping period into the silence threshold:
// a peer that misses two consecutive pings is considered gone.
const keepAliveTimeoutFactor = 2

// scheduleKeepAlive arms the peer's heartbeat timer. Caller holds the hub
// mutex.
func (h *Hub) scheduleKeepAlive(p *Peer) {
	if p.keepAlive != nil {
		p.keepAlive.Stop()
	}
	p.keepAlive = time.AfterFunc(p.keepAlivePeriod, func() {
		h.keepAliveTick(p)
	})
}

// keepAliveTick runs on the timer goroutine: a silent peer is disconnected,
// a live one is pinged and the timer re-armed.
func (h *Hub) keepAliveTick(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if p.gone {
		return
	}
	if time.Since(p.lastBeat) > keepAliveTimeoutFactor*p.keepAlivePeriod {
		h.log.Debug("keep-alive timeout", "peer", p.ID, "silentFor", time.Since(p.lastBeat))
		h.metrics.RecordKeepAliveTimeout(context.Background())
		h.disconnectLocked(p)
		return
	}
	p.send(typeOnlyMsg{Type: typePing})
	h.scheduleKeepAlive(p)
}

// cancelKeepAlive disarms the peer's heartbeat timer. Caller holds the hub
// mutex; a tick already past the gone check cannot exist because ticks take
// the same mutex.
func (h *Hub) cancelKeepAlive(p *Peer) {
	if p.keepAlive != nil {
		p.keepAlive.Stop()
		p.keepAlive = nil
	}
}
