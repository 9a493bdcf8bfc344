package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/dropbeam/internal/identity"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const (
	// sendQueueSize bounds per-peer outbound buffering. A peer that cannot
	// drain this many frames is effectively dead and loses messages.
	sendQueueSize = 64

	// writeTimeout caps how long a single frame write may stall.
	writeTimeout = 10 * time.Second
)

// outFrame is one queued outbound WebSocket frame.
type outFrame struct {
	kind websocket.MessageType
	data []byte
}

// wsConn is the subset of [*websocket.Conn] the hub drives, split out so
// tests can substitute an in-memory fake.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, kind websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// Peer is one live WebSocket connection and the hub-side state attached to
// it. All mutable fields are guarded by the hub mutex; the outbound queue
// and writer goroutine are the only concurrent parts.
type Peer struct {
	ID           string
	IP           string
	Name         identity.Name
	RTCSupported bool

	// roomSecrets preserves join order; publicRoomID and pairKey hold at
	// most one value each.
	roomSecrets  []string
	publicRoomID string
	pairKey      string

	// Connection-scoped settings captured from the hub at accept time.
	wsFallback      bool
	keepAlivePeriod time.Duration

	limiter     *rate.Limiter
	lastBeat    time.Time
	keepAlive   *time.Timer
	connectedAt time.Time
	gone        bool

	conn      wsConn
	queue     chan outFrame
	done      chan struct{}
	closeOnce sync.Once

	log *slog.Logger
}

func newPeer(conn wsConn, id, ip string, name identity.Name, rtcSupported bool, log *slog.Logger) *Peer {
	return &Peer{
		ID:           id,
		IP:           ip,
		Name:         name,
		RTCSupported: rtcSupported,
		connectedAt:  time.Now(),
		conn:         conn,
		queue:        make(chan outFrame, sendQueueSize),
		done:         make(chan struct{}),
		log:          log.With("peer", id, "ip", ip),
	}
}

// Info returns the view of this peer shared with other room members.
func (p *Peer) Info() PeerInfo {
	return PeerInfo{
		ID:           p.ID,
		Name:         p.Name,
		RTCSupported: p.RTCSupported,
	}
}

// rateLimitReached consumes one pairing/join attempt and reports whether the
// peer is over its allowance.
func (p *Peer) rateLimitReached() bool {
	return !p.limiter.Allow()
}

// send marshals v and queues it as a text frame. Returns false when the
// frame was dropped because the peer is closed or its queue is full.
func (p *Peer) send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("marshal outbound message", "err", err)
		return false
	}
	return p.enqueue(outFrame{kind: websocket.MessageText, data: data})
}

// sendRaw queues pre-marshaled JSON as a text frame.
func (p *Peer) sendRaw(data []byte) bool {
	return p.enqueue(outFrame{kind: websocket.MessageText, data: data})
}

// sendBinary queues a binary frame.
func (p *Peer) sendBinary(data []byte) bool {
	return p.enqueue(outFrame{kind: websocket.MessageBinary, data: data})
}

// enqueue hands a frame to the writer goroutine without ever blocking the
// caller. Hub handlers run under the hub mutex and must not wait on a slow
// socket.
func (p *Peer) enqueue(f outFrame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.queue <- f:
		return true
	default:
		p.log.Warn("outbound queue full, dropping frame")
		return false
	}
}

// writePump is the single writer for the socket. It drains the queue until
// the peer closes or a write fails.
func (p *Peer) writePump() {
	for {
		select {
		case <-p.done:
			return
		case f := <-p.queue:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := p.conn.Write(ctx, f.kind, f.data)
			cancel()
			if err != nil {
				// The reader sees the same failure and runs the
				// disconnect cascade; nothing more to do here.
				return
			}
		}
	}
}

// terminate tears the socket down immediately. Pending queued frames are
// abandoned; peer-left notifications to other peers ride on their own
// sockets and are unaffected.
func (p *Peer) terminate() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.CloseNow()
	})
}

// close performs a graceful close handshake with the given status. Used at
// server shutdown; regular disconnects use terminate.
func (p *Peer) close(status websocket.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close(status, reason)
	})
}
