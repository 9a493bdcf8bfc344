// Package hub implements the signaling and fallback-relay core: peers
// connect over WebSocket, discover each other through ip, secret, and public
// rooms, exchange connection-negotiation messages, and fall back to relaying
// transfer payloads through the server when a direct link is impossible.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/dropbeam/internal/config"
	"github.com/MrWong99/dropbeam/internal/identity"
	"github.com/MrWong99/dropbeam/internal/observe"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// maxPayloadBytes caps a single inbound frame. Relay chunks are the largest
// legitimate frames; anything bigger is a protocol violation.
const maxPayloadBytes = 100 << 20

// Settings are the connection-scoped knobs applied to newly accepted peers.
// Established connections keep the values they were accepted with.
type Settings struct {
	// RTCConfig is raw JSON forwarded verbatim in the ws-config greeting.
	RTCConfig json.RawMessage

	// WSFallback permits relaying transfer payloads through the hub.
	WSFallback bool

	// KeepAlivePeriod is the server ping interval. Peers silent for more
	// than twice this period are disconnected.
	KeepAlivePeriod time.Duration

	// RateLimitAttempts per RateLimitWindow bound pair-key and public-room
	// join attempts per peer.
	RateLimitAttempts int
	RateLimitWindow   time.Duration

	// OriginPatterns, TrustProxy, and ProxyHeader govern the upgrade
	// handshake and client address resolution.
	OriginPatterns []string
	TrustProxy     bool
	ProxyHeader    string
}

// DefaultSettings mirrors the deployment defaults from the config package.
func DefaultSettings() Settings {
	return Settings{
		RTCConfig:         json.RawMessage(config.DefaultRTCConfig),
		WSFallback:        true,
		KeepAlivePeriod:   2 * time.Second,
		RateLimitAttempts: 10,
		RateLimitWindow:   10 * time.Second,
		ProxyHeader:       "X-Forwarded-For",
	}
}

// Hub owns every room, pair key, and live peer. One mutex serializes all
// state transitions; per-peer writer goroutines keep slow sockets from
// stalling the hub.
type Hub struct {
	log     *slog.Logger
	metrics *observe.Metrics
	namer   identity.Namer
	hasher  *identity.Hasher

	mu          sync.Mutex
	settings    Settings
	peers       map[*Peer]struct{}
	ipRooms     map[string]room
	secretRooms map[string]room
	publicRooms map[string]room
	pairs       map[string]pairEntry
	closed      bool
}

// Option configures a [Hub].
type Option func(*Hub)

// WithLogger sets the hub logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(h *Hub) { h.log = log }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithNamer sets the peer name generator. Defaults to [identity.NewNamer].
func WithNamer(n identity.Namer) Option {
	return func(h *Hub) { h.namer = n }
}

// WithSettings sets the initial connection settings. Defaults to
// [DefaultSettings].
func WithSettings(s Settings) Option {
	return func(h *Hub) { h.settings = s.normalized() }
}

func (s Settings) normalized() Settings {
	if s.KeepAlivePeriod <= 0 {
		s.KeepAlivePeriod = 2 * time.Second
	}
	if s.RateLimitAttempts <= 0 {
		s.RateLimitAttempts = 1
	}
	if s.RateLimitWindow <= 0 {
		s.RateLimitWindow = time.Second
	}
	return s
}

// New creates an empty hub.
func New(opts ...Option) (*Hub, error) {
	hasher, err := identity.NewHasher()
	if err != nil {
		return nil, fmt.Errorf("hub: %w", err)
	}
	h := &Hub{
		log:         slog.Default(),
		namer:       identity.NewNamer(),
		hasher:      hasher,
		settings:    DefaultSettings(),
		peers:       make(map[*Peer]struct{}),
		ipRooms:     make(map[string]room),
		secretRooms: make(map[string]room),
		publicRooms: make(map[string]room),
		pairs:       make(map[string]pairEntry),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h, nil
}

// ApplySettings swaps the settings used for future connections. Live peers
// are not disturbed.
func (h *Hub) ApplySettings(s Settings) {
	h.mu.Lock()
	h.settings = s.normalized()
	h.mu.Unlock()
	h.log.Info("hub settings updated")
}

// Accept upgrades the request to a WebSocket peer connection and serves it
// until the peer disconnects. It blocks for the connection's lifetime, so
// the caller's handler goroutine becomes the read loop.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return nil
	}
	settings := h.settings
	h.mu.Unlock()

	id, minted := identity.PeerID(r)
	if minted {
		identity.SetPeerID(w, r, id)
	}
	ip := identity.ClientIP(r, settings.TrustProxy, settings.ProxyHeader)
	rtcSupported := r.URL.Query().Get("webrtc_supported") == "true"
	name := h.namer.Name(id, r.Header.Get("User-Agent"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  settings.OriginPatterns,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return fmt.Errorf("hub: accept %s: %w", ip, err)
	}
	conn.SetReadLimit(maxPayloadBytes)

	p, ok := h.connect(conn, id, ip, name, rtcSupported)
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return nil
	}

	h.metrics.PeerConnected(r.Context())
	h.log.Debug("peer connected", "peer", p.ID, "ip", p.IP, "device", p.Name.DeviceName, "rtcSupported", p.RTCSupported)

	h.readLoop(r.Context(), p)

	h.disconnect(p)
	h.metrics.PeerDisconnected(context.Background(), time.Since(p.connectedAt))
	h.log.Debug("peer disconnected", "peer", p.ID, "ip", p.IP)
	return nil
}

// connect wires an established socket into the hub: settings snapshot,
// registration, greeting, heartbeat. Returns ok=false when the hub is
// already shutting down.
func (h *Hub) connect(conn wsConn, id, ip string, name identity.Name, rtcSupported bool) (*Peer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false
	}
	settings := h.settings

	p := newPeer(conn, id, ip, name, rtcSupported, h.log)
	p.wsFallback = settings.WSFallback
	p.keepAlivePeriod = settings.KeepAlivePeriod
	p.limiter = rate.NewLimiter(
		rate.Every(settings.RateLimitWindow/time.Duration(settings.RateLimitAttempts)),
		settings.RateLimitAttempts,
	)

	go p.writePump()

	h.peers[p] = struct{}{}

	// Greeting order is part of the protocol: ws-config first, then the
	// peer's own identity.
	p.send(wsConfigMsg{Type: typeWSConfig, WSConfig: wsConfigBody{
		RTCConfig:            settings.RTCConfig,
		WSFallback:           settings.WSFallback,
		ChunkSize:            ChunkSize,
		MaxParallelTransfers: MaxParallelTransfers,
		DisableThrottling:    true,
	}})
	p.send(displayNameMsg{
		Type:        typeDisplayName,
		DisplayName: p.Name.DisplayName,
		DeviceName:  p.Name.DeviceName,
		PeerID:      p.ID,
		PeerIDHash:  h.hasher.HashID(p.ID),
	})

	p.lastBeat = time.Now()
	h.scheduleKeepAlive(p)

	return p, true
}

// readLoop pumps inbound frames into the dispatcher until the socket dies.
func (h *Hub) readLoop(ctx context.Context, p *Peer) {
	for {
		kind, data, err := p.conn.Read(ctx)
		if err != nil {
			return
		}
		switch kind {
		case websocket.MessageText:
			h.handleText(p, data)
		case websocket.MessageBinary:
			h.handleBinary(p, data)
		}
	}
}

// disconnect runs the full disconnect cascade for p, once.
func (h *Hub) disconnect(p *Peer) {
	h.mu.Lock()
	h.disconnectLocked(p)
	h.mu.Unlock()
}

// disconnectLocked is the ordered teardown: revoke the pair key, disarm the
// heartbeat, leave every room (ip, then secrets in join order, then public),
// and terminate the socket last so departure notifications are already
// queued to the survivors.
func (h *Hub) disconnectLocked(p *Peer) {
	if p.gone {
		return
	}
	p.gone = true

	if p.pairKey != "" {
		h.removePairKey(p.pairKey)
	}
	h.cancelKeepAlive(p)
	h.leaveRoom(p, RoomIP, p.IP, true)
	for _, secret := range slices.Clone(p.roomSecrets) {
		h.leaveRoom(p, RoomSecret, secret, true)
	}
	if p.publicRoomID != "" {
		h.leaveRoom(p, RoomPublic, p.publicRoomID, true)
	}
	delete(h.peers, p)

	p.terminate()
}

// PeerCount reports the number of live connections.
func (h *Hub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// RoomCount reports the number of live rooms in one namespace.
func (h *Hub) RoomCount(rt RoomType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.roomsFor(rt))
}

// Ready reports whether the hub accepts connections. Used by the readiness
// probe.
func (h *Hub) Ready() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("hub: shutting down")
	}
	return nil
}

// Shutdown refuses new connections and closes every peer with a going-away
// handshake, waiting until all teardowns finish or ctx expires.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	peers := make([]*Peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			p.close(websocket.StatusGoingAway, "server shutting down")
			h.disconnect(p)
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub: shutdown: %w", ctx.Err())
	}
}
