package hub_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/dropbeam/internal/hub"
	"github.com/MrWong99/dropbeam/internal/identity"
	"github.com/MrWong99/dropbeam/internal/observe"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func e2eSettings() hub.Settings {
	s := hub.DefaultSettings()
	s.KeepAlivePeriod = time.Minute
	return s
}

// newWSServer starts a hub behind a real HTTP server and returns the ws URL.
func newWSServer(t *testing.T, settings hub.Settings) (*hub.Hub, string) {
	t.Helper()

	mp := sdkmetric.NewMeterProvider()
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h, err := hub.New(
		hub.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		hub.WithMetrics(m),
		hub.WithSettings(settings),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.Accept(w, r)
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		srv.Close()
		_ = mp.Shutdown(context.Background())
	})

	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dialPeer connects a WebSocket client, optionally presenting a peer id
// cookie.
func dialPeer(t *testing.T, wsURL, cookie string) (*websocket.Conn, *http.Response) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if cookie != "" {
		opts.HTTPHeader.Set("Cookie", identity.CookieName+"="+cookie)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL+"?webrtc_supported=true", opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn, resp
}

func writeText(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expectFrame reads text frames, skipping keep-alive pings, until one of the
// wanted type arrives.
func expectFrame(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		kind, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", wantType, err)
		}
		if kind != websocket.MessageText {
			t.Fatalf("frame kind = %v, want text", kind)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode frame %s: %v", data, err)
		}
		typ, _ := msg["type"].(string)
		if typ == "ping" {
			writeText(t, conn, `{"type":"pong"}`)
			continue
		}
		if typ != wantType {
			t.Fatalf("frame type = %q, want %q (frame: %s)", typ, wantType, data)
		}
		return msg
	}
}

// greet consumes the two greeting frames and returns the peer id the server
// assigned.
func greet(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	expectFrame(t, conn, "ws-config")
	dn := expectFrame(t, conn, "display-name")
	id, _ := dn["peerId"].(string)
	if id == "" {
		t.Fatal("display-name carried no peerId")
	}
	return id
}

func TestE2E_GreetingMintsCookieIdentity(t *testing.T) {
	_, wsURL := newWSServer(t, e2eSettings())
	conn, resp := dialPeer(t, wsURL, "")

	var minted string
	for _, c := range resp.Cookies() {
		if c.Name == identity.CookieName {
			minted = c.Value
		}
	}
	if minted == "" {
		t.Fatal("handshake response set no peer id cookie")
	}
	if _, err := uuid.Parse(minted); err != nil {
		t.Fatalf("minted cookie %q is not a UUID: %v", minted, err)
	}

	cfg := expectFrame(t, conn, "ws-config")
	body, ok := cfg["wsConfig"].(map[string]any)
	if !ok {
		t.Fatalf("wsConfig = %v, want an object", cfg["wsConfig"])
	}
	if body["chunkSize"] != float64(10_485_760) {
		t.Errorf("chunkSize = %v, want 10485760", body["chunkSize"])
	}
	if body["maxParallelTransfers"] != float64(8) {
		t.Errorf("maxParallelTransfers = %v, want 8", body["maxParallelTransfers"])
	}
	if body["disableThrottling"] != true {
		t.Errorf("disableThrottling = %v, want true", body["disableThrottling"])
	}

	dn := expectFrame(t, conn, "display-name")
	if dn["peerId"] != minted {
		t.Errorf("peerId = %v, want the minted cookie %q", dn["peerId"], minted)
	}
	hash, _ := dn["peerIdHash"].(string)
	if len(hash) != 64 {
		t.Errorf("peerIdHash length = %d, want 64", len(hash))
	}
}

func TestE2E_CookiePreservesIdentity(t *testing.T) {
	_, wsURL := newWSServer(t, e2eSettings())

	id := uuid.NewString()
	conn, resp := dialPeer(t, wsURL, id)

	for _, c := range resp.Cookies() {
		if c.Name == identity.CookieName {
			t.Errorf("server re-minted the cookie: %q", c.Value)
		}
	}
	if got := greet(t, conn); got != id {
		t.Errorf("peerId = %q, want the presented cookie %q", got, id)
	}
}

func TestE2E_IPRoomDiscovery(t *testing.T) {
	_, wsURL := newWSServer(t, e2eSettings())

	c1, _ := dialPeer(t, wsURL, "")
	id1 := greet(t, c1)
	c2, _ := dialPeer(t, wsURL, "")
	greet(t, c2)

	writeText(t, c1, `{"type":"join-ip-room"}`)
	first := expectFrame(t, c1, "peers")
	if peers, _ := first["peers"].([]any); len(peers) != 0 {
		t.Errorf("first joiner snapshot = %v, want empty", peers)
	}

	writeText(t, c2, `{"type":"join-ip-room"}`)
	snapshot := expectFrame(t, c2, "peers")
	peers, _ := snapshot["peers"].([]any)
	if len(peers) != 1 {
		t.Fatalf("snapshot = %v, want one peer", peers)
	}
	if info, _ := peers[0].(map[string]any); info["id"] != id1 {
		t.Errorf("snapshot peer id = %v, want %q", info["id"], id1)
	}

	joined := expectFrame(t, c1, "peer-joined")
	if peer, _ := joined["peer"].(map[string]any); peer["name"] == nil {
		t.Error("peer-joined carries no name")
	}
}

func TestE2E_PairDeviceRoundtrip(t *testing.T) {
	_, wsURL := newWSServer(t, e2eSettings())

	c1, _ := dialPeer(t, wsURL, "")
	id1 := greet(t, c1)
	c2, _ := dialPeer(t, wsURL, "")
	id2 := greet(t, c2)

	writeText(t, c1, `{"type":"pair-device-initiate"}`)
	initiated := expectFrame(t, c1, "pair-device-initiated")
	key, _ := initiated["pairKey"].(string)
	secret, _ := initiated["roomSecret"].(string)
	if len(key) != 6 || len(secret) != 256 {
		t.Fatalf("initiated = %v, want 6-digit key and 256-char secret", initiated)
	}
	expectFrame(t, c1, "peers")

	writeText(t, c2, fmt.Sprintf(`{"type":"pair-device-join","pairKey":%q}`, key))

	creatorSide := expectFrame(t, c1, "pair-device-joined")
	if creatorSide["peerId"] != id2 || creatorSide["roomSecret"] != secret {
		t.Errorf("creator notification = %v, want joiner %q and the shared secret", creatorSide, id2)
	}
	expectFrame(t, c1, "peer-joined")

	joinerSide := expectFrame(t, c2, "pair-device-joined")
	if joinerSide["peerId"] != id1 || joinerSide["roomSecret"] != secret {
		t.Errorf("joiner notification = %v, want creator %q and the shared secret", joinerSide, id1)
	}
	snapshot := expectFrame(t, c2, "peers")
	if peers, _ := snapshot["peers"].([]any); len(peers) != 1 {
		t.Errorf("snapshot = %v, want the creator", peers)
	}
}

func TestE2E_SelfPairRejected(t *testing.T) {
	_, wsURL := newWSServer(t, e2eSettings())

	conn, _ := dialPeer(t, wsURL, "")
	greet(t, conn)

	writeText(t, conn, `{"type":"pair-device-initiate"}`)
	initiated := expectFrame(t, conn, "pair-device-initiated")
	expectFrame(t, conn, "peers")

	writeText(t, conn, fmt.Sprintf(`{"type":"pair-device-join","pairKey":%q}`, initiated["pairKey"]))
	expectFrame(t, conn, "pair-device-join-key-invalid")
}

func TestE2E_SignalRelay(t *testing.T) {
	_, wsURL := newWSServer(t, e2eSettings())

	c1, _ := dialPeer(t, wsURL, "")
	id1 := greet(t, c1)
	c2, _ := dialPeer(t, wsURL, "")
	id2 := greet(t, c2)

	writeText(t, c1, `{"type":"join-ip-room"}`)
	expectFrame(t, c1, "peers")
	writeText(t, c2, `{"type":"join-ip-room"}`)
	expectFrame(t, c2, "peers")
	expectFrame(t, c1, "peer-joined")

	writeText(t, c1, fmt.Sprintf(`{"type":"signal","to":%q,"roomType":"ip","sdp":"v=0"}`, id2))

	signal := expectFrame(t, c2, "signal")
	if _, present := signal["to"]; present {
		t.Error("forwarded signal still carries the to field")
	}
	sender, _ := signal["sender"].(map[string]any)
	if sender["id"] != id1 {
		t.Errorf("sender.id = %v, want %q", sender["id"], id1)
	}
	if signal["sdp"] != "v=0" {
		t.Errorf("sdp = %v, want passed through", signal["sdp"])
	}
}

func TestE2E_BinaryRelay(t *testing.T) {
	_, wsURL := newWSServer(t, e2eSettings())

	c1, _ := dialPeer(t, wsURL, "")
	greet(t, c1)
	c2, _ := dialPeer(t, wsURL, "")
	id2 := greet(t, c2)

	writeText(t, c1, `{"type":"join-ip-room"}`)
	expectFrame(t, c1, "peers")
	writeText(t, c2, `{"type":"join-ip-room"}`)
	expectFrame(t, c2, "peers")
	expectFrame(t, c1, "peer-joined")

	payload := []byte("chunk payload \x00\x01\x02")
	frame := append([]byte(id2), 'i')
	frame = append(frame, strings.Repeat(" ", 64)...)
	frame = append(frame, payload...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c1.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	kind, got, err := c2.Read(ctx)
	if err != nil {
		t.Fatalf("read binary: %v", err)
	}
	if kind != websocket.MessageBinary {
		t.Fatalf("frame kind = %v, want binary", kind)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestE2E_SilentClientDisconnected(t *testing.T) {
	s := e2eSettings()
	s.KeepAlivePeriod = 50 * time.Millisecond
	h, wsURL := newWSServer(t, s)

	conn, _ := dialPeer(t, wsURL, "")
	greet(t, conn)

	deadline := time.Now().Add(3 * time.Second)
	for {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, _, err := conn.Read(ctx)
		cancel()
		if err == nil {
			continue // server pings keep arriving until the cutoff
		}
		if errors.Is(err, context.DeadlineExceeded) {
			t.Fatal("server never dropped the silent client")
		}
		break
	}

	waitFor(t, 2*time.Second, func() bool { return h.PeerCount() == 0 })
}

func TestE2E_ShutdownSendsGoingAway(t *testing.T) {
	h, wsURL := newWSServer(t, e2eSettings())

	conn, _ := dialPeer(t, wsURL, "")
	greet(t, conn)

	// Keep reading so the close handshake can complete.
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				errCh <- err
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-errCh:
		if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
			t.Errorf("close status = %v, want %v", got, websocket.StatusGoingAway)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client never observed the close")
	}
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached within timeout")
}
