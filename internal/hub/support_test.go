package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/dropbeam/internal/identity"
	"github.com/MrWong99/dropbeam/internal/observe"
	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// fakeConn is an in-memory wsConn. Writes are captured on a channel for
// assertions; Read blocks until the connection closes.
type fakeConn struct {
	writes chan outFrame
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	graceful bool
	status   websocket.StatusCode
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		writes: make(chan outFrame, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) Write(ctx context.Context, kind websocket.MessageType, data []byte) error {
	select {
	case c.writes <- outFrame{kind: kind, data: data}:
		return nil
	case <-c.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.graceful = true
		c.status = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) CloseNow() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) closeInfo() (graceful bool, status websocket.StatusCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graceful, c.status
}

// waitClosed blocks until the connection closes or the timeout expires.
func (c *fakeConn) waitClosed(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(timeout):
		t.Fatal("connection not closed within timeout")
	}
}

// next returns the next written frame, failing the test after two seconds.
func (c *fakeConn) next(t *testing.T) outFrame {
	t.Helper()
	select {
	case f := <-c.writes:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return outFrame{}
	}
}

// expect reads the next frame and fails unless it is a text frame of the
// given type. The raw JSON is returned for further decoding.
func (c *fakeConn) expect(t *testing.T, wantType string) []byte {
	t.Helper()
	f := c.next(t)
	if f.kind != websocket.MessageText {
		t.Fatalf("frame kind = %v, want text", f.kind)
	}
	var env envelope
	if err := json.Unmarshal(f.data, &env); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if env.Type != wantType {
		t.Fatalf("frame type = %q, want %q (frame: %s)", env.Type, wantType, f.data)
	}
	return f.data
}

// collectUntil discards frames until one of the wanted type arrives and
// returns it. Fails after a timeout.
func (c *fakeConn) collectUntil(t *testing.T, wantType string) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.writes:
			if f.kind != websocket.MessageText {
				continue
			}
			var env envelope
			if err := json.Unmarshal(f.data, &env); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if env.Type == wantType {
				return f.data
			}
		case <-deadline:
			t.Fatalf("no %q frame within timeout", wantType)
			return nil
		}
	}
}

// expectBinary reads the next frame and fails unless it is binary.
func (c *fakeConn) expectBinary(t *testing.T) []byte {
	t.Helper()
	f := c.next(t)
	if f.kind != websocket.MessageBinary {
		t.Fatalf("frame kind = %v, want binary", f.kind)
	}
	return f.data
}

// expectNothing asserts that no frame arrives within a short grace period.
func (c *fakeConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case f := <-c.writes:
		t.Fatalf("unexpected frame: %s", f.data)
	case <-time.After(50 * time.Millisecond):
	}
}

// drainConn is a wsConn that discards all writes. Used where tests drive
// many peers and never inspect their frames.
type drainConn struct {
	closed chan struct{}
	once   sync.Once
}

func newDrainConn() *drainConn {
	return &drainConn{closed: make(chan struct{})}
}

func (c *drainConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *drainConn) Write(ctx context.Context, kind websocket.MessageType, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
		return nil
	}
}

func (c *drainConn) Close(code websocket.StatusCode, reason string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *drainConn) CloseNow() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// decode unmarshals a frame into v.
func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

// testID returns a deterministic, parseable peer UUID.
func testID(n int) string {
	return fmt.Sprintf("a0b1c2d3-%04d-4000-8000-%012d", n, n)
}

// testName builds a peer name without going through a Namer.
func testName(tag string) identity.Name {
	return identity.Name{DisplayName: "Peer " + tag, DeviceName: "Test Device"}
}

// testSettings slows the heartbeat and loosens the rate limit so neither
// interferes with tests that do not exercise them.
func testSettings() Settings {
	s := DefaultSettings()
	s.KeepAlivePeriod = time.Minute
	s.RateLimitAttempts = 100
	s.RateLimitWindow = time.Minute
	return s
}

// newTestHub builds a hub with silent logging and a metrics instance backed
// by a provider without readers.
func newTestHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()

	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(m),
		WithSettings(testSettings()),
	}
	h, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

// connectPeer attaches a fake connection to the hub and consumes the two
// greeting frames.
func connectPeer(t *testing.T, h *Hub, id, ip string) (*Peer, *fakeConn) {
	t.Helper()

	c := newFakeConn()
	p, ok := h.connect(c, id, ip, testName(id[len(id)-4:]), true)
	if !ok {
		t.Fatal("connect: hub is closed")
	}
	t.Cleanup(func() { h.disconnect(p) })

	c.expect(t, typeWSConfig)
	c.expect(t, typeDisplayName)
	return p, c
}

// sendText feeds one inbound text frame through the dispatcher.
func sendText(h *Hub, p *Peer, msg string) {
	h.handleText(p, []byte(msg))
}
