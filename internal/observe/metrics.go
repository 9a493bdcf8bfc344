// Package observe carries dropbeam's observability stack: the OpenTelemetry
// metric instruments, tracing helpers, and the HTTP middleware that feeds
// them.
//
// Instruments register against a [metric.MeterProvider]; in production
// [InitProvider] installs one backed by a Prometheus exporter so everything
// lands on the /metrics endpoint. [DefaultMetrics] serves the common case of
// one process-wide instance, while tests pass their own provider to
// [NewMetrics] and read the results back through a manual reader.
package observe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all dropbeam metrics.
const meterName = "github.com/MrWong99/dropbeam"

// Metrics bundles every instrument the hub and web layers record into.
// Fields are safe for concurrent use.
type Metrics struct {
	// ConnectedPeers tracks the number of open peer connections.
	ConnectedPeers metric.Int64UpDownCounter

	// OpenRooms tracks the number of live rooms. Use with attribute:
	//   attribute.String("namespace", "ip"|"secret"|"public")
	OpenRooms metric.Int64UpDownCounter

	// MessagesDispatched counts inbound signaling messages. Use with attribute:
	//   attribute.String("type", ...)
	MessagesDispatched metric.Int64Counter

	// MessagesRelayed counts payload frames forwarded between peers. Use with
	// attribute: attribute.String("kind", "text"|"binary")
	MessagesRelayed metric.Int64Counter

	// RelayBytes counts payload bytes forwarded between peers.
	RelayBytes metric.Int64Counter

	// MessagesDropped counts frames the hub discarded. Use with attribute:
	//   attribute.String("reason", ...)
	MessagesDropped metric.Int64Counter

	// PairingAttempts counts pair-key operations. Use with attribute:
	//   attribute.String("outcome", ...)
	PairingAttempts metric.Int64Counter

	// KeepAliveTimeouts counts peers disconnected for missing heartbeats.
	KeepAliveTimeouts metric.Int64Counter

	// SessionDuration tracks how long peer connections stay open.
	SessionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks request latency on the HTTP surface. Use
	// with attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// sessionBuckets defines histogram bucket boundaries (in seconds) spanning a
// quick file drop up to an all-day tab.
var sessionBuckets = []float64{
	1, 10, 30, 60, 300, 900, 3600, 14400, 86400,
}

// NewMetrics registers every dropbeam instrument on mp's meter.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Gauges (UpDownCounters).
	if met.ConnectedPeers, err = m.Int64UpDownCounter("dropbeam.peers.connected",
		metric.WithDescription("Number of open peer connections."),
	); err != nil {
		return nil, fmt.Errorf("observe: register peers gauge: %w", err)
	}
	if met.OpenRooms, err = m.Int64UpDownCounter("dropbeam.rooms.open",
		metric.WithDescription("Number of live rooms by namespace."),
	); err != nil {
		return nil, fmt.Errorf("observe: register rooms gauge: %w", err)
	}

	// Counters.
	if met.MessagesDispatched, err = m.Int64Counter("dropbeam.messages.dispatched",
		metric.WithDescription("Total inbound signaling messages by type."),
	); err != nil {
		return nil, fmt.Errorf("observe: register dispatch counter: %w", err)
	}
	if met.MessagesRelayed, err = m.Int64Counter("dropbeam.relay.messages",
		metric.WithDescription("Total payload frames relayed between peers by kind."),
	); err != nil {
		return nil, fmt.Errorf("observe: register relay counter: %w", err)
	}
	if met.RelayBytes, err = m.Int64Counter("dropbeam.relay.bytes",
		metric.WithDescription("Total payload bytes relayed between peers."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, fmt.Errorf("observe: register relay bytes counter: %w", err)
	}
	if met.MessagesDropped, err = m.Int64Counter("dropbeam.messages.dropped",
		metric.WithDescription("Total frames discarded by the hub, by reason."),
	); err != nil {
		return nil, fmt.Errorf("observe: register drop counter: %w", err)
	}
	if met.PairingAttempts, err = m.Int64Counter("dropbeam.pairing.attempts",
		metric.WithDescription("Total pair-key operations by outcome."),
	); err != nil {
		return nil, fmt.Errorf("observe: register pairing counter: %w", err)
	}
	if met.KeepAliveTimeouts, err = m.Int64Counter("dropbeam.keepalive.timeouts",
		metric.WithDescription("Total peers disconnected for missing heartbeats."),
	); err != nil {
		return nil, fmt.Errorf("observe: register keepalive counter: %w", err)
	}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("dropbeam.peer.session.duration",
		metric.WithDescription("Lifetime of peer connections."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, fmt.Errorf("observe: register session histogram: %w", err)
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("dropbeam.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("observe: register http histogram: %w", err)
	}

	return met, nil
}

var (
	defaultOnce sync.Once
	defaultInst *Metrics
)

// DefaultMetrics returns the process-wide instance, creating it against the
// global meter provider on first call. It panics if instrument registration
// fails there.
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		var err error
		defaultInst, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultInst
}

// Attr shortens attribute.String at recording call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// PeerConnected records a new peer connection.
func (m *Metrics) PeerConnected(ctx context.Context) {
	m.ConnectedPeers.Add(ctx, 1)
}

// PeerDisconnected records the end of a peer connection and its lifetime.
func (m *Metrics) PeerDisconnected(ctx context.Context, lifetime time.Duration) {
	m.ConnectedPeers.Add(ctx, -1)
	m.SessionDuration.Record(ctx, lifetime.Seconds())
}

// RoomOpened records a room coming into existence in a namespace.
func (m *Metrics) RoomOpened(ctx context.Context, namespace string) {
	m.OpenRooms.Add(ctx, 1,
		metric.WithAttributes(attribute.String("namespace", namespace)),
	)
}

// RoomClosed records the deletion of an emptied room.
func (m *Metrics) RoomClosed(ctx context.Context, namespace string) {
	m.OpenRooms.Add(ctx, -1,
		metric.WithAttributes(attribute.String("namespace", namespace)),
	)
}

// RecordDispatch records one inbound signaling message by type.
func (m *Metrics) RecordDispatch(ctx context.Context, msgType string) {
	m.MessagesDispatched.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordRelay records one forwarded payload frame and its size.
func (m *Metrics) RecordRelay(ctx context.Context, kind string, bytes int) {
	m.MessagesRelayed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
	m.RelayBytes.Add(ctx, int64(bytes))
}

// RecordDrop records a discarded frame with the reason it was dropped.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.MessagesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordPairing records a pair-key operation outcome.
func (m *Metrics) RecordPairing(ctx context.Context, outcome string) {
	m.PairingAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordKeepAliveTimeout records a peer disconnected for missing heartbeats.
func (m *Metrics) RecordKeepAliveTimeout(ctx context.Context) {
	m.KeepAliveTimeouts.Add(ctx, 1)
}
