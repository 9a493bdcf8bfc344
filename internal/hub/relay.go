package hub

import (
	"context"
	"strings"

	"github.com/MrWong99/dropbeam/internal/identity"
)

// Binary relay frame layout. The fixed-size header addresses the payload;
// the payload itself is opaque and forwarded byte-identical.
//
//	[0, 36)    recipient peer id, ASCII UUID
//	[36]       room marker: 'i' (sender's ip room) or 's' (secret room)
//	[37, 101)  room secret, right-padded with spaces; unused for 'i'
//	[101, ...) payload
const (
	binaryRecipientEnd = 36
	binaryMarkerIndex  = 36
	binarySecretStart  = 37
	binaryHeaderLen    = 101
)

const (
	markerIPRoom     = 'i'
	markerSecretRoom = 's'
)

// handleBinary forwards one binary relay frame. Every failure is a silent
// drop: binary frames carry no reply channel and a missing recipient is the
// common case when a transfer outlives a room.
func (h *Hub) handleBinary(p *Peer, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if p.gone {
		return
	}
	if !p.wsFallback {
		h.metrics.RecordDrop(context.Background(), "fallback-disabled")
		return
	}
	if len(data) < binaryHeaderLen {
		h.metrics.RecordDrop(context.Background(), "short-frame")
		return
	}

	to := string(data[:binaryRecipientEnd])
	if !identity.IsPeerID(to) {
		h.metrics.RecordDrop(context.Background(), "bad-recipient")
		return
	}

	var r room
	switch data[binaryMarkerIndex] {
	case markerIPRoom:
		r = h.ipRooms[p.IP]
	case markerSecretRoom:
		secret := strings.TrimRight(string(data[binarySecretStart:binaryHeaderLen]), " ")
		r = h.secretRooms[secret]
	default:
		h.metrics.RecordDrop(context.Background(), "bad-room-marker")
		return
	}

	recipient, ok := r[to]
	if !ok {
		h.metrics.RecordDrop(context.Background(), "no-recipient")
		return
	}

	payload := data[binaryHeaderLen:]
	if recipient.sendBinary(payload) {
		h.metrics.RecordRelay(context.Background(), "binary", len(payload))
	}
}
