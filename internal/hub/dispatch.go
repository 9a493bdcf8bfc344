package hub

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/dropbeam/internal/identity"
)

// handleText dispatches one inbound JSON frame. Malformed JSON is logged and
// dropped without affecting the connection; unknown types are dropped
// silently so old servers tolerate new clients.
func (h *Hub) handleText(p *Peer, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.log.Warn("malformed message", "peer", p.ID, "err", err)
		h.metrics.RecordDrop(context.Background(), "malformed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if p.gone {
		return
	}

	h.metrics.RecordDispatch(context.Background(), env.Type)

	switch env.Type {
	case typeDisconnect:
		h.disconnectLocked(p)

	case typePong:
		p.lastBeat = time.Now()

	case typeJoinIPRoom:
		h.joinRoom(p, RoomIP, p.IP)

	case typeRoomSecrets:
		var msg roomSecretsMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		for _, secret := range msg.RoomSecrets {
			if !validRoomSecret(secret) {
				h.log.Debug("ignoring invalid room secret", "peer", p.ID, "length", len(secret))
				continue
			}
			h.joinRoom(p, RoomSecret, secret)
		}

	case typeRoomSecretsDeleted:
		var msg roomSecretsMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		for _, secret := range msg.RoomSecrets {
			h.deleteSecretRoom(secret)
		}

	case typeRegenerateRoomSecret:
		var msg regenerateRoomSecretMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		h.regenerateRoomSecret(msg.RoomSecret)

	case typePairDeviceInitiate:
		h.handlePairDeviceInitiate(p)

	case typePairDeviceJoin:
		var msg pairDeviceJoinMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		h.handlePairDeviceJoin(p, msg)

	case typePairDeviceCancel:
		h.handlePairDeviceCancel(p)

	case typeCreatePublicRoom:
		h.handleCreatePublicRoom(p)

	case typeJoinPublicRoom:
		var msg joinPublicRoomMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		h.handleJoinPublicRoom(p, msg)

	case typeLeavePublicRoom:
		h.handleLeavePublicRoom(p)

	case typeSignal:
		h.route(p, data)

	default:
		if relayTypes[env.Type] {
			if !p.wsFallback {
				h.metrics.RecordDrop(context.Background(), "fallback-disabled")
				return
			}
			h.route(p, data)
			return
		}
		h.log.Debug("unknown message type", "peer", p.ID, "type", env.Type)
		h.metrics.RecordDrop(context.Background(), "unknown-type")
	}
}

// route forwards a signaling or relay frame to its addressee. The frame is
// re-emitted with "to" removed and "sender" attached; every other field
// passes through untouched. Any resolution failure is a silent drop: the
// addressee may simply have left.
func (h *Hub) route(p *Peer, data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		h.metrics.RecordDrop(context.Background(), "malformed")
		return
	}

	to, _ := msg["to"].(string)
	if !identity.IsPeerID(to) {
		h.metrics.RecordDrop(context.Background(), "bad-recipient")
		return
	}

	rt, _ := msg["roomType"].(string)
	var roomID string
	if RoomType(rt) == RoomIP {
		roomID = p.IP
	} else {
		roomID, _ = msg["roomId"].(string)
	}

	rooms := h.roomsFor(RoomType(rt))
	if rooms == nil {
		h.metrics.RecordDrop(context.Background(), "bad-room-type")
		return
	}
	recipient, ok := rooms[roomID][to]
	if !ok {
		h.metrics.RecordDrop(context.Background(), "no-recipient")
		return
	}

	delete(msg, "to")
	msg["sender"] = senderInfo{ID: p.ID, RTCSupported: p.RTCSupported}

	out, err := json.Marshal(msg)
	if err != nil {
		h.metrics.RecordDrop(context.Background(), "marshal")
		return
	}
	if recipient.sendRaw(out) {
		h.metrics.RecordRelay(context.Background(), "text", len(out))
	}
}

// regenerateRoomSecret rotates a secret room's name. Occupants are told the
// old and new secrets and the old room dissolves silently; clients rejoin
// under the new secret on their own.
func (h *Hub) regenerateRoomSecret(oldSecret string) {
	r, ok := h.secretRooms[oldSecret]
	if !ok {
		return
	}
	newSecret := randomString(roomSecretLength)

	regenerated := roomSecretRegeneratedMsg{
		Type:          typeRoomSecretRegenerated,
		OldRoomSecret: oldSecret,
		NewRoomSecret: newSecret,
	}
	for _, member := range r {
		member.send(regenerated)
		if i := slices.Index(member.roomSecrets, oldSecret); i >= 0 {
			member.roomSecrets = slices.Delete(member.roomSecrets, i, i+1)
		}
	}
	delete(h.secretRooms, oldSecret)
	h.metrics.RoomClosed(context.Background(), string(RoomSecret))
}

// handleCreatePublicRoom mints a collision-free five-character room id,
// confirms it to the creator, and seats the creator in the new room.
func (h *Hub) handleCreatePublicRoom(p *Peer) {
	var roomID string
	for {
		roomID = randomStringLowercase(publicRoomIDLength)
		if _, taken := h.publicRooms[roomID]; !taken {
			break
		}
	}
	p.send(publicRoomCreatedMsg{Type: typePublicRoomCreated, RoomID: roomID})
	h.joinPublicRoom(p, roomID)
}

// handleJoinPublicRoom joins an existing public room by id. Lookups are
// case-insensitive; the echo on rejection carries the id exactly as the
// client sent it.
func (h *Hub) handleJoinPublicRoom(p *Peer, msg joinPublicRoomMsg) {
	if p.rateLimitReached() {
		p.send(typeOnlyMsg{Type: typeJoinKeyRateLimit})
		return
	}

	roomID := strings.ToLower(msg.PublicRoomID)
	if !validPublicRoomID(roomID) {
		p.send(publicRoomIDInvalidMsg{Type: typePublicRoomIDInvalid, PublicRoomID: msg.PublicRoomID})
		return
	}
	if _, exists := h.publicRooms[roomID]; !exists && !msg.CreateIfInvalid {
		p.send(publicRoomIDInvalidMsg{Type: typePublicRoomIDInvalid, PublicRoomID: msg.PublicRoomID})
		return
	}
	h.joinPublicRoom(p, roomID)
}

// joinPublicRoom enforces the at-most-one-public-room rule before seating
// the peer.
func (h *Hub) joinPublicRoom(p *Peer, roomID string) {
	if p.publicRoomID != "" && p.publicRoomID != roomID {
		h.leaveRoom(p, RoomPublic, p.publicRoomID, false)
	}
	h.joinRoom(p, RoomPublic, roomID)
}

// handleLeavePublicRoom leaves the peer's public room and confirms. Without
// a current room it is a no-op.
func (h *Hub) handleLeavePublicRoom(p *Peer) {
	if p.publicRoomID == "" {
		return
	}
	h.leaveRoom(p, RoomPublic, p.publicRoomID, false)
	p.send(typeOnlyMsg{Type: typePublicRoomLeft})
}

// publicRoomIDLength is the length of generated public room ids.
const publicRoomIDLength = 5
