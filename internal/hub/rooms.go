package hub

import (
	"context"
	"fmt"
	"regexp"
	"slices"
)

// RoomType names the three room namespaces. Rooms in different namespaces
// never collide even when their ids are equal.
type RoomType string

const (
	// RoomIP groups peers behind one network address.
	RoomIP RoomType = "ip"

	// RoomSecret groups peers that share a pairing secret.
	RoomSecret RoomType = "secret"

	// RoomPublic groups peers that entered the same short room code.
	RoomPublic RoomType = "public"
)

// room is the membership set of one room, keyed by peer id.
type room map[string]*Peer

var (
	// roomSecretPattern admits printable and control ASCII, 64-256 chars.
	roomSecretPattern = regexp.MustCompile(`^[\x00-\x7F]{64,256}$`)

	// publicRoomIDPattern admits exactly five lowercase alphanumerics.
	publicRoomIDPattern = regexp.MustCompile(`^[a-z0-9]{5}$`)
)

// validRoomSecret reports whether s may name a secret room.
func validRoomSecret(s string) bool { return roomSecretPattern.MatchString(s) }

// validPublicRoomID reports whether s may name a public room.
func validPublicRoomID(s string) bool { return publicRoomIDPattern.MatchString(s) }

// roomsFor selects the namespace map. Callers hold the hub mutex.
func (h *Hub) roomsFor(rt RoomType) map[string]room {
	switch rt {
	case RoomIP:
		return h.ipRooms
	case RoomSecret:
		return h.secretRooms
	case RoomPublic:
		return h.publicRooms
	}
	return nil
}

// joinRoom adds p to the room, notifying in the fixed order: existing
// members learn of the joiner, the joiner receives the membership snapshot,
// and only then is the joiner inserted. A stale entry under the same id is
// removed first so reconnects replay as leave-then-join.
func (h *Hub) joinRoom(p *Peer, rt RoomType, roomID string) {
	rooms := h.roomsFor(rt)

	if r, ok := rooms[roomID]; ok {
		if prev, ok := r[p.ID]; ok {
			h.leaveRoom(prev, rt, roomID, false)
		}
	}

	r := rooms[roomID]

	joined := peerJoinedMsg{Type: typePeerJoined, Peer: p.Info(), RoomType: rt, RoomID: roomID}
	for _, other := range r {
		other.send(joined)
	}

	snapshot := make([]PeerInfo, 0, len(r))
	for _, other := range r {
		snapshot = append(snapshot, other.Info())
	}
	p.send(peersMsg{Type: typePeers, Peers: snapshot, RoomType: rt, RoomID: roomID})

	if r == nil {
		r = make(room)
		rooms[roomID] = r
		h.metrics.RoomOpened(context.Background(), string(rt))
	}
	r[p.ID] = p

	switch rt {
	case RoomSecret:
		if !slices.Contains(p.roomSecrets, roomID) {
			p.roomSecrets = append(p.roomSecrets, roomID)
		}
	case RoomPublic:
		p.publicRoomID = roomID
	}

	h.log.Debug("peer joined room", "peer", p.ID, "roomType", rt, "roomId", roomLabel(rt, roomID))
}

// leaveRoom removes p from the room. It is a no-op when p is not the current
// occupant under its id, so a lingering connection cannot evict its
// replacement. An emptied room is deleted; otherwise the remaining members
// are told who left.
func (h *Hub) leaveRoom(p *Peer, rt RoomType, roomID string, disconnect bool) {
	rooms := h.roomsFor(rt)
	r, ok := rooms[roomID]
	if !ok {
		return
	}
	if cur, ok := r[p.ID]; !ok || cur != p {
		return
	}
	delete(r, p.ID)

	switch rt {
	case RoomSecret:
		if i := slices.Index(p.roomSecrets, roomID); i >= 0 {
			p.roomSecrets = slices.Delete(p.roomSecrets, i, i+1)
		}
	case RoomPublic:
		if p.publicRoomID == roomID {
			p.publicRoomID = ""
		}
	}

	if len(r) == 0 {
		delete(rooms, roomID)
		h.metrics.RoomClosed(context.Background(), string(rt))
	} else {
		left := peerLeftMsg{Type: typePeerLeft, PeerID: p.ID, RoomType: rt, RoomID: roomID, Disconnect: disconnect}
		for _, other := range r {
			other.send(left)
		}
	}

	h.log.Debug("peer left room", "peer", p.ID, "roomType", rt, "roomId", roomLabel(rt, roomID), "disconnect", disconnect)
}

// deleteSecretRoom dissolves a secret room wholesale: every member leaves
// and is told the secret is gone.
func (h *Hub) deleteSecretRoom(roomSecret string) {
	r, ok := h.secretRooms[roomSecret]
	if !ok {
		return
	}
	members := make([]*Peer, 0, len(r))
	for _, m := range r {
		members = append(members, m)
	}
	for _, m := range members {
		h.leaveRoom(m, RoomSecret, roomSecret, false)
		m.send(secretRoomDeletedMsg{Type: typeSecretRoomDeleted, RoomSecret: roomSecret})
	}
}

// roomLabel keeps secrets out of logs: secret rooms are described by length
// only, other namespaces by their id.
func roomLabel(rt RoomType, roomID string) string {
	if rt == RoomSecret {
		return fmt.Sprintf("secret(%d chars)", len(roomID))
	}
	return roomID
}
