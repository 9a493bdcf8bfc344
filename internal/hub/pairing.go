package hub

import (
	"context"
	"crypto/rand"
	"math/big"
	"strconv"
)

// pairEntry links an outstanding 6-digit pair key to the room secret it
// unlocks and the peer that created it.
type pairEntry struct {
	roomSecret string
	creator    *Peer
}

// handlePairDeviceInitiate allocates a fresh pair key and secret, replies to
// the initiator, and seats it in the new secret room. Re-initiating revokes
// the previous key first.
func (h *Hub) handlePairDeviceInitiate(p *Peer) {
	if p.pairKey != "" {
		h.removePairKey(p.pairKey)
	}

	roomSecret := randomString(roomSecretLength)
	pairKey := h.allocatePairKey()
	h.pairs[pairKey] = pairEntry{roomSecret: roomSecret, creator: p}
	p.pairKey = pairKey

	h.metrics.RecordPairing(context.Background(), "initiated")

	p.send(pairDeviceInitiatedMsg{Type: typePairDeviceInitiated, RoomSecret: roomSecret, PairKey: pairKey})
	h.joinRoom(p, RoomSecret, roomSecret)
}

// handlePairDeviceJoin redeems a pair key: both sides learn the shared
// secret and the joiner enters the secret room. The key is single-use and is
// burned on any join attempt that reaches it, including the creator trying
// to pair with itself.
func (h *Hub) handlePairDeviceJoin(p *Peer, msg pairDeviceJoinMsg) {
	if p.rateLimitReached() {
		h.metrics.RecordPairing(context.Background(), "rate-limited")
		p.send(typeOnlyMsg{Type: typeJoinKeyRateLimit})
		return
	}

	entry, ok := h.pairs[msg.PairKey]
	if !ok {
		h.metrics.RecordPairing(context.Background(), "invalid")
		p.send(typeOnlyMsg{Type: typePairDeviceJoinKeyInvalid})
		return
	}
	if entry.creator.ID == p.ID {
		h.removePairKey(msg.PairKey)
		h.metrics.RecordPairing(context.Background(), "self-join")
		p.send(typeOnlyMsg{Type: typePairDeviceJoinKeyInvalid})
		return
	}

	h.removePairKey(msg.PairKey)
	h.metrics.RecordPairing(context.Background(), "joined")

	entry.creator.send(pairDeviceJoinedMsg{Type: typePairDeviceJoined, RoomSecret: entry.roomSecret, PeerID: p.ID})
	p.send(pairDeviceJoinedMsg{Type: typePairDeviceJoined, RoomSecret: entry.roomSecret, PeerID: entry.creator.ID})
	h.joinRoom(p, RoomSecret, entry.roomSecret)
}

// handlePairDeviceCancel revokes the peer's outstanding pair key, if any.
func (h *Hub) handlePairDeviceCancel(p *Peer) {
	pairKey := p.pairKey
	if pairKey == "" {
		return
	}
	h.removePairKey(pairKey)
	h.metrics.RecordPairing(context.Background(), "canceled")
	p.send(pairDeviceCanceledMsg{Type: typePairDeviceCanceled, PairKey: pairKey})
}

// removePairKey deletes the directory entry and clears the creator's
// back-link.
func (h *Hub) removePairKey(pairKey string) {
	entry, ok := h.pairs[pairKey]
	if !ok {
		return
	}
	delete(h.pairs, pairKey)
	if entry.creator.pairKey == pairKey {
		entry.creator.pairKey = ""
	}
}

// allocatePairKey draws 6-digit keys until one is unused. The keyspace is a
// million entries, so collisions are rare and the loop short.
func (h *Hub) allocatePairKey() string {
	for {
		key := randomPairKey()
		if _, taken := h.pairs[key]; !taken {
			return key
		}
	}
}

// randomPairKey returns six decimal digits with leading zeros preserved:
// a uniform draw from [1_000_000, 2_000_000) with the constant first digit
// stripped off.
func randomPairKey() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		panic("hub: crypto/rand unavailable: " + err.Error())
	}
	return strconv.FormatInt(1_000_000+n.Int64(), 10)[1:]
}

// roomSecretLength is the length of server-minted room secrets.
const roomSecretLength = 256

const (
	alphanumeric          = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	lowercaseAlphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// randomString returns n random characters from the mixed-case alphanumeric
// alphabet.
func randomString(n int) string {
	return randomFrom(alphanumeric, n)
}

// randomStringLowercase returns n random characters from the lowercase
// alphanumeric alphabet. Used for public room ids, which must survive being
// read aloud and typed back.
func randomStringLowercase(n int) string {
	return randomFrom(lowercaseAlphanumeric, n)
}

func randomFrom(alphabet string, n int) string {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("hub: crypto/rand unavailable: " + err.Error())
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b)
}
