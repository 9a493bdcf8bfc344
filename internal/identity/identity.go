// Package identity resolves who a connecting peer is: its stable peer id,
// its observed network address, and the names other peers see it under.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// CookieName is the cookie carrying a peer's stable id across reconnects.
const CookieName = "peerid"

// PeerID extracts the peer id from the request cookie, minting a fresh one
// when the cookie is absent or not UUID-shaped. The second return value
// reports whether a new id was minted and must be set on the response.
func PeerID(r *http.Request) (id string, minted bool) {
	if c, err := r.Cookie(CookieName); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value, false
		}
	}
	return uuid.NewString(), true
}

// SetPeerID attaches the peer id cookie to an upgrade response.
func SetPeerID(w http.ResponseWriter, r *http.Request, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}

// IsPeerID reports whether s is a well-formed peer id.
func IsPeerID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// ClientIP resolves the peer's address for ip-room membership. When
// trustProxy is set and the named header is present, its left-most entry
// wins; otherwise the transport address is used. Loopback and IPv4-mapped
// forms are canonicalized so that one machine always lands in one room.
func ClientIP(r *http.Request, trustProxy bool, proxyHeader string) string {
	var raw string
	if trustProxy {
		if v := r.Header.Get(proxyHeader); v != "" {
			raw, _, _ = strings.Cut(v, ",")
			raw = strings.TrimSpace(raw)
		}
	}
	if raw == "" {
		raw = r.RemoteAddr
		if host, _, err := net.SplitHostPort(raw); err == nil {
			raw = host
		}
	}
	return canonicalIP(raw)
}

// canonicalIP maps the many spellings of one host to a single room key.
func canonicalIP(s string) string {
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return s
	}
	addr = addr.Unmap()
	if addr.IsLoopback() {
		return "127.0.0.1"
	}
	return addr.String()
}

// Hasher produces peer id hashes salted with a per-process secret, so ids
// shown to other peers cannot be replayed across server restarts.
type Hasher struct {
	salt [32]byte
}

// NewHasher draws a fresh salt.
func NewHasher() (*Hasher, error) {
	h := &Hasher{}
	if _, err := rand.Read(h.salt[:]); err != nil {
		return nil, fmt.Errorf("identity: read salt: %w", err)
	}
	return h, nil
}

// HashID returns the salted hash of a peer id as lowercase hex.
func (h *Hasher) HashID(id string) string {
	mac, err := blake2b.New256(h.salt[:])
	if err != nil {
		// Only reachable with an invalid key size.
		panic(err)
	}
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}
