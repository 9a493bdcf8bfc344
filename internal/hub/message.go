package hub

import (
	"encoding/json"

	"github.com/MrWong99/dropbeam/internal/identity"
)

// Message type discriminants. Text frames carry JSON objects whose "type"
// field selects the handler; anything else in the object belongs to the
// clients and passes through untouched.
const (
	// Client → server.
	typeDisconnect           = "disconnect"
	typePong                 = "pong"
	typeJoinIPRoom           = "join-ip-room"
	typeRoomSecrets          = "room-secrets"
	typeRoomSecretsDeleted   = "room-secrets-deleted"
	typePairDeviceInitiate   = "pair-device-initiate"
	typePairDeviceJoin       = "pair-device-join"
	typePairDeviceCancel     = "pair-device-cancel"
	typeRegenerateRoomSecret = "regenerate-room-secret"
	typeCreatePublicRoom     = "create-public-room"
	typeJoinPublicRoom       = "join-public-room"
	typeLeavePublicRoom      = "leave-public-room"
	typeSignal               = "signal"

	// Server → client.
	typeWSConfig                 = "ws-config"
	typeDisplayName              = "display-name"
	typePing                     = "ping"
	typePeers                    = "peers"
	typePeerJoined               = "peer-joined"
	typePeerLeft                 = "peer-left"
	typePairDeviceInitiated      = "pair-device-initiated"
	typePairDeviceJoined         = "pair-device-joined"
	typePairDeviceCanceled       = "pair-device-canceled"
	typePairDeviceJoinKeyInvalid = "pair-device-join-key-invalid"
	typeJoinKeyRateLimit         = "join-key-rate-limit"
	typeSecretRoomDeleted        = "secret-room-deleted"
	typeRoomSecretRegenerated    = "room-secret-regenerated"
	typePublicRoomCreated        = "public-room-created"
	typePublicRoomIDInvalid      = "public-room-id-invalid"
	typePublicRoomLeft           = "public-room-left"
)

// relayTypes lists the transfer message types forwarded verbatim between
// peers when the deployment allows WebSocket fallback. Signaling types are
// never in this set; they work even with fallback disabled.
var relayTypes = map[string]bool{
	"request":                   true,
	"header":                    true,
	"partition":                 true,
	"partition-received":        true,
	"progress":                  true,
	"files-transfer-response":   true,
	"file-transfer-complete":    true,
	"message-transfer-complete": true,
	"text":                      true,
	"display-name-changed":      true,
	"ws-chunk":                  true,
	"ws-chunk-binary":           true,
}

// envelope is the minimal decode of an inbound text frame.
type envelope struct {
	Type string `json:"type"`
}

// PeerInfo is the public view of a peer shared with room members.
type PeerInfo struct {
	ID           string        `json:"id"`
	Name         identity.Name `json:"name"`
	RTCSupported bool          `json:"rtcSupported"`
}

// senderInfo replaces the "to" field on forwarded messages so the recipient
// knows who is talking and whether WebRTC negotiation is worth attempting.
type senderInfo struct {
	ID           string `json:"id"`
	RTCSupported bool   `json:"rtcSupported"`
}

// Transfer parameters advertised to every client in the ws-config greeting.
const (
	// ChunkSize is the relay payload chunk size clients should use.
	ChunkSize = 10_485_760

	// MaxParallelTransfers caps concurrent transfers per peer pair.
	MaxParallelTransfers = 8
)

type wsConfigBody struct {
	RTCConfig            json.RawMessage `json:"rtcConfig"`
	WSFallback           bool            `json:"wsFallback"`
	ChunkSize            int             `json:"chunkSize"`
	MaxParallelTransfers int             `json:"maxParallelTransfers"`
	DisableThrottling    bool            `json:"disableThrottling"`
}

type wsConfigMsg struct {
	Type     string       `json:"type"`
	WSConfig wsConfigBody `json:"wsConfig"`
}

type displayNameMsg struct {
	Type        string `json:"type"`
	DisplayName string `json:"displayName"`
	DeviceName  string `json:"deviceName"`
	PeerID      string `json:"peerId"`
	PeerIDHash  string `json:"peerIdHash"`
}

type peersMsg struct {
	Type     string     `json:"type"`
	Peers    []PeerInfo `json:"peers"`
	RoomType RoomType   `json:"roomType"`
	RoomID   string     `json:"roomId"`
}

type peerJoinedMsg struct {
	Type     string   `json:"type"`
	Peer     PeerInfo `json:"peer"`
	RoomType RoomType `json:"roomType"`
	RoomID   string   `json:"roomId"`
}

type peerLeftMsg struct {
	Type       string   `json:"type"`
	PeerID     string   `json:"peerId"`
	RoomType   RoomType `json:"roomType"`
	RoomID     string   `json:"roomId"`
	Disconnect bool     `json:"disconnect"`
}

type pairDeviceInitiatedMsg struct {
	Type       string `json:"type"`
	RoomSecret string `json:"roomSecret"`
	PairKey    string `json:"pairKey"`
}

type pairDeviceJoinedMsg struct {
	Type       string `json:"type"`
	RoomSecret string `json:"roomSecret"`
	PeerID     string `json:"peerId"`
}

type pairDeviceCanceledMsg struct {
	Type    string `json:"type"`
	PairKey string `json:"pairKey"`
}

type secretRoomDeletedMsg struct {
	Type       string `json:"type"`
	RoomSecret string `json:"roomSecret"`
}

type roomSecretRegeneratedMsg struct {
	Type          string `json:"type"`
	OldRoomSecret string `json:"oldRoomSecret"`
	NewRoomSecret string `json:"newRoomSecret"`
}

type publicRoomCreatedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type publicRoomIDInvalidMsg struct {
	Type         string `json:"type"`
	PublicRoomID string `json:"publicRoomId"`
}

type typeOnlyMsg struct {
	Type string `json:"type"`
}

// Inbound payloads decoded per handler.

type roomSecretsMsg struct {
	RoomSecrets []string `json:"roomSecrets"`
}

type regenerateRoomSecretMsg struct {
	RoomSecret string `json:"roomSecret"`
}

type pairDeviceJoinMsg struct {
	PairKey string `json:"pairKey"`
}

type joinPublicRoomMsg struct {
	PublicRoomID    string `json:"publicRoomId"`
	CreateIfInvalid bool   `json:"createIfInvalid"`
}
