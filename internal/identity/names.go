package identity

import (
	"encoding/binary"
	"strings"

	"github.com/mssola/user_agent"
	"golang.org/x/crypto/blake2b"
)

// Name is how a peer introduces itself to other peers.
type Name struct {
	DisplayName string `json:"displayName"`
	DeviceName  string `json:"deviceName"`
}

// Namer derives peer-facing names. Implementations must be deterministic in
// the peer id so a reconnecting peer keeps its display name.
type Namer interface {
	Name(peerID, userAgent string) Name
}

// NewNamer returns the default name generator: a color-animal display name
// seeded by the peer id and a device name sniffed from the User-Agent.
func NewNamer() Namer { return generatedNamer{} }

type generatedNamer struct{}

func (generatedNamer) Name(peerID, userAgent string) Name {
	return Name{
		DisplayName: displayName(peerID),
		DeviceName:  deviceName(userAgent),
	}
}

var colors = []string{
	"Amber", "Aqua", "Azure", "Beige", "Blue", "Bronze", "Coral",
	"Crimson", "Cyan", "Emerald", "Gold", "Green", "Indigo", "Ivory",
	"Jade", "Lavender", "Lime", "Magenta", "Maroon", "Olive", "Orange",
	"Pink", "Purple", "Red", "Silver", "Teal", "Violet", "Yellow",
}

var animals = []string{
	"Badger", "Bear", "Beaver", "Bison", "Cheetah", "Dolphin", "Eagle",
	"Falcon", "Fox", "Gecko", "Heron", "Ibex", "Jaguar", "Koala",
	"Lemur", "Lynx", "Marmot", "Mole", "Otter", "Owl", "Panda",
	"Rabbit", "Raven", "Salmon", "Tiger", "Walrus", "Weasel", "Wolf",
}

// displayName picks a stable "Color Animal" pair from an unsalted digest of
// the peer id. Unsalted on purpose: the name must survive server restarts.
func displayName(peerID string) string {
	sum := blake2b.Sum256([]byte(peerID))
	seed := binary.BigEndian.Uint64(sum[:8])
	color := colors[seed%uint64(len(colors))]
	animal := animals[(seed/uint64(len(colors)))%uint64(len(animals))]
	return color + " " + animal
}

// deviceName reduces a User-Agent to the short "OS Browser" label peers
// display under the icon, e.g. "Mac Safari" or "Android Chrome".
func deviceName(uaString string) string {
	if uaString == "" {
		return "Unknown Device"
	}
	ua := user_agent.New(uaString)

	os := osLabel(ua)
	browser, _ := ua.Browser()

	name := strings.TrimSpace(os + " " + browser)
	if name == "" {
		return "Unknown Device"
	}
	return name
}

func osLabel(ua *user_agent.UserAgent) string {
	full := ua.OSInfo().FullName + " " + ua.Platform()
	switch {
	case strings.Contains(full, "Windows"):
		return "Windows"
	case strings.Contains(full, "iPhone"):
		return "iPhone"
	case strings.Contains(full, "iPad"):
		return "iPad"
	case strings.Contains(full, "Mac"):
		return "Mac"
	case strings.Contains(full, "Android"):
		return "Android"
	case strings.Contains(full, "CrOS"):
		return "ChromeOS"
	case strings.Contains(full, "Linux"), strings.Contains(full, "X11"):
		return "Linux"
	}
	return ""
}
