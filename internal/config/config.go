// Package config provides the configuration schema, loader, and file watcher
// for the dropbeam signaling server.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the dropbeam server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto the corresponding slog level. Unrecognised values map to
// info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration wraps time.Duration so YAML configs can use values like "10s"
// or "1500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultRTCConfig is the WebRTC configuration sent to clients when
// hub.rtc_config is not set. It points peers at a public STUN server.
const DefaultRTCConfig = `{"sdpSemantics":"unified-plan","iceServers":[{"urls":"stun:stun.l.google.com:19302"}]}`

// Config is the root configuration structure for dropbeam.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Hub    HubConfig    `yaml:"hub"`
}

// ServerConfig holds network and logging settings for the dropbeam server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// StaticDir is a directory of web assets served at "/". When empty, no
	// static files are served and the server is signaling-only.
	StaticDir string `yaml:"static_dir"`

	// TrustProxy enables client IP resolution from the proxy header. Only
	// enable this when the server is reachable exclusively through a reverse
	// proxy that overwrites the header.
	TrustProxy bool `yaml:"trust_proxy"`

	// ProxyHeader is the header carrying the original client IP when
	// TrustProxy is set. Defaults to "X-Forwarded-For".
	ProxyHeader string `yaml:"proxy_header"`

	// OriginPatterns lists host patterns accepted during the WebSocket
	// handshake (e.g., "*.example.com"). Empty means same-origin only.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// HubConfig holds signaling and relay behaviour settings.
type HubConfig struct {
	// RTCConfig is the raw JSON WebRTC configuration forwarded verbatim to
	// every client on connect. Empty selects [DefaultRTCConfig].
	RTCConfig string `yaml:"rtc_config"`

	// WSFallback permits relaying transfer payloads through the server when
	// peers cannot establish a direct connection. Disabling it drops all
	// relay traffic while signaling keeps working.
	WSFallback bool `yaml:"ws_fallback"`

	// KeepAlivePeriod is the interval between server pings. A peer that
	// stays silent for more than twice this period is disconnected.
	KeepAlivePeriod Duration `yaml:"keep_alive_period"`

	// PairingRateLimit bounds how often a single peer may attempt to join
	// by pair key or enter a public room.
	PairingRateLimit RateLimitConfig `yaml:"pairing_rate_limit"`
}

// RateLimitConfig describes a sliding allowance of attempts per window.
type RateLimitConfig struct {
	// Attempts is the number of join attempts allowed per window.
	Attempts int `yaml:"attempts"`

	// Window is the period over which attempts are counted.
	Window Duration `yaml:"window"`
}

// Default returns the configuration used when fields are absent from the
// loaded file. [LoadFromReader] decodes on top of it, so YAML only needs to
// name the fields it overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":3000",
			LogLevel:    LogInfo,
			ProxyHeader: "X-Forwarded-For",
		},
		Hub: HubConfig{
			WSFallback:      true,
			KeepAlivePeriod: Duration(2 * time.Second),
			PairingRateLimit: RateLimitConfig{
				Attempts: 10,
				Window:   Duration(10 * time.Second),
			},
		},
	}
}
