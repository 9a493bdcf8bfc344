package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Decoding starts from [Default], so absent fields keep their defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}
	if cfg.Server.TrustProxy && cfg.Server.ProxyHeader == "" {
		errs = append(errs, errors.New("server.proxy_header is required when server.trust_proxy is enabled"))
	}
	for i, pat := range cfg.Server.OriginPatterns {
		if pat == "" {
			errs = append(errs, fmt.Errorf("server.origin_patterns[%d] is empty", i))
		}
	}
	if cfg.Server.StaticDir != "" {
		if info, err := os.Stat(cfg.Server.StaticDir); err != nil || !info.IsDir() {
			slog.Warn("server.static_dir is not a readable directory; no web assets will be served",
				"dir", cfg.Server.StaticDir,
			)
		}
	}

	// Hub
	if cfg.Hub.RTCConfig != "" && !json.Valid([]byte(cfg.Hub.RTCConfig)) {
		errs = append(errs, errors.New("hub.rtc_config is not valid JSON"))
	}
	if cfg.Hub.KeepAlivePeriod <= 0 {
		errs = append(errs, fmt.Errorf("hub.keep_alive_period %v must be positive", cfg.Hub.KeepAlivePeriod.Std()))
	}
	if cfg.Hub.PairingRateLimit.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("hub.pairing_rate_limit.attempts %d must be positive", cfg.Hub.PairingRateLimit.Attempts))
	}
	if cfg.Hub.PairingRateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("hub.pairing_rate_limit.window %v must be positive", cfg.Hub.PairingRateLimit.Window.Std()))
	}

	if !cfg.Hub.WSFallback {
		slog.Warn("hub.ws_fallback is disabled; peers without WebRTC support will not be able to transfer")
	}

	return errors.Join(errs...)
}

// RTCConfigJSON returns the effective WebRTC client configuration as raw JSON.
func (c *HubConfig) RTCConfigJSON() json.RawMessage {
	if c.RTCConfig == "" {
		return json.RawMessage(DefaultRTCConfig)
	}
	return json.RawMessage(bytes.TrimSpace([]byte(c.RTCConfig)))
}
