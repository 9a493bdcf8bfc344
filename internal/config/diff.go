package config

// ConfigDiff describes what changed between two configs.
// Connection-scoped settings and the log level can be hot-reloaded; anything
// touching the listener requires a restart and is only reported.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// HubChanged is true when any connection-scoped setting differs: the
	// hub section plus origin patterns and proxy trust. New connections
	// pick up the new values; established sockets are never disturbed.
	HubChanged bool

	// RestartNeeded is true when listener settings (address, TLS, static
	// assets) differ. These cannot be applied live.
	RestartNeeded bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Hub.RTCConfig != new.Hub.RTCConfig ||
		old.Hub.WSFallback != new.Hub.WSFallback ||
		old.Hub.KeepAlivePeriod != new.Hub.KeepAlivePeriod ||
		old.Hub.PairingRateLimit != new.Hub.PairingRateLimit ||
		old.Server.TrustProxy != new.Server.TrustProxy ||
		old.Server.ProxyHeader != new.Server.ProxyHeader ||
		!patternsEqual(old.Server.OriginPatterns, new.Server.OriginPatterns) {
		d.HubChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!tlsEqual(old.Server.TLS, new.Server.TLS) ||
		old.Server.StaticDir != new.Server.StaticDir {
		d.RestartNeeded = true
	}

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func patternsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
