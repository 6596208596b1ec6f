package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are tracked individually; everything else that
// changed is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the changed settings that only take effect
	// after a restart, e.g. "signaling.ping_interval".
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(field string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, field)
		}
	}

	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !equalTLS(old.Server.TLS, new.Server.TLS))
	restart("signaling.path", old.Signaling.Path != new.Signaling.Path)
	restart("signaling.ping_interval", old.Signaling.PingInterval != new.Signaling.PingInterval)
	restart("signaling.write_timeout", old.Signaling.WriteTimeout != new.Signaling.WriteTimeout)
	restart("signaling.send_buffer", old.Signaling.SendBuffer != new.Signaling.SendBuffer)
	restart("signaling.max_message_bytes", old.Signaling.MaxMessageBytes != new.Signaling.MaxMessageBytes)
	restart("signaling.allowed_origins", !slices.Equal(old.Signaling.AllowedOrigins, new.Signaling.AllowedOrigins))
	restart("relay.path", old.Relay.Path != new.Relay.Path)
	restart("relay.backend", old.Relay.Backend != new.Relay.Backend)
	restart("relay.tts", !slices.Equal(old.Relay.TTS, new.Relay.TTS))
	restart("relay.history_limit", old.Relay.HistoryLimit != new.Relay.HistoryLimit)
	restart("relay.breaker", old.Relay.Breaker != new.Relay.Breaker)
	restart("responder", old.Responder != new.Responder)
	restart("presence", old.Presence != new.Presence)
	restart("observe", old.Observe != new.Observe)

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
