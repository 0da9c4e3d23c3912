package otel

import "github.com/emiliopalmerini/mbandit/internal/infrastructure/config"

// Config holds OTEL exporter configuration.
type Config struct {
	Endpoint string
	Enabled  bool
	Insecure bool
}

// ConfigFrom maps the telemetry section of the runtime configuration.
func ConfigFrom(t config.Telemetry) Config {
	return Config{
		Endpoint: t.Endpoint,
		Enabled:  t.Enabled,
		Insecure: t.Insecure,
	}
}
