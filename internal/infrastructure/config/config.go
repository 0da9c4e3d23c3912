package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/util"
)

// Prefix is prepended to every environment variable name.
const Prefix = "MBANDIT"

// Database holds libsql connection settings. A file: URL opens a local
// database; libsql:// and http(s):// URLs talk to a Turso server.
type Database struct {
	URL       string `envconfig:"DATABASE_URL"`
	AuthToken string `envconfig:"AUTH_TOKEN"`
}

// Server holds HTTP API settings.
type Server struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Logging selects the slog handler.
type Logging struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"text"`
}

// Telemetry configures the OTLP metrics exporter.
type Telemetry struct {
	Enabled  bool   `envconfig:"OTEL_ENABLED" default:"false"`
	Endpoint string `envconfig:"OTEL_ENDPOINT" default:"localhost:4317"`
	Insecure bool   `envconfig:"OTEL_INSECURE" default:"true"`
}

// Defaults are applied to experiments created without explicit parameters.
type Defaults struct {
	Epsilon           float64 `envconfig:"DEFAULT_EPSILON" default:"0.1"`
	ExplorationC      float64 `envconfig:"DEFAULT_C" default:"2.0"`
	SignificanceLevel float64 `envconfig:"DEFAULT_SIGNIFICANCE" default:"0.05"`
	MinViews          int64   `envconfig:"DEFAULT_MIN_VIEWS" default:"100"`
	Gate              string  `envconfig:"DEFAULT_GATE" default:"per-arm"`
}

// Config is the full runtime configuration.
type Config struct {
	Database  Database
	Server    Server
	Logging   Logging
	Telemetry Telemetry
	Defaults  Defaults
}

// Load reads configuration from MBANDIT_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	for name, section := range map[string]any{
		"database":  &cfg.Database,
		"server":    &cfg.Server,
		"logging":   &cfg.Logging,
		"telemetry": &cfg.Telemetry,
		"defaults":  &cfg.Defaults,
	} {
		if err := envconfig.Process(Prefix, section); err != nil {
			return nil, fmt.Errorf("failed to load %s config: %w", name, err)
		}
	}

	if cfg.Database.URL == "" {
		dir, err := util.GetXDGDataDir()
		if err != nil {
			return nil, err
		}
		cfg.Database.URL = "file:" + filepath.Join(dir, "mbandit.db")
	}

	if _, err := cfg.Defaults.GateMode(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GateMode parses the configured default gate.
func (d Defaults) GateMode() (domain.GateMode, error) {
	return domain.ParseGateMode(d.Gate)
}

// IsLocalFile reports whether the database URL points at a local file.
func (d Database) IsLocalFile() bool {
	return strings.HasPrefix(d.URL, "file:")
}
