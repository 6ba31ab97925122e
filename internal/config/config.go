// Package config loads relay configuration from $CLAWLINK_HOME/config.yaml,
// applies environment overrides, and validates the result against an
// embedded JSON schema before the relay starts serving.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/basket/clawlink/internal/otel"
)

// Config is the full relay configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	ListenAddr  string `yaml:"listen_addr"`
	WorkspaceID string `yaml:"workspace_id"`
	LogLevel    string `yaml:"log_level"`

	// RingCapacity bounds the in-memory event window per session.
	RingCapacity int `yaml:"ring_capacity"`

	// SnapshotSchedule is a 5-field cron expression for periodic state
	// snapshot events. Empty disables the snapshotter.
	SnapshotSchedule string `yaml:"snapshot_schedule"`

	PermissionTimeoutSeconds int `yaml:"permission_timeout_seconds"`
	StopTimeoutSeconds       int `yaml:"stop_timeout_seconds"`
	PairingTTLMinutes        int `yaml:"pairing_ttl_minutes"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	Otel otel.Config `yaml:"otel"`
}

// configSchema validates the shape of config.yaml. Unknown keys are
// allowed so older relays tolerate newer config files.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "listen_addr": {"type": "string"},
    "workspace_id": {"type": "string", "minLength": 1},
    "log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "ring_capacity": {"type": "integer", "minimum": 1},
    "snapshot_schedule": {"type": "string"},
    "permission_timeout_seconds": {"type": "integer", "minimum": 1},
    "stop_timeout_seconds": {"type": "integer", "minimum": 1},
    "pairing_ttl_minutes": {"type": "integer", "minimum": 1},
    "allow_origins": {"type": "array", "items": {"type": "string"}},
    "otel": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "exporter": {"type": "string", "enum": ["", "otlp-http", "stdout", "none"]},
        "endpoint": {"type": "string"},
        "service_name": {"type": "string"},
        "sample_rate": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  }
}`

// PermissionTimeout returns the permission auto-deny deadline.
func (c Config) PermissionTimeout() time.Duration {
	return time.Duration(c.PermissionTimeoutSeconds) * time.Second
}

// StopTimeout returns how long a stop episode waits before stop_failed.
func (c Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

// PairingTTL returns the lifetime of an unconsumed pairing token.
func (c Config) PairingTTL() time.Duration {
	return time.Duration(c.PairingTTLMinutes) * time.Minute
}

// Fingerprint returns a stable hash of the active config, reported on
// the handshake so operators can tell which config a relay is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "listen=%s|workspace=%s|log=%s|ring=%d|snap=%s|perm=%d|stop=%d|origins=%v",
		c.ListenAddr, c.WorkspaceID, c.LogLevel, c.RingCapacity,
		c.SnapshotSchedule, c.PermissionTimeoutSeconds, c.StopTimeoutSeconds, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir returns the relay home directory, honoring $CLAWLINK_HOME.
func HomeDir() string {
	if override := os.Getenv("CLAWLINK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawlink")
}

func defaultConfig() Config {
	return Config{
		ListenAddr:               "127.0.0.1:18790",
		WorkspaceID:              "default",
		LogLevel:                 "info",
		RingCapacity:             128,
		SnapshotSchedule:         "*/5 * * * *",
		PermissionTimeoutSeconds: 60,
		StopTimeoutSeconds:       10,
		PairingTTLMinutes:        10,
	}
}

// Load reads config.yaml from the relay home, creating the home
// directory on first run. A missing config file is not an error; the
// defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawlink home: %w", err)
	}

	path := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := validate(data); err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// validate checks the yaml document against the embedded schema. The
// yaml is round-tripped through JSON so the schema library sees the
// value types it expects.
func validate(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config.yaml: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config for validation: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode config for validation: %w", err)
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(configSchema)))
	if err != nil {
		return fmt.Errorf("parse config schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.json", schemaDoc); err != nil {
		return fmt.Errorf("register config schema: %w", err)
	}
	schema, err := compiler.Compile("config.json")
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid config.yaml: %w", err)
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:18790"
	}
	if cfg.WorkspaceID == "" {
		cfg.WorkspaceID = "default"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 128
	}
	if cfg.PermissionTimeoutSeconds <= 0 {
		cfg.PermissionTimeoutSeconds = 60
	}
	if cfg.StopTimeoutSeconds <= 0 {
		cfg.StopTimeoutSeconds = 10
	}
	if cfg.PairingTTLMinutes <= 0 {
		cfg.PairingTTLMinutes = 10
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWLINK_LISTEN_ADDR"); raw != "" {
		cfg.ListenAddr = raw
	}
	if raw := os.Getenv("CLAWLINK_WORKSPACE_ID"); raw != "" {
		cfg.WorkspaceID = raw
	}
	if raw := os.Getenv("CLAWLINK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWLINK_RING_CAPACITY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RingCapacity = v
		}
	}
	if raw := os.Getenv("CLAWLINK_STOP_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.StopTimeoutSeconds = v
		}
	}
}
