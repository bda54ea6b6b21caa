package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/pulsewatch/internal/ble/gatt"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Scan     ScanConfig    `yaml:"scan"`
	Connect  ConnectConfig `yaml:"connect"`
	Stream   StreamConfig  `yaml:"stream"`
	Hub      HubConfig     `yaml:"hub"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Window time.Duration `yaml:"window"`
}

// ConnectConfig holds connection settings.
type ConnectConfig struct {
	Timeout     time.Duration `yaml:"timeout"`      // connect plus discovery, and subscribe
	ReadTimeout time.Duration `yaml:"read_timeout"` // each device information read
}

// StreamConfig names the notifying characteristic to stream.
type StreamConfig struct {
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
}

// HubConfig holds the WebSocket status hub settings.
type HubConfig struct {
	Listen string `yaml:"listen"` // empty disables the hub
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "pulsewatch")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Scan: ScanConfig{
			Window: 5 * time.Second,
		},
		Connect: ConnectConfig{
			Timeout:     10 * time.Second,
			ReadTimeout: 3 * time.Second,
		},
		Stream: StreamConfig{
			ServiceUUID:        gatt.HeartRateServiceUUID,
			CharacteristicUUID: gatt.HeartRateMeasurementCharUUID,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Stream.ServiceUUID = canonicalUUID(cfg.Stream.ServiceUUID)
	cfg.Stream.CharacteristicUUID = canonicalUUID(cfg.Stream.CharacteristicUUID)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Scan.Window <= 0 {
		return fmt.Errorf("scan.window must be > 0")
	}

	if c.Connect.Timeout <= 0 {
		return fmt.Errorf("connect.timeout must be > 0")
	}

	if c.Connect.ReadTimeout <= 0 {
		return fmt.Errorf("connect.read_timeout must be > 0")
	}

	if _, err := uuid.Parse(c.Stream.ServiceUUID); err != nil {
		return fmt.Errorf("stream.service_uuid: %w", err)
	}
	if _, err := uuid.Parse(c.Stream.CharacteristicUUID); err != nil {
		return fmt.Errorf("stream.characteristic_uuid: %w", err)
	}

	if c.Hub.Listen != "" && !strings.Contains(c.Hub.Listen, ":") {
		return fmt.Errorf("hub.listen must be host:port, got %q", c.Hub.Listen)
	}

	return nil
}

// canonicalUUID rewrites any form uuid.Parse accepts into lowercase 8-4-4-4-12.
// Unparseable input is returned trimmed so Validate can report it.
func canonicalUUID(s string) string {
	s = strings.TrimSpace(s)
	if u, err := uuid.Parse(s); err == nil {
		return u.String()
	}
	return s
}

// ParseLogLevel maps a config log level to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# pulsewatch configuration
# log_level: debug | info | warn | error
# scan.window: how long each discovery run lasts
# connect.timeout: bound on connect plus service discovery, and on subscribe
# connect.read_timeout: bound on each device information read
# stream: the notifying characteristic to stream (Heart Rate Measurement by default)
# hub.listen: host:port for the WebSocket status hub, empty to disable
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the written path, or "" if a file was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
