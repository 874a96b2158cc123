// Package config provides configuration loading for serialmon.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"

	"github.com/roelfdiedericks/serialmon/internal/logging"
	"github.com/roelfdiedericks/serialmon/internal/metrics"
	"github.com/roelfdiedericks/serialmon/internal/paths"
	"github.com/roelfdiedericks/serialmon/internal/pipeline"
	"github.com/roelfdiedericks/serialmon/internal/sources"
)

// Config represents the serialmon configuration
type Config struct {
	Logging   LoggingConfig     `json:"logging" toml:"logging" yaml:"logging"`
	Serial    SerialConfig      `json:"serial" toml:"serial" yaml:"serial"`
	RTT       RTTConfig         `json:"rtt" toml:"rtt" yaml:"rtt"`
	Network   NetworkConfig     `json:"network" toml:"network" yaml:"network"`
	HTTP      HTTPConfig        `json:"http" toml:"http" yaml:"http"`
	TUI       TUIConfig         `json:"tui" toml:"tui" yaml:"tui"`
	Metrics   MetricsConfig     `json:"metrics" toml:"metrics" yaml:"metrics"`
	Commands  CommandsConfig    `json:"commands" toml:"commands" yaml:"commands"`
	Pipelines []pipeline.Config `json:"pipelines,omitempty" toml:"pipelines,omitempty" yaml:"pipelines,omitempty"`
}

type LoggingConfig struct {
	Level      string `json:"level" toml:"level" yaml:"level"` // trace, debug, info, warn, error
	TimeFormat string `json:"timeFormat,omitempty" toml:"timeFormat,omitempty" yaml:"timeFormat,omitempty"`
	ShowCaller bool   `json:"showCaller,omitempty" toml:"showCaller,omitempty" yaml:"showCaller,omitempty"`
}

type SerialConfig struct {
	Port          string `json:"port" toml:"port" yaml:"port"` // e.g. /dev/ttyUSB0, COM3
	Baud          int    `json:"baud" toml:"baud" yaml:"baud"`
	DataBits      int    `json:"dataBits,omitempty" toml:"dataBits,omitempty" yaml:"dataBits,omitempty"`
	Parity        string `json:"parity,omitempty" toml:"parity,omitempty" yaml:"parity,omitempty"`       // none, odd, even, mark, space
	StopBits      string `json:"stopBits,omitempty" toml:"stopBits,omitempty" yaml:"stopBits,omitempty"` // 1, 1.5, 2
	ReadTimeoutMs int    `json:"readTimeoutMs,omitempty" toml:"readTimeoutMs,omitempty" yaml:"readTimeoutMs,omitempty"`
}

type RTTConfig struct {
	Address       string `json:"address" toml:"address" yaml:"address"` // host:port of the RTT telnet server
	DialTimeoutMs int    `json:"dialTimeoutMs,omitempty" toml:"dialTimeoutMs,omitempty" yaml:"dialTimeoutMs,omitempty"`
}

type NetworkConfig struct {
	URL                string `json:"url" toml:"url" yaml:"url"` // ws:// or wss://
	HandshakeTimeoutMs int    `json:"handshakeTimeoutMs,omitempty" toml:"handshakeTimeoutMs,omitempty" yaml:"handshakeTimeoutMs,omitempty"`
	Insecure           bool   `json:"insecure,omitempty" toml:"insecure,omitempty" yaml:"insecure,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" toml:"listen" yaml:"listen"`
	Token   string `json:"token,omitempty" toml:"token,omitempty" yaml:"token,omitempty"` // Bearer token required by /api and /ws when set
}

type TUIConfig struct {
	MaxLines int    `json:"maxLines" toml:"maxLines" yaml:"maxLines"`                               // Lines kept in the stream panel
	Channel  string `json:"channel" toml:"channel" yaml:"channel"`                                  // Channel the toggle key drives
	ShowLogs *bool  `json:"showLogs,omitempty" toml:"showLogs,omitempty" yaml:"showLogs,omitempty"` // Show logs panel on start (default: true)
}

type MetricsConfig struct {
	Enabled        *bool  `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path           string `json:"path,omitempty" toml:"path,omitempty" yaml:"path,omitempty"` // sqlite file, default ~/.serialmon/metrics.db
	RetentionHours int    `json:"retentionHours" toml:"retentionHours" yaml:"retentionHours"`
	PruneSchedule  string `json:"pruneSchedule,omitempty" toml:"pruneSchedule,omitempty" yaml:"pruneSchedule,omitempty"` // cron expression, default hourly
}

type CommandsConfig struct {
	// SourceCommands registers the open/close handlers channel toggles call.
	SourceCommands *bool `json:"sourceCommands,omitempty" toml:"sourceCommands,omitempty" yaml:"sourceCommands,omitempty"`
}

// Source identifiers used for the built-in sources and their channels.
const (
	SourceSerial  = "serial"
	SourceRTT     = "rtt"
	SourceNetwork = "network"
)

func boolPtr(b bool) *bool { return &b }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Serial: SerialConfig{
			Baud:          115200,
			DataBits:      8,
			Parity:        "none",
			StopBits:      "1",
			ReadTimeoutMs: 100,
		},
		RTT:     RTTConfig{Address: "localhost:19021", DialTimeoutMs: 5000},
		Network: NetworkConfig{HandshakeTimeoutMs: 10000},
		HTTP:    HTTPConfig{Listen: "127.0.0.1:8765"},
		TUI:     TUIConfig{MaxLines: 500, Channel: SourceSerial, ShowLogs: boolPtr(true)},
		Metrics: MetricsConfig{
			Enabled:        boolPtr(true),
			RetentionHours: 24 * 7,
		},
		Commands: CommandsConfig{SourceCommands: boolPtr(true)},
	}
}

// MetricsEnabled reports whether the metrics store should be opened.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// LogsVisible reports whether the TUI starts with the logs panel shown.
func (c TUIConfig) LogsVisible() bool {
	return c.ShowLogs == nil || *c.ShowLogs
}

// SourceCommandsEnabled reports whether per-source open/close handlers are registered.
func (c *Config) SourceCommandsEnabled() bool {
	return c.Commands.SourceCommands == nil || *c.Commands.SourceCommands
}

// Retention returns how long metric samples are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Metrics.RetentionHours) * time.Hour
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// SerialSource converts the serial section for sources.NewSerial.
func (c *Config) SerialSource() sources.SerialConfig {
	return sources.SerialConfig{
		Port:        c.Serial.Port,
		Baud:        c.Serial.Baud,
		DataBits:    c.Serial.DataBits,
		Parity:      c.Serial.Parity,
		StopBits:    c.Serial.StopBits,
		ReadTimeout: ms(c.Serial.ReadTimeoutMs),
	}
}

// RTTSource converts the rtt section for sources.NewRTT.
func (c *Config) RTTSource() sources.RTTConfig {
	return sources.RTTConfig{Address: c.RTT.Address, DialTimeout: ms(c.RTT.DialTimeoutMs)}
}

// NetworkSource converts the network section for sources.NewNetwork.
func (c *Config) NetworkSource() sources.NetworkConfig {
	return sources.NetworkConfig{
		URL:              c.Network.URL,
		HandshakeTimeout: ms(c.Network.HandshakeTimeoutMs),
		Insecure:         c.Network.Insecure,
	}
}

// Load reads the config at path, or the first config found by
// paths.ConfigPath when path is empty, and fills unset fields from Default.
// It returns the path actually read, "" when running on defaults.
func Load(path string) (*Config, string, error) {
	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, "", err
		}
		path = found
	}
	if path == "" {
		logging.L_debug("config: no config file, using defaults")
		return Default(), "", nil
	}

	expanded, err := paths.ExpandTilde(path)
	if err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, "", fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data, isTOML(expanded))
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", expanded, err)
	}

	logging.L_debug("config: loaded", "path", expanded)
	return cfg, expanded, nil
}

// Parse decodes JSON or TOML, merges defaults and validates.
func Parse(data []byte, asTOML bool) (*Config, error) {
	cfg := &Config{}
	if asTOML {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	} else if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}

	if err := mergo.Merge(cfg, Default(), mergo.WithoutDereference); err != nil {
		return nil, fmt.Errorf("merge defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and that every configured pipeline builds.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud))
	}
	if c.Serial.DataBits < 5 || c.Serial.DataBits > 8 {
		errs = append(errs, fmt.Errorf("serial.dataBits must be 5-8, got %d", c.Serial.DataBits))
	}
	if c.HTTP.Enabled && c.HTTP.Listen == "" {
		errs = append(errs, errors.New("http.listen is required when http is enabled"))
	}
	if c.Metrics.PruneSchedule != "" {
		if _, err := metrics.ParseSchedule(c.Metrics.PruneSchedule); err != nil {
			errs = append(errs, fmt.Errorf("metrics.pruneSchedule: %w", err))
		}
	}
	if c.TUI.MaxLines <= 0 {
		errs = append(errs, fmt.Errorf("tui.maxLines must be positive, got %d", c.TUI.MaxLines))
	}

	registry := pipeline.NewRegistry()
	seen := make(map[string]bool)
	for i, p := range c.Pipelines {
		if p.Source == "" {
			errs = append(errs, fmt.Errorf("pipelines[%d]: source is required", i))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("pipelines[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if _, err := registry.Build(p); err != nil {
			errs = append(errs, fmt.Errorf("pipelines[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// Save writes cfg to path, keeping rotated backups of the previous file.
// The format follows the file extension.
func Save(path string, cfg *Config) error {
	if path == "" {
		p, err := paths.DefaultConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	data, err := Encode(cfg, isTOML(path))
	if err != nil {
		return err
	}
	return BackupAndWrite(path, data, DefaultBackupCount)
}

// Encode renders cfg as indented JSON or TOML.
func Encode(cfg *Config, asTOML bool) ([]byte, error) {
	if asTOML {
		var b strings.Builder
		if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
			return nil, fmt.Errorf("failed to marshal TOML: %w", err)
		}
		return []byte(b.String()), nil
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return append(data, '\n'), nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
