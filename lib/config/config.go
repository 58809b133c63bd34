// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the configuration shared by tandem-host,
// tandem-viewer, and tandem-relay.
//
// The file is YAML, or JSON with comments when its name ends in .json
// or .jsonc. It is located by, in order: an explicit path (the
// --config flag), the TANDEM_CONFIG environment variable, and
// $XDG_CONFIG_HOME/tandem/config.yaml. A missing file at the default
// location is not an error: the built-in defaults are a working
// loopback setup. Selected TANDEM_* variables override file values,
// and ${VAR} / ${VAR:-default} is expanded in paths and URLs.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when no path is given.
const EnvironmentVariable = "TANDEM_CONFIG"

// Config is the complete Tandem configuration.
type Config struct {
	Signaling  SignalingConfig  `yaml:"signaling" json:"signaling"`
	ICE        ICEConfig        `yaml:"ice" json:"ice"`
	Session    SessionConfig    `yaml:"session" json:"session"`
	Controller ControllerConfig `yaml:"controller" json:"controller"`
	Auth       AuthConfig       `yaml:"auth" json:"auth"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// SignalingConfig locates the relay and the room both endpoints join.
type SignalingConfig struct {
	URL  string `yaml:"url" json:"url"`
	Room string `yaml:"room" json:"room"`

	// Listen is the relay server's bind address (tandem-relay only).
	Listen string `yaml:"listen" json:"listen"`
}

// ICEServer is one STUN or TURN server.
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// ICEConfig lists the servers used for candidate gathering. Empty means
// host candidates only.
type ICEConfig struct {
	Servers []ICEServer `yaml:"servers" json:"servers"`
}

// BitrateConfig is the encoder bitrate envelope in bits per second.
type BitrateConfig struct {
	Min   int `yaml:"min" json:"min"`
	Start int `yaml:"start" json:"start"`
	Max   int `yaml:"max" json:"max"`
}

// SessionConfig holds the initial negotiation and encoding choices.
type SessionConfig struct {
	EagerOffer bool          `yaml:"eager_offer" json:"eager_offer"`
	Quality    string        `yaml:"quality" json:"quality"`
	GameMode   bool          `yaml:"game_mode" json:"game_mode"`
	Bitrate    BitrateConfig `yaml:"bitrate" json:"bitrate"`
}

// ControllerConfig tunes the adaptive controller's timers.
type ControllerConfig struct {
	StatsInterval        Duration `yaml:"stats_interval" json:"stats_interval"`
	BitrateInterval      Duration `yaml:"bitrate_interval" json:"bitrate_interval"`
	ReconnectBackoff     Duration `yaml:"reconnect_backoff" json:"reconnect_backoff"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
}

// AuthConfig configures host-side login.
type AuthConfig struct {
	// StateDir holds the age identity, the sealed credential file, and
	// the paired-device database.
	StateDir     string   `yaml:"state_dir" json:"state_dir"`
	ChallengeTTL Duration `yaml:"challenge_ttl" json:"challenge_ttl"`
	TokenTTL     Duration `yaml:"token_ttl" json:"token_ttl"`
	TOTPRequired bool     `yaml:"totp_required" json:"totp_required"`
	Permissions  []string `yaml:"permissions" json:"permissions"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Duration is a time.Duration written as "2s", "500ms" in config
// files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns a configuration that works on a single machine with
// the relay on localhost.
func Default() *Config {
	return &Config{
		Signaling: SignalingConfig{
			URL:    "ws://127.0.0.1:8765/ws",
			Room:   "default",
			Listen: "127.0.0.1:8765",
		},
		Session: SessionConfig{
			Quality: "medium",
			Bitrate: BitrateConfig{Min: 500_000, Start: 2_500_000, Max: 6_000_000},
		},
		Controller: ControllerConfig{
			StatsInterval:        Duration(2 * time.Second),
			BitrateInterval:      Duration(5 * time.Second),
			ReconnectBackoff:     Duration(3 * time.Second),
			MaxReconnectAttempts: 5,
		},
		Auth: AuthConfig{
			StateDir:     "${XDG_STATE_HOME:-${HOME}/.local/state}/tandem",
			ChallengeTTL: Duration(30 * time.Second),
			TokenTTL:     Duration(12 * time.Hour),
			Permissions:  []string{"view", "control", "clipboard"},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load resolves the config file location and loads it. path may be
// empty.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		path = os.Getenv(EnvironmentVariable)
	}
	if path == "" {
		explicit = false
		path = defaultPath()
	}

	cfg, err := LoadFile(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		cfg.finish()
		return cfg, nil
	}
	return cfg, err
}

// LoadFile loads one file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	if err := cfg.decode(path, data); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.finish()
	return cfg, nil
}

func (c *Config) decode(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return json.Unmarshal(jsonc.ToJSON(data), c)
	default:
		return yaml.Unmarshal(data, c)
	}
}

func (c *Config) finish() {
	c.applyEnvironmentOverrides()
	c.expandVariables()
}

func defaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "tandem", "config.yaml")
}

func (c *Config) applyEnvironmentOverrides() {
	if value := os.Getenv("TANDEM_SIGNALING_URL"); value != "" {
		c.Signaling.URL = value
	}
	if value := os.Getenv("TANDEM_ROOM"); value != "" {
		c.Signaling.Room = value
	}
	if value := os.Getenv("TANDEM_STATE_DIR"); value != "" {
		c.Auth.StateDir = value
	}
	if value := os.Getenv("TANDEM_LOG_LEVEL"); value != "" {
		c.Log.Level = value
	}
	if value := os.Getenv("TANDEM_GAME_MODE"); value != "" {
		if enabled, err := strconv.ParseBool(value); err == nil {
			c.Session.GameMode = enabled
		}
	}
}

func (c *Config) expandVariables() {
	c.Signaling.URL = expandVars(c.Signaling.URL)
	c.Auth.StateDir = expandVars(c.Auth.StateDir)
	for index := range c.ICE.Servers {
		c.ICE.Servers[index].Credential = expandVars(c.ICE.Servers[index].Credential)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-((?:[^{}]|\$\{[^}]*\})*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}. Defaults may
// themselves contain one level of ${VAR}.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return expandVars(parts[2])
	})
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Signaling.URL == "" {
		errs = append(errs, fmt.Errorf("signaling.url is required"))
	}
	if c.Signaling.Room == "" {
		errs = append(errs, fmt.Errorf("signaling.room is required"))
	}
	switch c.Session.Quality {
	case "low", "medium", "high":
	default:
		errs = append(errs, fmt.Errorf("session.quality must be low, medium, or high, got %q", c.Session.Quality))
	}
	bitrate := c.Session.Bitrate
	if bitrate.Min <= 0 || bitrate.Min > bitrate.Start || bitrate.Start > bitrate.Max {
		errs = append(errs, fmt.Errorf("session.bitrate must satisfy 0 < min <= start <= max, got %d/%d/%d",
			bitrate.Min, bitrate.Start, bitrate.Max))
	}
	for _, field := range []struct {
		name  string
		value Duration
	}{
		{"controller.stats_interval", c.Controller.StatsInterval},
		{"controller.bitrate_interval", c.Controller.BitrateInterval},
		{"controller.reconnect_backoff", c.Controller.ReconnectBackoff},
		{"auth.challenge_ttl", c.Auth.ChallengeTTL},
		{"auth.token_ttl", c.Auth.TokenTTL},
	} {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", field.name))
		}
	}
	if c.Controller.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("controller.max_reconnect_attempts must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	return parseLevel(c.Log.Level)
}

// Logger builds the process logger described by the log section.
func (c *Config) Logger(output io.Writer) (*slog.Logger, error) {
	level, err := c.LogLevel()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(output, options)), nil
	}
	return slog.New(slog.NewJSONHandler(output, options)), nil
}

func parseLevel(text string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(text)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
