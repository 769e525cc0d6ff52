package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/prefstore/internal/backend"
	"github.com/dshills/prefstore/internal/codec"
	"github.com/dshills/prefstore/internal/logging"
)

// Backend kinds.
const (
	BackendMemory  = "memory"
	BackendFile    = "file"
	BackendSQLite  = "sqlite"
	BackendKeyring = "keyring"
)

// Config is the bootstrap configuration of a settings engine.
type Config struct {
	// AppName is the backend root all settings live under.
	AppName string `toml:"app_name" yaml:"app_name"`

	Backend BackendConfig `toml:"backend" yaml:"backend"`

	// WriteDelay is the debounce interval for non-immediate settings.
	WriteDelay Duration `toml:"write_delay" yaml:"write_delay"`

	// Malformed selects what happens to undecodable stored data:
	// "error" or "default".
	Malformed string `toml:"malformed" yaml:"malformed"`

	Watch WatchConfig `toml:"watch" yaml:"watch"`
	Log   LogConfig   `toml:"log" yaml:"log"`
}

// BackendConfig selects the store.
type BackendConfig struct {
	// Kind is one of memory, file, sqlite or keyring.
	Kind string `toml:"kind" yaml:"kind"`
	// Path is the base directory (file) or database file (sqlite).
	// Empty means a location under the user config directory.
	Path string `toml:"path,omitempty" yaml:"path,omitempty"`
}

// WatchConfig controls external change detection.
type WatchConfig struct {
	Enabled      bool     `toml:"enabled" yaml:"enabled"`
	Interval     Duration `toml:"interval" yaml:"interval"`
	RestartDelay Duration `toml:"restart_delay" yaml:"restart_delay"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		AppName:    "prefstore",
		Backend:    BackendConfig{Kind: BackendFile},
		WriteDelay: Duration(500 * time.Millisecond),
		Malformed:  codec.PolicyError.String(),
		Watch: WatchConfig{
			Enabled:      true,
			Interval:     Duration(time.Second),
			RestartDelay: Duration(time.Second),
		},
		Log: LogConfig{
			Level:  logging.LevelInfo.String(),
			Format: string(logging.FormatText),
		},
	}
}

// Validate checks every field and returns all failures joined.
// Each failure is a *ValidationError.
func (c *Config) Validate() error {
	var errs []error
	add := func(path, msg string, value any, code ValidationErrorCode) {
		errs = append(errs, &ValidationError{Path: path, Message: msg, Value: value, Code: code})
	}

	if c.AppName == "" {
		add("app_name", "is required", c.AppName, ErrCodeRequiredMissing)
	} else if err := backend.ValidateRoot(c.AppName); err != nil {
		add("app_name", err.Error(), c.AppName, ErrCodeInvalidName)
	}

	switch c.Backend.Kind {
	case BackendMemory, BackendFile, BackendSQLite, BackendKeyring:
	default:
		add("backend.kind", "must be memory, file, sqlite or keyring", c.Backend.Kind, ErrCodeInvalidEnum)
	}

	if c.WriteDelay < 0 {
		add("write_delay", "must not be negative", c.WriteDelay, ErrCodeOutOfRange)
	}
	if _, err := codec.ParsePolicy(c.Malformed); err != nil {
		add("malformed", "must be error or default", c.Malformed, ErrCodeInvalidEnum)
	}

	if c.Watch.Enabled && c.Watch.Interval <= 0 {
		add("watch.interval", "must be positive", c.Watch.Interval, ErrCodeOutOfRange)
	}
	if c.Watch.RestartDelay < 0 {
		add("watch.restart_delay", "must not be negative", c.Watch.RestartDelay, ErrCodeOutOfRange)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level", "must be debug, info, warn or error", c.Log.Level, ErrCodeInvalidEnum)
	}
	switch logging.Format(c.Log.Format) {
	case logging.FormatText, logging.FormatJSON:
	default:
		add("log.format", "must be text or json", c.Log.Format, ErrCodeInvalidEnum)
	}

	return errors.Join(errs...)
}

// Policy returns the codec policy for malformed data.
func (c *Config) Policy() codec.Policy {
	p, _ := codec.ParsePolicy(c.Malformed)
	return p
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.Log.Level)
	if c.Log.Format != "" {
		cfg.Format = logging.Format(c.Log.Format)
	}
	return cfg
}

// BackendPath returns the configured backend path, or the default location
// for the backend kind. Memory and keyring backends have no path.
func (c *Config) BackendPath() (string, error) {
	if c.Backend.Path != "" {
		return c.Backend.Path, nil
	}
	switch c.Backend.Kind {
	case BackendFile, BackendSQLite:
	default:
		return "", nil
	}

	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating user config directory: %w", err)
	}
	if c.Backend.Kind == BackendSQLite {
		return filepath.Join(base, "prefstore", "prefs.db"), nil
	}
	return base, nil
}

// DefaultPath returns the default location of the configuration file.
func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "prefstore.toml"
	}
	return filepath.Join(base, "prefstore", "prefstore.toml")
}

// Duration is a time.Duration written as a string such as "500ms" in
// configuration files.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String formats d like time.Duration.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}
