package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix is the prefix of environment overrides.
const DefaultEnvPrefix = "PREFSTORE_"

// Loader builds a Config from defaults, an optional file and the
// environment, in that order of increasing precedence.
type Loader struct {
	file     string
	optional bool
	dotenv   string
	prefix   string
	lookup   func(string) (string, bool)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithFile loads the given TOML or YAML file. A missing file is an error.
func WithFile(path string) LoaderOption {
	return func(l *Loader) {
		l.file = path
		l.optional = false
	}
}

// WithOptionalFile loads the given file if it exists.
func WithOptionalFile(path string) LoaderOption {
	return func(l *Loader) {
		l.file = path
		l.optional = true
	}
}

// WithDotEnv reads additional variables from a .env file. Variables set in
// the process environment take precedence. A missing file is ignored.
func WithDotEnv(path string) LoaderOption {
	return func(l *Loader) {
		l.dotenv = path
	}
}

// WithEnvPrefix changes the environment variable prefix.
// The prefix should include the trailing underscore.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.prefix = prefix
	}
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) LoaderOption {
	return func(l *Loader) {
		if fn != nil {
			l.lookup = fn
		}
	}
}

// NewLoader creates a loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		prefix: DefaultEnvPrefix,
		lookup: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the merged and validated configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.file != "" {
		err := LoadFile(l.file, cfg)
		if errors.Is(err, ErrFileNotFound) && l.optional {
			err = nil
		}
		if err != nil {
			return nil, err
		}
	}

	lookup := l.lookup
	if l.dotenv != "" {
		vars, err := godotenv.Read(l.dotenv)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", l.dotenv, err)
		}
		lookup = func(name string) (string, bool) {
			if v, ok := l.lookup(name); ok {
				return v, true
			}
			v, ok := vars[name]
			return v, ok
		}
	}

	if err := applyEnv(cfg, l.prefix, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes path into cfg. The format is chosen by extension:
// .toml, .yaml or .yml. Fields absent from the file keep their values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Decode(path, data, cfg)
}

// Decode parses data as the format implied by name's extension.
func Decode(name string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			pe := &ParseError{Path: name, Message: err.Error(), Err: err}
			var de *toml.DecodeError
			if errors.As(err, &de) {
				pe.Line, _ = de.Position()
			}
			return pe
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return &ParseError{Path: name, Message: err.Error(), Err: err}
		}
	default:
		return &ParseError{Path: name, Message: "unknown extension", Err: ErrUnsupportedFormat}
	}
	return nil
}

// Encode renders cfg in the format implied by name's extension.
func Encode(name string, cfg *Config) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		return toml.Marshal(cfg)
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
}

// Save writes cfg to path, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := Encode(path, c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// envFields maps variable names, without prefix, to config fields.
var envFields = []struct {
	name string
	set  func(c *Config, v string) error
}{
	{"APP_NAME", func(c *Config, v string) error { c.AppName = v; return nil }},
	{"BACKEND_KIND", func(c *Config, v string) error { c.Backend.Kind = strings.ToLower(v); return nil }},
	{"BACKEND_PATH", func(c *Config, v string) error { c.Backend.Path = v; return nil }},
	{"WRITE_DELAY", func(c *Config, v string) error { return c.WriteDelay.UnmarshalText([]byte(v)) }},
	{"MALFORMED", func(c *Config, v string) error { c.Malformed = strings.ToLower(v); return nil }},
	{"WATCH_ENABLED", func(c *Config, v string) error { return parseBool(v, &c.Watch.Enabled) }},
	{"WATCH_INTERVAL", func(c *Config, v string) error { return c.Watch.Interval.UnmarshalText([]byte(v)) }},
	{"WATCH_RESTART_DELAY", func(c *Config, v string) error { return c.Watch.RestartDelay.UnmarshalText([]byte(v)) }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = strings.ToLower(v); return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = strings.ToLower(v); return nil }},
}

// EnvNames returns every recognised environment variable for prefix.
func EnvNames(prefix string) []string {
	names := make([]string, len(envFields))
	for i, f := range envFields {
		names[i] = prefix + f.name
	}
	return names
}

func applyEnv(cfg *Config, prefix string, lookup func(string) (string, bool)) error {
	for _, f := range envFields {
		name := prefix + f.name
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := f.set(cfg, v); err != nil {
			return &ParseError{Path: name, Message: err.Error(), Err: err}
		}
	}
	return nil
}

// parseBool accepts the usual strconv forms plus yes/no and on/off.
func parseBool(s string, dst *bool) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "on":
		*dst = true
		return nil
	case "no", "off":
		*dst = false
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

