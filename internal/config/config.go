// Package config reads store configuration files.
//
//	initial_state:
//	  count: 0
//	tracing:
//	  enabled: true
//	  debounce: 50ms
//	error_handler:
//	  rethrow: false
//	scheduler:
//	  type: frame
//	  interval: 16ms
//	schema:
//	  file: state.cue
//	  path: "#State"
//	  mode: reject
//	warn_on_overwrite: true
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/reframe"
	"github.com/roach88/reframe/internal/schema"
)

// Scheduler types.
const (
	SchedulerFrame  = "frame"
	SchedulerSync   = "sync"
	SchedulerManual = "manual"
)

// Schema modes.
const (
	SchemaReject = "reject"
	SchemaStrip  = "strip"
)

// Config is a store configuration file.
type Config struct {
	InitialState    any           `yaml:"initial_state"`
	Tracing         Tracing       `yaml:"tracing"`
	ErrorHandler    ErrorHandler  `yaml:"error_handler"`
	Scheduler       Scheduler     `yaml:"scheduler"`
	Schema          *SchemaConfig `yaml:"schema,omitempty"`
	WarnOnOverwrite *bool         `yaml:"warn_on_overwrite,omitempty"`
}

// Tracing configures event tracing.
type Tracing struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// ErrorHandler configures the default logging error handler.
type ErrorHandler struct {
	Rethrow bool `yaml:"rethrow"`
}

// Scheduler selects the notification scheduler.
type Scheduler struct {
	// Type is "frame" (default), "sync", or "manual".
	Type string `yaml:"type"`

	// Interval is the frame interval for "frame".
	Interval time.Duration `yaml:"interval"`
}

// SchemaConfig attaches a CUE schema to the store.
type SchemaConfig struct {
	// File is the CUE file, relative to the config file.
	File string `yaml:"file"`

	// Path selects the value inside the file, e.g. "#State".
	Path string `yaml:"path"`

	// Mode is "reject" (default: invalid events fail) or "strip" (the db
	// effect is dropped, other effects still run).
	Mode string `yaml:"mode"`
}

// Load reads and validates a configuration file. Relative schema paths are
// resolved against the file's directory.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, err
	}
	if cfg.Schema != nil && cfg.Schema.File != "" && !filepath.IsAbs(cfg.Schema.File) {
		cfg.Schema.File = filepath.Join(filepath.Dir(path), cfg.Schema.File)
	}
	return cfg, nil
}

// Parse decodes and validates configuration YAML.
func Parse(data []byte) (*Config, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads configuration YAML from r. Unknown fields are rejected. An
// empty document yields the zero Config.
func Decode(r io.Reader) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks enum fields and durations.
func (c *Config) Validate() error {
	switch c.Scheduler.Type {
	case "", SchedulerFrame, SchedulerSync, SchedulerManual:
	default:
		return fmt.Errorf("scheduler.type: unknown scheduler %q", c.Scheduler.Type)
	}
	if c.Scheduler.Interval < 0 {
		return fmt.Errorf("scheduler.interval must be non-negative")
	}
	if c.Tracing.Debounce < 0 {
		return fmt.Errorf("tracing.debounce must be non-negative")
	}
	if c.Schema != nil {
		if c.Schema.File == "" {
			return fmt.Errorf("schema.file is required")
		}
		switch c.Schema.Mode {
		case "", SchemaReject, SchemaStrip:
		default:
			return fmt.Errorf("schema.mode: unknown mode %q", c.Schema.Mode)
		}
	}
	return nil
}

// LoadSchema compiles the configured schema. Returns nil when none is
// configured.
func (c *Config) LoadSchema() (*schema.Schema, error) {
	if c.Schema == nil {
		return nil, nil
	}
	return schema.Load(c.Schema.File, c.Schema.Path)
}

// Options converts the configuration into store options. The initial state
// is checked against the schema, if any.
func (c *Config) Options() ([]reframe.Option, error) {
	opts := []reframe.Option{
		reframe.WithInitialState(c.InitialState),
		reframe.WithTracing(reframe.TracingConfig{
			Enabled:  c.Tracing.Enabled,
			Debounce: c.Tracing.Debounce,
		}),
		reframe.WithErrorHandler(reframe.LogError, c.ErrorHandler.Rethrow),
	}

	switch c.Scheduler.Type {
	case SchedulerSync:
		opts = append(opts, reframe.WithScheduler(reframe.SyncScheduler{}))
	case SchedulerManual:
		opts = append(opts, reframe.WithScheduler(reframe.NewManualScheduler()))
	default:
		opts = append(opts, reframe.WithScheduler(reframe.NewFrameScheduler(c.Scheduler.Interval)))
	}

	if c.WarnOnOverwrite != nil {
		opts = append(opts, reframe.WithWarnOnOverwrite(*c.WarnOnOverwrite))
	}

	s, err := c.LoadSchema()
	if err != nil {
		return nil, err
	}
	if s != nil {
		if err := s.Validate(c.InitialState); err != nil {
			return nil, fmt.Errorf("initial state: %w", err)
		}
		if c.Schema.Mode == SchemaStrip {
			opts = append(opts, reframe.WithGlobalInterceptors(schema.Strip(s)))
		} else {
			opts = append(opts, reframe.WithGlobalInterceptors(schema.Interceptor(s)))
		}
	}
	return opts, nil
}
