// Package config handles loading and validating the YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables overriding server
// settings, e.g. H264RELAY_RTSP_PORT.
const EnvPrefix = "h264relay"

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig            `yaml:"server"`
	Defaults SourceDefaults          `yaml:"defaults"`
	Sources  map[string]SourceConfig `yaml:"sources"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	RTSPPort       int    `yaml:"rtsp_port" envconfig:"RTSP_PORT"`
	HealthPort     int    `yaml:"health_port" envconfig:"HEALTH_PORT"`
	LogLevel       string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat      string `yaml:"log_format" envconfig:"LOG_FORMAT"` // "text" or "json"
	MaxConnections int    `yaml:"max_connections" envconfig:"MAX_CONNECTIONS"`

	// Keepalive is the interval at which an idle RTSP path repeats its
	// last keyframe. Negative disables repetition.
	Keepalive time.Duration `yaml:"keepalive" envconfig:"KEEPALIVE"`
}

// SourceDefaults holds default values applied to every source.
type SourceDefaults struct {
	QueueSize   int    `yaml:"queue_size"`
	QueuePolicy string `yaml:"queue_policy"` // "block" or "drop"
	MaxPayload  uint32 `yaml:"max_payload"`
	ReadBuffer  int    `yaml:"read_buffer"`
	FPS         int    `yaml:"fps"`
	DumpDir     string `yaml:"dump_dir"`
}

// MaxBufferSize bounds max_payload and read_buffer. Every session
// allocates both up front.
const MaxBufferSize = 64 << 20

// Source types.
const (
	TypeTCP  = "tcp"
	TypeSRT  = "srt"
	TypeFile = "file"
)

// SourceConfig holds per-source settings. Pointer fields allow
// distinguishing "not set" from zero values so the defaults layer works
// correctly.
type SourceConfig struct {
	Type   string `yaml:"type"`   // "tcp", "srt" or "file"
	Listen string `yaml:"listen"` // tcp and srt
	Path   string `yaml:"path"`   // file
	Loop   bool   `yaml:"loop"`   // file

	// Framed defaults to true for network sources and false for files.
	Framed      *bool   `yaml:"framed,omitempty"`
	QueueSize   *int    `yaml:"queue_size,omitempty"`
	QueuePolicy *string `yaml:"queue_policy,omitempty"`
	FPS         *int    `yaml:"fps,omitempty"`
	DumpDir     *string `yaml:"dump_dir,omitempty"`
}

// Effective returns a resolved copy where nil fields are filled from defaults.
func (c SourceConfig) Effective(d SourceDefaults) ResolvedSource {
	r := ResolvedSource{
		Type:        c.Type,
		Listen:      c.Listen,
		Path:        c.Path,
		Loop:        c.Loop,
		Framed:      c.Type != TypeFile,
		QueueSize:   d.QueueSize,
		QueuePolicy: d.QueuePolicy,
		MaxPayload:  d.MaxPayload,
		ReadBuffer:  d.ReadBuffer,
		FPS:         d.FPS,
		DumpDir:     d.DumpDir,
	}
	if c.Framed != nil {
		r.Framed = *c.Framed
	}
	if c.QueueSize != nil {
		r.QueueSize = *c.QueueSize
	}
	if c.QueuePolicy != nil {
		r.QueuePolicy = *c.QueuePolicy
	}
	if c.FPS != nil {
		r.FPS = *c.FPS
	}
	if c.DumpDir != nil {
		r.DumpDir = *c.DumpDir
	}
	return r
}

// ResolvedSource is a fully-resolved source configuration with no nil fields.
type ResolvedSource struct {
	Type        string
	Listen      string
	Path        string
	Loop        bool
	Framed      bool
	QueueSize   int
	QueuePolicy string
	MaxPayload  uint32
	ReadBuffer  int
	FPS         int
	DumpDir     string
}

// Load reads and parses a YAML configuration file.
// Environment variables in the form ${VAR} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses raw YAML bytes into a validated Config. Server settings
// may then be overridden by H264RELAY_* environment variables.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg.Server); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	applyServerDefaults(&cfg.Server)
	applyGlobalDefaults(&cfg.Defaults)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyServerDefaults(s *ServerConfig) {
	if s.RTSPPort == 0 {
		s.RTSPPort = 8554
	}
	if s.HealthPort == 0 {
		s.HealthPort = 8080
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.LogFormat == "" {
		s.LogFormat = "text"
	}
	if s.MaxConnections == 0 {
		s.MaxConnections = 16
	}
	if s.Keepalive == 0 {
		s.Keepalive = time.Second
	}
}

func applyGlobalDefaults(d *SourceDefaults) {
	if d.QueueSize == 0 {
		d.QueueSize = 32
	}
	if d.QueuePolicy == "" {
		d.QueuePolicy = "block"
	}
	if d.MaxPayload == 0 {
		d.MaxPayload = 4 << 20
	}
	if d.ReadBuffer == 0 {
		d.ReadBuffer = 1 << 20
	}
	if d.FPS == 0 {
		d.FPS = 30
	}
}

func validQueuePolicy(p string) bool {
	return p == "block" || p == "drop"
}

func validate(cfg *Config) error {
	switch cfg.Server.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log_format %q (must be text or json)", cfg.Server.LogFormat)
	}
	if cfg.Server.MaxConnections < 1 {
		return fmt.Errorf("config: max_connections must be positive")
	}
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("config: no sources defined")
	}
	if !validQueuePolicy(cfg.Defaults.QueuePolicy) {
		return fmt.Errorf("config: invalid default queue_policy %q (must be block or drop)", cfg.Defaults.QueuePolicy)
	}
	if q := cfg.Defaults.QueueSize; q < 1 || q > 1024 {
		return fmt.Errorf("config: default queue_size %d out of range 1..1024", q)
	}
	if cfg.Defaults.FPS < 1 {
		return fmt.Errorf("config: default fps must be positive")
	}
	if cfg.Defaults.MaxPayload > MaxBufferSize {
		return fmt.Errorf("config: default max_payload %d exceeds %d", cfg.Defaults.MaxPayload, MaxBufferSize)
	}
	if r := cfg.Defaults.ReadBuffer; r < 0 || r > MaxBufferSize {
		return fmt.Errorf("config: default read_buffer %d out of range 1..%d", r, MaxBufferSize)
	}

	for name, src := range cfg.Sources {
		switch src.Type {
		case TypeTCP, TypeSRT:
			if src.Listen == "" {
				return fmt.Errorf("config: source %q missing listen address", name)
			}
		case TypeFile:
			if src.Path == "" {
				return fmt.Errorf("config: source %q missing path", name)
			}
		default:
			return fmt.Errorf("config: source %q invalid type %q (must be tcp, srt or file)", name, src.Type)
		}
		if src.QueuePolicy != nil && !validQueuePolicy(*src.QueuePolicy) {
			return fmt.Errorf("config: source %q invalid queue_policy %q", name, *src.QueuePolicy)
		}
		if src.QueueSize != nil && (*src.QueueSize < 1 || *src.QueueSize > 1024) {
			return fmt.Errorf("config: source %q queue_size %d out of range 1..1024", name, *src.QueueSize)
		}
		if src.FPS != nil && *src.FPS < 1 {
			return fmt.Errorf("config: source %q fps must be positive", name)
		}
	}
	return nil
}
