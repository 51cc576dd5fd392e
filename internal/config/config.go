// Package config loads the rpctable server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTransport      = TransportTCP
	DefaultWorkers        = 64
	DefaultDuplicates     = "replace"
	DefaultValkeyAddress  = "localhost:6379"
	DefaultValkeyChannel  = "rpctable:requests"
	DefaultReplyTTL       = time.Minute
	DefaultTCPAddress     = "127.0.0.1:4501"
	DefaultLogLevel       = "info"
	DefaultMsgBufferSize  = 100
	DefaultCallTimeout    = 5 * time.Second
)

// Transport names accepted by the transport key.
const (
	TransportValkey = "valkey"
	TransportTCP    = "tcp"
	TransportStdio  = "stdio"
)

type ValkeyConfig struct {
	Address  string        `yaml:"address,omitempty"`
	Channel  string        `yaml:"channel,omitempty"`
	ReplyTTL time.Duration `yaml:"reply_ttl,omitempty"`
}

type TCPConfig struct {
	Address string `yaml:"address,omitempty"`
}

type MetricsConfig struct {
	// Address of the Prometheus endpoint; empty disables it.
	Address string `yaml:"address,omitempty"`
}

type LogConfig struct {
	Level       string `yaml:"level,omitempty"`
	Development bool   `yaml:"development,omitempty"`
}

// Config is the top-level server configuration.
type Config struct {
	Baseline      *bool         `yaml:"baseline,omitempty"`
	Introspection *bool         `yaml:"introspection,omitempty"`
	Duplicates    string        `yaml:"duplicates,omitempty"`
	Workers       int           `yaml:"workers,omitempty"`
	BufferSize    int           `yaml:"buffer_size,omitempty"`
	Transport     string        `yaml:"transport,omitempty"`
	CallTimeout   time.Duration `yaml:"call_timeout,omitempty"`
	Valkey        ValkeyConfig  `yaml:"valkey,omitempty"`
	TCP           TCPConfig     `yaml:"tcp,omitempty"`
	Metrics       MetricsConfig `yaml:"metrics,omitempty"`
	Log           LogConfig     `yaml:"log,omitempty"`
}

// New returns a Config with every default populated.
func New() *Config {
	return &Config{
		Baseline:      boolPtr(true),
		Introspection: boolPtr(true),
		Duplicates:    DefaultDuplicates,
		Workers:       DefaultWorkers,
		BufferSize:    DefaultMsgBufferSize,
		Transport:     DefaultTransport,
		CallTimeout:   DefaultCallTimeout,
		Valkey: ValkeyConfig{
			Address:  DefaultValkeyAddress,
			Channel:  DefaultValkeyChannel,
			ReplyTTL: DefaultReplyTTL,
		},
		TCP: TCPConfig{
			Address: DefaultTCPAddress,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

// Load reads path and overlays it onto the defaults. An empty path or a
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := New()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	merge(cfg, &fileCfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportValkey, TransportTCP, TransportStdio:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.Duplicates {
	case "replace", "reject":
	default:
		return fmt.Errorf("duplicates must be replace or reject, got %q", c.Duplicates)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Transport == TransportValkey && c.Valkey.Channel == "" {
		return errors.New("valkey.channel is required")
	}
	if c.Valkey.ReplyTTL < time.Second {
		return fmt.Errorf("valkey.reply_ttl must be at least 1s, got %s", c.Valkey.ReplyTTL)
	}
	return nil
}

// BaselineEnabled reports whether test_add and test_sub are registered.
func (c *Config) BaselineEnabled() bool {
	return c.Baseline == nil || *c.Baseline
}

// IntrospectionEnabled reports whether ping and get_supported_cmds are registered.
func (c *Config) IntrospectionEnabled() bool {
	return c.Introspection == nil || *c.Introspection
}

// merge overlays non-zero values from src onto dst.
func merge(dst, src *Config) {
	if src.Baseline != nil {
		dst.Baseline = src.Baseline
	}
	if src.Introspection != nil {
		dst.Introspection = src.Introspection
	}
	if src.Duplicates != "" {
		dst.Duplicates = src.Duplicates
	}
	if src.Workers != 0 {
		dst.Workers = src.Workers
	}
	if src.BufferSize != 0 {
		dst.BufferSize = src.BufferSize
	}
	if src.Transport != "" {
		dst.Transport = src.Transport
	}
	if src.CallTimeout != 0 {
		dst.CallTimeout = src.CallTimeout
	}

	// Valkey
	if src.Valkey.Address != "" {
		dst.Valkey.Address = src.Valkey.Address
	}
	if src.Valkey.Channel != "" {
		dst.Valkey.Channel = src.Valkey.Channel
	}
	if src.Valkey.ReplyTTL != 0 {
		dst.Valkey.ReplyTTL = src.Valkey.ReplyTTL
	}

	if src.TCP.Address != "" {
		dst.TCP.Address = src.TCP.Address
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	// Log
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Development {
		dst.Log.Development = true
	}
}

func boolPtr(b bool) *bool {
	return &b
}
