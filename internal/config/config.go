package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// SourceConfig selects and configures the frame source.
type SourceConfig struct {
	Kind     string `yaml:"kind"`      // "dir" or "mjpeg"
	Dir      string `yaml:"dir"`       // directory of JPEG frames (kind=dir)
	URL      string `yaml:"url"`       // MJPEG camera URL (kind=mjpeg)
	MaxWidth int    `yaml:"max_width"` // downscale bound before upload, 0 = no downscale
}

// MonitorConfig configures the presentation-layer HTTP server.
type MonitorConfig struct {
	Addr             string `yaml:"addr"`
	StatusIntervalMs int    `yaml:"status_interval_ms"`
	MJPEGIntervalMs  int    `yaml:"mjpeg_interval_ms"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// SpeechConfig configures the TTS actuator. An empty command selects the
// logging speaker.
type SpeechConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Config is the full runtime configuration. It is immutable for the
// lifetime of a stream run; changing it requires a restart.
type Config struct {
	Endpoint         string  `yaml:"endpoint"`
	TargetFPS        float64 `yaml:"target_fps"`
	RequestTimeoutMs int     `yaml:"request_timeout_ms"`
	ReconnectDelayMs int     `yaml:"reconnect_delay_ms"`
	MaxRetryAttempts int     `yaml:"max_retry_attempts"`
	SpeechCooldownMs int     `yaml:"speech_cooldown_ms"`
	ImageQuality     int     `yaml:"image_quality"`
	LogLevel         string  `yaml:"log_level"`

	Source  SourceConfig  `yaml:"source"`
	Monitor MonitorConfig `yaml:"monitor"`
	Metrics MetricsConfig `yaml:"metrics"`
	Speech  SpeechConfig  `yaml:"speech"`
}

// DefaultConfig returns a config aligned with the inference server's
// defaults (3s alert cooldown, port 5000 endpoint).
func DefaultConfig() Config {
	return Config{
		Endpoint:         "http://127.0.0.1:5000/detect",
		TargetFPS:        2,
		RequestTimeoutMs: 5000,
		ReconnectDelayMs: 2000,
		MaxRetryAttempts: 3,
		SpeechCooldownMs: 3000,
		ImageQuality:     80,
		LogLevel:         "info",
		Source: SourceConfig{
			Kind:     "dir",
			Dir:      "./frames",
			MaxWidth: 640,
		},
		Monitor: MonitorConfig{
			Addr:             ":8080",
			StatusIntervalMs: 1000,
			MJPEGIntervalMs:  100,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the invariants the stream loop relies on.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint must not be empty")
	}
	if c.TargetFPS <= 0 {
		return fmt.Errorf("target_fps must be > 0, got %v", c.TargetFPS)
	}
	if c.RequestTimeoutMs <= 0 {
		return fmt.Errorf("request_timeout_ms must be > 0, got %d", c.RequestTimeoutMs)
	}
	if c.ReconnectDelayMs < 0 {
		return fmt.Errorf("reconnect_delay_ms must be >= 0, got %d", c.ReconnectDelayMs)
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("max_retry_attempts must be >= 1, got %d", c.MaxRetryAttempts)
	}
	if c.SpeechCooldownMs < 0 {
		return fmt.Errorf("speech_cooldown_ms must be >= 0, got %d", c.SpeechCooldownMs)
	}
	if c.ImageQuality < 1 || c.ImageQuality > 100 {
		return fmt.Errorf("image_quality must be in [1,100], got %d", c.ImageQuality)
	}
	switch c.Source.Kind {
	case "dir", "mjpeg":
	default:
		return fmt.Errorf("source.kind must be \"dir\" or \"mjpeg\", got %q", c.Source.Kind)
	}
	return nil
}

// FrameInterval returns the pacing interval derived from TargetFPS.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.TargetFPS)
}

// RequestTimeout returns RequestTimeoutMs as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// ReconnectDelay returns ReconnectDelayMs as a duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// SpeechCooldown returns SpeechCooldownMs as a duration.
func (c *Config) SpeechCooldown() time.Duration {
	return time.Duration(c.SpeechCooldownMs) * time.Millisecond
}
