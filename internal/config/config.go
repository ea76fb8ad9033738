// Package config loads server configuration from a TOML file, filling any
// omitted values with struct-tag defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mcuadros/go-defaults"
)

// Config is the top-level configuration tree.
type Config struct {
	Server  Server  `toml:"server"`
	Scan    Scan    `toml:"scan"`
	Capture Capture `toml:"capture"`
	Device  Device  `toml:"device"`
	Store   Store   `toml:"store"`
	Seal    Seal    `toml:"seal"`
}

// Server holds HTTP listener and logging settings.
type Server struct {
	Listen   string `toml:"listen" default:":9090"`
	LogFile  string `toml:"log_file" default:""`
	LogLevel string `toml:"log_level" default:"info"`
}

// Scan holds session-level knobs.
type Scan struct {
	SessionTimeoutSeconds int `toml:"session_timeout_seconds" default:"600"`
	MaxSessionsPerConn    int `toml:"max_sessions_per_conn" default:"3"`
}

// Capture holds the attempt-loop knobs consumed by the capture driver.
type Capture struct {
	MaxAttempts      int `toml:"max_attempts" default:"3"`
	AttemptTimeoutMS int `toml:"attempt_timeout_ms" default:"15000"`
	BackoffMS        int `toml:"backoff_ms" default:"1000"`
	// QualityThreshold is handed to the reader during capture and is
	// intentionally lower than QualityWarnBelow, the post-hoc advisory gate.
	QualityThreshold int `toml:"quality_threshold" default:"30"`
	QualityWarnBelow int `toml:"quality_warn_below" default:"40"`
}

// Device holds reader configuration.
type Device struct {
	Brightness          int    `toml:"brightness" default:"50"`
	TemplateFormat      string `toml:"template_format" default:"sg400"`
	LEDBlinkIntervalMS  int    `toml:"led_blink_interval_ms" default:"400"`
	SampleDir           string `toml:"sample_dir" default:"./samples"`
	MaxConcurrentCalls  int    `toml:"max_concurrent_calls" default:"4"`
	StatusPeriodSeconds int    `toml:"status_period_seconds" default:"5"`
}

// Store holds persistence settings.
type Store struct {
	Path string `toml:"path" default:"./biocapture.db"`
}

// Seal holds the template sealing key. The key may also be supplied through
// the BIOCAPTURE_SEAL_KEY environment variable, which takes precedence.
type Seal struct {
	KeyHex string `toml:"key_hex" default:""`
}

// Load reads path and returns the merged configuration. A missing file is not
// an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := new(Config)
	defaults.SetDefaults(cfg)

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		}
	}

	if env := os.Getenv("BIOCAPTURE_SEAL_KEY"); env != "" {
		cfg.Seal.KeyHex = env
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Capture.MaxAttempts < 1 {
		return fmt.Errorf("capture.max_attempts must be >= 1, got %d", c.Capture.MaxAttempts)
	}
	if c.Scan.SessionTimeoutSeconds < 1 {
		return fmt.Errorf("scan.session_timeout_seconds must be >= 1, got %d", c.Scan.SessionTimeoutSeconds)
	}
	if c.Device.Brightness < 0 || c.Device.Brightness > 100 {
		return fmt.Errorf("device.brightness must be within 0..100, got %d", c.Device.Brightness)
	}
	return nil
}

// SessionTimeout returns the scan session lifetime as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Scan.SessionTimeoutSeconds) * time.Second
}

// AttemptTimeout returns the per-attempt capture timeout.
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.Capture.AttemptTimeoutMS) * time.Millisecond
}

// Backoff returns the pause between failed capture attempts.
func (c *Config) Backoff() time.Duration {
	return time.Duration(c.Capture.BackoffMS) * time.Millisecond
}

// LEDBlinkInterval returns the LED toggle period.
func (c *Config) LEDBlinkInterval() time.Duration {
	return time.Duration(c.Device.LEDBlinkIntervalMS) * time.Millisecond
}

// StatusPeriod returns the admin status broadcast period.
func (c *Config) StatusPeriod() time.Duration {
	return time.Duration(c.Device.StatusPeriodSeconds) * time.Second
}
