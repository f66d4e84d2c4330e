// Package config loads relay settings from YAML with environment
// overrides. Durations are plain integer fields (seconds / milliseconds)
// so config files stay obvious.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Backend connection.
	BackendURL string `yaml:"backend_url" env:"NPCWIRE_BACKEND_URL"`
	Token      string `yaml:"token" env:"NPCWIRE_TOKEN"`

	// Self-description sent in the handshake.
	HostName    string `yaml:"host_name" env:"NPCWIRE_HOST_NAME"`
	Platform    string `yaml:"platform" env:"NPCWIRE_PLATFORM"`
	HostVersion string `yaml:"host_version" env:"NPCWIRE_HOST_VERSION"`

	// Timings.
	TurnTimeoutS      int `yaml:"turn_timeout_s" env:"NPCWIRE_TURN_TIMEOUT_S"`
	ReconnectDelayS   int `yaml:"reconnect_delay_s" env:"NPCWIRE_RECONNECT_DELAY_S"`
	CapabilityDelayMs int `yaml:"capability_delay_ms" env:"NPCWIRE_CAPABILITY_DELAY_MS"`

	// Persistence.
	DataDir      string `yaml:"data_dir" env:"NPCWIRE_DATA_DIR"`
	DisableIndex bool   `yaml:"disable_index" env:"NPCWIRE_DISABLE_INDEX"`
}

func Default() Config {
	return Config{
		HostName:          "npcwire",
		Platform:          "generic",
		TurnTimeoutS:      60,
		ReconnectDelayS:   5,
		CapabilityDelayMs: 2000,
		DataDir:           "./data",
	}
}

// Load reads path (if non-empty), then applies environment overrides.
// Callers apply their own flag overrides afterwards and finish with
// Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend_url is required")
	}
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.TurnTimeoutS <= 0 {
		return fmt.Errorf("turn_timeout_s must be positive")
	}
	if c.ReconnectDelayS <= 0 {
		return fmt.Errorf("reconnect_delay_s must be positive")
	}
	return nil
}

func (c Config) TurnTimeout() time.Duration { return time.Duration(c.TurnTimeoutS) * time.Second }

func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayS) * time.Second
}

func (c Config) CapabilityDelay() time.Duration {
	return time.Duration(c.CapabilityDelayMs) * time.Millisecond
}
