package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TurnTimeout() != 60*time.Second {
		t.Fatalf("turn timeout = %v", cfg.TurnTimeout())
	}
	if cfg.ReconnectDelay() != 5*time.Second {
		t.Fatalf("reconnect delay = %v", cfg.ReconnectDelay())
	}
	if cfg.CapabilityDelay() != 2*time.Second {
		t.Fatalf("capability delay = %v", cfg.CapabilityDelay())
	}
	if cfg.HostName == "" || cfg.Platform == "" {
		t.Fatalf("self description defaults missing: %+v", cfg)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
backend_url: ws://localhost:9090/relay
token: t0ken
turn_timeout_s: 30
capability_delay_ms: 500
data_dir: /tmp/npcwire
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BackendURL != "ws://localhost:9090/relay" || cfg.Token != "t0ken" {
		t.Fatalf("connection fields = %+v", cfg)
	}
	if cfg.TurnTimeout() != 30*time.Second {
		t.Fatalf("turn timeout = %v", cfg.TurnTimeout())
	}
	if cfg.CapabilityDelay() != 500*time.Millisecond {
		t.Fatalf("capability delay = %v", cfg.CapabilityDelay())
	}
	// Untouched fields keep their defaults.
	if cfg.ReconnectDelay() != 5*time.Second {
		t.Fatalf("reconnect delay = %v", cfg.ReconnectDelay())
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
backend_url: ws://from-file/relay
token: file-token
`)
	t.Setenv("NPCWIRE_TOKEN", "env-token")
	t.Setenv("NPCWIRE_RECONNECT_DELAY_S", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "env-token" {
		t.Fatalf("token = %q, env override lost", cfg.Token)
	}
	if cfg.BackendURL != "ws://from-file/relay" {
		t.Fatalf("backend url = %q", cfg.BackendURL)
	}
	if cfg.ReconnectDelay() != 9*time.Second {
		t.Fatalf("reconnect delay = %v", cfg.ReconnectDelay())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "backend_url: [not, a, string")
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed yaml accepted")
	}
}

func TestValidate(t *testing.T) {
	base := Default()
	base.BackendURL = "ws://localhost:9090/relay"
	base.Token = "t"

	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no url", func(c *Config) { c.BackendURL = "" }},
		{"no token", func(c *Config) { c.Token = "" }},
		{"zero timeout", func(c *Config) { c.TurnTimeoutS = 0 }},
		{"negative reconnect", func(c *Config) { c.ReconnectDelayS = -1 }},
	}
	for _, tc := range cases {
		cfg := base
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: accepted", tc.name)
		}
	}
}
