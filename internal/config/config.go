// Package config loads optional service tunables from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml files can use "90s" / "5m" notation.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Tunables are operator-adjustable knobs with safe defaults.
type Tunables struct {
	// RequestExpiry is how long a pending call request waits before the
	// expiry poller releases its hold.
	RequestExpiry Duration `yaml:"request_expiry"`
	// CredentialTTL bounds the lifetime of issued channel tokens.
	CredentialTTL Duration `yaml:"credential_ttl"`
	// MinPricePerMinute rejects call requests priced below the floor.
	MinPricePerMinute int64 `yaml:"min_price_per_minute"`
	// EventsChannel is the redis pub/sub channel for realtime fan-out.
	EventsChannel string `yaml:"events_channel"`
}

// Default returns the built-in tunables.
func Default() *Tunables {
	return &Tunables{
		RequestExpiry:     Duration(2 * time.Minute),
		CredentialTTL:     Duration(2 * time.Hour),
		MinPricePerMinute: 1,
		EventsChannel:     "callcore:events",
	}
}

// Load reads tunables from the given path.
func Load(path string) (*Tunables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tunables: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse tunables: %w", err)
	}
	if cfg.RequestExpiry <= 0 || cfg.CredentialTTL <= 0 {
		return nil, fmt.Errorf("request_expiry and credential_ttl must be positive")
	}
	return cfg, nil
}

// LoadOrDefault loads tunables from config/tunables.yaml, falling back to the
// defaults when the file is absent.
func LoadOrDefault() *Tunables {
	cfg, err := Load(filepath.Join("config", "tunables.yaml"))
	if err != nil {
		return Default()
	}
	return cfg
}
