// Package config loads process configuration from the environment.
package config

import (
	"github.com/kelseyhightower/envconfig"
)

// Config is populated from INSTANT_UNDO_* environment variables.
type Config struct {
	// HTTPAddr is the listen address for the REST and websocket surface.
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":3000"`

	// StoreDSN selects the backend: empty or memory:// for in-memory,
	// postgres://... for the durable store.
	StoreDSN string `envconfig:"STORE_DSN" default:""`

	// SettingsFile persists per-user grace windows when set.
	SettingsFile string `envconfig:"SETTINGS_FILE" default:""`

	// SimulateLatency makes the built-in executors mimic real integration
	// round trips.
	SimulateLatency bool `envconfig:"SIMULATE_LATENCY" default:"true"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("INSTANT_UNDO", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
