package config

import (
	"fmt"
	"strings"

	"github.com/edgeflare/mqttpg/pkg/ingest"
)

// ConfigError lists required settings that were not provided, by environment
// variable name.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", strings.Join(e.Missing, ", "))
}

type requirement struct {
	env string
	set bool
}

func missing(reqs ...requirement) error {
	var names []string
	for _, r := range reqs {
		if !r.set {
			names = append(names, r.env)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return &ConfigError{Missing: names}
}

func (c *Config) busRequirements() []requirement {
	return []requirement{
		{"MQTT_HOST", c.MQTT.Host != ""},
		{"MQTT_PORT", c.MQTT.Port != ""},
		{"MQTT_TOPIC", c.MQTT.Topic != ""},
	}
}

// ValidateConnector checks the settings the connect command cannot start without.
func (c *Config) ValidateConnector() error {
	reqs := append(c.busRequirements(),
		requirement{"POSTGRES_HOST", c.Postgres.Host != ""},
		requirement{"POSTGRES_PORT", c.Postgres.Port != ""},
		requirement{"POSTGRES_USER", c.Postgres.User != ""},
		requirement{"POSTGRES_PASSWORD", c.Postgres.Password != ""},
		requirement{"POSTGRES_DB", c.Postgres.Database != ""},
	)
	if err := missing(reqs...); err != nil {
		return err
	}
	if _, err := ingest.ParsePolicy(c.Store.ErrorPolicy); err != nil {
		return fmt.Errorf("STORE_ERROR_POLICY: %w", err)
	}
	return nil
}

// ValidateSimulator checks the settings the simulate command cannot start without.
func (c *Config) ValidateSimulator() error {
	return missing(append(c.busRequirements(),
		requirement{"DEVICE_ID", len(c.Simulator.DeviceIDs) > 0},
	)...)
}
