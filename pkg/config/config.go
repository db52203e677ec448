package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgeflare/mqttpg/pkg/bus"
	"github.com/edgeflare/mqttpg/pkg/deadletter"
	"github.com/edgeflare/mqttpg/pkg/lastvalue"
	"github.com/edgeflare/mqttpg/pkg/store"
	"github.com/edgeflare/mqttpg/pkg/telemetry"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X github.com/edgeflare/mqttpg/pkg/config.Version=...".
var Version = "dev"

// Config holds application-wide configuration
type Config struct {
	LogLevel   string           `mapstructure:"logLevel"`
	MQTT       bus.Config       `mapstructure:"mqtt"`
	Postgres   store.Config     `mapstructure:"postgres"`
	Store      StoreConfig      `mapstructure:"store"`
	DeadLetter DeadLetterConfig `mapstructure:"deadLetter"`
	Redis      lastvalue.Config `mapstructure:"redis"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Simulator  SimulatorConfig  `mapstructure:"simulator"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type StoreConfig struct {
	ErrorPolicy string `mapstructure:"errorPolicy"`
}

// DeadLetterConfig enables the MQTT sink when Topic is set and the NATS sink
// when NATS.URL is set.
type DeadLetterConfig struct {
	Topic string                `mapstructure:"topic"`
	NATS  deadletter.NATSConfig `mapstructure:"nats"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type SimulatorConfig struct {
	DeviceIDs []string      `mapstructure:"deviceIDs"`
	Interval  time.Duration `mapstructure:"interval"`
	// TopicRoot overrides the publish root derived from mqtt.topic.
	TopicRoot string `mapstructure:"topicRoot"`
}

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string]string{
	"logLevel":                "LOG_LEVEL",
	"mqtt.host":               "MQTT_HOST",
	"mqtt.port":               "MQTT_PORT",
	"mqtt.topic":              "MQTT_TOPIC",
	"mqtt.clientID":           "MQTT_CLIENT_ID",
	"mqtt.keepAlive":          "MQTT_KEEPALIVE",
	"mqtt.connectTimeout":     "MQTT_CONNECT_TIMEOUT",
	"mqtt.qos":                "MQTT_QOS",
	"mqtt.prefetch":           "MQTT_PREFETCH",
	"mqtt.reconnect":          "MQTT_RECONNECT",
	"postgres.host":           "POSTGRES_HOST",
	"postgres.port":           "POSTGRES_PORT",
	"postgres.user":           "POSTGRES_USER",
	"postgres.password":       "POSTGRES_PASSWORD",
	"postgres.database":       "POSTGRES_DB",
	"postgres.schema":         "POSTGRES_SCHEMA",
	"postgres.connectTimeout": "POSTGRES_CONNECT_TIMEOUT",
	"postgres.writeTimeout":   "POSTGRES_WRITE_TIMEOUT",
	"store.errorPolicy":       "STORE_ERROR_POLICY",
	"deadLetter.topic":        "DEADLETTER_TOPIC",
	"deadLetter.nats.url":     "NATS_URL",
	"deadLetter.nats.subject": "NATS_SUBJECT",
	"redis.addr":              "REDIS_ADDR",
	"redis.password":          "REDIS_PASSWORD",
	"redis.ttl":               "REDIS_TTL",
	"metrics.enabled":         "METRICS_ENABLED",
	"metrics.addr":            "METRICS_ADDR",
	"simulator.deviceIDs":     "DEVICE_ID",
	"simulator.interval":      "SIMULATOR_INTERVAL",
	"simulator.topicRoot":     "MQTT_TOPIC_ROOT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("mqtt.reconnect", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("store.errorPolicy", "continue")
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("simulator.interval", 10*time.Second)
}

// Load reads config from file or environment. Environment values override the file.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("mqttpg")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s to %s: %w", env, key, err)
		}
	}

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		cfg.File = v.ConfigFileUsed()
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.Simulator.DeviceIDs = compact(cfg.Simulator.DeviceIDs)
	return &cfg, nil
}

func compact(ids []string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// SimulatorRoot is the topic root the simulator publishes under.
func (c *Config) SimulatorRoot() string {
	if c.Simulator.TopicRoot != "" {
		return c.Simulator.TopicRoot
	}
	return telemetry.Root(c.MQTT.Topic)
}
