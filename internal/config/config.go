// Package config loads application settings from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/storage"
)

// Config is the top-level structure of safemate.yaml.
type Config struct {
	OwnerID    string                  `yaml:"owner_id"`
	Log        LogConfig               `yaml:"log"`
	Engine     EngineConfig            `yaml:"engine"`
	Supervisor SupervisorConfig        `yaml:"supervisor"`
	Notify     NotifyConfig            `yaml:"notify"`
	Storage    StorageConfig           `yaml:"storage"`
	Kafka      KafkaConfig             `yaml:"kafka"`
	Stream     StreamConfig            `yaml:"stream"`
	Contacts   []domain.TrustedContact `yaml:"contacts"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // off, normal, verbose
	Format string `yaml:"format"` // text, json
	File   string `yaml:"file"`
}

// EngineConfig bounds the session engine.
type EngineConfig struct {
	MaxDuration  time.Duration `yaml:"max_duration"`
	ShareBaseURL string        `yaml:"share_base_url"`
}

// SupervisorConfig tunes the countdown supervisor.
type SupervisorConfig struct {
	Tick      time.Duration `yaml:"tick"`
	Reminder  time.Duration `yaml:"reminder"`
	AlmostDue time.Duration `yaml:"almost_due"`
	Retention time.Duration `yaml:"retention"`
}

// NotifyConfig selects notification transports.
type NotifyConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
}

// MQTTConfig configures the MQTT notifier. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// StorageConfig selects where session snapshots are kept.
type StorageConfig struct {
	Driver     string              `yaml:"driver"` // memory, redis, sqlite
	SQLitePath string              `yaml:"sqlite_path"`
	Redis      storage.RedisConfig `yaml:"redis"`
}

// KafkaConfig configures the event sink. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// StreamConfig configures the WebSocket event feed. An empty address
// disables it.
type StreamConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		OwnerID: "me",
		Log:     LogConfig{Level: "normal", Format: "text"},
		Engine: EngineConfig{
			MaxDuration:  24 * time.Hour,
			ShareBaseURL: "https://safemate.app/live",
		},
		Supervisor: SupervisorConfig{
			Tick:      time.Second,
			Reminder:  5 * time.Minute,
			AlmostDue: 2 * time.Minute,
			Retention: time.Hour,
		},
		Notify: NotifyConfig{
			Timeout: 10 * time.Second,
			MQTT:    MQTTConfig{ClientID: "safemate", TopicPrefix: "safemate/contacts", QoS: 1},
		},
		Storage: StorageConfig{Driver: "memory", SQLitePath: "safemate.db"},
		Kafka:   KafkaConfig{Topic: "safemate.sessions"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from SAFEMATE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SAFEMATE_OWNER_ID", &c.OwnerID)
	str("SAFEMATE_LOG_LEVEL", &c.Log.Level)
	str("SAFEMATE_LOG_FORMAT", &c.Log.Format)
	str("SAFEMATE_STORAGE", &c.Storage.Driver)
	str("SAFEMATE_DB_PATH", &c.Storage.SQLitePath)
	str("SAFEMATE_REDIS_ADDR", &c.Storage.Redis.Addr)
	str("SAFEMATE_REDIS_PASSWORD", &c.Storage.Redis.Password)
	str("SAFEMATE_MQTT_BROKER", &c.Notify.MQTT.Broker)
	str("SAFEMATE_STREAM_ADDR", &c.Stream.Addr)
	str("SAFEMATE_KAFKA_TOPIC", &c.Kafka.Topic)
	if v, ok := lookup("SAFEMATE_KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = splitList(v)
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "off", "normal", "verbose":
	default:
		return fmt.Errorf("log.level %q: want off, normal or verbose", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("storage.driver %q: want memory, redis or sqlite", c.Storage.Driver)
	}
	if c.Engine.MaxDuration <= 0 {
		return fmt.Errorf("engine.max_duration must be positive")
	}
	if c.Supervisor.Tick <= 0 {
		return fmt.Errorf("supervisor.tick must be positive")
	}
	if c.Notify.MQTT.QoS > 2 {
		return fmt.Errorf("notify.mqtt.qos %d: want 0, 1 or 2", c.Notify.MQTT.QoS)
	}
	seen := make(map[string]bool, len(c.Contacts))
	for _, ct := range c.Contacts {
		if ct.ID == "" {
			return fmt.Errorf("contact %q has no id", ct.DisplayName)
		}
		if seen[ct.ID] {
			return fmt.Errorf("duplicate contact id %q", ct.ID)
		}
		seen[ct.ID] = true
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
