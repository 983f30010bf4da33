// Package config defines node configuration and how it is loaded.
//
// Durations are plain integer milliseconds (the _ms keys) so every value can
// be set the same way from YAML or from a single environment variable.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the operator HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// Durable store.
	StoreDriver    string `koanf:"store_driver"` // sqlite, redis, memory
	SQLitePath     string `koanf:"sqlite_path"`
	RedisAddr      string `koanf:"redis_addr"`
	RedisPassword  string `koanf:"redis_password"`
	RedisDB        int    `koanf:"redis_db"`
	RedisKeyPrefix string `koanf:"redis_key_prefix"`

	// Queue and flush.
	QueueCapacity    int `koanf:"queue_capacity"`
	MaxAttempts      int `koanf:"max_attempts"`
	BatchSize        int `koanf:"batch_size"`
	FlushIntervalMS  int `koanf:"flush_interval_ms"`
	BackoffInitialMS int `koanf:"backoff_initial_ms"`
	BackoffMaxMS     int `koanf:"backoff_max_ms"`

	// Background task.
	BackgroundEnabled    bool `koanf:"background_enabled"`
	BackgroundIntervalMS int  `koanf:"background_interval_ms"`
	BackgroundBudgetMS   int  `koanf:"background_budget_ms"`

	// Sample filter.
	MinMagnitude float64 `koanf:"min_magnitude"`
	MaxMagnitude float64 `koanf:"max_magnitude"`

	// Reward accrual.
	BaseRate          float64 `koanf:"base_rate"`
	MaxTier           int     `koanf:"max_tier"`
	TaskMultiplier    float64 `koanf:"task_multiplier"`
	MaxTaskMultiplier float64 `koanf:"max_task_multiplier"`
	MaxBonus          float64 `koanf:"max_bonus"`
	BonusPerKm        float64 `koanf:"bonus_per_km"`
	LocationGranted   bool    `koanf:"location_granted"`
	BackgroundGranted bool    `koanf:"background_granted"`

	// Collector.
	CollectorURL    string `koanf:"collector_url"`
	CollectorAPIKey string `koanf:"collector_api_key"`
	CollectorTable  string `koanf:"collector_table"`
	UploadMode      string `koanf:"upload_mode"` // batch or single
	UploadTimeoutMS int    `koanf:"upload_timeout_ms"`

	// Sensors.
	SensorSource     string `koanf:"sensor_source"` // simulator, mqtt, http
	SensorIntervalMS int    `koanf:"sensor_interval_ms"`
	MQTTBroker       string `koanf:"mqtt_broker"`
	MQTTClientID     string `koanf:"mqtt_client_id"`
	MQTTTopicAccel   string `koanf:"mqtt_topic_accel"`
	MQTTTopicGyro    string `koanf:"mqtt_topic_gyro"`
	MQTTTopicDist    string `koanf:"mqtt_topic_distance"`

	// Session. With AutoStart and no Operator, the identity persisted by the
	// previous run is used.
	Operator  string `koanf:"operator"`
	AutoStart bool   `koanf:"auto_start"`

	// StatsPushIntervalMS paces the /ws/stats feed.
	StatsPushIntervalMS int `koanf:"stats_push_interval_ms"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Addr:      ":9080",

		StoreDriver: "sqlite",
		SQLitePath:  "hix.db",
		RedisAddr:   "localhost:6379",

		QueueCapacity:    50,
		MaxAttempts:      5,
		BatchSize:        50,
		FlushIntervalMS:  30_000,
		BackoffInitialMS: 5_000,
		BackoffMaxMS:     300_000,

		BackgroundEnabled:    true,
		BackgroundIntervalMS: 900_000,
		BackgroundBudgetMS:   30_000,

		MinMagnitude: 0.1,
		MaxMagnitude: 20.0,

		BaseRate:          0.0001,
		MaxTier:           3,
		TaskMultiplier:    1,
		MaxTaskMultiplier: 5,
		MaxBonus:          2,
		BonusPerKm:        0.1,

		CollectorTable:  "motion_data",
		UploadMode:      "batch",
		UploadTimeoutMS: 10_000,

		SensorSource:     "simulator",
		SensorIntervalMS: 16,
		MQTTBroker:       "tcp://localhost:1883",
		MQTTClientID:     "hix-node",
		MQTTTopicAccel:   "hix/sensors/accel",
		MQTTTopicGyro:    "hix/sensors/gyro",
		MQTTTopicDist:    "hix/sensors/distance",

		StatsPushIntervalMS: 1_000,
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return invalid("addr must not be empty")
	case c.QueueCapacity <= 0:
		return invalid("queue_capacity must be positive")
	case c.MaxAttempts <= 0:
		return invalid("max_attempts must be positive")
	case c.BatchSize <= 0:
		return invalid("batch_size must be positive")
	case c.FlushIntervalMS <= 0:
		return invalid("flush_interval_ms must be positive")
	case c.MinMagnitude < 0 || c.MaxMagnitude <= c.MinMagnitude:
		return invalid("magnitude range must satisfy 0 <= min_magnitude < max_magnitude")
	case c.MaxTier < 1:
		return invalid("max_tier must be at least 1")
	case c.UploadMode != "batch" && c.UploadMode != "single":
		return invalid("upload_mode must be batch or single")
	}

	switch strings.ToLower(c.StoreDriver) {
	case "sqlite", "redis", "memory":
	default:
		return invalid("store_driver must be sqlite, redis or memory")
	}
	switch strings.ToLower(c.SensorSource) {
	case "simulator", "mqtt", "http":
	default:
		return invalid("sensor_source must be simulator, mqtt or http")
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}

// Millis converts a _ms setting to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
