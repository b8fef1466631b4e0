package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultServiceName names the worker when SERVICE_NAME is unset
const DefaultServiceName = "smartplug-ingest-worker"

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	Logging     LoggingConfig
	MQTT        MQTTConfig
	Devices     []string
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Liveness    LivenessConfig
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

// MQTTConfig holds broker connection settings
type MQTTConfig struct {
	Server   string
	Port     int
	Topic    string
	Username string
	Password string
}

// DatabaseConfig selects the reading store: PostgreSQL when URL is set, SQLite at Path otherwise
type DatabaseConfig struct {
	Path string
	URL  string
}

// RabbitMQConfig holds settings for publishing reading events; publishing is off when URL is empty
type RabbitMQConfig struct {
	URL              string
	WorkerExchange   string
	WorkerRoutingKey string
}

// LivenessConfig holds staleness detection settings
type LivenessConfig struct {
	StaleThreshold time.Duration
	PollInterval   time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", DefaultServiceName),
		ServicePort: getEnvAsInt("SERVICE_PORT", 0),
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			File:   getEnv("LOG_FILE", ""),
		},
		MQTT: MQTTConfig{
			Server:   getEnv("MQTT_SERVER", ""),
			Port:     getEnvAsInt("MQTT_PORT", 1883),
			Topic:    strings.TrimSuffix(getEnv("MQTT_TOPIC", "zigbee2mqtt"), "/"),
			Username: getEnv("MQTT_USER", ""),
			Password: getEnv("MQTT_PASS", ""),
		},
		Devices: getEnvAsList("TRACKED_DEVICES"),
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", "./smartplug.db"),
			URL:  getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			WorkerExchange:   getEnv("RABBITMQ_WORKER_EXCHANGE", "smartplug.readings.exchange"),
			WorkerRoutingKey: getEnv("RABBITMQ_WORKER_ROUTING_KEY", "plug.reading.stored"),
		},
	}

	var err error
	if cfg.Liveness.StaleThreshold, err = getEnvAsDuration("STALE_THRESHOLD", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Liveness.PollInterval, err = getEnvAsDuration("POLL_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is complete before anything starts
func (c *Config) Validate() error {
	if c.MQTT.Server == "" {
		return fmt.Errorf("MQTT_SERVER is required but not set in environment variables")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("MQTT_PORT must be between 1 and 65535, got %d", c.MQTT.Port)
	}
	if c.MQTT.Topic == "" {
		return fmt.Errorf("MQTT_TOPIC must not be empty")
	}
	if (c.MQTT.Username == "") != (c.MQTT.Password == "") {
		return fmt.Errorf("MQTT_USER and MQTT_PASS must be set together")
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("TRACKED_DEVICES is required but not set in environment variables")
	}
	if c.Database.URL == "" && c.Database.Path == "" {
		return fmt.Errorf("either DB_PATH or DATABASE_URL must be set")
	}
	if c.Liveness.StaleThreshold <= 0 {
		return fmt.Errorf("STALE_THRESHOLD must be positive, got %s", c.Liveness.StaleThreshold)
	}
	if c.Liveness.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.Liveness.PollInterval)
	}
	return nil
}

// DeviceTopic returns the topic a device publishes its telemetry on
func (c *MQTTConfig) DeviceTopic(friendlyName string) string {
	return c.Topic + "/" + friendlyName
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("45s") or plain seconds ("45").
// Unlike the other helpers it rejects unparseable values instead of using the default.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration such as 30s or a number of seconds, got %q", key, valueStr)
	}
	return value, nil
}

func getEnvAsList(key string) []string {
	var values []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}
