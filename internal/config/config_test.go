package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("MQTT_SERVER", "mqtt://localhost")
	t.Setenv("TRACKED_DEVICES", "desk-plug, kettle,,heater ")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "smartplug-ingest-worker", cfg.ServiceName)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, "zigbee2mqtt", cfg.MQTT.Topic)
	assert.Equal(t, []string{"desk-plug", "kettle", "heater"}, cfg.Devices)
	assert.Equal(t, "./smartplug.db", cfg.Database.Path)
	assert.Empty(t, cfg.Database.URL)
	assert.Empty(t, cfg.RabbitMQ.URL)
	assert.Equal(t, 30*time.Second, cfg.Liveness.StaleThreshold)
	assert.Equal(t, 30*time.Second, cfg.Liveness.PollInterval)
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MQTT_PORT", "8883")
	t.Setenv("MQTT_TOPIC", "z2m/")
	t.Setenv("MQTT_USER", "grafana")
	t.Setenv("MQTT_PASS", "secret")
	t.Setenv("STALE_THRESHOLD", "45")
	t.Setenv("POLL_INTERVAL", "1m")
	t.Setenv("DB_PATH", "/var/lib/smartplug/readings.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8883, cfg.MQTT.Port)
	assert.Equal(t, "z2m", cfg.MQTT.Topic)
	assert.Equal(t, "z2m/kettle", cfg.MQTT.DeviceTopic("kettle"))
	assert.Equal(t, 45*time.Second, cfg.Liveness.StaleThreshold)
	assert.Equal(t, time.Minute, cfg.Liveness.PollInterval)
	assert.Equal(t, "/var/lib/smartplug/readings.db", cfg.Database.Path)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing server", map[string]string{"MQTT_SERVER": ""}},
		{"missing devices", map[string]string{"TRACKED_DEVICES": " , "}},
		{"port out of range", map[string]string{"MQTT_PORT": "70000"}},
		{"user without pass", map[string]string{"MQTT_USER": "grafana"}},
		{"zero threshold", map[string]string{"STALE_THRESHOLD": "0"}},
		{"negative poll interval", map[string]string{"POLL_INTERVAL": "-5s"}},
		{"unparseable poll interval", map[string]string{"POLL_INTERVAL": "30sec"}},
		{"unparseable threshold", map[string]string{"STALE_THRESHOLD": "half a minute"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			assert.Error(t, err)
			assert.Nil(t, cfg)
		})
	}
}

func TestLoad_DurationErrorNamesKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POLL_INTERVAL", "30sec")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLL_INTERVAL")
	assert.Contains(t, err.Error(), "30sec")
}
