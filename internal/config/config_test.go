package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	assert.Equal(t, "tcp://mqtt1.eoh.io:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, "MQTT-Listener", cfg.Telemetry.AuditSource)

	assert.Equal(t, 5*time.Second, cfg.Reconnect.InitialDelay)
	assert.Equal(t, 60*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 5, cfg.Reconnect.UnhealthyAfter)

	assert.Equal(t, 10*time.Second, cfg.Monitor.CheckInterval)
	assert.Equal(t, 15*time.Second, cfg.Monitor.OfflineThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Alert.Cooldown)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.EmailEnabled())
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("MQTT_BROKER", "tcp://broker.test:1883")
	t.Setenv("TELEMETRY_ACCESS_TOKEN", "tok-123")
	t.Setenv("MONITOR_OFFLINE_THRESHOLD", "45s")
	t.Setenv("ALERT_COOLDOWN", "1m")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "tcp://broker.test:1883", cfg.MQTT.Broker)
	assert.Equal(t, 45*time.Second, cfg.Monitor.OfflineThreshold)
	assert.Equal(t, time.Minute, cfg.Alert.Cooldown)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 凭据默认取访问令牌
	assert.Equal(t, "tok-123", cfg.MQTT.Username)
	assert.Equal(t, "tok-123", cfg.MQTT.Password)
	assert.Equal(t, "eoh/chip/tok-123/third_party/+/data", cfg.Topic())
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
mqtt:
  broker: tcp://file-broker:1883
  username: svc
monitor:
  check_interval: 3s
email:
  api_key: SG.key
  from: alerts@example.com
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://file-broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "svc", cfg.MQTT.Username)
	assert.Equal(t, 3*time.Second, cfg.Monitor.CheckInterval)
	assert.True(t, cfg.EmailEnabled())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Monitor.CheckInterval = 0
	cfg.Reconnect.MaxDelay = time.Second
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitor.check_interval")
	assert.Contains(t, err.Error(), "reconnect.max_delay")
}

func TestTopic_WithoutToken(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "eoh/chip/+/third_party/+/data", cfg.Topic())
}
