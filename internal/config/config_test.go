package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoad_DefaultValues(t *testing.T) {
	noEnvFile(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "wisefido_bpm", cfg.Database.Database)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "alert_notification", cfg.Kafka.Topic)

	assert.False(t, cfg.Enabled.Database)
	assert.False(t, cfg.Enabled.MQTT)

	assert.Equal(t, 50, cfg.BPM.CriticalLow)
	assert.Equal(t, 120, cfg.BPM.CriticalHigh)
	assert.Equal(t, 60, cfg.BPM.WarningLow)
	assert.Equal(t, 100, cfg.BPM.WarningHigh)
	assert.Equal(t, 60*time.Second, cfg.BPM.PrimaryWindow)
	assert.Equal(t, 120*time.Second, cfg.BPM.SecondaryWindow)
	assert.Equal(t, 1, cfg.BPM.RestoreHeartbeats)
	assert.Equal(t, 5*time.Minute, cfg.BPM.AlertDedupWindow)
	assert.Equal(t, 3, cfg.BPM.AlertResolveCount)
	assert.Equal(t, "critical", cfg.BPM.AlertMinSeverity)
	assert.Equal(t, 100, cfg.BPM.WindowSize)
	assert.Equal(t, 64, cfg.BPM.ObserverQueueSize)
	assert.Equal(t, time.Second, cfg.BPM.TickInterval)

	assert.Equal(t, "bpm/+/data", cfg.Primary.DataTopic)
	assert.Equal(t, "bpm:status", cfg.Cache.StatusKey)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 30, cfg.Retention.Days)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	noEnvFile(t)
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("BPM_CRITICAL_LOW", "45")
	t.Setenv("PRIMARY_RESTORE_HEARTBEATS", "3")
	t.Setenv("ALERT_MIN_SEVERITY", "WARNING")
	t.Setenv("TICK_INTERVAL_MS", "250")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.True(t, cfg.Enabled.Database)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 45, cfg.BPM.CriticalLow)
	assert.Equal(t, 3, cfg.BPM.RestoreHeartbeats)
	assert.Equal(t, "warning", cfg.BPM.AlertMinSeverity)
	assert.Equal(t, 250*time.Millisecond, cfg.BPM.TickInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bpm.env")
	require.NoError(t, os.WriteFile(path, []byte("HTTP_ADDR=:8088\nRETENTION_DAYS=7\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	// godotenv 不覆盖已有变量；先注册清理再取消设置
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("RETENTION_DAYS", "")
	os.Unsetenv("HTTP_ADDR")
	os.Unsetenv("RETENTION_DAYS")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8088", cfg.HTTP.Addr)
	assert.Equal(t, 7, cfg.Retention.Days)
}

func TestLoad_InvalidThresholds(t *testing.T) {
	noEnvFile(t)
	t.Setenv("BPM_WARNING_LOW", "40")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidMinSeverity(t *testing.T) {
	noEnvFile(t)
	t.Setenv("ALERT_MIN_SEVERITY", "info")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ThingSpeakRequiresChannel(t *testing.T) {
	noEnvFile(t)
	t.Setenv("THINGSPEAK_ENABLED", "true")

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("THINGSPEAK_CHANNEL_ID", "123456")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Enabled.ThingSpeak)
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_KEY", "")
	assert.Equal(t, "default-value", getEnv("TEST_KEY", "default-value"))

	t.Setenv("TEST_KEY", "test-value")
	assert.Equal(t, "test-value", getEnv("TEST_KEY", "default-value"))

	t.Setenv("TEST_INT", "not-a-number")
	assert.Equal(t, 5, getEnvInt("TEST_INT", 5))
}
