package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"wisefido-bpm/common/config"

	"github.com/joho/godotenv"
)

// Config BPM 服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	Kafka    config.KafkaConfig

	// 外部依赖开关，未启用时使用内存实现或不启动对应组件
	Enabled struct {
		Database   bool
		Redis      bool
		MQTT       bool
		ThingSpeak bool
		Kafka      bool
	}

	HTTP struct {
		Addr string
	}

	BPM struct {
		// 分级阈值
		CriticalLow          int
		CriticalHigh         int
		WarningLow           int
		WarningHigh          int
		AnomalyDelta         float64
		AnomalyWindow        time.Duration
		AnomalyMinConfidence float64
		PrimaryWindow        time.Duration
		SecondaryWindow      time.Duration
		RestoreHeartbeats    int // 主源恢复前需要的连续心跳数
		AlertDedupWindow     time.Duration
		AlertResolveCount    int
		AlertMinSeverity     string
		WindowSize           int
		ObserverQueueSize    int
		TickInterval         time.Duration
		MetricsInterval      time.Duration
		PrimaryDeviceID      string
		SecondaryDeviceID    string
		PrimaryInterval      time.Duration // 主源期望心跳间隔（健康评分）
		SecondaryInterval    time.Duration
	}

	// 主数据源 MQTT topic
	Primary struct {
		DataTopic      string
		HeartbeatTopic string
	}

	// 备用数据源 ThingSpeak channel
	ThingSpeak struct {
		BaseURL      string
		ChannelID    string
		ReadAPIKey   string
		PollInterval time.Duration
	}

	Cache struct {
		StatusKey     string
		ReadingKey    string
		TTL           time.Duration
		UpdatesStream string
		StreamMaxLen  int64
	}

	Retention struct {
		Days     int
		Schedule string
	}

	// 告警通知接收人（notification 服务按 user_id 路由）
	Notify struct {
		UserID int
	}

	Log struct {
		Level  string
		Format string
		File   string
	}
}

// Load 加载配置：可选的 .env 文件（ENV_FILE，默认 .env）+ 环境变量
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	cfg := &Config{}

	cfg.Database = config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "wisefido_bpm",
		SSLMode:  "disable",
		MaxConns: 10,
		MaxIdle:  5,
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT = config.MQTTConfig{
		Broker:   "tcp://localhost:1883",
		ClientID: "wisefido-bpm",
		QoS:      1,
	}
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Kafka = config.KafkaConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "alert_notification",
	}
	cfg.Kafka.LoadFromEnv("KAFKA")

	cfg.Enabled.Database = getEnvBool("DB_ENABLED", false)
	cfg.Enabled.Redis = getEnvBool("REDIS_ENABLED", false)
	cfg.Enabled.MQTT = getEnvBool("MQTT_ENABLED", false)
	cfg.Enabled.ThingSpeak = getEnvBool("THINGSPEAK_ENABLED", false)
	cfg.Enabled.Kafka = getEnvBool("KAFKA_ENABLED", false)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":3001")

	cfg.BPM.CriticalLow = getEnvInt("BPM_CRITICAL_LOW", 50)
	cfg.BPM.CriticalHigh = getEnvInt("BPM_CRITICAL_HIGH", 120)
	cfg.BPM.WarningLow = getEnvInt("BPM_WARNING_LOW", 60)
	cfg.BPM.WarningHigh = getEnvInt("BPM_WARNING_HIGH", 100)
	cfg.BPM.AnomalyDelta = getEnvFloat("ANOMALY_DELTA", 20)
	cfg.BPM.AnomalyWindow = getEnvSeconds("ANOMALY_WINDOW_SECONDS", 10)
	cfg.BPM.AnomalyMinConfidence = getEnvFloat("ANOMALY_MIN_CONFIDENCE", 0.5)
	cfg.BPM.PrimaryWindow = getEnvSeconds("PRIMARY_WINDOW_SECONDS", 60)
	cfg.BPM.SecondaryWindow = getEnvSeconds("SECONDARY_WINDOW_SECONDS", 120)
	cfg.BPM.RestoreHeartbeats = getEnvInt("PRIMARY_RESTORE_HEARTBEATS", 1)
	cfg.BPM.AlertDedupWindow = time.Duration(getEnvInt("ALERT_DEDUP_MINUTES", 5)) * time.Minute
	cfg.BPM.AlertResolveCount = getEnvInt("ALERT_RESOLVE_COUNT", 3)
	cfg.BPM.AlertMinSeverity = strings.ToLower(getEnv("ALERT_MIN_SEVERITY", "critical"))
	cfg.BPM.WindowSize = getEnvInt("WINDOW_SIZE", 100)
	cfg.BPM.ObserverQueueSize = getEnvInt("OBSERVER_QUEUE_SIZE", 64)
	cfg.BPM.TickInterval = time.Duration(getEnvInt("TICK_INTERVAL_MS", 1000)) * time.Millisecond
	cfg.BPM.MetricsInterval = getEnvSeconds("METRICS_INTERVAL_SECONDS", 60)
	cfg.BPM.PrimaryDeviceID = getEnv("PRIMARY_DEVICE_ID", "ARDUINO_UNO_001")
	cfg.BPM.SecondaryDeviceID = getEnv("SECONDARY_DEVICE_ID", "THINGSPEAK_BACKUP")
	cfg.BPM.PrimaryInterval = getEnvSeconds("PRIMARY_HEARTBEAT_SECONDS", 10)
	cfg.BPM.SecondaryInterval = getEnvSeconds("SECONDARY_HEARTBEAT_SECONDS", 30)

	cfg.Primary.DataTopic = getEnv("MQTT_DATA_TOPIC", "bpm/+/data")
	cfg.Primary.HeartbeatTopic = getEnv("MQTT_HEARTBEAT_TOPIC", "bpm/+/heartbeat")

	cfg.ThingSpeak.BaseURL = getEnv("THINGSPEAK_BASE_URL", "https://api.thingspeak.com")
	cfg.ThingSpeak.ChannelID = getEnv("THINGSPEAK_CHANNEL_ID", "")
	cfg.ThingSpeak.ReadAPIKey = getEnv("THINGSPEAK_READ_API_KEY", "")
	cfg.ThingSpeak.PollInterval = getEnvSeconds("THINGSPEAK_POLL_SECONDS", 15)

	cfg.Cache.StatusKey = getEnv("CACHE_STATUS_KEY", "bpm:status")
	cfg.Cache.ReadingKey = getEnv("CACHE_READING_KEY", "bpm:reading:latest")
	cfg.Cache.TTL = getEnvSeconds("CACHE_TTL_SECONDS", 300)
	cfg.Cache.UpdatesStream = getEnv("UPDATES_STREAM", "bpm:updates")
	cfg.Cache.StreamMaxLen = int64(getEnvInt("UPDATES_STREAM_MAXLEN", 10000))

	cfg.Retention.Days = getEnvInt("RETENTION_DAYS", 30)
	cfg.Retention.Schedule = getEnv("RETENTION_SCHEDULE", "@every 1h")

	cfg.Notify.UserID = getEnvInt("NOTIFY_USER_ID", 1)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")
	cfg.Log.File = getEnv("LOG_FILE", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验阈值顺序与取值范围
func (c *Config) Validate() error {
	b := c.BPM
	if !(b.CriticalLow < b.WarningLow && b.WarningLow <= b.WarningHigh && b.WarningHigh < b.CriticalHigh) {
		return fmt.Errorf("invalid BPM thresholds: need critical_low < warning_low <= warning_high < critical_high, got %d/%d/%d/%d",
			b.CriticalLow, b.WarningLow, b.WarningHigh, b.CriticalHigh)
	}
	if b.AlertMinSeverity != "warning" && b.AlertMinSeverity != "critical" {
		return fmt.Errorf("invalid ALERT_MIN_SEVERITY %q: must be warning or critical", b.AlertMinSeverity)
	}
	if b.PrimaryWindow <= 0 || b.SecondaryWindow <= 0 {
		return errors.New("source windows must be positive")
	}
	if b.RestoreHeartbeats < 1 {
		return fmt.Errorf("PRIMARY_RESTORE_HEARTBEATS must be >= 1, got %d", b.RestoreHeartbeats)
	}
	if c.Enabled.ThingSpeak && c.ThingSpeak.ChannelID == "" {
		return errors.New("THINGSPEAK_CHANNEL_ID is required when THINGSPEAK_ENABLED=true")
	}
	if c.Enabled.Kafka && len(c.Kafka.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED=true")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
