package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// KafkaConfig Kafka 生产者配置
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv 从环境变量覆盖数据库配置（如 prefix=DB -> DB_HOST, DB_PORT ...）
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	overrideString(&c.Host, prefix+"_HOST")
	overrideInt(&c.Port, prefix+"_PORT")
	overrideString(&c.User, prefix+"_USER")
	overrideString(&c.Password, prefix+"_PASSWORD")
	overrideString(&c.Database, prefix+"_NAME")
	overrideString(&c.SSLMode, prefix+"_SSLMODE")
	overrideInt(&c.MaxConns, prefix+"_MAX_CONNS")
	overrideInt(&c.MaxIdle, prefix+"_MAX_IDLE")
}

// LoadFromEnv 从环境变量覆盖Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	overrideString(&c.Addr, prefix+"_ADDR")
	overrideString(&c.Password, prefix+"_PASSWORD")
	overrideInt(&c.DB, prefix+"_DB")
}

// LoadFromEnv 从环境变量覆盖MQTT配置
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	overrideString(&c.Broker, prefix+"_BROKER")
	overrideString(&c.ClientID, prefix+"_CLIENT_ID")
	overrideString(&c.Username, prefix+"_USERNAME")
	overrideString(&c.Password, prefix+"_PASSWORD")
	if v := os.Getenv(prefix + "_QOS"); v != "" {
		if q, err := strconv.Atoi(v); err == nil && q >= 0 && q <= 2 {
			c.QoS = byte(q)
		}
	}
}

// LoadFromEnv 从环境变量覆盖Kafka配置，brokers 以逗号分隔
func (c *KafkaConfig) LoadFromEnv(prefix string) {
	if v := os.Getenv(prefix + "_BROKERS"); v != "" {
		c.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Brokers = append(c.Brokers, b)
			}
		}
	}
	overrideString(&c.Topic, prefix+"_TOPIC")
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}
