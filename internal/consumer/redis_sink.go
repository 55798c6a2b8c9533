package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rediscommon "wisefido-bpm/common/redis"
	"wisefido-bpm/internal/broadcast"
	"wisefido-bpm/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RedisSinkConfig Redis 缓存与事件流配置
type RedisSinkConfig struct {
	StatusKey     string        // 最新 SystemStatus
	ReadingKey    string        // 最新读数
	TTL           time.Duration // 缓存过期时间
	UpdatesStream string        // 事件流，空表示不写流
	StreamMaxLen  int64
}

// RedisSink 把更新事件写入 Redis：缓存最新状态/读数，并追加到事件流
type RedisSink struct {
	client *redis.Client
	hub    *broadcast.Hub
	cfg    RedisSinkConfig
	logger *zap.Logger
}

// NewRedisSink 创建 Redis sink
func NewRedisSink(client *redis.Client, hub *broadcast.Hub, cfg RedisSinkConfig, logger *zap.Logger) *RedisSink {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &RedisSink{client: client, hub: hub, cfg: cfg, logger: logger}
}

// Run 订阅 hub 直到 ctx 取消
func (s *RedisSink) Run(ctx context.Context) {
	runObserver(ctx, s.hub, "redis-sink", s.handle, s.logger)
}

func (s *RedisSink) handle(ctx context.Context, ev models.UpdateEvent) error {
	var errs error
	if ev.SystemStatus != nil {
		errs = multierr.Append(errs, s.setJSON(ctx, s.cfg.StatusKey, ev.SystemStatus))
	}
	if ev.LatestReading != nil {
		errs = multierr.Append(errs, s.setJSON(ctx, s.cfg.ReadingKey, ev.LatestReading))
	}
	if s.cfg.UpdatesStream != "" {
		if _, err := rediscommon.PublishJSONToStream(ctx, s.client, s.cfg.UpdatesStream, s.cfg.StreamMaxLen, ev); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (s *RedisSink) setJSON(ctx context.Context, key string, v interface{}) error {
	if key == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}
