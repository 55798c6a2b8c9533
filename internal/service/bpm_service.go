package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"

	"wisefido-bpm/common/database"
	mqttcommon "wisefido-bpm/common/mqtt"
	rediscommon "wisefido-bpm/common/redis"
	"wisefido-bpm/internal/aggregator"
	"wisefido-bpm/internal/arbiter"
	"wisefido-bpm/internal/broadcast"
	"wisefido-bpm/internal/classifier"
	"wisefido-bpm/internal/config"
	"wisefido-bpm/internal/consumer"
	"wisefido-bpm/internal/engine"
	httpapi "wisefido-bpm/internal/http"
	"wisefido-bpm/internal/models"
	"wisefido-bpm/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// BPMService BPM 服务（整合各层）
type BPMService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	store  repository.Store
	hub    *broadcast.Hub
	engine *engine.Engine

	primary   *consumer.PrimaryConsumer
	poller    *consumer.ThingSpeakPoller
	redisSink *consumer.RedisSink
	kafkaSink *consumer.KafkaAlertSink
	retention *RetentionJob
	handler   http.Handler
	server    *Server

	wg sync.WaitGroup
}

// NewBPMService 创建服务；未启用的外部依赖不连接
func NewBPMService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*BPMService, error) {
	s := &BPMService{config: cfg, logger: logger}
	if err := s.init(ctx); err != nil {
		_ = s.closeClients()
		return nil, err
	}
	return s, nil
}

func (s *BPMService) init(ctx context.Context) error {
	cfg := s.config

	// 1. 存储
	if cfg.Enabled.Database {
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return err
		}
		s.db = db
		if err := repository.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
		s.store = repository.NewPostgresStore(db, s.logger)
	} else {
		s.logger.Warn("Database disabled, using in-memory store")
		s.store = repository.NewMemoryStore(0)
	}

	// 2. 处理引擎
	s.hub = broadcast.NewHub(cfg.BPM.ObserverQueueSize, s.logger)
	s.engine = engine.New(EngineConfig(cfg), s.hub, s.logger, engine.WithStore(s.store))
	if err := s.engine.Restore(ctx); err != nil {
		// 部分恢复失败不阻止启动
		s.logger.Warn("Failed to restore engine state", zap.Error(err))
	}

	// 3. 数据源
	if cfg.Enabled.MQTT {
		client, err := mqttcommon.NewClient(&cfg.MQTT, s.logger)
		if err != nil {
			return fmt.Errorf("failed to connect MQTT: %w", err)
		}
		s.mqttClient = client
		s.primary = consumer.NewPrimaryConsumer(
			cfg.Primary.DataTopic,
			cfg.Primary.HeartbeatTopic,
			cfg.MQTT.QoS,
			client,
			s.engine,
			s.logger,
		)
	}
	if cfg.Enabled.ThingSpeak {
		s.poller = consumer.NewThingSpeakPoller(
			cfg.ThingSpeak.BaseURL,
			cfg.ThingSpeak.ChannelID,
			cfg.ThingSpeak.ReadAPIKey,
			cfg.BPM.SecondaryDeviceID,
			cfg.ThingSpeak.PollInterval,
			s.engine,
			s.logger,
		).SetMaxAge(cfg.BPM.SecondaryWindow)
	}

	// 4. 下游 sink
	if cfg.Enabled.Redis {
		s.redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(ctx, s.redisClient); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		s.redisSink = consumer.NewRedisSink(s.redisClient, s.hub, consumer.RedisSinkConfig{
			StatusKey:     cfg.Cache.StatusKey,
			ReadingKey:    cfg.Cache.ReadingKey,
			TTL:           cfg.Cache.TTL,
			UpdatesStream: cfg.Cache.UpdatesStream,
			StreamMaxLen:  cfg.Cache.StreamMaxLen,
		}, s.logger)
	}
	if cfg.Enabled.Kafka {
		s.kafkaSink = consumer.NewKafkaAlertSink(
			consumer.NewKafkaWriter(&cfg.Kafka),
			s.hub,
			thresholds(cfg),
			cfg.Notify.UserID,
			s.logger,
		)
	}

	// 5. 读数保留
	if cfg.Retention.Days > 0 {
		job, err := NewRetentionJob(cfg.Retention.Schedule, cfg.Retention.Days, s.store, s.logger)
		if err != nil {
			return err
		}
		s.retention = job
	}

	// 6. HTTP
	router := httpapi.NewRouter(s.logger)
	router.RegisterBPMRoutes(httpapi.NewBPMHandler(s.engine, s.hub, s.logger))
	router.RegisterStreamRoutes(httpapi.NewStreamHandler(s.hub, s.logger))
	router.RegisterHealthRoutes()
	s.handler = router
	s.server = NewServer(cfg.HTTP.Addr, router, s.logger)
	return nil
}

// Engine 处理引擎
func (s *BPMService) Engine() *engine.Engine { return s.engine }

// Handler HTTP 路由
func (s *BPMService) Handler() http.Handler { return s.handler }

// Start 启动全部组件，阻塞到 ctx 取消或 HTTP 服务失败
func (s *BPMService) Start(ctx context.Context) error {
	s.logger.Info("Starting BPM service",
		zap.Bool("database", s.config.Enabled.Database),
		zap.Bool("mqtt", s.config.Enabled.MQTT),
		zap.Bool("thingspeak", s.config.Enabled.ThingSpeak),
		zap.Bool("redis", s.config.Enabled.Redis),
		zap.Bool("kafka", s.config.Enabled.Kafka),
	)

	s.goRun(func() {
		if err := s.engine.Run(ctx); err != nil {
			s.logger.Error("BPM engine exited", zap.Error(err))
		}
	})
	if s.primary != nil {
		s.goRun(func() {
			if err := s.primary.Start(ctx); err != nil {
				s.logger.Error("Primary consumer exited", zap.Error(err))
			}
		})
	}
	if s.poller != nil {
		s.goRun(func() {
			if err := s.poller.Start(ctx); err != nil {
				s.logger.Error("ThingSpeak poller exited", zap.Error(err))
			}
		})
	}
	if s.redisSink != nil {
		s.goRun(func() { s.redisSink.Run(ctx) })
	}
	if s.kafkaSink != nil {
		s.goRun(func() { s.kafkaSink.Run(ctx) })
	}
	if s.retention != nil {
		s.retention.Start()
	}

	if err := s.server.Listen(); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}
}

func (s *BPMService) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Stop 停止服务：先停入口，再等待引擎写完持久化，最后关闭连接
// 调用前应先取消传给 Start 的 ctx
func (s *BPMService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping BPM service")

	var err error
	if s.server != nil {
		err = multierr.Append(err, s.server.Stop(ctx))
	}
	if s.retention != nil {
		s.retention.Stop()
	}
	if s.primary != nil {
		err = multierr.Append(err, s.primary.Stop())
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("timed out waiting for components: %w", ctx.Err()))
	}

	s.hub.CloseAll()
	err = multierr.Append(err, s.closeClients())
	return err
}

func (s *BPMService) closeClients() error {
	var err error
	if s.kafkaSink != nil {
		if cerr := s.kafkaSink.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close kafka writer: %w", cerr))
		}
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if cerr := s.redisClient.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close redis: %w", cerr))
		}
	}
	if s.db != nil {
		if cerr := database.Close(s.db); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close database: %w", cerr))
		}
	}
	return err
}

func thresholds(cfg *config.Config) classifier.Thresholds {
	return classifier.Thresholds{
		CriticalLow:   cfg.BPM.CriticalLow,
		CriticalHigh:  cfg.BPM.CriticalHigh,
		WarningLow:    cfg.BPM.WarningLow,
		WarningHigh:   cfg.BPM.WarningHigh,
		AnomalyDelta:  cfg.BPM.AnomalyDelta,
		AnomalyWindow: cfg.BPM.AnomalyWindow,
		MinConfidence: cfg.BPM.AnomalyMinConfidence,
	}
}

// EngineConfig 服务配置 -> 引擎配置
func EngineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	t := thresholds(cfg)

	ec.Thresholds = t
	ec.Policy = arbiter.Policy{
		PrimaryWindow:     cfg.BPM.PrimaryWindow,
		SecondaryWindow:   cfg.BPM.SecondaryWindow,
		RestoreHeartbeats: cfg.BPM.RestoreHeartbeats,
	}
	ec.Alerts.Thresholds = t
	ec.Alerts.DedupWindow = cfg.BPM.AlertDedupWindow
	ec.Alerts.ResolveCount = cfg.BPM.AlertResolveCount
	ec.Alerts.MinSeverity = models.Severity(cfg.BPM.AlertMinSeverity)

	health := aggregator.DefaultHealthConfig()
	health.PrimaryInterval = cfg.BPM.PrimaryInterval
	health.SecondaryInterval = cfg.BPM.SecondaryInterval
	ec.Health = health

	if cfg.BPM.WindowSize > 0 {
		ec.WindowSize = cfg.BPM.WindowSize
	}
	if cfg.BPM.TickInterval > 0 {
		ec.TickInterval = cfg.BPM.TickInterval
	}
	ec.MetricsInterval = cfg.BPM.MetricsInterval

	for i := range ec.Devices {
		switch ec.Devices[i].Type {
		case models.SourcePrimary:
			ec.Devices[i].DeviceID = cfg.BPM.PrimaryDeviceID
		case models.SourceSecondary:
			ec.Devices[i].DeviceID = cfg.BPM.SecondaryDeviceID
		}
	}
	return ec
}
