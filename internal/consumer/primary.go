package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mqttcommon "wisefido-bpm/common/mqtt"
	"wisefido-bpm/internal/models"

	"go.uber.org/zap"
)

// ErrQueueFull 引擎输入队列已满
var ErrQueueFull = errors.New("engine inbound queue full")

// Subscriber MQTT 订阅能力
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Ingestor 引擎的异步输入
type Ingestor interface {
	Submit(raw models.RawPayload) bool
	SubmitHeartbeat(raw models.RawPayload) bool
}

// PrimaryConsumer 订阅主传感器的读数和心跳 topic
// topic 形如 bpm/{deviceId}/data、bpm/{deviceId}/heartbeat
type PrimaryConsumer struct {
	dataTopic      string
	heartbeatTopic string
	qos            byte
	sub            Subscriber
	ingestor       Ingestor
	logger         *zap.Logger
}

// NewPrimaryConsumer 创建主数据源消费者
func NewPrimaryConsumer(dataTopic, heartbeatTopic string, qos byte, sub Subscriber, ingestor Ingestor, logger *zap.Logger) *PrimaryConsumer {
	return &PrimaryConsumer{
		dataTopic:      dataTopic,
		heartbeatTopic: heartbeatTopic,
		qos:            qos,
		sub:            sub,
		ingestor:       ingestor,
		logger:         logger,
	}
}

// Start 订阅后阻塞到 ctx 取消
func (c *PrimaryConsumer) Start(ctx context.Context) error {
	if c.dataTopic == "" {
		return fmt.Errorf("primary MQTT data topic not configured")
	}
	if err := c.sub.Subscribe(c.dataTopic, c.qos, c.handleData); err != nil {
		return fmt.Errorf("failed to subscribe to primary data topic: %w", err)
	}
	if c.heartbeatTopic != "" {
		if err := c.sub.Subscribe(c.heartbeatTopic, c.qos, c.handleHeartbeat); err != nil {
			return fmt.Errorf("failed to subscribe to primary heartbeat topic: %w", err)
		}
	}

	c.logger.Info("Primary MQTT consumer started",
		zap.String("data_topic", c.dataTopic),
		zap.String("heartbeat_topic", c.heartbeatTopic),
	)

	<-ctx.Done()
	return nil
}

// Stop 取消订阅
func (c *PrimaryConsumer) Stop() error {
	topics := []string{c.dataTopic}
	if c.heartbeatTopic != "" {
		topics = append(topics, c.heartbeatTopic)
	}
	if err := c.sub.Unsubscribe(topics...); err != nil {
		return fmt.Errorf("failed to unsubscribe primary topics: %w", err)
	}
	c.logger.Info("Primary MQTT consumer stopped")
	return nil
}

func (c *PrimaryConsumer) handleData(topic string, payload []byte) error {
	c.logger.Debug("Received primary reading",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)
	raw := c.raw(topic, payload)
	if !c.ingestor.Submit(raw) {
		return fmt.Errorf("%w: reading from %s", ErrQueueFull, topic)
	}
	return nil
}

func (c *PrimaryConsumer) handleHeartbeat(topic string, payload []byte) error {
	raw := c.raw(topic, payload)
	if !c.ingestor.SubmitHeartbeat(raw) {
		return fmt.Errorf("%w: heartbeat from %s", ErrQueueFull, topic)
	}
	return nil
}

func (c *PrimaryConsumer) raw(topic string, payload []byte) models.RawPayload {
	body := make([]byte, len(payload))
	copy(body, payload)
	return models.RawPayload{
		Source:   models.SourcePrimary,
		DeviceID: deviceIDFromTopic(topic),
		Body:     body,
	}
}

// deviceIDFromTopic bpm/{deviceId}/... 中的 deviceId；格式不符时返回空串
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[1] == "+" || parts[1] == "#" {
		return ""
	}
	return parts[1]
}
