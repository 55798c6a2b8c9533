package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"wisefido-bpm/common/config"
	"wisefido-bpm/internal/broadcast"
	"wisefido-bpm/internal/classifier"
	"wisefido-bpm/internal/models"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter kafka.Writer 的最小接口
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AlertNotification 通知服务消费的 alert_notification 消息
type AlertNotification struct {
	AlertID    string `json:"alert_id"`
	AlertName  string `json:"alert_name"`
	Severity   int    `json:"severity"` // 1 warning, 2 critical
	Status     string `json:"status"`   // firing / resolved / acknowledged
	UserID     int    `json:"user_id"`
	Message    string `json:"message"`
	MetricName string `json:"metric_name"`
	Value      int    `json:"value"`
	Threshold  int    `json:"threshold"`
}

// 通知状态
const (
	NotifyFiring       = "firing"
	NotifyResolved     = "resolved"
	NotifyAcknowledged = "acknowledged"
)

// NewKafkaWriter 创建同步 kafka.Writer
func NewKafkaWriter(cfg *config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

// KafkaAlertSink 把告警状态变化转成 alert_notification 消息（短信等投递由通知服务完成）
// 同一告警的同一状态只发送一次；去重刷新不重复通知
type KafkaAlertSink struct {
	writer     MessageWriter
	hub        *broadcast.Hub
	thresholds classifier.Thresholds
	userID     int
	logger     *zap.Logger

	mu   sync.Mutex
	sent map[string]sentState
}

type sentState struct {
	status    string
	createdAt time.Time
}

// sentRetention 超过该时长的发送记录会被清理；告警去重只发生在创建后的几分钟内
const sentRetention = 30 * time.Minute

// NewKafkaAlertSink 创建 Kafka 告警 sink
func NewKafkaAlertSink(writer MessageWriter, hub *broadcast.Hub, thresholds classifier.Thresholds, userID int, logger *zap.Logger) *KafkaAlertSink {
	return &KafkaAlertSink{
		writer:     writer,
		hub:        hub,
		thresholds: thresholds,
		userID:     userID,
		logger:     logger,
		sent:       make(map[string]sentState),
	}
}

// Run 订阅 hub 直到 ctx 取消
func (s *KafkaAlertSink) Run(ctx context.Context) {
	runObserver(ctx, s.hub, "kafka-alert-sink", s.handle, s.logger)
}

// Close 关闭 writer
func (s *KafkaAlertSink) Close() error {
	return s.writer.Close()
}

func (s *KafkaAlertSink) handle(ctx context.Context, ev models.UpdateEvent) error {
	if ev.Alert == nil {
		return nil
	}
	a := *ev.Alert
	status := notifyStatus(a)

	s.mu.Lock()
	s.prune(a.CreatedAt)
	prev, seen := s.sent[a.ID]
	s.mu.Unlock()
	if seen && prev.status == status {
		return nil
	}

	msg := s.notification(a, status)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal alert notification: %w", err)
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(a.ID), Value: data}); err != nil {
		return fmt.Errorf("failed to write alert notification: %w", err)
	}

	s.mu.Lock()
	s.sent[a.ID] = sentState{status: status, createdAt: a.CreatedAt}
	s.mu.Unlock()

	s.logger.Info("Alert notification produced",
		zap.String("alert_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("status", status),
	)
	return nil
}

func (s *KafkaAlertSink) prune(now time.Time) {
	for id, st := range s.sent {
		if now.Sub(st.createdAt) > sentRetention {
			delete(s.sent, id)
		}
	}
}

func (s *KafkaAlertSink) notification(a models.Alert, status string) AlertNotification {
	n := AlertNotification{
		AlertID:    a.ID,
		AlertName:  string(a.Type),
		Severity:   1,
		Status:     status,
		UserID:     s.userID,
		Message:    a.Message,
		MetricName: "bpm",
		Threshold:  s.threshold(a),
	}
	if a.Severity == models.SeverityCritical {
		n.Severity = 2
	}
	if a.BPMValue != nil {
		n.Value = *a.BPMValue
	}
	return n
}

func (s *KafkaAlertSink) threshold(a models.Alert) int {
	critical := a.Severity == models.SeverityCritical
	switch {
	case a.Type == models.AlertHighBPM && critical:
		return s.thresholds.CriticalHigh
	case a.Type == models.AlertHighBPM:
		return s.thresholds.WarningHigh
	case a.Type == models.AlertLowBPM && critical:
		return s.thresholds.CriticalLow
	case a.Type == models.AlertLowBPM:
		return s.thresholds.WarningLow
	default:
		return 0
	}
}

func notifyStatus(a models.Alert) string {
	switch {
	case a.ResolvedAt != nil:
		return NotifyResolved
	case a.Acknowledged:
		return NotifyAcknowledged
	default:
		return NotifyFiring
	}
}
