package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Metrics 引擎运行指标
type Metrics struct {
	mu sync.RWMutex

	// 输入统计
	ReadingsAccepted   int64 // 进入窗口的读数
	ReadingsShadowed   int64 // 非活动来源的读数，只计为心跳
	PayloadsMalformed  int64 // 解析失败的载荷
	HeartbeatsReceived int64 // 心跳（含读数隐含的心跳）
	InboundDropped     int64 // 输入队列满被丢弃

	// 输出统计
	AlertsCreated  int64
	AlertsResolved int64
	Failovers      int64

	// 持久化
	StorageErrors  int64
	PersistDropped int64

	LastReadingAt time.Time
	StartTime     time.Time
}

// MetricsSnapshot 指标快照
type MetricsSnapshot struct {
	ReadingsAccepted   int64     `json:"readingsAccepted"`
	ReadingsShadowed   int64     `json:"readingsShadowed"`
	PayloadsMalformed  int64     `json:"payloadsMalformed"`
	HeartbeatsReceived int64     `json:"heartbeatsReceived"`
	InboundDropped     int64     `json:"inboundDropped"`
	AlertsCreated      int64     `json:"alertsCreated"`
	AlertsResolved     int64     `json:"alertsResolved"`
	Failovers          int64     `json:"failovers"`
	StorageErrors      int64     `json:"storageErrors"`
	PersistDropped     int64     `json:"persistDropped"`
	LastReadingAt      time.Time `json:"lastReadingAt"`
	StartTime          time.Time `json:"startTime"`
}

// GetSnapshot 获取指标快照（线程安全）
func (m *Metrics) GetSnapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsSnapshot{
		ReadingsAccepted:   m.ReadingsAccepted,
		ReadingsShadowed:   m.ReadingsShadowed,
		PayloadsMalformed:  m.PayloadsMalformed,
		HeartbeatsReceived: m.HeartbeatsReceived,
		InboundDropped:     m.InboundDropped,
		AlertsCreated:      m.AlertsCreated,
		AlertsResolved:     m.AlertsResolved,
		Failovers:          m.Failovers,
		StorageErrors:      m.StorageErrors,
		PersistDropped:     m.PersistDropped,
		LastReadingAt:      m.LastReadingAt,
		StartTime:          m.StartTime,
	}
}

func (m *Metrics) add(field *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*field++
}

func (m *Metrics) readingAccepted(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadingsAccepted++
	m.LastReadingAt = at
}

// reportMetrics 定期输出指标
func (e *Engine) reportMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := e.metrics.GetSnapshot()
			e.logger.Info("BPM engine metrics",
				zap.Int64("readings_accepted", s.ReadingsAccepted),
				zap.Int64("readings_shadowed", s.ReadingsShadowed),
				zap.Int64("payloads_malformed", s.PayloadsMalformed),
				zap.Int64("heartbeats", s.HeartbeatsReceived),
				zap.Int64("inbound_dropped", s.InboundDropped),
				zap.Int64("alerts_created", s.AlertsCreated),
				zap.Int64("alerts_resolved", s.AlertsResolved),
				zap.Int64("failovers", s.Failovers),
				zap.Int64("storage_errors", s.StorageErrors),
				zap.Int64("persist_dropped", s.PersistDropped),
				zap.Int("observers", e.hub.Count()),
				zap.Duration("uptime", time.Since(s.StartTime).Round(time.Second)),
			)
		}
	}
}
