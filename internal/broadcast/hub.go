package broadcast

import (
	"sync"
	"sync/atomic"

	"wisefido-bpm/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Observer 一个已连接的观察者（一个看板会话或内部 sink）
// 每个观察者有独立的有界队列，满时丢弃最旧的事件
type Observer struct {
	id      string
	name    string
	ch      chan models.UpdateEvent
	dropped atomic.Uint64
}

func (o *Observer) ID() string   { return o.id }
func (o *Observer) Name() string { return o.name }

// Events 按产生顺序接收事件；取消订阅后 channel 关闭
func (o *Observer) Events() <-chan models.UpdateEvent { return o.ch }

// Dropped 因队列溢出被丢弃的事件数
func (o *Observer) Dropped() uint64 { return o.dropped.Load() }

// ObserverStats 观察者状态快照
type ObserverStats struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Queued  int    `json:"queued"`
	Dropped uint64 `json:"dropped"`
}

// Hub 观察者注册表 + 全序扇出
// Publish 从不阻塞：发布方（ingestion）优先于投递完整性
type Hub struct {
	mu        sync.Mutex
	observers map[string]*Observer
	queueSize int
	seq       uint64
	logger    *zap.Logger
}

func NewHub(queueSize int, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Hub{
		observers: make(map[string]*Observer),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Subscribe 注册观察者，只会收到注册之后产生的事件
func (h *Hub) Subscribe(name string) *Observer {
	o := &Observer{
		id:   uuid.New().String(),
		name: name,
		ch:   make(chan models.UpdateEvent, h.queueSize),
	}

	h.mu.Lock()
	h.observers[o.id] = o
	count := len(h.observers)
	h.mu.Unlock()

	h.logger.Info("Observer registered",
		zap.String("observer_id", o.id),
		zap.String("observer", name),
		zap.Int("observers", count),
	)
	return o
}

// Unsubscribe 移除观察者并关闭其 channel；重复调用无副作用
func (h *Hub) Unsubscribe(o *Observer) {
	h.mu.Lock()
	_, ok := h.observers[o.id]
	if ok {
		delete(h.observers, o.id)
		close(o.ch)
	}
	count := len(h.observers)
	h.mu.Unlock()

	if ok {
		h.logger.Info("Observer unregistered",
			zap.String("observer_id", o.id),
			zap.String("observer", o.name),
			zap.Uint64("dropped", o.Dropped()),
			zap.Int("observers", count),
		)
	}
}

// Publish 分配序号并投递给所有观察者，返回带序号的事件
func (h *Hub) Publish(ev models.UpdateEvent) models.UpdateEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev.Seq = h.seq
	ev.Type = models.UpdateEventType

	for _, o := range h.observers {
		h.deliver(o, ev)
	}
	return ev
}

// deliver 调用方持有 h.mu，同一时刻只有一个发送方，循环必然结束
func (h *Hub) deliver(o *Observer, ev models.UpdateEvent) {
	for {
		select {
		case o.ch <- ev:
			return
		default:
		}
		select {
		case <-o.ch:
			n := o.dropped.Add(1)
			if n == 1 || n%100 == 0 {
				h.logger.Warn("Observer queue full, dropping oldest event",
					zap.String("observer_id", o.id),
					zap.String("observer", o.name),
					zap.Uint64("dropped", n),
					zap.Error(models.ErrObserverDelivery),
				)
			}
		default:
		}
	}
}

// Count 当前观察者数量
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// LastSeq 最近一次发布的序号
func (h *Hub) LastSeq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Stats 所有观察者的队列状态
func (h *Hub) Stats() []ObserverStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ObserverStats, 0, len(h.observers))
	for _, o := range h.observers {
		out = append(out, ObserverStats{ID: o.id, Name: o.name, Queued: len(o.ch), Dropped: o.Dropped()})
	}
	return out
}

// CloseAll 关闭所有观察者（服务停止时）
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, o := range h.observers {
		close(o.ch)
		delete(h.observers, id)
	}
}
