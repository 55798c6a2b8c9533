package consumer

import (
	"context"

	"wisefido-bpm/internal/broadcast"
	"wisefido-bpm/internal/models"

	"go.uber.org/zap"
)

// eventHandler 处理一条更新事件；错误只记录，不影响后续事件
type eventHandler func(ctx context.Context, ev models.UpdateEvent) error

// runObserver 以普通观察者身份订阅 hub，直到 ctx 取消
// 与看板会话一样受队列上限约束，处理慢时丢弃最旧的事件
func runObserver(ctx context.Context, hub *broadcast.Hub, name string, handle eventHandler, logger *zap.Logger) {
	obs := hub.Subscribe(name)
	defer hub.Unsubscribe(obs)

	logger.Info("Sink started", zap.String("sink", name), zap.String("observer_id", obs.ID()))
	for {
		select {
		case <-ctx.Done():
			logger.Info("Sink stopped",
				zap.String("sink", name),
				zap.Uint64("dropped", obs.Dropped()),
			)
			return
		case ev, ok := <-obs.Events():
			if !ok {
				return
			}
			if err := handle(ctx, ev); err != nil {
				logger.Warn("Sink failed to handle event",
					zap.String("sink", name),
					zap.Uint64("seq", ev.Seq),
					zap.Error(err),
				)
			}
		}
	}
}
