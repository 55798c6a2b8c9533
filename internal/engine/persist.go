package engine

import (
	"context"
	"fmt"
	"time"

	"wisefido-bpm/internal/evaluator"
	"wisefido-bpm/internal/models"
	"wisefido-bpm/internal/repository"

	"go.uber.org/zap"
)

// persistOp 一次异步写入
type persistOp struct {
	kind  string
	apply func(ctx context.Context, s repository.Store) error
}

func (e *Engine) persistReading(r models.Reading) {
	e.enqueue(persistOp{kind: "reading", apply: func(ctx context.Context, s repository.Store) error {
		return s.SaveReading(ctx, r)
	}})
}

func (e *Engine) persistAlert(a models.Alert) {
	e.enqueue(persistOp{kind: "alert", apply: func(ctx context.Context, s repository.Store) error {
		return s.SaveAlert(ctx, a)
	}})
}

func (e *Engine) persistDevice(d models.Device) {
	e.enqueue(persistOp{kind: "device", apply: func(ctx context.Context, s repository.Store) error {
		return s.SaveDevice(ctx, d)
	}})
}

func (e *Engine) persistStatus(st models.SystemStatus) {
	e.enqueue(persistOp{kind: "status", apply: func(ctx context.Context, s repository.Store) error {
		return s.SaveSystemStatus(ctx, st)
	}})
}

// enqueue 调用方持有 e.mu；队列满时丢弃并按存储不可用处理，不阻塞处理路径
func (e *Engine) enqueue(op persistOp) {
	if e.store == nil {
		return
	}
	select {
	case e.persistQ <- op:
	default:
		e.metrics.add(&e.metrics.PersistDropped)
		e.storageFailedLocked(e.now(), fmt.Errorf("%w: persistence queue full, dropped %s", models.ErrStorageUnavailable, op.kind))
	}
}

// runPersister 顺序执行写入；退出前把已排队的写完
func (e *Engine) runPersister(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.processPending(context.Background())
			return
		case op := <-e.persistQ:
			e.execute(ctx, op)
		}
	}
}

// processPending 非阻塞地执行当前队列中的全部写入
func (e *Engine) processPending(ctx context.Context) {
	for {
		select {
		case op := <-e.persistQ:
			e.execute(ctx, op)
		default:
			return
		}
	}
}

func (e *Engine) execute(ctx context.Context, op persistOp) {
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.PersistTimeout)
	defer cancel()

	if err := op.apply(opCtx, e.store); err != nil {
		e.metrics.add(&e.metrics.StorageErrors)
		e.logger.Error("Failed to persist",
			zap.String("kind", op.kind),
			zap.Error(err),
		)
		e.reportStorage(err)
		return
	}
	if e.storageDown.Load() {
		e.reportStorage(nil)
	}
}

// reportStorage 存储结果回报给引擎：失败时开 storage_unavailable，首次成功时恢复
func (e *Engine) reportStorage(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if err != nil {
		e.storageFailedLocked(now, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err))
		return
	}
	e.storageRecoveredLocked(now)
}

func (e *Engine) storageFailedLocked(now time.Time, cause error) {
	if e.storageDown.Load() {
		return
	}
	e.storageDown.Store(true)
	e.logger.Error("Storage unavailable, continuing in memory", zap.Error(cause))

	m := e.evaluator.StorageUnavailable(cause, now)
	e.applyAlertLocked(m)
}

func (e *Engine) storageRecoveredLocked(now time.Time) {
	if !e.storageDown.Load() {
		return
	}
	e.storageDown.Store(false)
	e.logger.Info("Storage recovered")

	open, ok := e.book.FindUnresolved(models.SystemDeviceID, models.AlertStorageUnavailable)
	if !ok {
		return
	}
	if m, ok := evaluator.Resolve(open, now); ok {
		e.applyAlertLocked(m)
	}
}
