package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ReadingPurger 删除过期读数
type ReadingPurger interface {
	PurgeReadingsBefore(ctx context.Context, before time.Time) (int64, error)
}

// RetentionJob 按 cron 表达式定期清理超过保留天数的读数（告警不清理）
type RetentionJob struct {
	cron    *cron.Cron
	purger  ReadingPurger
	keep    time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewRetentionJob schedule 支持标准 5 段表达式和 @every 1h 这类描述符
func NewRetentionJob(schedule string, days int, purger ReadingPurger, logger *zap.Logger) (*RetentionJob, error) {
	if days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", days)
	}
	j := &RetentionJob{
		cron:    cron.New(),
		purger:  purger,
		keep:    time.Duration(days) * 24 * time.Hour,
		timeout: time.Minute,
		now:     time.Now,
		logger:  logger,
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *RetentionJob) Start() {
	j.logger.Info("Reading retention job started", zap.Duration("keep", j.keep))
	j.cron.Start()
}

// Stop 等待正在执行的清理结束
func (j *RetentionJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("Reading retention job stopped")
}

// RunOnce 执行一次清理，返回删除条数
func (j *RetentionJob) RunOnce(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	before := j.now().Add(-j.keep)
	n, err := j.purger.PurgeReadingsBefore(ctx, before)
	if err != nil {
		j.logger.Error("Failed to purge expired readings",
			zap.Time("before", before),
			zap.Error(err),
		)
		return 0
	}
	if n > 0 {
		j.logger.Info("Purged expired readings",
			zap.Int64("deleted", n),
			zap.Time("before", before),
		)
	}
	return n
}
