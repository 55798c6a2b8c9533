package repository

import (
	"context"
	"time"

	"wisefido-bpm/internal/models"
)

// ReadingRepository 读数持久化
type ReadingRepository interface {
	SaveReading(ctx context.Context, r models.Reading) error
	RecentReadings(ctx context.Context, limit int) ([]models.Reading, error)
	// ReadingsInRange 历史查询：[start, end] 内某设备的读数，按时间升序
	ReadingsInRange(ctx context.Context, deviceID string, start, end time.Time) ([]models.Reading, error)
	PurgeReadingsBefore(ctx context.Context, before time.Time) (int64, error)
}

// AlertRepository 告警持久化（只 upsert，不删除）
type AlertRepository interface {
	SaveAlert(ctx context.Context, a models.Alert) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error)
}

// DeviceRepository 设备持久化
type DeviceRepository interface {
	SaveDevice(ctx context.Context, d models.Device) error
	ListDevices(ctx context.Context) ([]models.Device, error)
}

// StatusRepository SystemStatus 单例持久化
type StatusRepository interface {
	SaveSystemStatus(ctx context.Context, s models.SystemStatus) error
	// LoadSystemStatus 没有记录时返回 models.ErrNotFound
	LoadSystemStatus(ctx context.Context) (*models.SystemStatus, error)
}

// Store 引擎使用的全部持久化能力
type Store interface {
	ReadingRepository
	AlertRepository
	DeviceRepository
	StatusRepository
}
