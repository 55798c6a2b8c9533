package models

import "time"

// AlertType 告警类型
type AlertType string

const (
	AlertHighBPM            AlertType = "high_bpm"
	AlertLowBPM             AlertType = "low_bpm"
	AlertSourceFailover     AlertType = "source_failover"
	AlertDeviceOffline      AlertType = "device_offline"
	AlertStorageUnavailable AlertType = "storage_unavailable"
)

// Severity 告警级别
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank 用于比较级别高低
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// SystemDeviceID 非设备告警（存储故障、切换到 cache）使用的 deviceId
const SystemDeviceID = "SYSTEM"

// Alert 告警，只会被确认或自动恢复，不会删除
type Alert struct {
	ID           string     `json:"id"`
	DeviceID     string     `json:"deviceId"`
	Type         AlertType  `json:"type"`
	Severity     Severity   `json:"severity"`
	Message      string     `json:"message"`
	BPMValue     *int       `json:"bpmValue,omitempty"`
	Acknowledged bool       `json:"acknowledged"`
	CreatedAt    time.Time  `json:"createdAt"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}

// Open 未确认且未恢复
func (a *Alert) Open() bool {
	return !a.Acknowledged && a.ResolvedAt == nil
}

// IsThreshold 是否为阈值类告警（high_bpm/low_bpm）
func (t AlertType) IsThreshold() bool {
	return t == AlertHighBPM || t == AlertLowBPM
}
