package evaluator

import (
	"fmt"
	"time"

	"wisefido-bpm/internal/models"

	"github.com/google/uuid"
)

// AlertBuilder 告警构建器（id 生成可替换，便于测试）
type AlertBuilder struct {
	newID func() string
}

// NewAlertBuilder 创建告警构建器
func NewAlertBuilder() *AlertBuilder {
	return &AlertBuilder{newID: func() string { return uuid.New().String() }}
}

// Build 构建告警
func (b *AlertBuilder) Build(deviceID string, alertType models.AlertType, severity models.Severity, message string, bpm *int, at time.Time) models.Alert {
	return models.Alert{
		ID:        b.newID(),
		DeviceID:  deviceID,
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		BPMValue:  bpm,
		CreatedAt: at,
	}
}

func thresholdMessage(alertType models.AlertType, bpm, threshold int) string {
	if alertType == models.AlertHighBPM {
		return fmt.Sprintf("BPM reading of %d exceeds threshold of %d", bpm, threshold)
	}
	return fmt.Sprintf("BPM reading of %d below threshold of %d", bpm, threshold)
}

func failoverMessage(to models.Source) string {
	if to == models.SourceCache {
		return "System failover: No live data source, serving cached data"
	}
	return fmt.Sprintf("System failover: Switched to %s data source", to)
}

func intPtr(v int) *int { return &v }
