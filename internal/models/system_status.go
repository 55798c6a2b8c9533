package models

import "time"

// SystemHealth 系统健康等级
type SystemHealth string

const (
	HealthHealthy  SystemHealth = "healthy"
	HealthDegraded SystemHealth = "degraded"
	HealthCritical SystemHealth = "critical"
)

// SystemStatus 进程级单例，只由仲裁器/评分器修改
type SystemStatus struct {
	ActiveSource           Source       `json:"activeSource"`
	FailoverCount          int          `json:"failoverCount"`
	LastPrimaryHeartbeat   time.Time    `json:"lastPrimaryHeartbeat"`
	LastSecondaryHeartbeat time.Time    `json:"lastSecondaryHeartbeat"`
	SystemHealth           SystemHealth `json:"systemHealth"`
	CacheHealthScore       float64      `json:"cacheHealthScore"`
	UpdatedAt              time.Time    `json:"updatedAt"`
}

// NewSystemStatus 初始状态：healthy / primary / failoverCount=0
// 两路心跳以启动时间为起点，各自获得一个完整的存活窗口
func NewSystemStatus(now time.Time) SystemStatus {
	return SystemStatus{
		ActiveSource:           SourcePrimary,
		FailoverCount:          0,
		LastPrimaryHeartbeat:   now,
		LastSecondaryHeartbeat: now,
		SystemHealth:           HealthHealthy,
		CacheHealthScore:       1,
		UpdatedAt:              now,
	}
}

// HealthFromScore 分数到健康等级：>=0.8 healthy，>=0.4 degraded，其余 critical
func HealthFromScore(score float64) SystemHealth {
	switch {
	case score >= 0.8:
		return HealthHealthy
	case score >= 0.4:
		return HealthDegraded
	default:
		return HealthCritical
	}
}
